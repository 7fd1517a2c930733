package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/lumen-vj/lumen"
)

// blitShaderSource samples the source texture across a full-screen triangle.
const blitShaderSource = `@group(0) @binding(0) var blitSampler: sampler;
@group(0) @binding(1) var blitSource: texture_2d<f32>;

struct FSIn {
    @builtin(position) pos: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@vertex
fn vs_main(@builtin(vertex_index) idx: u32) -> FSIn {
    var out: FSIn;
    let x = f32(i32(idx) / 2) * 4.0 - 1.0;
    let y = f32(i32(idx) % 2) * 4.0 - 1.0;
    out.pos = vec4<f32>(x, y, 0.0, 1.0);
    out.uv = vec2<f32>((x + 1.0) * 0.5, 1.0 - (y + 1.0) * 0.5);
    return out;
}

@fragment
fn fs_main(in: FSIn) -> @location(0) vec4<f32> {
    return textureSample(blitSource, blitSampler, in.uv);
}
`

type blitPipeline struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.RenderPipeline
}

func (b *blitPipeline) destroy(dev hal.Device) {
	if b.pipeline != nil {
		dev.DestroyRenderPipeline(b.pipeline)
	}
	if b.pipeLayout != nil {
		dev.DestroyPipelineLayout(b.pipeLayout)
	}
	if b.bindLayout != nil {
		dev.DestroyBindGroupLayout(b.bindLayout)
	}
	if b.module != nil {
		dev.DestroyShaderModule(b.module)
	}
}

// ensureBlit creates the blit pipeline on first use.
func (d *Device) ensureBlit() (*blitPipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blit != nil {
		return d.blit, nil
	}

	words, err := compileToSPIRV(blitShaderSource)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile blit shader: %w", err)
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "lumen_blit",
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create blit module: %w", err)
	}
	b := &blitPipeline{module: module}

	bindLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "lumen_blit_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		},
	})
	if err != nil {
		b.destroy(d.device)
		return nil, fmt.Errorf("wgpu: create blit bind layout: %w", err)
	}
	b.bindLayout = bindLayout

	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "lumen_blit_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		b.destroy(d.device)
		return nil, fmt.Errorf("wgpu: create blit pipeline layout: %w", err)
	}
	b.pipeLayout = pipeLayout

	pipeline, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "lumen_blit_pipeline",
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
		},
		Fragment: &hal.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    gputypes.TextureFormatRGBA8Unorm,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		b.destroy(d.device)
		return nil, fmt.Errorf("wgpu: create blit pipeline: %w", err)
	}
	b.pipeline = pipeline

	d.blit = b
	return b, nil
}

// Blit copies src into dst through the textured full-screen triangle.
func (d *Device) Blit(src lumen.TextureID, dst lumen.Framebuffer) error {
	fb, ok := dst.(*framebuffer)
	if !ok {
		return fmt.Errorf("wgpu: foreign framebuffer %T", dst)
	}
	srcEntry, err := d.entryFor(src)
	if err != nil {
		return err
	}
	dstEntry, err := d.entryFor(fb.id)
	if err != nil {
		return err
	}
	blit, err := d.ensureBlit()
	if err != nil {
		return err
	}

	bindGroup, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "lumen_blit_bind",
		Layout: blit.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.SamplerBinding{
				Sampler: d.sampler.NativeHandle(),
			}},
			{Binding: 1, Resource: gputypes.TextureViewBinding{
				TextureView: srcEntry.view.NativeHandle(),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create blit bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(bindGroup)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "lumen_blit_encoder",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("lumen_blit"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "lumen_blit",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       dstEntry.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 0},
		}},
	})
	rp.SetPipeline(blit.pipeline)
	rp.SetBindGroup(0, bindGroup, nil)
	rp.Draw(3, 1, 0, 0)
	rp.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	return d.submitAndWait(cmdBuf)
}
