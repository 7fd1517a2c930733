package wgpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/lumen-vj/lumen"
)

// programSet holds one render pipeline per pass plus the layouts they share.
// The binding layout is fixed by the generated pass source: uniform buffer,
// sampler, then one texture slot per input, the noise texture, and one
// channel per pass.
type programSet struct {
	dev        *Device
	effect     string
	inputCount int

	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	modules    []hal.ShaderModule
	pipelines  []hal.RenderPipeline

	mu        sync.Mutex
	destroyed bool
}

var _ lumen.ProgramSet = (*programSet)(nil)

func (p *programSet) PassCount() int { return len(p.pipelines) }

func (p *programSet) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	dev := p.dev.device
	for _, pl := range p.pipelines {
		if pl != nil {
			dev.DestroyRenderPipeline(pl)
		}
	}
	if p.pipeLayout != nil {
		dev.DestroyPipelineLayout(p.pipeLayout)
	}
	if p.bindLayout != nil {
		dev.DestroyBindGroupLayout(p.bindLayout)
	}
	for _, m := range p.modules {
		if m != nil {
			dev.DestroyShaderModule(m)
		}
	}
}

// compileToSPIRV compiles WGSL source to SPIR-V words through naga.
func compileToSPIRV(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// inputCountOf recovers the input slot count from the generated binding
// declarations of a pass source.
func inputCountOf(src string) int {
	return strings.Count(src, "var iInput")
}

// CompileProgramSet compiles every pass of an effect into a render pipeline.
// Any failure destroys the partial set and reports the failing pass.
func (d *Device) CompileProgramSet(effect string, passes []lumen.PassSource) (lumen.ProgramSet, error) {
	if len(passes) == 0 {
		return nil, fmt.Errorf("%w: effect %q has no passes", lumen.ErrCompile, effect)
	}
	inputCount := inputCountOf(passes[0].Source)
	passCount := len(passes)

	// Binding slot contract: uniforms, sampler, inputs, noise, channels.
	entries := []gputypes.BindGroupLayoutEntry{
		{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		},
		{
			Binding:    1,
			Visibility: gputypes.ShaderStageFragment,
			Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
		},
	}
	textureSlots := inputCount + 1 + passCount
	for i := 0; i < textureSlots; i++ {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(2 + i),
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		})
	}

	bindLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   fmt.Sprintf("%s_bind_layout", effect),
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: effect %q bind group layout: %v", lumen.ErrCompile, effect, err)
	}
	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            fmt.Sprintf("%s_pipe_layout", effect),
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(bindLayout)
		return nil, fmt.Errorf("%w: effect %q pipeline layout: %v", lumen.ErrCompile, effect, err)
	}

	ps := &programSet{
		dev:        d,
		effect:     effect,
		inputCount: inputCount,
		bindLayout: bindLayout,
		pipeLayout: pipeLayout,
		modules:    make([]hal.ShaderModule, 0, passCount),
		pipelines:  make([]hal.RenderPipeline, 0, passCount),
	}

	premulBlend := gputypes.BlendStatePremultiplied()
	for _, pass := range passes {
		words, err := compileToSPIRV(pass.Source)
		if err != nil {
			ps.Destroy()
			return nil, fmt.Errorf("%w: effect %q pass %d: %v", lumen.ErrCompile, effect, pass.Index, err)
		}
		module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  fmt.Sprintf("%s_pass%d", effect, pass.Index),
			Source: hal.ShaderSource{SPIRV: words},
		})
		if err != nil {
			ps.Destroy()
			return nil, fmt.Errorf("%w: effect %q pass %d module: %v", lumen.ErrCompile, effect, pass.Index, err)
		}
		ps.modules = append(ps.modules, module)

		pipeline, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
			Label:  fmt.Sprintf("%s_pass%d_pipeline", effect, pass.Index),
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
						Blend:     &premulBlend,
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
			ps.Destroy()
			return nil, fmt.Errorf("%w: effect %q pass %d pipeline: %v", lumen.ErrCompile, effect, pass.Index, err)
		}
		ps.pipelines = append(ps.pipelines, pipeline)
	}
	return ps, nil
}
