package wgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/lumen-vj/lumen"
)

// uniformSize is the byte size of the per-pass uniform block: five scalars,
// three pad floats, iAudio vec4, iResolution vec2, two pad floats.
const uniformSize = 64

// gpuTimeout bounds every fence wait so a hung submission surfaces as an
// error instead of stalling the render thread forever.
const gpuTimeout = 5 * time.Second

// packUniforms serializes u into the std140 layout of the shared effect
// uniform block.
func packUniforms(u *lumen.Uniforms) []byte {
	buf := make([]byte, uniformSize)
	put := func(off int, v float32) {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
	}
	put(0, u.Intensity)
	put(4, u.IntensityIntegral)
	put(8, u.Step)
	put(12, u.Time)
	put(16, u.FPS)
	for i, v := range u.Audio {
		put(32+i*4, v)
	}
	put(48, u.Resolution[0])
	put(52, u.Resolution[1])
	return buf
}

// DrawPass renders one pass of a compiled program set into target with a
// single full-screen triangle. Each call is one submission followed by a
// fence wait, leaving no GPU state behind.
func (d *Device) DrawPass(programs lumen.ProgramSet, pass int, target lumen.Framebuffer,
	u *lumen.Uniforms, inputs []lumen.TextureID, noise lumen.TextureID,
	channels []lumen.TextureID) error {

	ps, ok := programs.(*programSet)
	if !ok {
		return fmt.Errorf("wgpu: foreign program set %T", programs)
	}
	if pass < 0 || pass >= len(ps.pipelines) {
		return fmt.Errorf("wgpu: pass %d out of range for effect %q", pass, ps.effect)
	}
	fb, ok := target.(*framebuffer)
	if !ok {
		return fmt.Errorf("wgpu: foreign framebuffer %T", target)
	}
	if len(inputs) != ps.inputCount || len(channels) != len(ps.pipelines) {
		return fmt.Errorf("wgpu: effect %q binding mismatch: %d/%d inputs, %d/%d channels",
			ps.effect, len(inputs), ps.inputCount, len(channels), len(ps.pipelines))
	}
	targetEntry, err := d.entryFor(fb.id)
	if err != nil {
		return err
	}

	uniformBuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "lumen_pass_uniform",
		Size:  uniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create uniform buffer: %w", err)
	}
	defer d.device.DestroyBuffer(uniformBuf)
	d.queue.WriteBuffer(uniformBuf, 0, packUniforms(u))

	entries := []gputypes.BindGroupEntry{
		{Binding: 0, Resource: gputypes.BufferBinding{
			Buffer: uniformBuf.NativeHandle(), Offset: 0, Size: uniformSize,
		}},
		{Binding: 1, Resource: gputypes.SamplerBinding{
			Sampler: d.sampler.NativeHandle(),
		}},
	}
	slot := uint32(2)
	for _, group := range [][]lumen.TextureID{inputs, {noise}, channels} {
		for _, id := range group {
			entry, err := d.entryFor(id)
			if err != nil {
				return err
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding: slot,
				Resource: gputypes.TextureViewBinding{
					TextureView: entry.view.NativeHandle(),
				},
			})
			slot++
		}
	}
	bindGroup, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "lumen_pass_bind",
		Layout:  ps.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(bindGroup)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "lumen_pass_encoder",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("lumen_pass"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "lumen_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       targetEntry.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 0},
		}},
	})
	rp.SetPipeline(ps.pipelines[pass])
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

// submitAndWait submits one command buffer and blocks until its fence
// signals.
func (d *Device) submitAndWait(cmdBuf hal.CommandBuffer) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	fenceOK, err := d.device.Wait(fence, 1, gpuTimeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("wgpu: wait for GPU: ok=%v err=%w", fenceOK, err)
	}
	return nil
}
