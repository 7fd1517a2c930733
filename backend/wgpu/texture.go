package wgpu

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/lumen-vj/lumen"
)

// textureEntry is the registry record backing one lumen.TextureID.
type textureEntry struct {
	tex    hal.Texture
	view   hal.TextureView
	width  int
	height int
}

// createTexture allocates an RGBA8 texture plus its view and registers both
// under a fresh handle.
func (d *Device) createTexture(label string, width, height int, usage gputypes.TextureUsage) (lumen.TextureID, error) {
	if width <= 0 || height <= 0 {
		return lumen.NilTexture, fmt.Errorf("wgpu: invalid texture size %dx%d", width, height)
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: label,
		Size: hal.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         usage,
	})
	if err != nil {
		return lumen.NilTexture, fmt.Errorf("wgpu: create texture %s: %w", label, err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return lumen.NilTexture, fmt.Errorf("wgpu: create texture view %s: %w", label, err)
	}

	d.texMu.Lock()
	d.nextID++
	id := d.nextID
	d.textures[id] = &textureEntry{tex: tex, view: view, width: width, height: height}
	d.texMu.Unlock()
	return id, nil
}

// entryFor resolves a handle. NilTexture resolves to the 1x1 fallback.
func (d *Device) entryFor(id lumen.TextureID) (*textureEntry, error) {
	if id == lumen.NilTexture {
		id = d.black
	}
	d.texMu.RLock()
	entry, ok := d.textures[id]
	d.texMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wgpu: unknown texture %d", id)
	}
	return entry, nil
}

func (d *Device) destroyTexture(id lumen.TextureID) {
	d.texMu.Lock()
	entry, ok := d.textures[id]
	if ok {
		delete(d.textures, id)
	}
	d.texMu.Unlock()
	if !ok {
		return
	}
	d.device.DestroyTextureView(entry.view)
	d.device.DestroyTexture(entry.tex)
}

// DestroyTexture releases a standalone texture such as a chain's noise
// texture. The null texture and unknown handles are no-ops.
func (d *Device) DestroyTexture(id lumen.TextureID) {
	if id == lumen.NilTexture {
		return
	}
	d.destroyTexture(id)
}

func (d *Device) uploadPixels(id lumen.TextureID, data []byte, width, height int) {
	entry, err := d.entryFor(id)
	if err != nil {
		return
	}
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: entry.tex, MipLevel: 0},
		data,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(width) * 4,
			RowsPerImage: uint32(height),
		},
		&hal.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
	)
}

// framebuffer pairs a render-target texture with its registry handle.
type framebuffer struct {
	dev *Device
	id  lumen.TextureID

	mu        sync.Mutex
	destroyed bool
}

var _ lumen.Framebuffer = (*framebuffer)(nil)

func (f *framebuffer) Texture() lumen.TextureID { return f.id }

func (f *framebuffer) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.mu.Unlock()
	f.dev.destroyTexture(f.id)
}

// CreateFramebuffer allocates a render target that is also sampleable and
// readable, which the intermediate ring requires.
func (d *Device) CreateFramebuffer(width, height int) (lumen.Framebuffer, error) {
	id, err := d.createTexture("lumen_fb", width, height,
		gputypes.TextureUsageRenderAttachment|
			gputypes.TextureUsageTextureBinding|
			gputypes.TextureUsageCopySrc)
	if err != nil {
		return nil, err
	}
	return &framebuffer{dev: d, id: id}, nil
}

// CreateNoiseTexture allocates a texture filled with uniform random RGBA
// noise, uploaded once at creation.
func (d *Device) CreateNoiseTexture(width, height int) (lumen.TextureID, error) {
	id, err := d.createTexture("lumen_noise", width, height,
		gputypes.TextureUsageTextureBinding|gputypes.TextureUsageCopyDst)
	if err != nil {
		return lumen.NilTexture, err
	}
	data := make([]byte, width*height*4)
	for i := 0; i+8 <= len(data); i += 8 {
		binary.LittleEndian.PutUint64(data[i:], rand.Uint64())
	}
	for i := len(data) &^ 7; i < len(data); i++ {
		data[i] = byte(rand.Uint32())
	}
	d.uploadPixels(id, data, width, height)
	return id, nil
}
