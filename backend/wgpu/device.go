package wgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/lumen-vj/lumen"
)

// Device is the production lumen.Device. It owns a texture registry mapping
// opaque lumen handles to HAL textures, a shared linear-clamp sampler, and
// one lazily created blit pipeline.
type Device struct {
	mu       sync.Mutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	owned    bool
	closed   bool

	sampler hal.Sampler
	blit    *blitPipeline

	// black is a 1x1 transparent texture bound in place of NilTexture
	// inputs so every declared binding slot stays populated.
	black lumen.TextureID

	texMu    sync.RWMutex
	nextID   lumen.TextureID
	textures map[lumen.TextureID]*textureEntry
}

var _ lumen.Device = (*Device)(nil)

// New creates a device on its own GPU context, preferring a discrete or
// integrated adapter.
func New() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	d := &Device{
		instance: instance,
		device:   openDev.Device,
		queue:    openDev.Queue,
		owned:    true,
		textures: make(map[lumen.TextureID]*textureEntry),
	}
	if err := d.initCommon(); err != nil {
		d.device.Destroy()
		instance.Destroy()
		return nil, err
	}
	lumen.Logger().Info("wgpu: device initialized", "adapter", selected.Info.Name)
	return d, nil
}

// NewWithProvider creates a device on a GPU context shared by a host
// application. The provider must expose HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue.
func NewWithProvider(provider any) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}

	d := &Device{
		device:   device,
		queue:    queue,
		owned:    false,
		textures: make(map[lumen.TextureID]*textureEntry),
	}
	if err := d.initCommon(); err != nil {
		return nil, err
	}
	lumen.Logger().Info("wgpu: device initialized on shared context")
	return d, nil
}

func (d *Device) initCommon() error {
	sampler, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "lumen_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create sampler: %w", err)
	}
	d.sampler = sampler

	black, err := d.createTexture("lumen_black", 1, 1,
		gputypes.TextureUsageTextureBinding|gputypes.TextureUsageCopyDst)
	if err != nil {
		d.device.DestroySampler(sampler)
		return fmt.Errorf("wgpu: create fallback texture: %w", err)
	}
	d.uploadPixels(black, []byte{0, 0, 0, 0}, 1, 1)
	d.black = black
	return nil
}

// HalDevice exposes the underlying HAL device so further components can
// share this GPU context.
func (d *Device) HalDevice() any { return d.device }

// HalQueue exposes the underlying HAL queue.
func (d *Device) HalQueue() any { return d.queue }

// Close destroys all registered textures and device-owned resources. When
// the GPU context was borrowed via NewWithProvider it is left untouched.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true

	d.texMu.Lock()
	for id, entry := range d.textures {
		d.device.DestroyTextureView(entry.view)
		d.device.DestroyTexture(entry.tex)
		delete(d.textures, id)
	}
	d.texMu.Unlock()

	if d.blit != nil {
		d.blit.destroy(d.device)
		d.blit = nil
	}
	if d.sampler != nil {
		d.device.DestroySampler(d.sampler)
		d.sampler = nil
	}
	if d.owned {
		if d.device != nil {
			d.device.Destroy()
		}
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
}
