// Package screen bridges rendered frames to a host application window.
//
// A Screen implements lumen.Surface: each presented frame is read back from
// the render device and pushed to the host's draw context as an RGBA
// texture. The host side is duck-typed against the gpucontext texture
// surface so any framework exposing a TextureCreator/DrawTexture pair can
// present frames without importing lumen.
package screen

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"

	"github.com/lumen-vj/lumen"
)

var (
	// ErrClosed is returned when presenting on a closed screen.
	ErrClosed = errors.New("screen: closed")

	// ErrInvalidDrawContext is returned when the draw context does not
	// expose DrawTexture.
	ErrInvalidDrawContext = errors.New("screen: draw context cannot draw textures")

	// ErrInvalidRenderer is returned when the draw context has no texture
	// creator.
	ErrInvalidRenderer = errors.New("screen: draw context has no texture creator")
)

// Host-side duck types. These match the texture surface of gpucontext-based
// frameworks without pinning one concrete host.
type (
	textureDrawer interface {
		DrawTexture(tex any, x, y float32) error
	}
	textureCreator interface {
		NewTextureFromRGBA(width, height int, data []byte) (any, error)
	}
	textureUpdater interface {
		UpdateData(data []byte)
	}
	textureDestroyer interface {
		Destroy()
	}
)

// Screen presents chain output frames into a host draw context.
//
// Screen is NOT safe for concurrent Present calls; the render context
// already serializes frame delivery per consumer.
type Screen struct {
	dev      lumen.Device
	provider gpucontext.DeviceProvider
	drawer   any
	width    int
	height   int

	mu      sync.Mutex
	texture any
	closed  bool
}

var _ lumen.Surface = (*Screen)(nil)

// New creates a screen presenting width x height frames through drawer. The
// provider is the host's GPU context; it is kept so callers can share one
// device between the engine and the host window.
func New(dev lumen.Device, provider gpucontext.DeviceProvider, drawer any, width, height int) (*Screen, error) {
	if dev == nil {
		return nil, fmt.Errorf("screen: nil device")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("screen: invalid dimensions %dx%d", width, height)
	}
	if _, ok := drawer.(textureDrawer); !ok {
		return nil, ErrInvalidDrawContext
	}
	return &Screen{
		dev:      dev,
		provider: provider,
		drawer:   drawer,
		width:    width,
		height:   height,
	}, nil
}

// Provider returns the host GPU context the screen was created with, or nil
// after Close.
func (s *Screen) Provider() gpucontext.DeviceProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.provider
}

// Size returns the presented frame size.
func (s *Screen) Size() (width, height int) {
	return s.width, s.height
}

// Present reads the frame back and draws it into the host context. The
// host texture is created on first use and updated in place afterwards.
func (s *Screen) Present(tex lumen.TextureID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	pixels, err := s.dev.ReadTexture(tex, s.width, s.height)
	if err != nil {
		return fmt.Errorf("screen: read frame: %w", err)
	}

	if s.texture == nil {
		created, err := s.createTexture(pixels)
		if err != nil {
			return err
		}
		s.texture = created
	} else if updater, ok := s.texture.(textureUpdater); ok {
		updater.UpdateData(pixels)
	} else {
		// Host texture is immutable; recreate it per frame.
		if destroyer, ok := s.texture.(textureDestroyer); ok {
			destroyer.Destroy()
		}
		created, err := s.createTexture(pixels)
		if err != nil {
			s.texture = nil
			return err
		}
		s.texture = created
	}

	return s.drawer.(textureDrawer).DrawTexture(s.texture, 0, 0)
}

func (s *Screen) createTexture(pixels []byte) (any, error) {
	creator := creatorOf(s.drawer)
	if creator == nil {
		return nil, ErrInvalidRenderer
	}
	created, err := creator.NewTextureFromRGBA(s.width, s.height, pixels)
	if err != nil {
		return nil, fmt.Errorf("screen: create host texture: %w", err)
	}
	// Frame pixels carry premultiplied alpha; the host must composite with
	// BlendFactorOne.
	if pt, ok := created.(interface{ SetPremultiplied(bool) }); ok {
		pt.SetPremultiplied(true)
	}
	return created, nil
}

// creatorOf finds the host's texture creator, trying the two surfaces seen
// in the wild: a direct TextureCreator accessor or a Renderer that creates
// textures itself.
func creatorOf(drawer any) textureCreator {
	if tc, ok := drawer.(interface{ TextureCreator() any }); ok {
		if creator, ok := tc.TextureCreator().(textureCreator); ok {
			return creator
		}
	}
	if rp, ok := drawer.(interface{ Renderer() any }); ok {
		if creator, ok := rp.Renderer().(textureCreator); ok {
			return creator
		}
	}
	if creator, ok := drawer.(textureCreator); ok {
		return creator
	}
	return nil
}

// Close releases the host texture. Safe to call more than once.
func (s *Screen) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if destroyer, ok := s.texture.(textureDestroyer); ok {
		destroyer.Destroy()
	}
	s.texture = nil
	s.provider = nil
	s.drawer = nil
}
