package lumen

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"
)

// Surface is a presentation target for an output node, typically a window or
// fullscreen swapchain on a named screen. Present runs on the render thread.
type Surface interface {
	Present(tex TextureID) error
}

// OutputNode is the terminal consumer of a chain: it latches the most recent
// root texture, forwards it to an attached Surface, and can produce CPU-side
// preview images for UI thumbnails.
type OutputNode struct {
	dev   Device
	chain *Chain

	notify Notifier

	// last holds the most recent root texture, readable from any thread.
	last atomic.Uint64

	mu         sync.Mutex
	screenName string
	found      bool
	surface    Surface
	resolver   ScreenResolver
	probeIn    int
}

// ScreenResolver maps a screen name to a presentation surface, or nil when
// no such screen is currently attached to the host.
type ScreenResolver func(name string) Surface

// screenProbeInterval is how many consumed frames pass between resolver
// probes for a still-unresolved screen, about one second at nominal FPS.
const screenProbeInterval = 60

var _ FrameConsumer = (*OutputNode)(nil)

// OutputNodeOption configures an OutputNode.
type OutputNodeOption func(*OutputNode)

// WithOutputNotifier routes the output node's events to n instead of the
// package logger.
func WithOutputNotifier(n Notifier) OutputNodeOption {
	return func(o *OutputNode) { o.notify = n }
}

// WithScreenResolver lets the node re-probe the requested screen name on its
// own: while unresolved, r is retried periodically from the render thread.
// Without a resolver the host must call SetSurface itself.
func WithScreenResolver(r ScreenResolver) OutputNodeOption {
	return func(o *OutputNode) { o.resolver = r }
}

// NewOutputNode creates an output node for one chain.
func NewOutputNode(dev Device, chain *Chain, opts ...OutputNodeOption) *OutputNode {
	o := &OutputNode{
		dev:    dev,
		chain:  chain,
		notify: logNotifier,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chain returns the chain this node consumes.
func (o *OutputNode) Chain() *Chain { return o.chain }

// Consume implements FrameConsumer. It latches the texture and presents it
// to the attached surface, if any. A failed present logs and drops the frame.
func (o *OutputNode) Consume(tex TextureID) {
	o.last.Store(uint64(tex))
	o.maybeProbe()
	o.mu.Lock()
	s := o.surface
	o.mu.Unlock()
	if s == nil || tex == NilTexture {
		return
	}
	if err := s.Present(tex); err != nil {
		Logger().Warn("present failed", "screen", o.ScreenName(), "err", err)
	}
}

// LastTexture returns the most recently consumed root texture, or NilTexture
// before the first frame.
func (o *OutputNode) LastTexture() TextureID {
	return TextureID(o.last.Load())
}

// SetScreenName selects the display this output should appear on. Attachment
// is asynchronous: the host resolves the name against its screen list and
// calls SetSurface, at which point Found flips true.
func (o *OutputNode) SetScreenName(name string) {
	o.mu.Lock()
	if name == o.screenName {
		o.mu.Unlock()
		return
	}
	o.screenName = name
	o.surface = nil
	o.found = false
	o.probeIn = 0
	o.mu.Unlock()
	o.notify(Event{Kind: EventNameChanged, Name: name})
}

// maybeProbe retries the screen resolver while the requested screen is
// unresolved, at most once per screenProbeInterval consumed frames.
func (o *OutputNode) maybeProbe() {
	o.mu.Lock()
	if o.resolver == nil || o.surface != nil || o.screenName == "" {
		o.mu.Unlock()
		return
	}
	if o.probeIn > 0 {
		o.probeIn--
		o.mu.Unlock()
		return
	}
	o.probeIn = screenProbeInterval - 1
	name := o.screenName
	r := o.resolver
	o.mu.Unlock()

	if s := r(name); s != nil {
		o.SetSurface(s)
	}
}

// ScreenName returns the requested screen name.
func (o *OutputNode) ScreenName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screenName
}

// SetSurface attaches (or with nil, detaches) the presentation surface.
// Attaching fires a found event.
func (o *OutputNode) SetSurface(s Surface) {
	o.mu.Lock()
	o.surface = s
	wasFound := o.found
	o.found = s != nil
	name := o.screenName
	o.mu.Unlock()
	if s != nil && !wasFound {
		o.notify(Event{Kind: EventFound, Name: name})
	}
}

// Found reports whether the requested screen has been resolved to a surface.
func (o *OutputNode) Found() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.found
}

// Preview reads back the latest frame and scales it to fit within
// maxW x maxH, preserving aspect ratio. Intended for UI thumbnails, not the
// render path; it stalls on GPU readback. Returns nil before the first frame.
func (o *OutputNode) Preview(maxW, maxH int) (*image.RGBA, error) {
	tex := o.LastTexture()
	if tex == NilTexture {
		return nil, nil
	}
	w, h := o.chain.Resolution()
	pixels, err := o.dev.ReadTexture(tex, w, h)
	if err != nil {
		return nil, fmt.Errorf("preview readback: %w", err)
	}
	src := &image.RGBA{
		Pix:    pixels,
		Stride: w * 4,
		Rect:   image.Rect(0, 0, w, h),
	}
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return src, nil
	}

	outW, outH := fitWithin(w, h, maxW, maxH)
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst, nil
}

// fitWithin scales (w, h) down to fit inside (maxW, maxH) keeping aspect
// ratio, never below 1x1.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	outW, outH := w, h
	if outW > maxW {
		outH = outH * maxW / outW
		outW = maxW
	}
	if outH > maxH {
		outW = outW * maxH / outH
		outH = maxH
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}
