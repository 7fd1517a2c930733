package lumen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeDevice records every GPU call so tests can assert on pass order, ring
// slot usage, and texture wiring without a real backend.
type fakeDevice struct {
	mu     sync.Mutex
	nextID TextureID

	draws     []drawRecord
	destroyed []TextureID

	compileErr  error
	drawErr     error
	readPixel   byte
	fbByTexture map[TextureID]*fakeFramebuffer
}

type drawRecord struct {
	effect   string
	pass     int
	target   TextureID
	uniforms Uniforms
	inputs   []TextureID
	noise    TextureID
	channels []TextureID
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{fbByTexture: make(map[TextureID]*fakeFramebuffer)}
}

func (d *fakeDevice) alloc() TextureID {
	d.nextID++
	return d.nextID
}

func (d *fakeDevice) CreateFramebuffer(w, h int) (Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb := &fakeFramebuffer{dev: d, id: d.alloc(), w: w, h: h}
	d.fbByTexture[fb.id] = fb
	return fb, nil
}

func (d *fakeDevice) CreateNoiseTexture(w, h int) (TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alloc(), nil
}

func (d *fakeDevice) DestroyTexture(tex TextureID) {
	if tex == NilTexture {
		return
	}
	d.mu.Lock()
	d.destroyed = append(d.destroyed, tex)
	d.mu.Unlock()
}

func (d *fakeDevice) CompileProgramSet(effect string, passes []PassSource) (ProgramSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.compileErr != nil {
		return nil, d.compileErr
	}
	if len(passes) == 0 {
		return nil, errors.New("no passes")
	}
	return &fakeProgramSet{effect: effect, passes: len(passes)}, nil
}

func (d *fakeDevice) DrawPass(programs ProgramSet, pass int, target Framebuffer, u *Uniforms, inputs []TextureID, noise TextureID, channels []TextureID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drawErr != nil {
		return d.drawErr
	}
	ps := programs.(*fakeProgramSet)
	if ps.destroyed {
		return errors.New("draw with destroyed program set")
	}
	if pass < 0 || pass >= ps.passes {
		return fmt.Errorf("pass %d out of range", pass)
	}
	d.draws = append(d.draws, drawRecord{
		effect:   ps.effect,
		pass:     pass,
		target:   target.Texture(),
		uniforms: *u,
		inputs:   append([]TextureID(nil), inputs...),
		noise:    noise,
		channels: append([]TextureID(nil), channels...),
	})
	return nil
}

func (d *fakeDevice) Blit(src TextureID, dst Framebuffer) error {
	return nil
}

func (d *fakeDevice) ReadTexture(tex TextureID, width, height int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, width*height*4)
	for i := range out {
		out[i] = d.readPixel
	}
	return out, nil
}

func (d *fakeDevice) drawCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.draws)
}

func (d *fakeDevice) drawAt(i int) drawRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draws[i]
}

func (d *fakeDevice) destroyedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.destroyed)
}

func (d *fakeDevice) resetDraws() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draws = nil
}

type fakeFramebuffer struct {
	dev *fakeDevice
	id  TextureID
	w   int
	h   int

	mu        sync.Mutex
	destroyed bool
}

func (f *fakeFramebuffer) Texture() TextureID { return f.id }

func (f *fakeFramebuffer) Destroy() {
	f.mu.Lock()
	already := f.destroyed
	f.destroyed = true
	f.mu.Unlock()
	if already {
		return
	}
	f.dev.mu.Lock()
	f.dev.destroyed = append(f.dev.destroyed, f.id)
	f.dev.mu.Unlock()
}

type fakeProgramSet struct {
	effect    string
	passes    int
	destroyed bool
}

func (p *fakeProgramSet) PassCount() int { return p.passes }
func (p *fakeProgramSet) Destroy()       { p.destroyed = true }

var (
	_ Device     = (*fakeDevice)(nil)
	_ ProgramSet = (*fakeProgramSet)(nil)
)

func sleepShort() { time.Sleep(2 * time.Millisecond) }

// waitReady polls a node until it reports ready or the deadline passes.
func waitReady(n VideoNode, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if n.Ready() {
			return true
		}
		sleepShort()
	}
	return n.Ready()
}

// fixedTimebase makes frame timing deterministic in tests.
type fixedTimebase struct {
	mu   sync.Mutex
	beat float64
	wall float64
}

func (t *fixedTimebase) Beat() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beat
}

func (t *fixedTimebase) WallTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wall
}

func (t *fixedTimebase) advance(dt float64) {
	t.mu.Lock()
	t.wall += dt
	t.beat += dt * 2
	t.mu.Unlock()
}
