package lumen

import (
	"math"
	"strconv"
	"time"
)

// Nominal timing constants for the intensity integrator. NominalFPS is a
// fixed constant, not the measured frame rate: the integral's phase must not
// pick up jitter from actual render timing.
const (
	NominalFPS  = 60.0
	MaxIntegral = 1024.0

	// tickPeriod drives the integrator independently of the render loop.
	tickPeriod = 10 * time.Millisecond
)

// EffectNode is a VideoNode backed by a multi-pass shader effect. Its
// intensity knob is clamped to [0, 1]; the intensity integral accumulates
// continuously at a fixed tick so effects can modulate on a phase that is
// independent of transient intensity changes and frame-rate jitter.
type EffectNode struct {
	core nodeCore

	dev      Device
	loader   *Loader
	timebase Timebase
	audio    AudioSource
	notify   Notifier

	// Guarded by core.mu on the live node; immutable on snapshots.
	intensity         float64
	intensityIntegral float64
	programs          ProgramSet
	passCount         int

	// generation increments on every setName/reload. A finished load is
	// applied only if its generation still matches, so a stale result can
	// never clobber state from a newer load.
	generation uint64

	// snapshot marks render copies. Snapshots never lock, tick, or load.
	snapshot bool

	tickStop chan struct{}
	closed   bool
}

var _ VideoNode = (*EffectNode)(nil)

// EffectNodeOption configures an EffectNode.
type EffectNodeOption func(*EffectNode)

// WithNotifier routes the node's events to n instead of the package logger.
func WithNotifier(n Notifier) EffectNodeOption {
	return func(e *EffectNode) { e.notify = n }
}

// WithAudio wires an audio source; the default reports silence.
func WithAudio(a AudioSource) EffectNodeOption {
	return func(e *EffectNode) { e.audio = a }
}

// NewEffectNode creates an unloaded effect node. Call SetName to start the
// first load. The node's periodic integrator starts immediately and runs
// until Close.
func NewEffectNode(dev Device, loader *Loader, timebase Timebase, opts ...EffectNodeOption) *EffectNode {
	n := &EffectNode{
		core:     newNodeCore(1),
		dev:      dev,
		loader:   loader,
		timebase: timebase,
		audio:    SilentAudio{},
		notify:   logNotifier,
		tickStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.runTicker()
	return n
}

// Close stops the periodic integrator and releases the node's GPU resources.
// The node must no longer be referenced by any graph or in-flight frame.
func (n *EffectNode) Close() error {
	n.core.mu.Lock()
	if n.closed {
		n.core.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	// Invalidate any in-flight load.
	n.generation++
	programs := n.programs
	n.programs = nil
	n.core.ready = false
	var fbs []Framebuffer
	for _, rs := range n.core.states {
		fbs = append(fbs, rs.framebuffers()...)
	}
	n.core.states = make(map[*Chain]*RenderState)
	fbs = append(fbs, n.core.takeRetired()...)
	n.core.mu.Unlock()

	close(n.tickStop)
	for _, fb := range fbs {
		fb.Destroy()
	}
	if programs != nil {
		programs.Destroy()
	}
	return nil
}

// runTicker drives the intensity integral at a fixed period, independent of
// and typically faster than the render loop.
func (n *EffectNode) runTicker() {
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-n.tickStop:
			return
		case <-t.C:
			n.tick()
		}
	}
}

// tick advances the intensity integral by one fixed-period step.
func (n *EffectNode) tick() {
	n.core.mu.Lock()
	n.intensityIntegral = math.Mod(n.intensityIntegral+n.intensity/NominalFPS, MaxIntegral)
	n.core.mu.Unlock()
}

// Name returns the node's current effect name.
func (n *EffectNode) Name() string {
	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	return n.core.name
}

// SetName changes the effect and dispatches an asynchronous load. The node
// is immediately marked unready; it becomes ready again only when the new
// load succeeds. Setting the current name is a no-op.
func (n *EffectNode) SetName(name string) {
	n.core.mu.Lock()
	if n.closed || name == n.core.name {
		n.core.mu.Unlock()
		return
	}
	n.core.name = name
	n.core.ready = false
	n.generation++
	gen := n.generation
	n.core.mu.Unlock()

	n.notify(Event{Kind: EventNameChanged, Name: name})
	n.loader.enqueue(loadJob{node: n, name: name, generation: gen})
}

// Reload re-dispatches a load of the current effect name, clearing ready
// until it completes.
func (n *EffectNode) Reload() {
	n.core.mu.Lock()
	if n.closed {
		n.core.mu.Unlock()
		return
	}
	n.core.ready = false
	n.generation++
	gen := n.generation
	name := n.core.name
	n.core.mu.Unlock()

	n.loader.enqueue(loadJob{node: n, name: name, generation: gen})
}

// Ready reports whether the node's program set matches its current name.
func (n *EffectNode) Ready() bool {
	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	return n.core.ready
}

// InputCount returns the number of upstream inputs the effect consumes.
func (n *EffectNode) InputCount() int {
	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	return n.core.inputCount
}

// Intensity returns the current intensity in [0, 1].
func (n *EffectNode) Intensity() float64 {
	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	return n.intensity
}

// SetIntensity sets the intensity, clamping to [0, 1]. The change
// notification fires at most once per distinct value.
func (n *EffectNode) SetIntensity(v float64) {
	if v > 1 {
		v = 1
	}
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	n.core.mu.Lock()
	if v == n.intensity {
		n.core.mu.Unlock()
		return
	}
	n.intensity = v
	name := n.core.name
	n.core.mu.Unlock()
	n.notify(Event{Kind: EventIntensityChanged, Name: name, Value: v})
}

// IntensityIntegral returns the accumulated intensity phase in
// [0, MaxIntegral).
func (n *EffectNode) IntensityIntegral() float64 {
	n.core.mu.Lock()
	defer n.core.mu.Unlock()
	return n.intensityIntegral
}

// ChainsEdited implements VideoNode.
func (n *EffectNode) ChainsEdited(added, removed []*Chain) {
	n.core.chainsEdited(added, removed)
}

// CreateCopyForRendering implements VideoNode: it produces the node's frame
// snapshot under the lock. Framebuffers retired by chain detachment since
// the previous snapshot are destroyed here — at this point the render thread
// has finished with the previous copy, so nothing can still reference them.
func (n *EffectNode) CreateCopyForRendering() VideoNode {
	n.core.mu.Lock()
	snap := &EffectNode{
		core: nodeCore{
			name:       n.core.name,
			inputCount: n.core.inputCount,
			ready:      n.core.ready,
			states:     n.core.cloneStates(),
		},
		dev:               n.dev,
		timebase:          n.timebase,
		audio:             n.audio,
		intensity:         n.intensity,
		intensityIntegral: n.intensityIntegral,
		programs:          n.programs,
		passCount:         n.passCount,
		snapshot:          true,
	}
	retired := n.core.takeRetired()
	n.core.mu.Unlock()

	for _, fb := range retired {
		fb.Destroy()
	}
	return snap
}

// CopyBackRenderState implements VideoNode.
func (n *EffectNode) CopyBackRenderState(chain *Chain, snapshot VideoNode) {
	snap, ok := snapshot.(*EffectNode)
	if !ok || !snap.snapshot {
		Logger().Warn("copy-back with a non-snapshot node", "node", n.Name())
		return
	}
	from, ok := snap.core.states[chain]
	if !ok {
		return
	}
	n.core.mu.Lock()
	n.core.mergeStateLocked(chain, from, n.passCount+1)
	n.core.mu.Unlock()
}

// Paint implements VideoNode. It must be called on a snapshot: the snapshot
// is never mutated concurrently, so no locking happens on the paint path.
//
// Passes execute in reverse declaration order. Pass j writes ring slot
// (ringIndex+j+1) mod (passCount+1) and reads every pass's most recent
// output at (ringIndex+k+tie) mod (passCount+1), where tie is 1 when j < k:
// passes that have not yet run this frame read last frame's value, passes
// that already ran read the fresh one.
func (n *EffectNode) Paint(chain *Chain, inputs []TextureID) TextureID {
	if !n.core.ready {
		Logger().Debug("paint on unready node", "node", n.core.name)
		return NilTexture
	}
	rs, ok := n.core.states[chain]
	if !ok {
		Logger().Debug("paint for unattached chain", "node", n.core.name, "chain", chain.String())
		return NilTexture
	}

	p := n.passCount
	ringSize := p + 1
	if len(rs.intermediate) == 0 {
		w, h := chain.Resolution()
		ring := make([]Framebuffer, 0, ringSize)
		for i := 0; i < ringSize; i++ {
			fb, err := n.dev.CreateFramebuffer(w, h)
			if err != nil {
				Logger().Warn("framebuffer allocation failed", "node", n.core.name, "err", err)
				for _, f := range ring {
					f.Destroy()
				}
				return NilTexture
			}
			ring = append(ring, fb)
		}
		rs.intermediate = ring
		rs.fresh = true
	}

	wall := n.timebase.WallTime()
	step := 0.0
	if rs.lastTime > 0 {
		step = wall - rs.lastTime
	}
	rs.lastTime = wall
	low, mid, high, overall := n.audio.Levels()
	w, h := chain.Resolution()
	u := Uniforms{
		Intensity:         float32(n.intensity),
		IntensityIntegral: float32(n.intensityIntegral),
		Step:              float32(step),
		Time:              float32(n.timebase.Beat()),
		FPS:               NominalFPS,
		Audio:             [4]float32{float32(low), float32(mid), float32(high), float32(overall)},
		Resolution:        [2]float32{float32(w), float32(h)},
	}

	channels := make([]TextureID, p)
	for j := p - 1; j >= 0; j-- {
		outSlot := (rs.ringIndex + j + 1) % ringSize
		for k := 0; k < p; k++ {
			tie := 0
			if j < k {
				tie = 1
			}
			channels[k] = rs.intermediate[(rs.ringIndex+k+tie)%ringSize].Texture()
		}
		err := n.dev.DrawPass(n.programs, j, rs.intermediate[outSlot], &u,
			inputs, chain.NoiseTexture(), channels)
		if err != nil {
			Logger().Warn("pass draw failed", "node", n.core.name, "pass", j, "err", err)
			return NilTexture
		}
	}

	out := rs.intermediate[(rs.ringIndex+1)%ringSize].Texture()
	rs.ringIndex = (rs.ringIndex + 1) % ringSize
	return out
}

// applyLoad is called by the loader worker when a load finishes. The result
// is applied only if its generation still matches the node's: a stale result
// from a superseded setName/reload is discarded. Failed loads emit a fatal
// event and leave any previously loaded programs intact and paintable.
func (n *EffectNode) applyLoad(res loadResult) {
	n.core.mu.Lock()
	if n.closed || res.generation != n.generation {
		n.core.mu.Unlock()
		Logger().Debug("discarding stale load result", "name", res.name,
			"generation", res.generation)
		if res.programs != nil {
			res.programs.Destroy()
		}
		return
	}

	if res.err != nil {
		name := n.core.name
		n.core.mu.Unlock()
		n.notify(Event{Kind: EventFatal, Name: name, Message: res.err.Error(), Path: res.path})
		return
	}

	for key, value := range res.properties {
		if err := n.applyPropertyLocked(key, value); err != nil {
			Logger().Warn("skipping effect property", "node", n.core.name,
				"property", key, "err", err)
		}
	}
	old := n.programs
	n.programs = res.programs
	n.passCount = res.programs.PassCount()
	// Rings sized for a different pass count can no longer be indexed by the
	// paint walk. Retire them so the next paint reallocates at the new size.
	ringSize := n.passCount + 1
	for _, rs := range n.core.states {
		if len(rs.intermediate) != 0 && len(rs.intermediate) != ringSize {
			n.core.retired = append(n.core.retired, rs.intermediate...)
			rs.intermediate = nil
			rs.ringIndex = 0
		}
	}
	n.core.ready = true
	name := n.core.name
	n.core.mu.Unlock()

	// The old set may still be referenced by the current frame's snapshot;
	// its destruction is deferred the same way detached framebuffers are.
	if old != nil {
		n.deferProgramDestroy(old)
	}
	n.notify(Event{Kind: EventMessage, Name: name, Message: "effect loaded"})
}

// deferProgramDestroy parks a superseded program set until the next snapshot
// point, mirroring the framebuffer retirement rule.
func (n *EffectNode) deferProgramDestroy(ps ProgramSet) {
	n.core.mu.Lock()
	n.core.retired = append(n.core.retired, programRetirer{ps})
	n.core.mu.Unlock()
}

// programRetirer adapts a ProgramSet to the framebuffer retirement list.
type programRetirer struct{ ps ProgramSet }

func (p programRetirer) Texture() TextureID { return NilTexture }
func (p programRetirer) Destroy()           { p.ps.Destroy() }

// applyPropertyLocked resolves a parsed property against the effect property
// registry. Unknown or invalid properties are reported, never fatal.
// Caller must hold core.mu.
func (n *EffectNode) applyPropertyLocked(key, value string) error {
	set, ok := effectProperties[normalizeProperty(key)]
	if !ok {
		return ErrProperty
	}
	return set(n, value)
}

// effectProperties is the static named-setter registry for effect source
// properties. Names are matched case-insensitively; registration happens
// once here instead of by runtime introspection.
var effectProperties = map[string]func(*EffectNode, string) error{
	"inputcount": func(n *EffectNode, value string) error {
		count, err := strconv.Atoi(value)
		if err != nil || count < 0 {
			return ErrProperty
		}
		n.core.inputCount = count
		return nil
	},
}

func normalizeProperty(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
