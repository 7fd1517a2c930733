package lumen

import (
	"errors"
	"math"
	"sync"
	"testing"
)

// eventRecorder captures notifier events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) waitFor(kind EventKind, attempts int) (Event, bool) {
	for i := 0; i < attempts; i++ {
		if e, ok := r.last(kind); ok {
			return e, true
		}
		sleepShort()
	}
	return r.last(kind)
}

// newTestNode builds a node over the fake device with an in-memory effect
// library. Callers must Close both the node and the loader.
func newTestNode(t *testing.T, effects map[string]string) (*EffectNode, *Loader, *fakeDevice, *eventRecorder) {
	t.Helper()
	dev := newFakeDevice()
	lib := NewEffectLibrary()
	for name, src := range effects {
		lib.Register(name, src)
	}
	loader := NewLoader(dev, lib)
	rec := &eventRecorder{}
	tb := &fixedTimebase{}
	node := NewEffectNode(dev, loader, tb, WithNotifier(rec.notify))
	t.Cleanup(func() {
		node.Close()
		loader.Close()
	})
	return node, loader, dev, rec
}

func TestEffectNodeSetIntensity(t *testing.T) {
	node, _, _, _ := newTestNode(t, nil)

	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{1.5, 1},
		{-3, 0},
		{0.25, 0.25},
	}
	for _, tt := range tests {
		node.SetIntensity(tt.in)
		if got := node.Intensity(); got != tt.want {
			t.Errorf("SetIntensity(%v): Intensity = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestEffectNodeIntensityChangeDedup(t *testing.T) {
	node, _, _, rec := newTestNode(t, nil)

	node.SetIntensity(0.5)
	node.SetIntensity(0.5)
	node.SetIntensity(0.5)
	if got := rec.count(EventIntensityChanged); got != 1 {
		t.Errorf("%d change events for repeated value; want 1", got)
	}

	node.SetIntensity(2)
	node.SetIntensity(1)
	// Both calls clamp to 1; only the first is a change.
	if got := rec.count(EventIntensityChanged); got != 2 {
		t.Errorf("%d change events after clamped repeats; want 2", got)
	}
}

func TestEffectNodeIntegralWraps(t *testing.T) {
	node, _, _, _ := newTestNode(t, nil)
	node.SetIntensity(1)

	node.core.mu.Lock()
	node.intensityIntegral = MaxIntegral - 0.001
	node.core.mu.Unlock()

	node.tick()
	got := node.IntensityIntegral()
	if got >= MaxIntegral || got > 1 {
		t.Errorf("integral after wrap = %v; want small value below %v", got, MaxIntegral)
	}
}

func TestEffectNodeLoadSuccess(t *testing.T) {
	node, _, _, rec := newTestNode(t, map[string]string{
		"ripple": "#property inputCount 2\nfn main() {}\n#buffershader\nfn fb() {}\n",
	})

	if node.Ready() {
		t.Fatal("node ready before any load")
	}
	node.SetName("ripple")
	if !waitReady(node, 500) {
		t.Fatal("node never became ready")
	}
	if got := node.InputCount(); got != 2 {
		t.Errorf("InputCount = %d; want 2 from source property", got)
	}
	if node.passCount != 2 {
		t.Errorf("passCount = %d; want 2", node.passCount)
	}
	if _, ok := rec.last(EventNameChanged); !ok {
		t.Error("no name-changed event")
	}
}

func TestEffectNodeLoadMissingEffect(t *testing.T) {
	node, _, _, rec := newTestNode(t, nil)

	node.SetName("does-not-exist")
	e, ok := rec.waitFor(EventFatal, 500)
	if !ok {
		t.Fatal("no fatal event for missing effect")
	}
	if e.Name != "does-not-exist" {
		t.Errorf("fatal event name = %q", e.Name)
	}
	if node.Ready() {
		t.Error("node ready after failed load")
	}
}

func TestLoaderReportsLibraryStatus(t *testing.T) {
	dev := newFakeDevice()
	lib := NewEffectLibrary()
	lib.Register("ok", "fn main() {}\n")
	loader := NewLoader(dev, lib)
	rec := &eventRecorder{}
	node := NewEffectNode(dev, loader, &fixedTimebase{}, WithNotifier(rec.notify))
	t.Cleanup(func() {
		node.Close()
		loader.Close()
	})

	if got := lib.Status("ok"); got != StatusUnknown {
		t.Fatalf("Status before any load = %v; want unknown", got)
	}
	node.SetName("ok")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	if got := lib.Status("ok"); got != StatusLoaded {
		t.Errorf("Status after load = %v; want loaded", got)
	}

	node.SetName("missing")
	if _, ok := rec.waitFor(EventFatal, 500); !ok {
		t.Fatal("no fatal event for missing effect")
	}
	if got := lib.Status("missing"); got != StatusFailed {
		t.Errorf("Status after failed load = %v; want failed", got)
	}
}

func TestEffectNodeLoadFailureKeepsOldPrograms(t *testing.T) {
	node, _, dev, rec := newTestNode(t, map[string]string{
		"ok": "fn main() {}\n",
	})

	node.SetName("ok")
	if !waitReady(node, 500) {
		t.Fatal("initial load never finished")
	}
	old := node.programs

	dev.mu.Lock()
	dev.compileErr = errors.New("syntax error at line 3")
	dev.mu.Unlock()

	node.Reload()
	if _, ok := rec.waitFor(EventFatal, 500); !ok {
		t.Fatal("no fatal event for failed reload")
	}
	if node.Ready() {
		t.Error("node ready after failed reload")
	}
	if node.programs != old {
		t.Error("failed load replaced the previous program set")
	}
	if old.(*fakeProgramSet).destroyed {
		t.Error("failed load destroyed the previous program set")
	}
}

func TestEffectNodeStaleLoadDiscarded(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{"a": "fn main() {}\n"})

	node.SetName("a")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}

	stale, err := dev.CompileProgramSet("stale", []PassSource{{Effect: "stale", Source: "fn s() {}"}})
	if err != nil {
		t.Fatal(err)
	}
	node.core.mu.Lock()
	gen := node.generation
	node.core.mu.Unlock()

	node.applyLoad(loadResult{name: "stale", generation: gen - 1, programs: stale})

	if node.Name() != "a" {
		t.Errorf("Name = %q after stale apply; want a", node.Name())
	}
	if !stale.(*fakeProgramSet).destroyed {
		t.Error("stale result's programs were not destroyed")
	}
	if node.programs == stale {
		t.Error("stale result was applied")
	}
}

func TestEffectNodeBadInputCountFallsBack(t *testing.T) {
	node, _, _, rec := newTestNode(t, map[string]string{
		"fx": "#property inputCount banana\nfn main() {}\n",
	})

	node.SetName("fx")
	if !waitReady(node, 500) {
		t.Fatal("bad property value aborted the load; node never became ready")
	}
	if got := node.InputCount(); got != 1 {
		t.Errorf("InputCount = %d; want default 1", got)
	}
	if _, ok := rec.last(EventFatal); ok {
		t.Error("fatal event for a skippable property value")
	}
}

func TestEffectNodeReloadPassCountChange(t *testing.T) {
	dev := newFakeDevice()
	lib := NewEffectLibrary()
	lib.Register("fx", "fn a() {}\n")
	loader := NewLoader(dev, lib)
	node := NewEffectNode(dev, loader, &fixedTimebase{})
	t.Cleanup(func() {
		node.Close()
		loader.Close()
	})

	node.SetName("fx")
	if !waitReady(node, 500) {
		t.Fatal("initial load never finished")
	}
	chain, err := NewChain(dev, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	paint := func() TextureID {
		snap := node.CreateCopyForRendering()
		out := snap.Paint(chain, []TextureID{NilTexture})
		node.CopyBackRenderState(chain, snap)
		return out
	}
	if paint() == NilTexture {
		t.Fatal("first paint failed")
	}

	// Growing the pass count resizes the ring from 2 to 3 slots.
	lib.Register("fx", "fn a() {}\n#buffershader\nfn b() {}\n")
	node.Reload()
	if !waitReady(node, 500) {
		t.Fatal("reload never finished")
	}

	dev.resetDraws()
	if paint() == NilTexture {
		t.Fatal("paint after pass-count change failed")
	}
	if got := dev.drawCount(); got != 2 {
		t.Errorf("%d draws after reload; want one per pass", got)
	}
	// The old 2-slot ring was retired and destroyed at the snapshot point.
	if got := dev.destroyedCount(); got != 2 {
		t.Errorf("%d framebuffers destroyed; want the 2 old ring slots", got)
	}
}

func TestEffectNodeReloadDuringFrameDropsStaleRing(t *testing.T) {
	dev := newFakeDevice()
	lib := NewEffectLibrary()
	lib.Register("fx", "fn a() {}\n")
	loader := NewLoader(dev, lib)
	node := NewEffectNode(dev, loader, &fixedTimebase{})
	t.Cleanup(func() {
		node.Close()
		loader.Close()
	})

	node.SetName("fx")
	if !waitReady(node, 500) {
		t.Fatal("initial load never finished")
	}
	chain, err := NewChain(dev, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	snap := node.CreateCopyForRendering()
	if snap.Paint(chain, []TextureID{NilTexture}) == NilTexture {
		t.Fatal("snapshot paint failed")
	}
	node.CopyBackRenderState(chain, snap)

	// The reload lands while the next frame is in flight: its snapshot still
	// holds the old 2-slot ring when the merge runs.
	snap = node.CreateCopyForRendering()
	if snap.Paint(chain, []TextureID{NilTexture}) == NilTexture {
		t.Fatal("in-flight paint failed")
	}
	lib.Register("fx", "fn a() {}\n#buffershader\nfn b() {}\n")
	node.Reload()
	if !waitReady(node, 500) {
		t.Fatal("reload never finished")
	}
	node.CopyBackRenderState(chain, snap)

	// The next frame reallocates at the new size and paints both passes.
	dev.resetDraws()
	snap = node.CreateCopyForRendering()
	if snap.Paint(chain, []TextureID{NilTexture}) == NilTexture {
		t.Fatal("paint after mid-frame reload failed")
	}
	node.CopyBackRenderState(chain, snap)
	if got := dev.drawCount(); got != 2 {
		t.Errorf("%d draws after reload; want one per pass", got)
	}
	// Exactly the old ring's 2 slots were destroyed, once each.
	if got := dev.destroyedCount(); got != 2 {
		t.Errorf("%d framebuffers destroyed; want 2", got)
	}
}

func TestEffectNodeChainRemovedMidFrameRetiresFreshRing(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{"fx": "fn main() {}\n"})
	node.SetName("fx")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	chain, err := NewChain(dev, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	// The chain is detached after the snapshot is taken; the paint still
	// allocates a ring the live node will never adopt.
	snap := node.CreateCopyForRendering()
	node.ChainsEdited(nil, []*Chain{chain})
	if snap.Paint(chain, []TextureID{NilTexture}) == NilTexture {
		t.Fatal("snapshot paint failed")
	}
	node.CopyBackRenderState(chain, snap)

	node.CreateCopyForRendering()
	if got := dev.destroyedCount(); got != 2 {
		t.Errorf("%d framebuffers destroyed; want the snapshot's 2-slot ring", got)
	}
}

func TestEffectNodeSnapshotRaceWithChainEdits(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{
		"fx": "fn a() {}\n#buffershader\nfn b() {}\n",
	})
	node.SetName("fx")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	chains := make([]*Chain, 2)
	for i := range chains {
		ch, err := NewChain(dev, 4, 4)
		if err != nil {
			t.Fatal(err)
		}
		chains[i] = ch
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			ch := chains[i%len(chains)]
			node.ChainsEdited([]*Chain{ch}, nil)
			node.ChainsEdited(nil, []*Chain{ch})
		}
	}()

	inputs := []TextureID{NilTexture}
	for i := 0; i < 300; i++ {
		snap := node.CreateCopyForRendering()
		for _, ch := range chains {
			snap.Paint(ch, inputs)
			node.CopyBackRenderState(ch, snap)
		}
	}
	close(stop)
	wg.Wait()

	// Whatever interleaving happened, surviving states are whole: an empty
	// ring or exactly passCount+1 slots with the cursor in range.
	node.core.mu.Lock()
	defer node.core.mu.Unlock()
	for ch, rs := range node.core.states {
		if n := len(rs.intermediate); n != 0 && n != node.passCount+1 {
			t.Errorf("%s: ring has %d slots; want 0 or %d", ch, n, node.passCount+1)
		}
		if len(rs.intermediate) > 0 && rs.ringIndex >= len(rs.intermediate) {
			t.Errorf("%s: cursor %d outside ring of %d", ch, rs.ringIndex, len(rs.intermediate))
		}
	}
}

func TestEffectNodeIntegralFullPeriod(t *testing.T) {
	n := &EffectNode{core: newNodeCore(1), intensity: 1, intensityIntegral: 5}

	// At intensity 1 the integral advances 1/NominalFPS per tick, so one full
	// period is MaxIntegral*NominalFPS ticks.
	for i := 0; i < int(MaxIntegral*NominalFPS); i++ {
		n.tick()
	}

	got := n.IntensityIntegral()
	d := math.Mod(got-5+MaxIntegral, MaxIntegral)
	if d > MaxIntegral/2 {
		d = MaxIntegral - d
	}
	if d > 1e-6 {
		t.Errorf("integral after one full period = %v; want 5 (off by %v)", got, d)
	}
}

func TestEffectNodeUnknownPropertySkipped(t *testing.T) {
	node, _, _, _ := newTestNode(t, map[string]string{
		"odd": "#property frobnicate yes\nfn main() {}\n",
	})
	node.SetName("odd")
	if !waitReady(node, 500) {
		t.Fatal("unknown property blocked the load")
	}
	if got := node.InputCount(); got != 1 {
		t.Errorf("InputCount = %d; want default 1", got)
	}
}

func paintOnce(t *testing.T, node *EffectNode, chain *Chain, inputs []TextureID) TextureID {
	t.Helper()
	snap := node.CreateCopyForRendering()
	out := snap.Paint(chain, inputs)
	node.CopyBackRenderState(chain, snap)
	return out
}

func TestEffectNodePaintRing(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{
		"multi": "fn a() {}\n#buffershader\nfn b() {}\n#buffershader\nfn c() {}\n",
	})
	node.SetName("multi")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	node.SetIntensity(0.5)

	chain, err := NewChain(dev, 64, 32)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	input := TextureID(9000)
	out := paintOnce(t, node, chain, []TextureID{input})
	if out == NilTexture {
		t.Fatal("paint returned the null texture")
	}
	if dev.drawCount() != 3 {
		t.Fatalf("drawCount = %d; want 3", dev.drawCount())
	}

	// The snapshot's ring was allocated in slot order, so slot s maps to
	// the s-th framebuffer created after the chain noise texture.
	node.core.mu.Lock()
	ring := node.core.states[chain].intermediate
	node.core.mu.Unlock()
	if len(ring) != 4 {
		t.Fatalf("ring size = %d; want passCount+1 = 4", len(ring))
	}
	slot := func(s int) TextureID { return ring[s].Texture() }

	// Passes run in reverse declaration order. With cursor 0 and three
	// passes: pass 2 writes slot 3, pass 1 writes slot 2, pass 0 writes
	// slot 1, and the frame's output is slot 1.
	wantOrder := []struct {
		pass     int
		target   TextureID
		channels []TextureID
	}{
		{2, slot(3), []TextureID{slot(0), slot(1), slot(2)}},
		{1, slot(2), []TextureID{slot(0), slot(1), slot(3)}},
		{0, slot(1), []TextureID{slot(0), slot(2), slot(3)}},
	}
	for i, want := range wantOrder {
		got := dev.drawAt(i)
		if got.pass != want.pass {
			t.Errorf("draw %d: pass %d; want %d", i, got.pass, want.pass)
		}
		if got.target != want.target {
			t.Errorf("draw %d: target %d; want %d", i, got.target, want.target)
		}
		for k := range want.channels {
			if got.channels[k] != want.channels[k] {
				t.Errorf("draw %d: channel %d = %d; want %d", i, k, got.channels[k], want.channels[k])
			}
		}
		if len(got.inputs) != 1 || got.inputs[0] != input {
			t.Errorf("draw %d: inputs = %v; want [%d]", i, got.inputs, input)
		}
		if got.noise != chain.NoiseTexture() {
			t.Errorf("draw %d: noise = %d; want %d", i, got.noise, chain.NoiseTexture())
		}
		if got.uniforms.Intensity != 0.5 {
			t.Errorf("draw %d: iIntensity = %v; want 0.5", i, got.uniforms.Intensity)
		}
		if got.uniforms.Resolution != [2]float32{64, 32} {
			t.Errorf("draw %d: iResolution = %v", i, got.uniforms.Resolution)
		}
	}
	if out != slot(1) {
		t.Errorf("frame output = %d; want slot 1 = %d", out, slot(1))
	}

	// The merged-back cursor advanced by one, so the next frame's output is
	// the next ring slot.
	node.core.mu.Lock()
	cursor := node.core.states[chain].ringIndex
	node.core.mu.Unlock()
	if cursor != 1 {
		t.Errorf("ring cursor after frame = %d; want 1", cursor)
	}

	dev.resetDraws()
	out2 := paintOnce(t, node, chain, []TextureID{input})
	if out2 != slot(2) {
		t.Errorf("second frame output = %d; want slot 2 = %d", out2, slot(2))
	}

	// Over passCount+1 frames the cursor returns to its start.
	paintOnce(t, node, chain, []TextureID{input})
	paintOnce(t, node, chain, []TextureID{input})
	node.core.mu.Lock()
	cursor = node.core.states[chain].ringIndex
	node.core.mu.Unlock()
	if cursor != 0 {
		t.Errorf("cursor after full ring period = %d; want 0", cursor)
	}
}

func TestEffectNodePaintUnready(t *testing.T) {
	node, _, dev, _ := newTestNode(t, nil)
	chain, err := NewChain(dev, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	if out := paintOnce(t, node, chain, nil); out != NilTexture {
		t.Errorf("unready paint = %d; want NilTexture", out)
	}
	if dev.drawCount() != 0 {
		t.Errorf("unready paint issued %d draws", dev.drawCount())
	}
}

func TestEffectNodePaintUnattachedChain(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{"a": "fn main() {}\n"})
	node.SetName("a")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	chain, err := NewChain(dev, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	// Chain never attached.
	if out := paintOnce(t, node, chain, nil); out != NilTexture {
		t.Errorf("unattached paint = %d; want NilTexture", out)
	}
}

func TestEffectNodeChainDeletedDuringRender(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{"a": "fn main() {}\n"})
	node.SetName("a")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	chain, err := NewChain(dev, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	snap := node.CreateCopyForRendering()
	snap.Paint(chain, nil)
	node.ChainsEdited(nil, []*Chain{chain})
	// The merge after a mid-frame detach is a silent no-op.
	node.CopyBackRenderState(chain, snap)

	node.core.mu.Lock()
	_, exists := node.core.states[chain]
	node.core.mu.Unlock()
	if exists {
		t.Error("merge resurrected a detached chain's state")
	}
}

func TestEffectNodeRetiredFramebuffersDestroyed(t *testing.T) {
	node, _, dev, _ := newTestNode(t, map[string]string{"a": "fn main() {}\n"})
	node.SetName("a")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	chain, err := NewChain(dev, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)
	paintOnce(t, node, chain, nil)

	node.ChainsEdited(nil, []*Chain{chain})
	dev.mu.Lock()
	destroyedBefore := len(dev.destroyed)
	dev.mu.Unlock()
	if destroyedBefore != 0 {
		t.Fatalf("%d framebuffers destroyed before the snapshot point", destroyedBefore)
	}

	// The next snapshot drains the retirement list.
	node.CreateCopyForRendering()
	dev.mu.Lock()
	destroyedAfter := len(dev.destroyed)
	dev.mu.Unlock()
	if destroyedAfter != 2 {
		t.Errorf("%d framebuffers destroyed at snapshot; want 2 (single-pass ring)", destroyedAfter)
	}
}

func TestEffectNodeStepUniform(t *testing.T) {
	dev := newFakeDevice()
	lib := NewEffectLibrary()
	lib.Register("a", "fn main() {}\n")
	loader := NewLoader(dev, lib)
	tb := &fixedTimebase{}
	node := NewEffectNode(dev, loader, tb)
	t.Cleanup(func() {
		node.Close()
		loader.Close()
	})

	node.SetName("a")
	if !waitReady(node, 500) {
		t.Fatal("load never finished")
	}
	chain, err := NewChain(dev, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	node.ChainsEdited([]*Chain{chain}, nil)

	tb.advance(1.0)
	paintOnce(t, node, chain, nil)
	if got := dev.drawAt(0).uniforms.Step; got != 0 {
		t.Errorf("first frame iStep = %v; want 0", got)
	}

	tb.advance(0.25)
	paintOnce(t, node, chain, nil)
	if got := dev.drawAt(1).uniforms.Step; got != 0.25 {
		t.Errorf("second frame iStep = %v; want 0.25", got)
	}
}

func TestEffectNodeCloseIsIdempotentish(t *testing.T) {
	dev := newFakeDevice()
	lib := NewEffectLibrary()
	loader := NewLoader(dev, lib)
	t.Cleanup(func() { loader.Close() })
	tb := &fixedTimebase{}
	node := NewEffectNode(dev, loader, tb)

	if err := node.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := node.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v; want ErrClosed", err)
	}
}
