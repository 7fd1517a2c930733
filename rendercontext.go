package lumen

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// FrameConsumer receives the graph root's output texture once per frame for
// one chain. Consume runs on the render thread and must not block; consumers
// that present or read back should hand the texture off to their own
// machinery.
type FrameConsumer interface {
	Consume(tex TextureID)
}

// RenderContext owns the render loop: the set of chains being rendered, the
// graph walk that paints every node for every chain each frame, and the
// delivery of root output to per-chain consumers.
//
// One frame proceeds as: plan the graph, snapshot every node once, paint the
// snapshots for each chain in dependency order, merge painted state back into
// the live nodes, deliver root textures. Editing calls interleave freely;
// they only ever contend on the per-node locks at snapshot and merge points.
type RenderContext struct {
	dev      Device
	graph    *Graph
	timebase Timebase
	period   time.Duration

	mu        sync.Mutex
	chains    []*Chain
	consumers map[*Chain][]FrameConsumer

	// retired holds removed chains whose noise textures are destroyed at the
	// next frame boundary, when no paint can reference them.
	retired []*Chain

	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// RenderContextOption configures a RenderContext.
type RenderContextOption func(*RenderContext)

// WithFramePeriod sets the render loop period. The default targets 60 Hz.
func WithFramePeriod(d time.Duration) RenderContextOption {
	return func(rc *RenderContext) { rc.period = d }
}

// NewRenderContext creates a render context over a graph. The context hooks
// the graph so nodes added later are attached to the existing chains.
func NewRenderContext(dev Device, graph *Graph, timebase Timebase, opts ...RenderContextOption) *RenderContext {
	rc := &RenderContext{
		dev:       dev,
		graph:     graph,
		timebase:  timebase,
		period:    time.Second / 60,
		consumers: make(map[*Chain][]FrameConsumer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rc)
	}
	graph.mu.Lock()
	graph.onAdd = rc.nodeAdded
	graph.mu.Unlock()
	return rc
}

// nodeAdded attaches the context's current chains to a node that just joined
// the graph.
func (rc *RenderContext) nodeAdded(n VideoNode) {
	rc.mu.Lock()
	chains := append([]*Chain(nil), rc.chains...)
	rc.mu.Unlock()
	if len(chains) > 0 {
		n.ChainsEdited(chains, nil)
	}
}

// AddChain creates a chain at the given resolution and attaches it to every
// node in the graph.
func (rc *RenderContext) AddChain(width, height int) (*Chain, error) {
	chain, err := NewChain(rc.dev, width, height)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	rc.chains = append(rc.chains, chain)
	rc.mu.Unlock()
	for _, n := range rc.graph.Nodes() {
		n.ChainsEdited([]*Chain{chain}, nil)
	}
	return chain, nil
}

// RemoveChain detaches a chain from every node and stops rendering it. The
// nodes' framebuffers for the chain are retired and destroyed at the next
// snapshot point; the chain's noise texture is destroyed at the start of the
// next frame.
func (rc *RenderContext) RemoveChain(chain *Chain) {
	rc.mu.Lock()
	for i, c := range rc.chains {
		if c == chain {
			rc.chains = append(rc.chains[:i], rc.chains[i+1:]...)
			break
		}
	}
	delete(rc.consumers, chain)
	rc.retired = append(rc.retired, chain)
	rc.mu.Unlock()
	for _, n := range rc.graph.Nodes() {
		n.ChainsEdited(nil, []*Chain{chain})
	}
}

// Chains returns a snapshot of the chains being rendered.
func (rc *RenderContext) Chains() []*Chain {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]*Chain(nil), rc.chains...)
}

// AddConsumer subscribes a consumer to the root output for one chain.
func (rc *RenderContext) AddConsumer(chain *Chain, c FrameConsumer) {
	rc.mu.Lock()
	rc.consumers[chain] = append(rc.consumers[chain], c)
	rc.mu.Unlock()
}

// RemoveConsumer unsubscribes a consumer from a chain.
func (rc *RenderContext) RemoveConsumer(chain *Chain, c FrameConsumer) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	subs := rc.consumers[chain]
	for i, s := range subs {
		if s == c {
			rc.consumers[chain] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Start launches the render loop on its own OS thread. Start is idempotent;
// the loop runs until Stop.
func (rc *RenderContext) Start() {
	rc.startOnce.Do(func() {
		go rc.run()
	})
}

// Stop halts the render loop and waits for the in-flight frame to finish.
func (rc *RenderContext) Stop() {
	select {
	case <-rc.stop:
		return
	default:
	}
	close(rc.stop)
	<-rc.done
}

func (rc *RenderContext) run() {
	// GPU backends commonly require command submission from one thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(rc.done)

	ticker := time.NewTicker(rc.period)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			if err := rc.RenderOnce(); err != nil {
				Logger().Warn("frame skipped", "err", err)
			}
		}
	}
}

// RenderOnce renders a single frame synchronously: snapshot, paint every
// chain, merge back, deliver root output. Exposed so hosts driving their own
// loop (or tests) can step frames without Start.
func (rc *RenderContext) RenderOnce() error {
	rc.mu.Lock()
	retired := rc.retired
	rc.retired = nil
	rc.mu.Unlock()
	for _, c := range retired {
		c.Destroy()
	}

	plan, err := rc.graph.Plan()
	if err != nil {
		return fmt.Errorf("plan frame: %w", err)
	}
	rc.mu.Lock()
	chains := append([]*Chain(nil), rc.chains...)
	consumers := make(map[*Chain][]FrameConsumer, len(rc.consumers))
	for ch, subs := range rc.consumers {
		consumers[ch] = append([]FrameConsumer(nil), subs...)
	}
	rc.mu.Unlock()

	snapshots := make([]VideoNode, len(plan.Steps))
	for i, step := range plan.Steps {
		snapshots[i] = step.Node.CreateCopyForRendering()
	}

	outputs := make([]TextureID, len(plan.Steps))
	for _, chain := range chains {
		for i, step := range plan.Steps {
			inputs := make([]TextureID, len(step.Inputs))
			for slot, src := range step.Inputs {
				if src >= 0 {
					inputs[slot] = outputs[src]
				}
			}
			outputs[i] = snapshots[i].Paint(chain, inputs)
		}

		for i, step := range plan.Steps {
			step.Node.CopyBackRenderState(chain, snapshots[i])
		}

		if plan.Root >= 0 {
			for _, c := range consumers[chain] {
				c.Consume(outputs[plan.Root])
			}
		}
	}
	return nil
}
