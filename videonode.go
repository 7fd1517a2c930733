package lumen

import "sync"

// VideoNode is a vertex of the render graph: it produces one texture per
// chain per frame from zero or more upstream textures.
//
// Every node obeys the snapshot/merge concurrency contract:
//
//   - CreateCopyForRendering produces a value snapshot of the node under its
//     lock. The snapshot shares immutable resources (compiled programs, name)
//     and deep-clones every RenderState. It is owned exclusively by the
//     render thread for the duration of one frame and needs no locking while
//     painting.
//   - CopyBackRenderState merges the snapshot's painted render state for one
//     chain back into the live node under the lock. If the chain was
//     detached during rendering the merge is a silent no-op, never an error.
//
// Paint must only be invoked on snapshots. Calling it on a live node races
// with the editing context.
type VideoNode interface {
	// Name returns the node's current effect name.
	Name() string

	// InputCount returns the number of upstream inputs the node consumes.
	InputCount() int

	// Ready reports whether the node's current program set matches its
	// current name. Unready nodes paint the null texture.
	Ready() bool

	// Paint renders the node for one chain. inputs holds InputCount upstream
	// texture handles. Returns the node's output texture, or NilTexture on a
	// soft failure (unready node, unattached chain, GPU error).
	Paint(chain *Chain, inputs []TextureID) TextureID

	// ChainsEdited attaches and detaches chains. Added chains get a fresh
	// empty RenderState; removed chains have theirs erased. Safe to call
	// while a snapshot taken earlier is still being painted.
	ChainsEdited(added, removed []*Chain)

	// CreateCopyForRendering returns the node's render snapshot.
	CreateCopyForRendering() VideoNode

	// CopyBackRenderState merges one chain's render state from a snapshot
	// previously returned by CreateCopyForRendering on the same node.
	CopyBackRenderState(chain *Chain, snapshot VideoNode)
}

// nodeCore is the mutex-guarded mutable core shared by every node variant.
// It implements the snapshot/merge boundary exactly once; node types embed it
// and never re-derive the locking discipline.
//
// Invariant: states has an entry for a chain iff that chain is currently
// attached (enforced under mu).
type nodeCore struct {
	mu         sync.Mutex
	name       string
	inputCount int
	ready      bool
	states     map[*Chain]*RenderState

	// retired holds framebuffers dropped by chain detachment. They may still
	// be referenced by the frame's in-flight snapshot, so destruction is
	// deferred to the next snapshot point, when the render thread has
	// finished with the previous copy.
	retired []Framebuffer
}

func newNodeCore(inputCount int) nodeCore {
	return nodeCore{
		inputCount: inputCount,
		states:     make(map[*Chain]*RenderState),
	}
}

// chainsEdited applies chain attach/detach under the lock.
func (c *nodeCore) chainsEdited(added, removed []*Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range added {
		if _, ok := c.states[ch]; !ok {
			c.states[ch] = NewRenderState()
		}
	}
	for _, ch := range removed {
		if rs, ok := c.states[ch]; ok {
			c.retired = append(c.retired, rs.framebuffers()...)
			delete(c.states, ch)
		}
	}
}

// cloneStates deep-clones the render state map. Caller must hold mu.
func (c *nodeCore) cloneStates() map[*Chain]*RenderState {
	out := make(map[*Chain]*RenderState, len(c.states))
	for ch, rs := range c.states {
		out[ch] = rs.clone()
	}
	return out
}

// takeRetired returns and clears the deferred-destruction list.
// Caller must hold mu.
func (c *nodeCore) takeRetired() []Framebuffer {
	r := c.retired
	c.retired = nil
	return r
}

// mergeStateLocked copies one chain's state from a painted snapshot back into
// the live core. ringSize is the ring length the node's current program set
// requires; rings that no longer fit are retired instead of merged, and a
// ring the snapshot aliased from a state since cleared by a reload is dropped
// (its framebuffers are already on the retired list). A chain deleted during
// rendering merges as a no-op, retiring any ring the snapshot allocated for
// it this frame. Caller must hold mu.
func (c *nodeCore) mergeStateLocked(chain *Chain, from *RenderState, ringSize int) {
	dst, ok := c.states[chain]
	if !ok {
		Logger().Debug("chain was deleted during rendering", "node", c.name, "chain", chain.String())
		if from.fresh {
			c.retired = append(c.retired, from.intermediate...)
		}
		return
	}
	switch {
	case from.fresh && len(from.intermediate) != ringSize:
		// The pass count changed while the frame was in flight; nothing else
		// references the snapshot's ring.
		c.retired = append(c.retired, from.intermediate...)
		dst.lastTime = from.lastTime
	case !from.fresh && len(from.intermediate) != 0 && len(dst.intermediate) == 0:
		// The live ring was retired by a reload mid-frame; the snapshot's
		// copy aliases those framebuffers.
		dst.lastTime = from.lastTime
	default:
		dst.assign(from)
	}
}
