package lumen

// RenderState is the mutable per-(node, chain) rendering resource: a ring of
// intermediate framebuffers plus the ring cursor. The ring holds passCount+1
// entries so each pass can read every pass's most recent output while writing
// its own next one (one-frame feedback, no write-after-read hazard).
//
// A live node's RenderState is only ever touched under the node lock; a
// snapshot's clone is owned exclusively by the render thread for one frame.
type RenderState struct {
	// intermediate is the framebuffer ring. Empty until the first paint for
	// the chain allocates passCount+1 targets at the chain resolution.
	intermediate []Framebuffer

	// ringIndex is the ring cursor in [0, passCount]. It advances by exactly
	// one (mod passCount+1) per successful paint.
	ringIndex int

	// lastTime is the wall time of the previous paint for this chain, used
	// to derive the iStep uniform. Zero means "not painted yet".
	lastTime float64

	// fresh marks a ring allocated by a snapshot's paint this frame: the live
	// node has never seen these framebuffers, so on a no-op merge they must be
	// retired here or they leak. Always false on a live state.
	fresh bool
}

// NewRenderState returns an empty render state. The framebuffer ring is
// allocated lazily on first paint, once the pass count is known.
func NewRenderState() *RenderState {
	return &RenderState{}
}

// RingIndex returns the current ring cursor.
func (rs *RenderState) RingIndex() int { return rs.ringIndex }

// clone returns an independent copy for a render snapshot. The ring slice
// and cursor are deep-copied so the snapshot never aliases the live state;
// the framebuffers themselves are shared handles, touched only by the render
// thread.
func (rs *RenderState) clone() *RenderState {
	ring := make([]Framebuffer, len(rs.intermediate))
	copy(ring, rs.intermediate)
	return &RenderState{
		intermediate: ring,
		ringIndex:    rs.ringIndex,
		lastTime:     rs.lastTime,
	}
}

// assign overwrites this state's contents with those of src. Used by the
// merge step to copy a painted snapshot's state back into the live node.
func (rs *RenderState) assign(src *RenderState) {
	if cap(rs.intermediate) < len(src.intermediate) {
		rs.intermediate = make([]Framebuffer, len(src.intermediate))
	}
	rs.intermediate = rs.intermediate[:len(src.intermediate)]
	copy(rs.intermediate, src.intermediate)
	rs.ringIndex = src.ringIndex
	rs.lastTime = src.lastTime
}

// framebuffers returns the ring entries for retirement when a chain is
// detached.
func (rs *RenderState) framebuffers() []Framebuffer {
	return rs.intermediate
}
