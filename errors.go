package lumen

import "errors"

// Error taxonomy for the engine. GPU and compile failures stay local to the
// loader context: the render thread only ever observes ready flipping and
// null textures, never an error value propagating out of a paint call.
var (
	// ErrConfiguration indicates an effect source or shared header could not
	// be located or read. The load is aborted and the node keeps its previous
	// ready/unready state.
	ErrConfiguration = errors.New("lumen: effect source unavailable")

	// ErrCompile indicates a shader pass failed to compile or its program
	// failed to link. The load is aborted; previously working programs (if
	// any) remain usable.
	ErrCompile = errors.New("lumen: shader compilation failed")

	// ErrGraphUsage indicates a paint was requested for an unready node or an
	// unattached chain. This is a soft failure: it is logged and the paint
	// returns the null texture, which callers treat as "contribute nothing".
	ErrGraphUsage = errors.New("lumen: invalid paint request")

	// ErrProperty indicates an unknown or type-mismatched effect property.
	// Property errors are logged and skipped; they never abort a load.
	ErrProperty = errors.New("lumen: bad effect property")

	// ErrGraphCycle is returned by Graph.Plan when the node graph contains a
	// cycle and no valid paint order exists.
	ErrGraphCycle = errors.New("lumen: node graph contains a cycle")

	// ErrClosed is returned when an operation is attempted on a closed node,
	// loader, or render context.
	ErrClosed = errors.New("lumen: closed")
)
