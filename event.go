package lumen

import "fmt"

// EventKind classifies node notifications.
type EventKind int

const (
	// EventNameChanged fires after a node's effect name changes.
	EventNameChanged EventKind = iota

	// EventIntensityChanged fires after a node's intensity changes to a new
	// value. Re-assigning the current value does not fire.
	EventIntensityChanged

	// EventMessage is an informational notification (e.g. effect loaded).
	EventMessage

	// EventWarning is a recoverable problem (e.g. a skipped property).
	EventWarning

	// EventFatal is an unrecoverable load failure. A fatal event always
	// observes ready=false on its node; its ordering relative to any prior
	// success is preserved.
	EventFatal

	// EventFound fires when an output gains or loses its physical target.
	EventFound
)

func (k EventKind) String() string {
	switch k {
	case EventNameChanged:
		return "nameChanged"
	case EventIntensityChanged:
		return "intensityChanged"
	case EventMessage:
		return "message"
	case EventWarning:
		return "warning"
	case EventFatal:
		return "fatal"
	case EventFound:
		return "found"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a node notification. Events replace cross-thread signal/slot
// wiring: the loader reports back over a channel internal to the node, and
// the node forwards ordered events to a single notifier callback.
type Event struct {
	Kind EventKind

	// Name is the node's effect name at emission time.
	Name string

	// Message is a human-readable description for message, warning, and
	// fatal events.
	Message string

	// Path is the source path involved, when applicable (fatal events for
	// missing or unreadable effect sources).
	Path string

	// Value carries the new value for intensityChanged events.
	Value float64
}

// Notifier receives node events. Callbacks are invoked synchronously in
// emission order from whichever goroutine produced the event; implementations
// must be fast and must not call back into the emitting node.
type Notifier func(Event)

// logNotifier is the default notifier: it forwards events to the package
// logger at a level matching the event kind.
func logNotifier(e Event) {
	switch e.Kind {
	case EventFatal:
		Logger().Error("effect error", "name", e.Name, "reason", e.Message, "path", e.Path)
	case EventWarning:
		Logger().Warn("effect warning", "name", e.Name, "reason", e.Message)
	default:
		Logger().Debug("effect event", "kind", e.Kind.String(), "name", e.Name, "message", e.Message)
	}
}
