package lumen

import (
	"math"
	"sync"
	"time"
)

// Timebase supplies the two time scalars the paint algorithm consumes.
// Implementations must be safe for concurrent use from the render context.
type Timebase interface {
	// Beat returns the beat-phase time. It grows with the musical beat and
	// wraps at BeatWrap so float32 precision in shaders stays usable.
	Beat() float64

	// WallTime returns monotonic wall-clock seconds.
	WallTime() float64
}

// AudioSource supplies the four audio level scalars sampled once per paint.
// Implementations must be safe for concurrent use from the render context.
type AudioSource interface {
	// Levels returns (low, mid, high, overall), each nominally in [0, 1].
	Levels() (low, mid, high, overall float64)
}

// BeatWrap is the wrap point for beat-phase time.
const BeatWrap = 2048.0

// SystemTimebase is a Timebase driven by the process monotonic clock and a
// fixed tempo. It is a stand-in for an upstream beat tracker: WallTime is
// real, Beat is synthesized from the configured BPM.
type SystemTimebase struct {
	start time.Time

	mu  sync.Mutex
	bpm float64
}

// NewSystemTimebase returns a timebase at the given tempo.
// A non-positive bpm defaults to 120.
func NewSystemTimebase(bpm float64) *SystemTimebase {
	if bpm <= 0 {
		bpm = 120
	}
	return &SystemTimebase{start: time.Now(), bpm: bpm}
}

// SetBPM changes the tempo. The beat phase is not rewound.
func (t *SystemTimebase) SetBPM(bpm float64) {
	if bpm <= 0 {
		return
	}
	t.mu.Lock()
	t.bpm = bpm
	t.mu.Unlock()
}

// WallTime returns seconds since the timebase was created.
func (t *SystemTimebase) WallTime() float64 {
	return time.Since(t.start).Seconds()
}

// Beat returns the current beat count modulo BeatWrap.
func (t *SystemTimebase) Beat() float64 {
	t.mu.Lock()
	bpm := t.bpm
	t.mu.Unlock()
	return math.Mod(t.WallTime()*bpm/60.0, BeatWrap)
}

// SilentAudio is an AudioSource that always reports zero levels. It is the
// default when no analyzer is wired in.
type SilentAudio struct{}

// Levels implements AudioSource.
func (SilentAudio) Levels() (low, mid, high, overall float64) { return 0, 0, 0, 0 }
