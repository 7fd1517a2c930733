// Package audio turns a raw sample stream into the low/mid/high/overall
// levels that drive audio-reactive effects.
package audio

import (
	"fmt"
	"math"
	"sync"

	algofft "github.com/cwbudde/algo-fft"
	"github.com/cwbudde/algo-vecmath"
)

// Band edges in Hz. Bins below lowCutoff feed the low band, bins between the
// cutoffs the mid band, bins above highCutoff the high band.
const (
	lowCutoff  = 200.0
	highCutoff = 2000.0
)

// defaultSmoothing is the per-block exponential smoothing factor. Higher
// values track the signal faster at the cost of flicker.
const defaultSmoothing = 0.3

// Analyzer computes smoothed band levels from fixed-size sample blocks. It
// implements the audio source contract of the render engine: Levels may be
// called from any thread while Process runs on the capture thread.
type Analyzer struct {
	sampleRate int
	fftSize    int
	smoothing  float64

	plan    *algofft.Plan[complex128]
	window  []float64
	scratch []float64
	in      []complex128
	out     []complex128
	re      []float64
	im      []float64
	mag     []float64

	lowEnd  int
	highEnd int

	mu      sync.RWMutex
	low     float64
	mid     float64
	high    float64
	overall float64
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithSmoothing overrides the exponential smoothing factor. Values are
// clamped to (0, 1].
func WithSmoothing(alpha float64) AnalyzerOption {
	return func(a *Analyzer) {
		if alpha > 0 && alpha <= 1 {
			a.smoothing = alpha
		}
	}
}

// NewAnalyzer creates an analyzer for the given sample rate and FFT size.
// fftSize must be a power of two of at least 32.
func NewAnalyzer(sampleRate, fftSize int, opts ...AnalyzerOption) (*Analyzer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("audio: fft size %d must be a power of two >= 32", fftSize)
	}

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("audio: fft plan: %w", err)
	}

	a := &Analyzer{
		sampleRate: sampleRate,
		fftSize:    fftSize,
		smoothing:  defaultSmoothing,
		plan:       plan,
		window:     hannWindow(fftSize),
		scratch:    make([]float64, fftSize),
		in:         make([]complex128, fftSize),
		out:        make([]complex128, fftSize),
		re:         make([]float64, fftSize/2),
		im:         make([]float64, fftSize/2),
		mag:        make([]float64, fftSize/2),
	}
	for _, opt := range opts {
		opt(a)
	}

	binHz := float64(sampleRate) / float64(fftSize)
	a.lowEnd = int(lowCutoff / binHz)
	a.highEnd = int(highCutoff / binHz)
	if a.lowEnd < 1 {
		a.lowEnd = 1
	}
	if a.highEnd <= a.lowEnd {
		a.highEnd = a.lowEnd + 1
	}
	if a.highEnd > fftSize/2 {
		a.highEnd = fftSize / 2
	}
	return a, nil
}

// SampleRate returns the configured sample rate.
func (a *Analyzer) SampleRate() int { return a.sampleRate }

// BlockSize returns the number of samples Process expects per call.
func (a *Analyzer) BlockSize() int { return a.fftSize }

// Process analyzes one block of BlockSize mono samples and folds the result
// into the smoothed levels. Shorter blocks are zero-padded.
func (a *Analyzer) Process(samples []float64) {
	n := len(samples)
	if n > a.fftSize {
		samples = samples[n-a.fftSize:]
		n = a.fftSize
	}

	vecmath.MulBlock(a.scratch[:n], samples, a.window[:n])
	for i := 0; i < n; i++ {
		a.in[i] = complex(a.scratch[i], 0)
	}
	for i := n; i < a.fftSize; i++ {
		a.in[i] = 0
	}

	if err := a.plan.Forward(a.out, a.in); err != nil {
		return
	}

	half := a.fftSize / 2
	for i := 0; i < half; i++ {
		a.re[i] = real(a.out[i])
		a.im[i] = imag(a.out[i])
	}
	vecmath.Magnitude(a.mag, a.re, a.im)

	low := bandLevel(a.mag[1:a.lowEnd])
	mid := bandLevel(a.mag[a.lowEnd:a.highEnd])
	high := bandLevel(a.mag[a.highEnd:half])
	overall := bandLevel(a.mag[1:half])

	a.mu.Lock()
	alpha := a.smoothing
	a.low += alpha * (low - a.low)
	a.mid += alpha * (mid - a.mid)
	a.high += alpha * (high - a.high)
	a.overall += alpha * (overall - a.overall)
	a.mu.Unlock()
}

// Levels returns the current smoothed band levels.
func (a *Analyzer) Levels() (low, mid, high, overall float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.low, a.mid, a.high, a.overall
}

// Reset zeroes the smoothed levels.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.low, a.mid, a.high, a.overall = 0, 0, 0, 0
	a.mu.Unlock()
}

// bandLevel compresses a magnitude band into a rough [0, 1] level. The log
// curve keeps quiet content visible without letting loud peaks pin the level.
func bandLevel(mags []float64) float64 {
	if len(mags) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range mags {
		sum += m * m
	}
	rms := math.Sqrt(sum / float64(len(mags)))
	level := math.Log1p(rms) / math.Log1p(100)
	if level > 1 {
		level = 1
	}
	return level
}

// hannWindow builds the periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}
