package lumen

import (
	"testing"
	"time"
)

func TestSystemTimebaseAdvances(t *testing.T) {
	tb := NewSystemTimebase(120)
	w1 := tb.WallTime()
	time.Sleep(5 * time.Millisecond)
	w2 := tb.WallTime()
	if w2 <= w1 {
		t.Errorf("wall time did not advance: %v -> %v", w1, w2)
	}
	if b := tb.Beat(); b < 0 || b >= BeatWrap {
		t.Errorf("beat %v outside [0, %v)", b, BeatWrap)
	}
}

func TestSystemTimebaseDefaultBPM(t *testing.T) {
	tb := NewSystemTimebase(0)
	time.Sleep(2 * time.Millisecond)
	if tb.Beat() <= 0 {
		t.Error("zero-BPM constructor should fall back to a default tempo")
	}
}

func TestSilentAudio(t *testing.T) {
	var a SilentAudio
	low, mid, high, overall := a.Levels()
	if low != 0 || mid != 0 || high != 0 || overall != 0 {
		t.Errorf("SilentAudio.Levels = %v %v %v %v; want zeros", low, mid, high, overall)
	}
}

func TestChainValidation(t *testing.T) {
	dev := newFakeDevice()
	tests := []struct {
		w, h int
		ok   bool
	}{
		{1920, 1080, true},
		{1, 1, true},
		{0, 1080, false},
		{1920, 0, false},
		{-4, 4, false},
	}
	for _, tt := range tests {
		c, err := NewChain(dev, tt.w, tt.h)
		if tt.ok && (err != nil || c == nil) {
			t.Errorf("NewChain(%d, %d) = %v; want success", tt.w, tt.h, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("NewChain(%d, %d) succeeded; want error", tt.w, tt.h)
		}
	}

	c, err := NewChain(dev, 64, 32)
	if err != nil {
		t.Fatal(err)
	}
	if w, h := c.Resolution(); w != 64 || h != 32 {
		t.Errorf("Resolution = %dx%d", w, h)
	}
	if c.NoiseTexture() == NilTexture {
		t.Error("chain has no noise texture")
	}
}
