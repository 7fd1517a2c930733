package lumen

import "fmt"

// Chain is the render context for one output target: a target resolution and
// a noise texture shared by every node painting into that target. A Chain is
// immutable for its lifetime; nodes key their render state by chain identity
// (pointer equality), never by value.
type Chain struct {
	dev    Device
	width  int
	height int
	noise  TextureID
}

// NewChain creates a chain at the given resolution, allocating its shared
// noise texture on dev.
func NewChain(dev Device, width, height int) (*Chain, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("lumen: invalid chain resolution %dx%d", width, height)
	}
	noise, err := dev.CreateNoiseTexture(width, height)
	if err != nil {
		return nil, fmt.Errorf("lumen: create chain noise texture: %w", err)
	}
	return &Chain{dev: dev, width: width, height: height, noise: noise}, nil
}

// Destroy releases the chain's noise texture. The caller must guarantee no
// frame still references the chain; RemoveChain defers this to the next frame
// boundary.
func (c *Chain) Destroy() {
	if c.noise != NilTexture {
		c.dev.DestroyTexture(c.noise)
		c.noise = NilTexture
	}
}

// Resolution returns the chain's target resolution.
func (c *Chain) Resolution() (width, height int) {
	return c.width, c.height
}

// NoiseTexture returns the chain's shared noise texture.
func (c *Chain) NoiseTexture() TextureID {
	return c.noise
}

func (c *Chain) String() string {
	return fmt.Sprintf("Chain(%dx%d)", c.width, c.height)
}
