package lumen

// TextureID is an opaque handle to a GPU texture owned by a Device.
// The zero value is the null texture: painting with it, or returning it from
// a paint call, means "contribute nothing".
type TextureID uint64

// NilTexture is the null texture handle.
const NilTexture TextureID = 0

// Framebuffer is a render target paired with the texture it renders into.
// Framebuffers are created per (node, chain) and form the intermediate ring
// that gives effect passes one-frame feedback.
type Framebuffer interface {
	// Texture returns the handle of the color texture backing this target.
	Texture() TextureID

	// Destroy releases the framebuffer and its texture. The caller must
	// guarantee no in-flight paint still references it.
	Destroy()
}

// PassSource is one fully preprocessed shader pass, ready for compilation:
// the shared effect header, generated binding declarations, and the pass body
// with line-number markers in place of consumed directives.
type PassSource struct {
	// Effect is the effect name the pass belongs to, for diagnostics.
	Effect string

	// Index is the pass ordinal in declaration order, starting at 0.
	Index int

	// Source is the complete fragment source text for this pass.
	Source string
}

// ProgramSet is a compiled, linked multi-pass program produced from one
// effect's source text. A ProgramSet is immutable after creation and may be
// used concurrently by any number of paint calls across chains.
type ProgramSet interface {
	// PassCount returns the number of passes in the set. Always >= 1.
	PassCount() int

	// Destroy releases the compiled programs. Only the owning node may call
	// this, and only once no snapshot can still be painting with the set.
	Destroy()
}

// Uniforms is the per-pass scalar uniform contract. The field order and
// names mirror the uniform block every effect pass sees; texture inputs are
// bound separately, in the fixed slot order inputs, noise, channels.
type Uniforms struct {
	Intensity         float32 // iIntensity, clamped to [0, 1]
	IntensityIntegral float32 // iIntensityIntegral, wraps at MaxIntegral
	Step              float32 // iStep, wall-time delta since previous paint
	Time              float32 // iTime, beat-phase time
	FPS               float32 // iFPS, nominal frame rate constant
	Audio             [4]float32
	Resolution        [2]float32
}

// Device abstracts the GPU operations the engine needs. The production
// implementation lives in backend/wgpu; tests run against an in-memory fake.
//
// Thread rules: CompileProgramSet is called from the loader context.
// Framebuffer and texture creation, DrawPass, Blit, and ReadTexture are
// called from the render context. Implementations must tolerate Destroy
// calls from the editing context for resources no paint references.
type Device interface {
	// CreateFramebuffer allocates a render target of the given size.
	CreateFramebuffer(width, height int) (Framebuffer, error)

	// CreateNoiseTexture allocates a width x height RGBA texture filled with
	// uniform random noise, shared by every node on a chain.
	CreateNoiseTexture(width, height int) (TextureID, error)

	// DestroyTexture releases a standalone texture created by
	// CreateNoiseTexture. Destroying the null texture is a no-op.
	DestroyTexture(tex TextureID)

	// CompileProgramSet compiles and links one pipeline per pass. Any
	// compile or link failure aborts the whole set and returns an error
	// wrapping ErrCompile.
	CompileProgramSet(effect string, passes []PassSource) (ProgramSet, error)

	// DrawPass executes one full-screen-quad pass of the set into target.
	// Textures are bound in the contract slot order: graph inputs first,
	// then the chain noise texture, then one slot per pass output. GPU
	// global state is restored to neutral before DrawPass returns.
	DrawPass(programs ProgramSet, pass int, target Framebuffer, u *Uniforms,
		inputs []TextureID, noise TextureID, channels []TextureID) error

	// Blit copies src to dst through a trivial textured-quad program.
	Blit(src TextureID, dst Framebuffer) error

	// ReadTexture reads back a texture's pixels as tightly packed RGBA bytes.
	ReadTexture(tex TextureID, width, height int) ([]byte, error)
}
