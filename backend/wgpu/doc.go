// Package wgpu implements the lumen Device on top of the wgpu HAL.
//
// Each effect pass becomes one render pipeline drawing a full-screen
// triangle; pass sources are compiled WGSL -> SPIR-V through naga. All
// textures are RGBA8Unorm. The device can own its GPU context (New) or
// borrow one from a host application that already holds a HAL device
// (NewWithProvider), in which case Close leaves the shared context alive.
package wgpu
