// Package lumen is a render-graph execution engine for real-time procedural
// visuals. A graph of video nodes — each a multi-pass GPU shader effect — is
// evaluated every frame and composited to one or more outputs, driven by a
// shared time/beat clock and a four-band audio level vector.
//
// The engine is built around three execution contexts that never block each
// other:
//
//   - The editing context mutates node names, intensities, and graph topology
//     under per-node locks.
//   - The render context owns a single dedicated goroutine (and GPU context)
//     that snapshots each node, paints the snapshot without locking, and
//     merges the resulting render state back under the node lock.
//   - The loader context compiles effect shader programs asynchronously and
//     reports readiness or failure through notifications, never exceptions.
//
// The core package is GPU-API-agnostic: all GPU work goes through the small
// Device interface. Package backend/wgpu provides the production
// implementation on gogpu/wgpu; tests exercise the full engine against an
// in-memory device.
package lumen
