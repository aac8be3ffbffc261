// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

// Tracker, if set, observes every pooled and unpooled buffer: Allocated is called
// once the buffer is ready, Freed when its reference count drops to zero.
// Shared empty buffers are not tracked. Implementations must be safe for concurrent use.
type Tracker interface {
	Allocated(b *Buf)
	Freed(b *Buf)
}
