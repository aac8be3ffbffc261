// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

// memProvider allocates and frees chunk (and huge buffer) memory
type memProvider interface {
	alloc(size int) ([]byte, error)
	free(b []byte)
	direct() bool
}

// Go heap
type heapMem struct{}

// interface guard
var _ memProvider = heapMem{}

func (heapMem) alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (heapMem) free([]byte)                    {}
func (heapMem) direct() bool                   { return false }
