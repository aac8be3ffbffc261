//go:build !unix

// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

// no mmap: direct buffers come from the Go heap
type fallbackDirectMem struct{ heapMem }

func newDirectMem() memProvider { return fallbackDirectMem{} }

func (fallbackDirectMem) direct() bool { return true }
