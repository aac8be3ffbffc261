//go:build !deadbeef

// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

func deadbeef([]byte) {}
