//go:build unix

// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"github.com/NVIDIA/pma/cmn/nlog"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// anonymous private mappings outside of the Go heap (and GC)
type mmapMem struct{}

// interface guard
var _ memProvider = mmapMem{}

func newDirectMem() memProvider { return mmapMem{} }

func (mmapMem) direct() bool { return true }

func (mmapMem) alloc(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "memsys: failed to mmap %d bytes", size)
	}
	return b, nil
}

func (mmapMem) free(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := unix.Munmap(b); err != nil {
		nlog.Errorln("memsys: munmap:", err)
	}
}
