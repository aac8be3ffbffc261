// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNegativeCapacity = errors.New("memsys: negative capacity")
	ErrTerminated       = errors.New("memsys: allocator terminated")
)

type (
	// requested capacity is negative or exceeds max capacity
	ErrCapacity struct {
		Cap    int
		MaxCap int
	}
	// operation on a released buffer, or release of a released one
	ErrRefCnt struct {
		Cnt   int32
		Delta int32
	}
)

func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("memsys: invalid capacity %d (expecting 0 <= capacity <= %d)", e.Cap, e.MaxCap)
}

func IsErrCapacity(err error) bool {
	var e *ErrCapacity
	return errors.As(err, &e)
}

func (e *ErrRefCnt) Error() string {
	return fmt.Sprintf("memsys: illegal reference count %d (delta %d)", e.Cnt, e.Delta)
}

func IsErrRefCnt(err error) bool {
	var e *ErrRefCnt
	return errors.As(err, &e)
}
