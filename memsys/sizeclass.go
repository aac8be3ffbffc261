// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"github.com/NVIDIA/pma/cmn"
	"github.com/NVIDIA/pma/cmn/cos"
)

// size classes
//   - tiny:   [16, 512) in 16-byte increments
//   - small:  [512, page size) in powers of 2
//   - normal: [page size, chunk size] in powers of 2
//   - huge:   above chunk size, never pooled
type SizeClass int

const (
	Tiny SizeClass = iota
	Small
	Normal
)

const (
	tinyQuantum   = 16
	tinyMax       = 512
	numTinyPools  = tinyMax >> 4 // 32
	smallMinShift = 9            // 512
)

func (sc SizeClass) String() string {
	switch sc {
	case Tiny:
		return "tiny"
	case Small:
		return "small"
	default:
		return "normal"
	}
}

// Geometry is chunk layout derived from page size and max order
type Geometry struct {
	PageSize   int
	PageShifts int
	MaxOrder   int
	ChunkSize  int

	subpageOverflowMask int
}

func newGeometry(config *cmn.Config) Geometry {
	pageSize := int(config.PageSize)
	return Geometry{
		PageSize:            pageSize,
		PageShifts:          cos.Log2(pageSize),
		MaxOrder:            config.MaxOrder,
		ChunkSize:           pageSize << config.MaxOrder,
		subpageOverflowMask: ^(pageSize - 1),
	}
}

// Normalize rounds requested capacity up to its size class:
// tiny to the next multiple of 16, small and normal to the next power of 2;
// requests at or above chunk size are returned as is
func (g *Geometry) Normalize(reqCap int) (int, error) {
	if reqCap < 0 {
		return 0, ErrNegativeCapacity
	}
	if reqCap >= g.ChunkSize {
		return reqCap, nil
	}
	if !IsTiny(reqCap) {
		n := reqCap - 1
		n |= n >> 1
		n |= n >> 2
		n |= n >> 4
		n |= n >> 8
		n |= n >> 16
		n |= n >> 32
		n++
		if n < 0 {
			n >>= 1
		}
		return n, nil
	}
	return (reqCap + tinyQuantum - 1) &^ (tinyQuantum - 1), nil
}

func (g *Geometry) IsTinyOrSmall(normCap int) bool { return normCap&g.subpageOverflowMask == 0 }

// normalized capacity => size class (huge is the caller's concern)
func (g *Geometry) sizeClass(normCap int) SizeClass {
	switch {
	case !g.IsTinyOrSmall(normCap):
		return Normal
	case IsTiny(normCap):
		return Tiny
	default:
		return Small
	}
}

func (g *Geometry) numSmallPools() int { return g.PageShifts - smallMinShift }

func IsTiny(normCap int) bool { return uint(normCap) < tinyMax }

func TinyIdx(normCap int) int { return normCap >> 4 }

// 512 => 0, 1K => 1, 2K => 2, ...
func SmallIdx(normCap int) (idx int) {
	for i := normCap >> 10; i != 0; i >>= 1 {
		idx++
	}
	return
}
