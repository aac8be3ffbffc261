// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/pma/cmn/debug"

	"github.com/pkg/errors"
)

// Buf is a reference-counted region of chunk memory. It is created with
// reference count 1; the final Release returns the region to its arena
// (or cache), after which the buffer must not be used.
type Buf struct {
	mm     *Allocator
	chunk  *chunk
	cache  *ThreadCache // dedicated cache the buffer was allocated with, if any
	memory []byte       // entire chunk
	handle int64

	offset    int
	length    int // current capacity
	maxLength int // length of the run or slot
	maxCap    int
	readerIdx int
	writerIdx int

	refCnt atomic.Int32
	direct bool
	empty  bool // shared zero-capacity buffer: never released
}

func (b *Buf) init(c *chunk, handle int64, offset, length, maxLength int) {
	debug.Assert(handle >= 0 && c != nil)
	b.chunk = c
	b.handle = handle
	b.memory = c.memory
	b.offset = offset
	b.length = length
	b.maxLength = maxLength
	b.direct = c.direct()
}

func (b *Buf) initUnpooled(c *chunk, length int) { b.init(c, 0, 0, length, length) }

func (b *Buf) String() string {
	return fmt.Sprintf("buf[cap %d, max %d, len %d, off %d, handle %#x, refcnt %d]",
		b.length, b.maxCap, b.maxLength, b.offset, b.handle, b.refCnt.Load())
}

// Bytes returns the buffer's memory; len = Cap(), cap = Len()
func (b *Buf) Bytes() []byte {
	if b.memory == nil {
		return nil
	}
	return b.memory[b.offset : b.offset+b.length : b.offset+b.maxLength]
}

func (b *Buf) Cap() int         { return b.length }
func (b *Buf) MaxCap() int      { return b.maxCap }
func (b *Buf) Len() int         { return b.maxLength }
func (b *Buf) Offset() int      { return b.offset }
func (b *Buf) Memory() []byte   { return b.memory }
func (b *Buf) Handle() uint64   { return uint64(b.handle) }
func (b *Buf) IsDirect() bool   { return b.direct }
func (b *Buf) IsUnpooled() bool { return b.chunk == nil || b.chunk.unpooled }

func (b *Buf) RefCnt() int32 {
	if b.empty {
		return 1
	}
	return b.refCnt.Load()
}

// Retain increments the reference count; panics on a released buffer
func (b *Buf) Retain() *Buf {
	if b.empty {
		return b
	}
	for {
		cnt := b.refCnt.Load()
		if cnt <= 0 {
			panic(&ErrRefCnt{Cnt: cnt, Delta: 1})
		}
		if b.refCnt.CompareAndSwap(cnt, cnt+1) {
			return b
		}
	}
}

// Release decrements the reference count and frees the buffer when it reaches zero;
// returns true if this call freed it; releasing a released buffer panics
func (b *Buf) Release() bool {
	if b.empty {
		return false
	}
	switch cnt := b.refCnt.Add(-1); {
	case cnt == 0:
		b.deallocate()
		return true
	case cnt < 0:
		panic(&ErrRefCnt{Cnt: cnt + 1, Delta: -1})
	}
	return false
}

func (b *Buf) deallocate() {
	if b.mm.Tracker != nil {
		b.mm.Tracker.Freed(b)
	}
	var (
		c         = b.chunk
		handle    = b.handle
		maxLength = b.maxLength
	)
	deadbeef(b.memory[b.offset : b.offset+b.maxLength])
	b.chunk, b.memory, b.handle = nil, nil, -1
	b.mm.free(c, handle, maxLength, b.cache)
}

// SetCap changes capacity within [0, MaxCap]; when the current run or slot does not
// fit the new capacity, contents move to a new region and the old one is freed
func (b *Buf) SetCap(newCap int) error {
	if !b.empty && b.refCnt.Load() <= 0 {
		return &ErrRefCnt{Cnt: b.refCnt.Load()}
	}
	if newCap < 0 || newCap > b.maxCap {
		return &ErrCapacity{Cap: newCap, MaxCap: b.maxCap}
	}
	if newCap == b.length {
		return nil
	}
	if !b.chunk.unpooled {
		if newCap > b.length {
			if newCap <= b.maxLength {
				b.length = newCap
				return nil
			}
		} else if newCap > b.maxLength>>1 && (b.maxLength > tinyMax || newCap > b.maxLength-tinyQuantum) {
			// shrinking but still in the same size class
			b.length = newCap
			b.readerIdx, b.writerIdx = min(b.readerIdx, newCap), min(b.writerIdx, newCap)
			return nil
		}
	}
	return b.mm.reallocate(b, newCap)
}

//
// cursors
//

func (b *Buf) ReaderIndex() int { return b.readerIdx }
func (b *Buf) WriterIndex() int { return b.writerIdx }

func (b *Buf) SetIndex(readerIdx, writerIdx int) error {
	if readerIdx < 0 || readerIdx > writerIdx || writerIdx > b.length {
		return errors.Errorf("memsys: invalid indices reader %d, writer %d (expecting 0 <= reader <= writer <= %d)",
			readerIdx, writerIdx, b.length)
	}
	b.readerIdx, b.writerIdx = readerIdx, writerIdx
	return nil
}

// copies contents of the old region into the (already reinitialized) buffer:
// growing copies all of oldCap, shrinking only readable bytes that still fit
func (b *Buf) moveFrom(oldMemory []byte, oldOffset, oldCap int) {
	newCap := b.length
	if newCap > oldCap {
		copy(b.memory[b.offset:b.offset+oldCap], oldMemory[oldOffset:oldOffset+oldCap])
		return
	}
	if b.readerIdx < newCap {
		b.writerIdx = min(b.writerIdx, newCap)
		copy(b.memory[b.offset+b.readerIdx:b.offset+b.writerIdx], oldMemory[oldOffset+b.readerIdx:oldOffset+b.writerIdx])
	} else {
		b.readerIdx, b.writerIdx = newCap, newCap
	}
}
