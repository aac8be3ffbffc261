// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"math/bits"
	"sync"

	"github.com/NVIDIA/pma/cmn/debug"
)

// subpage is a bitmap slab of equal-size slots over a single page of a chunk.
// Subpages of the same size are linked into a ring anchored at the arena's
// pool head (a sentinel subpage that also carries the lock).
type subpage struct {
	chunk  *chunk
	bitmap []uint64
	prev   *subpage
	next   *subpage
	mu     sync.Mutex // heads only

	memoryMapIdx int
	runOffset    int
	pageSize     int
	elemSize     int
	maxNumElems  int
	bitmapLength int
	nextAvail    int
	numAvail     int

	doNotDestroy bool
}

func newSubpageHead(pageSize int) *subpage {
	head := &subpage{pageSize: pageSize, memoryMapIdx: -1, nextAvail: -1}
	head.prev, head.next = head, head
	return head
}

// under head lock
func newSubpage(head *subpage, c *chunk, memoryMapIdx, runOffset, pageSize, elemSize int) *subpage {
	s := &subpage{
		chunk:        c,
		memoryMapIdx: memoryMapIdx,
		runOffset:    runOffset,
		pageSize:     pageSize,
		bitmap:       make([]uint64, pageSize>>10), // page size / 16 / 64
	}
	s.init(head, elemSize)
	return s
}

// (re)initialize for a given element size and link at the head of the ring
func (s *subpage) init(head *subpage, elemSize int) {
	s.doNotDestroy = true
	s.elemSize = elemSize
	s.maxNumElems = s.pageSize / elemSize
	s.numAvail = s.maxNumElems
	s.nextAvail = 0
	s.bitmapLength = s.maxNumElems >> 6
	if s.maxNumElems&63 != 0 {
		s.bitmapLength++
	}
	clear(s.bitmap[:s.bitmapLength])
	s.addToPool(head)
}

// returns subpage handle, or -1 when full or being destroyed
func (s *subpage) allocate() int64 {
	if s.numAvail == 0 || !s.doNotDestroy {
		return -1
	}
	bitmapIdx := s.getNextAvail()
	debug.Assert(bitmapIdx >= 0, "subpage: no slot with numAvail ", s.numAvail)
	q, r := bitmapIdx>>6, uint(bitmapIdx&63)
	debug.Assert(s.bitmap[q]>>r&1 == 0)
	s.bitmap[q] |= 1 << r

	s.numAvail--
	if s.numAvail == 0 {
		s.removeFromPool()
	}
	return s.toHandle(bitmapIdx)
}

// returns true if the subpage is still in use (or kept in the pool);
// false: unlinked and its page must be returned to the chunk
func (s *subpage) free(head *subpage, bitmapIdx int) bool {
	q, r := bitmapIdx>>6, uint(bitmapIdx&63)
	debug.Assert(s.bitmap[q]>>r&1 != 0, "subpage: double free of slot ", bitmapIdx)
	s.bitmap[q] &^= 1 << r
	s.nextAvail = bitmapIdx

	s.numAvail++
	if s.numAvail == 1 {
		s.addToPool(head)
		return true
	}
	if s.numAvail != s.maxNumElems {
		return true
	}
	// all free: keep it if it's the only one of its size
	if s.prev == s.next {
		return true
	}
	s.doNotDestroy = false
	s.removeFromPool()
	return false
}

func (s *subpage) addToPool(head *subpage) {
	debug.Assert(s.prev == nil && s.next == nil)
	s.prev = head
	s.next = head.next
	s.next.prev = s
	head.next = s
}

func (s *subpage) removeFromPool() {
	debug.Assert(s.prev != nil && s.next != nil)
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next, s.prev = nil, nil
}

func (s *subpage) toHandle(bitmapIdx int) int64 {
	return subpageFlag | int64(bitmapIdx)<<32 | int64(s.memoryMapIdx)
}

func (s *subpage) getNextAvail() int {
	if idx := s.nextAvail; idx >= 0 {
		s.nextAvail = -1
		return idx
	}
	return s.findNextAvail()
}

func (s *subpage) findNextAvail() int {
	for i, word := range s.bitmap[:s.bitmapLength] {
		if ^word == 0 {
			continue
		}
		val := i<<6 | bits.TrailingZeros64(^word)
		if val < s.maxNumElems {
			return val
		}
		break
	}
	return -1
}

// number of subpages linked to this head; under head lock
func (s *subpage) ringLen() (n int) {
	for cur := s.next; cur != s; cur = cur.next {
		n++
	}
	return
}
