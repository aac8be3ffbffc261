// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"testing"

	"github.com/NVIDIA/pma/tools/tassert"
)

func (a *arena) testAlloc(t *testing.T, reqCap int) *Buf {
	buf, err := a.allocate(nil, reqCap, 1<<30)
	tassert.CheckFatal(t, err)
	return buf
}

func (a *arena) testFree(buf *Buf) { a.free(buf.chunk, buf.handle, buf.maxLength, nil) }

func (buf *Buf) subpage() *subpage {
	c := buf.chunk
	return c.subpages[c.subpageIdx(handle2Idx(buf.handle))]
}

func TestSubpageTiny(t *testing.T) {
	a := newTestArena(t)

	buf := a.testAlloc(t, 100)
	tassert.Errorf(t, buf.Cap() == 100 && buf.Len() == 112, "expected cap 100 in 112-byte slot, got %d/%d", buf.Cap(), buf.Len())
	tassert.Errorf(t, handle2BitmapIdx(buf.handle) == subpageFlag>>32, "expected slot 0 with the flag, got %#x", buf.handle)

	s := buf.subpage()
	tassert.Fatalf(t, s != nil, "no subpage")
	tassert.Errorf(t, s.elemSize == 112, "elem size %d", s.elemSize)
	tassert.Errorf(t, s.maxNumElems == 73, "expected 73 slots, got %d", s.maxNumElems)
	tassert.Errorf(t, s.bitmapLength == 2, "bitmap length %d", s.bitmapLength)
	tassert.Errorf(t, s.numAvail == 72, "expected 72 available, got %d", s.numAvail)

	// next one from the same page via pool head
	buf2 := a.testAlloc(t, 100)
	tassert.Errorf(t, buf2.subpage() == s, "expected the same subpage")
	tassert.Errorf(t, s.numAvail == 71, "expected 71 available, got %d", s.numAvail)
	tassert.Errorf(t, buf2.offset-buf.offset == 112, "expected adjacent slots, got offsets %d, %d", buf.offset, buf2.offset)
	tassert.Errorf(t, buf.chunk.freeBytes == buf.chunk.chunkSize-buf.chunk.pageSize, "one page must be taken")

	// freed slot is the next to go
	a.testFree(buf)
	tassert.Errorf(t, s.numAvail == 72, "expected 72 available, got %d", s.numAvail)
	buf3 := a.testAlloc(t, 50)
	tassert.Errorf(t, buf3.Len() == 64, "expected 64-byte slot, got %d", buf3.Len())
	buf4 := a.testAlloc(t, 112)
	tassert.Errorf(t, buf4.offset == buf.offset, "expected reuse of the freed slot")

	stats := a.stats()
	tassert.Errorf(t, stats.NumTinySubpagesInPools == 2, "expected 2 tiny subpages (112, 64), got %d", stats.NumTinySubpagesInPools)
}

func TestSubpageSmall(t *testing.T) {
	a := newTestArena(t)
	buf := a.testAlloc(t, 3000)
	tassert.Errorf(t, buf.Len() == 4096, "expected 4KiB slot, got %d", buf.Len())
	s := buf.subpage()
	tassert.Errorf(t, s.maxNumElems == 2 && s.numAvail == 1, "expected 2 slots, 1 available, got %d, %d", s.maxNumElems, s.numAvail)
	tassert.Errorf(t, a.findSubpagePoolHead(4096) == a.smallSubpagePools[3], "wrong pool head")
}

// fill a subpage, spill into the next, then free the first one entirely:
// its page goes back to the chunk and only the second remains in the pool
func TestSubpageReuse(t *testing.T) {
	var (
		a    = newTestArena(t)
		head = a.tinySubpagePools[TinyIdx(112)]
		bufs = make([]*Buf, 0, 74)
	)
	for range 74 {
		bufs = append(bufs, a.testAlloc(t, 100))
	}
	var (
		s1 = bufs[0].subpage()
		s2 = bufs[73].subpage()
		c  = s1.chunk
	)
	tassert.Fatalf(t, s1 != s2, "expected two subpages")
	tassert.Errorf(t, s1.numAvail == 0, "first subpage must be full")
	tassert.Errorf(t, head.ringLen() == 1 && head.next == s2, "full subpage must leave the pool")
	tassert.Errorf(t, c.freeBytes == c.chunkSize-2*c.pageSize, "expected two pages taken")

	for _, buf := range bufs[:73] {
		a.testFree(buf)
	}
	tassert.Errorf(t, !s1.doNotDestroy, "drained subpage must be released")
	tassert.Errorf(t, head.ringLen() == 1 && head.next == s2, "expected only the second subpage in the pool")
	tassert.Errorf(t, c.freeBytes == c.chunkSize-c.pageSize, "expected one page taken, free %d", c.freeBytes)

	// the last subpage of its size stays put even when entirely free
	a.testFree(bufs[73])
	tassert.Errorf(t, s2.doNotDestroy && s2.numAvail == s2.maxNumElems, "last subpage must stay")
	tassert.Errorf(t, head.ringLen() == 1, "expected one subpage in the pool")
	tassert.Errorf(t, c.freeBytes == c.chunkSize-c.pageSize, "free %d", c.freeBytes)

	buf := a.testAlloc(t, 100)
	tassert.Errorf(t, buf.subpage() == s2, "expected allocation from the pooled subpage")

	// the released page is reused (and its subpage reinitialized) for another size
	buf32 := a.testAlloc(t, 32)
	tassert.Errorf(t, buf32.subpage() == s1, "expected reinitialized subpage")
	tassert.Errorf(t, s1.elemSize == 32 && s1.maxNumElems == 256, "expected 256 32-byte slots, got %d x %d", s1.maxNumElems, s1.elemSize)
}
