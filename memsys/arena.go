// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/cmn/debug"
	"github.com/NVIDIA/pma/cmn/nlog"
)

// arena owns chunks (via usage-tier lists) and subpage pool heads.
// Locking order: cache => arena => pool head.
type arena struct {
	parent *Allocator
	mem    memProvider
	g      Geometry

	tinySubpagePools  []*subpage
	smallSubpagePools []*subpage

	qInit *chunkList
	q000  *chunkList
	q025  *chunkList
	q050  *chunkList
	q075  *chunkList
	q100  *chunkList

	// allocation order: prefer moderately used chunks
	allocOrder [5]*chunkList
	// all lists, for stats
	chunkLists [6]*chunkList

	mu sync.Mutex

	// counters
	allocationsTiny     atomic.Int64
	allocationsSmall    atomic.Int64
	allocationsNormal   atomic.Int64
	allocationsHuge     atomic.Int64
	deallocationsTiny   atomic.Int64
	deallocationsSmall  atomic.Int64
	deallocationsNormal atomic.Int64
	deallocationsHuge   atomic.Int64
	activeBytesHuge     atomic.Int64
	chunksCreated       atomic.Int64
	chunksDestroyed     atomic.Int64
	numThreadCaches     atomic.Int32

	idx     int
	verbose bool
}

func newArena(parent *Allocator, mem memProvider, g Geometry, idx int, verbose bool) *arena {
	a := &arena{parent: parent, mem: mem, g: g, idx: idx, verbose: verbose}

	a.tinySubpagePools = make([]*subpage, numTinyPools)
	for i := range a.tinySubpagePools {
		a.tinySubpagePools[i] = newSubpageHead(g.PageSize)
	}
	a.smallSubpagePools = make([]*subpage, g.numSmallPools())
	for i := range a.smallSubpagePools {
		a.smallSubpagePools[i] = newSubpageHead(g.PageSize)
	}

	cs := g.ChunkSize
	a.q100 = newChunkList("q100", a, nil, 100, maxUsageOpen, cs)
	a.q075 = newChunkList("q075", a, a.q100, 75, 100, cs)
	a.q050 = newChunkList("q050", a, a.q075, 50, 100, cs)
	a.q025 = newChunkList("q025", a, a.q050, 25, 75, cs)
	a.q000 = newChunkList("q000", a, a.q025, 1, 50, cs)
	a.qInit = newChunkList("qInit", a, a.q000, minUsageOpen, 25, cs)

	a.q100.prevList = a.q075
	a.q075.prevList = a.q050
	a.q050.prevList = a.q025
	a.q025.prevList = a.q000
	a.q000.prevList = nil // drained chunks get destroyed
	a.qInit.prevList = a.qInit

	a.allocOrder = [5]*chunkList{a.q050, a.q025, a.q000, a.qInit, a.q075}
	a.chunkLists = [6]*chunkList{a.qInit, a.q000, a.q025, a.q050, a.q075, a.q100}
	return a
}

func (a *arena) direct() bool { return a.mem.direct() }

func (a *arena) findSubpagePoolHead(elemSize int) *subpage {
	if IsTiny(elemSize) {
		return a.tinySubpagePools[TinyIdx(elemSize)]
	}
	return a.smallSubpagePools[SmallIdx(elemSize)]
}

//
// allocate
//

// cache, if not nil, is locked by the caller
func (a *arena) allocate(cache *ThreadCache, reqCap, maxCap int) (*Buf, error) {
	if reqCap < 0 || reqCap > maxCap {
		return nil, &ErrCapacity{Cap: reqCap, MaxCap: maxCap}
	}
	buf := &Buf{maxCap: maxCap}
	if err := a.allocateInto(cache, buf, reqCap); err != nil {
		return nil, err
	}
	buf.refCnt.Store(1)
	return buf, nil
}

func (a *arena) allocateInto(cache *ThreadCache, buf *Buf, reqCap int) error {
	normCap, err := a.g.Normalize(reqCap)
	if err != nil {
		return err
	}
	if normCap == 0 {
		normCap = tinyQuantum // zero-capacity buffer still owns a slot
	}

	if a.g.IsTinyOrSmall(normCap) {
		var (
			table []*subpage
			idx   int
			tiny  = IsTiny(normCap)
		)
		if tiny {
			if cache.allocateTiny(a, buf, reqCap, normCap) {
				return nil
			}
			table, idx = a.tinySubpagePools, TinyIdx(normCap)
		} else {
			if cache.allocateSmall(a, buf, reqCap, normCap) {
				return nil
			}
			table, idx = a.smallSubpagePools, SmallIdx(normCap)
		}

		head := table[idx]
		head.mu.Lock()
		if s := head.next; s != head {
			debug.Assert(s.doNotDestroy && s.elemSize == normCap)
			handle := s.allocate()
			debug.Assert(handle >= 0)
			s.chunk.initBufWithSubpage(buf, handle, reqCap)
			head.mu.Unlock()
			a.incTinySmall(tiny)
			return nil
		}
		head.mu.Unlock()

		a.mu.Lock()
		err = a.allocateNormal(buf, reqCap, normCap)
		a.mu.Unlock()
		if err == nil {
			a.incTinySmall(tiny)
		}
		return err
	}

	if normCap <= a.g.ChunkSize {
		if cache.allocateNormal(a, buf, reqCap, normCap) {
			return nil
		}
		a.mu.Lock()
		err = a.allocateNormal(buf, reqCap, normCap)
		a.mu.Unlock()
		if err == nil {
			a.allocationsNormal.Add(1)
		}
		return err
	}

	return a.allocateHuge(buf, reqCap)
}

func (a *arena) incTinySmall(tiny bool) {
	if tiny {
		a.allocationsTiny.Add(1)
	} else {
		a.allocationsSmall.Add(1)
	}
}

// under arena lock
func (a *arena) allocateNormal(buf *Buf, reqCap, normCap int) error {
	for _, cl := range a.allocOrder {
		if cl.allocate(buf, reqCap, normCap) {
			return nil
		}
	}
	c, err := a.newChunk()
	if err != nil {
		return err
	}
	handle := c.allocate(normCap)
	debug.Assert(handle > 0)
	c.initBuf(buf, handle, reqCap)
	a.qInit.add(c)
	return nil
}

func (a *arena) newChunk() (*chunk, error) {
	memory, err := a.mem.alloc(a.g.ChunkSize)
	if err != nil {
		return nil, err
	}
	a.chunksCreated.Add(1)
	if a.verbose {
		nlog.Infof("%s: new chunk (%s)", a, cos.ToSizeIEC(int64(a.g.ChunkSize), 0))
	}
	return newChunk(a, a.mem, memory, &a.g), nil
}

func (a *arena) allocateHuge(buf *Buf, reqCap int) error {
	memory, err := a.mem.alloc(reqCap)
	if err != nil {
		return err
	}
	c := newUnpooledChunk(a, a.mem, memory)
	a.activeBytesHuge.Add(int64(len(memory)))
	a.allocationsHuge.Add(1)
	buf.initUnpooled(c, reqCap)
	return nil
}

//
// free
//

// cache, if not nil, is locked by the caller
func (a *arena) free(c *chunk, handle int64, normCap int, cache *ThreadCache) {
	if c.unpooled {
		size := c.chunkSize
		c.destroy()
		a.activeBytesHuge.Add(-int64(size))
		a.deallocationsHuge.Add(1)
		return
	}
	class := a.g.sizeClass(normCap)
	if cache.add(a, c, handle, normCap, class) {
		return
	}
	a.freeChunk(c, handle, class)
}

func (a *arena) freeChunk(c *chunk, handle int64, class SizeClass) {
	a.mu.Lock()
	switch class {
	case Normal:
		a.deallocationsNormal.Add(1)
	case Small:
		a.deallocationsSmall.Add(1)
	case Tiny:
		a.deallocationsTiny.Add(1)
	}
	destroy := !c.parent.free(c, handle)
	a.mu.Unlock()

	if destroy {
		a.destroyChunk(c)
	}
}

func (a *arena) destroyChunk(c *chunk) {
	c.destroy()
	a.chunksDestroyed.Add(1)
	if a.verbose {
		nlog.Infof("%s: destroyed chunk", a)
	}
}

//
// reallocate
//

// moves buf to a region of newCap bytes, preserving contents and clamping cursors;
// cache, if not nil, is locked by the caller
func (a *arena) reallocate(cache *ThreadCache, buf *Buf, newCap int, freeOld bool) error {
	if newCap < 0 || newCap > buf.maxCap {
		return &ErrCapacity{Cap: newCap, MaxCap: buf.maxCap}
	}
	oldCap := buf.length
	if oldCap == newCap {
		return nil
	}
	var (
		oldChunk  = buf.chunk
		oldHandle = buf.handle
		oldMemory = buf.memory
		oldOffset = buf.offset
		oldMaxLen = buf.maxLength
	)
	if err := a.allocateInto(cache, buf, newCap); err != nil {
		return err
	}
	buf.moveFrom(oldMemory, oldOffset, oldCap)

	if freeOld {
		deadbeef(oldMemory[oldOffset : oldOffset+oldMaxLen])
		oldChunk.arena.free(oldChunk, oldHandle, oldMaxLen, cache)
	}
	return nil
}

//
// lifecycle and stats
//

func (a *arena) String() string {
	if a.direct() {
		return "direct-arena[" + strconv.Itoa(a.idx) + "]"
	}
	return "heap-arena[" + strconv.Itoa(a.idx) + "]"
}

func (a *arena) destroyAll() {
	var chunks []*chunk
	a.mu.Lock()
	for _, cl := range a.chunkLists {
		cl.destroyAll(func(c *chunk) { chunks = append(chunks, c) })
	}
	a.mu.Unlock()
	for _, c := range chunks {
		a.destroyChunk(c)
	}
}

// bytes held in chunks plus huge allocations
func (a *arena) numActiveBytes() int64 {
	n := a.activeBytesHuge.Load()
	a.mu.Lock()
	for _, cl := range a.chunkLists {
		n += int64(cl.len()) * int64(a.g.ChunkSize)
	}
	a.mu.Unlock()
	return n
}

func (a *arena) stats() ArenaStats {
	s := ArenaStats{
		Index:                   a.idx,
		Direct:                  a.direct(),
		NumThreadCaches:         int(a.numThreadCaches.Load()),
		NumChunksCreated:        a.chunksCreated.Load(),
		NumChunksDestroyed:      a.chunksDestroyed.Load(),
		NumTinyAllocations:      a.allocationsTiny.Load(),
		NumSmallAllocations:     a.allocationsSmall.Load(),
		NumNormalAllocations:    a.allocationsNormal.Load(),
		NumHugeAllocations:      a.allocationsHuge.Load(),
		NumTinyDeallocations:    a.deallocationsTiny.Load(),
		NumSmallDeallocations:   a.deallocationsSmall.Load(),
		NumNormalDeallocations:  a.deallocationsNormal.Load(),
		NumHugeDeallocations:    a.deallocationsHuge.Load(),
		NumActiveBytesHuge:      a.activeBytesHuge.Load(),
		NumTinySubpagesInPools:  countSubpages(a.tinySubpagePools),
		NumSmallSubpagesInPools: countSubpages(a.smallSubpagePools),
	}
	s.NumAllocations = s.NumTinyAllocations + s.NumSmallAllocations + s.NumNormalAllocations + s.NumHugeAllocations
	s.NumDeallocations = s.NumTinyDeallocations + s.NumSmallDeallocations + s.NumNormalDeallocations + s.NumHugeDeallocations
	s.NumActiveTinyAllocations = max(s.NumTinyAllocations-s.NumTinyDeallocations, 0)
	s.NumActiveSmallAllocations = max(s.NumSmallAllocations-s.NumSmallDeallocations, 0)
	s.NumActiveNormalAllocations = max(s.NumNormalAllocations-s.NumNormalDeallocations, 0)
	s.NumActiveHugeAllocations = max(s.NumHugeAllocations-s.NumHugeDeallocations, 0)
	s.NumActiveAllocations = s.NumActiveTinyAllocations + s.NumActiveSmallAllocations +
		s.NumActiveNormalAllocations + s.NumActiveHugeAllocations

	s.NumActiveBytes = s.NumActiveBytesHuge
	a.mu.Lock()
	for _, cl := range a.chunkLists {
		cls := cl.stats()
		s.NumActiveBytes += int64(len(cls.Chunks)) * int64(a.g.ChunkSize)
		s.ChunkLists = append(s.ChunkLists, cls)
	}
	a.mu.Unlock()
	return s
}

func countSubpages(heads []*subpage) (n int) {
	for _, head := range heads {
		head.mu.Lock()
		n += head.ringLen()
		head.mu.Unlock()
	}
	return
}
