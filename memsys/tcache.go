// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/cmn/debug"
)

// ThreadCache keeps recently freed (chunk, handle) pairs per size class so that
// a subsequent allocation of the same size skips the arena and its locks.
//
// There are no thread-locals in Go: the Allocator keeps a fixed number of shared
// caches (slots) taken with TryLock for the duration of a single call; long-lived
// workers may instead own a dedicated one (see Allocator.NewThreadCache).
//
// All (unexported) methods are called with tc.mu held and are nil-safe.
type ThreadCache struct {
	mm          *Allocator
	heapArena   *arena
	directArena *arena

	tinyHeap     []*regionCache
	smallHeap    []*regionCache
	normalHeap   []*regionCache
	tinyDirect   []*regionCache
	smallDirect  []*regionCache
	normalDirect []*regionCache

	mu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64

	numShiftsNormal int
	trimAllocs      int
	allocations     int

	dedicated bool
	closed    bool
}

type (
	cacheEntry struct {
		chunk  *chunk
		handle int64
	}
	// bounded FIFO ring of cached entries of the same normalized size
	regionCache struct {
		entries     []cacheEntry
		head        int
		count       int
		mask        int
		allocations int
		class       SizeClass
	}
)

type cacheSizes struct {
	tiny, small, normal int
	maxCached           int
	trimAllocs          int
}

func newThreadCache(mm *Allocator, heapArena, directArena *arena, g *Geometry, sizes cacheSizes, dedicated bool) *ThreadCache {
	tc := &ThreadCache{
		mm:              mm,
		heapArena:       heapArena,
		directArena:     directArena,
		numShiftsNormal: g.PageShifts,
		trimAllocs:      sizes.trimAllocs,
		dedicated:       dedicated,
	}
	if directArena != nil {
		tc.tinyDirect = newSubpageCaches(sizes.tiny, numTinyPools, Tiny)
		tc.smallDirect = newSubpageCaches(sizes.small, g.numSmallPools(), Small)
		tc.normalDirect = newNormalCaches(sizes.normal, sizes.maxCached, g)
		directArena.numThreadCaches.Add(1)
	}
	if heapArena != nil {
		tc.tinyHeap = newSubpageCaches(sizes.tiny, numTinyPools, Tiny)
		tc.smallHeap = newSubpageCaches(sizes.small, g.numSmallPools(), Small)
		tc.normalHeap = newNormalCaches(sizes.normal, sizes.maxCached, g)
		heapArena.numThreadCaches.Add(1)
	}
	return tc
}

func newSubpageCaches(cacheSize, numCaches int, class SizeClass) []*regionCache {
	if cacheSize <= 0 || numCaches <= 0 {
		return nil
	}
	caches := make([]*regionCache, numCaches)
	for i := range caches {
		caches[i] = newRegionCache(cacheSize, class)
	}
	return caches
}

// one cache per power of 2 from page size up to min(chunk size, maxCached)
func newNormalCaches(cacheSize, maxCached int, g *Geometry) []*regionCache {
	if cacheSize <= 0 || maxCached <= 0 {
		return nil
	}
	var (
		maxSize   = min(g.ChunkSize, maxCached)
		arraySize = max(1, cos.Log2(maxSize/g.PageSize)+1)
		caches    = make([]*regionCache, arraySize)
	)
	for i := range caches {
		caches[i] = newRegionCache(cacheSize, Normal)
	}
	return caches
}

//////////////////////////////
// ThreadCache: public API //
//////////////////////////////

func (tc *ThreadCache) NewHeapBuffer(initCap, maxCap int) (*Buf, error) {
	return tc.mm.newBuffer(tc, false, initCap, maxCap)
}

func (tc *ThreadCache) NewDirectBuffer(initCap, maxCap int) (*Buf, error) {
	return tc.mm.newBuffer(tc, true, initCap, maxCap)
}

func (tc *ThreadCache) HeapBuffer(initCap int) (*Buf, error) {
	return tc.mm.newBuffer(tc, false, initCap, math.MaxInt32)
}

func (tc *ThreadCache) DirectBuffer(initCap int) (*Buf, error) {
	return tc.mm.newBuffer(tc, true, initCap, math.MaxInt32)
}

func (tc *ThreadCache) Trim() {
	tc.mu.Lock()
	tc.trim()
	tc.mu.Unlock()
}

// Close drains the cache back to the arenas; the cache must not be used afterwards
// (buffers allocated through it remain valid and get freed directly to their arenas)
func (tc *ThreadCache) Close() {
	tc.mu.Lock()
	tc.free()
	tc.mu.Unlock()
	if tc.dedicated {
		tc.mm.unregCache(tc)
	}
}

func (tc *ThreadCache) Hits() int64   { return tc.hits.Load() }
func (tc *ThreadCache) Misses() int64 { return tc.misses.Load() }

// number of cached entries
func (tc *ThreadCache) Len() (n int) {
	tc.mu.Lock()
	for _, caches := range tc.all() {
		for _, rc := range caches {
			n += rc.count
		}
	}
	tc.mu.Unlock()
	return
}

///////////////////////////////
// ThreadCache: under tc.mu //
///////////////////////////////

func (tc *ThreadCache) arena(direct bool) *arena {
	if tc == nil {
		return nil
	}
	if direct {
		return tc.directArena
	}
	return tc.heapArena
}

func (tc *ThreadCache) allocateTiny(a *arena, buf *Buf, reqCap, normCap int) bool {
	if tc == nil {
		return false
	}
	return tc.allocate(tc.cacheForTiny(a, normCap), buf, reqCap)
}

func (tc *ThreadCache) allocateSmall(a *arena, buf *Buf, reqCap, normCap int) bool {
	if tc == nil {
		return false
	}
	return tc.allocate(tc.cacheForSmall(a, normCap), buf, reqCap)
}

func (tc *ThreadCache) allocateNormal(a *arena, buf *Buf, reqCap, normCap int) bool {
	if tc == nil {
		return false
	}
	return tc.allocate(tc.cacheForNormal(a, normCap), buf, reqCap)
}

func (tc *ThreadCache) allocate(rc *regionCache, buf *Buf, reqCap int) bool {
	if rc == nil {
		return false
	}
	allocated := rc.allocate(buf, reqCap)
	if allocated {
		tc.hits.Add(1)
	} else {
		tc.misses.Add(1)
	}
	tc.allocations++
	if tc.trimAllocs > 0 && tc.allocations >= tc.trimAllocs {
		tc.allocations = 0
		tc.trim()
	}
	return allocated
}

// returns false when there's no cache for this size or it is full
func (tc *ThreadCache) add(a *arena, c *chunk, handle int64, normCap int, class SizeClass) bool {
	if tc == nil || tc.closed {
		return false
	}
	var rc *regionCache
	switch class {
	case Normal:
		rc = tc.cacheForNormal(a, normCap)
	case Small:
		rc = tc.cacheForSmall(a, normCap)
	case Tiny:
		rc = tc.cacheForTiny(a, normCap)
	}
	if rc == nil {
		return false
	}
	return rc.add(c, handle)
}

func (tc *ThreadCache) cacheForTiny(a *arena, normCap int) *regionCache {
	idx := TinyIdx(normCap)
	if a.direct() {
		return cacheAt(tc.tinyDirect, idx)
	}
	return cacheAt(tc.tinyHeap, idx)
}

func (tc *ThreadCache) cacheForSmall(a *arena, normCap int) *regionCache {
	idx := SmallIdx(normCap)
	if a.direct() {
		return cacheAt(tc.smallDirect, idx)
	}
	return cacheAt(tc.smallHeap, idx)
}

func (tc *ThreadCache) cacheForNormal(a *arena, normCap int) *regionCache {
	idx := cos.Log2(normCap >> tc.numShiftsNormal)
	if a.direct() {
		return cacheAt(tc.normalDirect, idx)
	}
	return cacheAt(tc.normalHeap, idx)
}

func cacheAt(caches []*regionCache, idx int) *regionCache {
	if idx < 0 || idx >= len(caches) {
		return nil
	}
	return caches[idx]
}

func (tc *ThreadCache) all() [6][]*regionCache {
	return [6][]*regionCache{tc.tinyHeap, tc.smallHeap, tc.normalHeap, tc.tinyDirect, tc.smallDirect, tc.normalDirect}
}

// evict entries that were not reused since the previous trim
func (tc *ThreadCache) trim() {
	if tc == nil {
		return
	}
	for _, caches := range tc.all() {
		for _, rc := range caches {
			rc.trim()
		}
	}
}

// return all entries to their arenas; returns the number freed
func (tc *ThreadCache) drain() (n int) {
	if tc == nil {
		return
	}
	for _, caches := range tc.all() {
		for _, rc := range caches {
			n += rc.free(math.MaxInt)
		}
	}
	return
}

// drain and detach from arenas
func (tc *ThreadCache) free() {
	if tc == nil || tc.closed {
		return
	}
	tc.drain()
	tc.closed = true
	if tc.directArena != nil {
		tc.directArena.numThreadCaches.Add(-1)
	}
	if tc.heapArena != nil {
		tc.heapArena.numThreadCaches.Add(-1)
	}
}

/////////////////
// regionCache //
/////////////////

func newRegionCache(size int, class SizeClass) *regionCache {
	size = cos.CeilPow2(size)
	return &regionCache{entries: make([]cacheEntry, size), mask: size - 1, class: class}
}

func (rc *regionCache) size() int { return len(rc.entries) }

func (rc *regionCache) add(c *chunk, handle int64) bool {
	if rc.count == len(rc.entries) {
		return false
	}
	rc.entries[(rc.head+rc.count)&rc.mask] = cacheEntry{chunk: c, handle: handle}
	rc.count++
	return true
}

func (rc *regionCache) poll() (e cacheEntry, ok bool) {
	if rc.count == 0 {
		return
	}
	e, ok = rc.entries[rc.head], true
	rc.entries[rc.head] = cacheEntry{}
	rc.head = (rc.head + 1) & rc.mask
	rc.count--
	return
}

func (rc *regionCache) allocate(buf *Buf, reqCap int) bool {
	e, ok := rc.poll()
	if !ok {
		return false
	}
	e.chunk.initBuf(buf, e.handle, reqCap)
	rc.allocations++
	return true
}

// frees up to limit entries; returns the number freed
func (rc *regionCache) free(limit int) (n int) {
	for ; n < limit; n++ {
		e, ok := rc.poll()
		if !ok {
			break
		}
		debug.Assert(!e.chunk.unpooled)
		e.chunk.arena.freeChunk(e.chunk, e.handle, rc.class)
	}
	return
}

func (rc *regionCache) trim() {
	free := rc.size() - rc.allocations
	rc.allocations = 0
	if free > 0 {
		rc.free(free)
	}
}

func (tc *ThreadCache) unlock() {
	if tc != nil {
		tc.mu.Unlock()
	}
}
