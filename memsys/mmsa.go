// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pma/cmn"
	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/cmn/nlog"
	"github.com/NVIDIA/pma/hk"

	"github.com/pkg/errors"
)

// ====================== How to run unit tests ===========================
//
// 1. Run all tests with default parameters
// $ go test -v
// 2. ... and debug enabled
// $ go test -v -tags=debug
// 3. ... and deadbeef (build tag) enabled, to "DEADBEEF" every freed buffer
// $ go test -v -tags=debug,deadbeef
// 4. Run stress tests under the race detector for 1m
// $ go test -v -race -run=Stress -duration=1m

// ============== Pooled Memory Allocator ===========================
//
// Allocator hands out reference-counted buffers (Buf) in four size classes:
// tiny (< 512), small (< page size), normal (<= chunk size), and huge.
//
// Tiny and small buffers are slots of per-page slabs (subpages); normal buffers
// are runs of pages allocated from a buddy tree over a chunk; huge buffers are
// allocated one-off and never pooled. Chunks belong to arenas: heap arenas
// carve Go-heap memory, direct arenas carve anonymous mmap-ed memory.
// Within an arena chunks are kept in lists by usage so that allocations
// prefer moderately used chunks and fully drained chunks are returned.
//
// Recently freed buffers are kept in caches (see ThreadCache) and reused
// by subsequent allocations of the same size without taking arena locks.
// Caches are trimmed every so many allocations and, optionally, periodically
// via hk (see RegWithHK).
//
// Similar to other pma components, initialization can be done in 2 steps:
// 1) construct:
// 	mm := &memsys.Allocator{Name: ..., Tracker: ...}
// 2) initialize:
// 	err := mm.Init(config)
// 	if err != nil {
//		...
// 	}
// or, in one shot, via memsys.New(config).
//
// All buffers must be released prior to Terminate() which frees all memory.

type Allocator struct {
	// public
	Tracker Tracker // optional
	Name    string  // defaults to config.Name, or generated
	// private
	heapMem      memProvider
	directMem    memProvider
	heapArenas   []*arena
	directArenas []*arena
	slots        []atomic.Pointer[ThreadCache]
	dedicated    map[*ThreadCache]struct{}
	emptyHeap    *Buf
	emptyDirect  *Buf
	hkName       string
	config       cmn.Config
	g            Geometry
	slotMu       sync.Mutex
	registered   atomic.Bool
	terminated   atomic.Bool
}

func New(config *cmn.Config) (*Allocator, error) {
	mm := &Allocator{}
	if err := mm.Init(config); err != nil {
		return nil, err
	}
	return mm, nil
}

// Init validates config (nil means defaults) and creates arenas
func (mm *Allocator) Init(config *cmn.Config) error {
	if config == nil {
		config = cmn.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "memsys")
	}
	mm.config = *config
	if mm.Name == "" {
		mm.Name = config.Name
	}
	if mm.Name == "" {
		mm.Name = "pma-" + cos.GenUUID()
	}
	mm.g = newGeometry(config)
	mm.heapMem, mm.directMem = heapMem{}, newDirectMem()

	mm.heapArenas = make([]*arena, config.NumHeapArenas)
	for i := range mm.heapArenas {
		mm.heapArenas[i] = newArena(mm, mm.heapMem, mm.g, i, config.Verbose)
	}
	mm.directArenas = make([]*arena, config.NumDirectArenas)
	for i := range mm.directArenas {
		mm.directArenas[i] = newArena(mm, mm.directMem, mm.g, i, config.Verbose)
	}

	nslots := config.NumCaches
	if nslots == 0 {
		nslots = runtime.GOMAXPROCS(0)
	}
	mm.slots = make([]atomic.Pointer[ThreadCache], nslots)
	mm.dedicated = make(map[*ThreadCache]struct{})

	mm.emptyHeap = &Buf{mm: mm, empty: true}
	mm.emptyDirect = &Buf{mm: mm, empty: true, direct: true}
	mm.hkName = mm.Name + ".trim"

	if config.Verbose {
		nlog.Infoln(mm.String())
	}
	return nil
}

func (mm *Allocator) String() string {
	return fmt.Sprintf("%s[heap arenas %d, direct arenas %d, chunk %s, page %s, cache slots %d]",
		mm.Name, len(mm.heapArenas), len(mm.directArenas), cos.ToSizeIEC(int64(mm.g.ChunkSize), 0),
		cos.ToSizeIEC(int64(mm.g.PageSize), 0), len(mm.slots))
}

func (mm *Allocator) Config() cmn.Config  { return mm.config }
func (mm *Allocator) Geometry() *Geometry { return &mm.g }

//
// allocate
//

func (mm *Allocator) NewHeapBuffer(initCap, maxCap int) (*Buf, error) {
	return mm.newBuffer(nil, false, initCap, maxCap)
}

func (mm *Allocator) NewDirectBuffer(initCap, maxCap int) (*Buf, error) {
	return mm.newBuffer(nil, true, initCap, maxCap)
}

func (mm *Allocator) HeapBuffer(initCap int) (*Buf, error) {
	return mm.newBuffer(nil, false, initCap, math.MaxInt32)
}

func (mm *Allocator) DirectBuffer(initCap int) (*Buf, error) {
	return mm.newBuffer(nil, true, initCap, math.MaxInt32)
}

func (mm *Allocator) newBuffer(dedicated *ThreadCache, direct bool, initCap, maxCap int) (buf *Buf, err error) {
	if mm.terminated.Load() {
		return nil, ErrTerminated
	}
	if initCap == 0 && maxCap == 0 {
		if direct {
			return mm.emptyDirect, nil
		}
		return mm.emptyHeap, nil
	}
	if initCap < 0 || initCap > maxCap {
		return nil, &ErrCapacity{Cap: initCap, MaxCap: maxCap}
	}

	arenas := mm.heapArenas
	if direct {
		arenas = mm.directArenas
	}
	if len(arenas) == 0 {
		buf, err = mm.newUnpooled(direct, initCap, maxCap)
	} else {
		tc := mm.lockCache(dedicated)
		a := tc.arena(direct)
		if a == nil {
			// all slots busy: go to the arena directly
			a = arenas[rand.IntN(len(arenas))]
		}
		buf, err = a.allocate(tc, initCap, maxCap)
		tc.unlock()
	}
	if err != nil {
		return nil, err
	}

	buf.mm = mm
	if dedicated != nil {
		buf.cache = dedicated
	}
	if mm.Tracker != nil {
		mm.Tracker.Allocated(buf)
	}
	return buf, nil
}

func (mm *Allocator) newUnpooled(direct bool, initCap, maxCap int) (*Buf, error) {
	mem := mm.heapMem
	if direct {
		mem = mm.directMem
	}
	memory, err := mem.alloc(initCap)
	if err != nil {
		return nil, err
	}
	buf := &Buf{maxCap: maxCap}
	buf.initUnpooled(newUnpooledChunk(nil, mem, memory), initCap)
	buf.refCnt.Store(1)
	return buf, nil
}

//
// free and reallocate (via Buf)
//

func (mm *Allocator) free(c *chunk, handle int64, normCap int, pref *ThreadCache) {
	switch {
	case mm.terminated.Load():
		// all chunks are gone
	case c.arena == nil:
		c.destroy()
	case c.unpooled:
		c.arena.free(c, handle, normCap, nil)
	default:
		tc := mm.lockCache(pref)
		c.arena.free(c, handle, normCap, tc)
		tc.unlock()
	}
}

func (mm *Allocator) reallocate(b *Buf, newCap int) error {
	if b.chunk.arena != nil {
		tc := mm.lockCache(b.cache)
		err := b.chunk.arena.reallocate(tc, b, newCap, true)
		tc.unlock()
		return err
	}

	// unpooled, no arenas
	var (
		oldChunk  = b.chunk
		oldMemory = b.memory
		oldOffset = b.offset
		oldCap    = b.length
		mem       = oldChunk.mem
	)
	memory, err := mem.alloc(newCap)
	if err != nil {
		return err
	}
	b.initUnpooled(newUnpooledChunk(nil, mem, memory), newCap)
	b.moveFrom(oldMemory, oldOffset, oldCap)
	oldChunk.destroy()
	return nil
}

//
// caches
//

// returns locked cache: the preferred (dedicated) one if usable, otherwise
// the first shared slot that can be locked without waiting; nil if none
func (mm *Allocator) lockCache(pref *ThreadCache) *ThreadCache {
	if pref != nil {
		pref.mu.Lock()
		if !pref.closed {
			return pref
		}
		pref.mu.Unlock()
	}
	n := len(mm.slots)
	if n == 0 {
		return nil
	}
	idx := rand.IntN(n)
	for range n {
		tc := mm.slots[idx].Load()
		if tc == nil {
			tc = mm.initSlot(idx)
		}
		if tc != nil && tc.mu.TryLock() {
			if !tc.closed {
				return tc
			}
			tc.mu.Unlock()
		}
		if idx++; idx == n {
			idx = 0
		}
	}
	return nil
}

func (mm *Allocator) initSlot(idx int) *ThreadCache {
	mm.slotMu.Lock()
	defer mm.slotMu.Unlock()
	if mm.terminated.Load() {
		return nil
	}
	tc := mm.slots[idx].Load()
	if tc == nil {
		tc = mm.newCache(false)
		mm.slots[idx].Store(tc)
	}
	return tc
}

// under slotMu
func (mm *Allocator) newCache(dedicated bool) *ThreadCache {
	sizes := cacheSizes{
		tiny:       mm.config.TinyCacheSize,
		small:      mm.config.SmallCacheSize,
		normal:     mm.config.NormalCacheSize,
		maxCached:  int(mm.config.MaxCachedBufferCapacity),
		trimAllocs: mm.config.CacheTrimAllocs,
	}
	return newThreadCache(mm, leastUsed(mm.heapArenas), leastUsed(mm.directArenas), &mm.g, sizes, dedicated)
}

// arena with the fewest caches bound to it
func leastUsed(arenas []*arena) (a *arena) {
	for _, cand := range arenas {
		if a == nil || cand.numThreadCaches.Load() < a.numThreadCaches.Load() {
			a = cand
		}
	}
	return
}

// NewThreadCache returns a cache owned by the caller (e.g., a long-lived worker);
// buffers allocated through it are also freed back into it. The cache must be
// closed when no longer needed.
func (mm *Allocator) NewThreadCache() *ThreadCache {
	mm.slotMu.Lock()
	tc := mm.newCache(true)
	mm.dedicated[tc] = struct{}{}
	mm.slotMu.Unlock()
	return tc
}

func (mm *Allocator) unregCache(tc *ThreadCache) {
	mm.slotMu.Lock()
	delete(mm.dedicated, tc)
	mm.slotMu.Unlock()
}

func (mm *Allocator) caches() (all []*ThreadCache) {
	mm.slotMu.Lock()
	for i := range mm.slots {
		if tc := mm.slots[i].Load(); tc != nil {
			all = append(all, tc)
		}
	}
	for tc := range mm.dedicated {
		all = append(all, tc)
	}
	mm.slotMu.Unlock()
	return
}

// TrimCaches frees cached entries that were not reused since the previous trim
func (mm *Allocator) TrimCaches() {
	for _, tc := range mm.caches() {
		tc.mu.Lock()
		tc.trim()
		tc.mu.Unlock()
	}
}

// FreeCaches returns all cached entries to their arenas; returns the number of entries freed
func (mm *Allocator) FreeCaches() (n int) {
	for _, tc := range mm.caches() {
		tc.mu.Lock()
		n += tc.drain()
		tc.mu.Unlock()
	}
	return
}

//
// housekeeping
//

// RegWithHK registers periodic cache trimming (no-op when CacheTrimInterval is zero)
func (mm *Allocator) RegWithHK() {
	ival := mm.config.CacheTrimInterval.D()
	if ival <= 0 || !mm.registered.CompareAndSwap(false, true) {
		return
	}
	hk.Reg(mm.hkName, mm.hkTrim, ival)
}

func (mm *Allocator) UnregWithHK() {
	if mm.registered.CompareAndSwap(true, false) {
		hk.Unreg(mm.hkName)
	}
}

func (mm *Allocator) hkTrim(int64) time.Duration {
	mm.TrimCaches()
	return mm.config.CacheTrimInterval.D()
}

//
// stats and termination
//

func (mm *Allocator) Stats() *Stats {
	s := &Stats{
		Name:            mm.Name,
		PageSize:        mm.g.PageSize,
		ChunkSize:       mm.g.ChunkSize,
		TinyCacheSize:   mm.config.TinyCacheSize,
		SmallCacheSize:  mm.config.SmallCacheSize,
		NormalCacheSize: mm.config.NormalCacheSize,
	}
	for _, a := range mm.heapArenas {
		as := a.stats()
		s.UsedHeapMemory += as.NumActiveBytes
		s.HeapArenas = append(s.HeapArenas, as)
	}
	for _, a := range mm.directArenas {
		as := a.stats()
		s.UsedDirectMemory += as.NumActiveBytes
		s.DirectArenas = append(s.DirectArenas, as)
	}
	for _, tc := range mm.caches() {
		s.NumCaches++
		s.CacheHits += tc.hits.Load()
		s.CacheMisses += tc.misses.Load()
	}
	return s
}

func (mm *Allocator) DumpStats() string { return string(cos.MustMarshalIndent(mm.Stats())) }

func (mm *Allocator) UsedHeapMemory() (n int64) {
	for _, a := range mm.heapArenas {
		n += a.numActiveBytes()
	}
	return
}

func (mm *Allocator) UsedDirectMemory() (n int64) {
	for _, a := range mm.directArenas {
		n += a.numActiveBytes()
	}
	return
}

// Terminate drains and closes all caches, unregisters from hk, and frees all chunks;
// buffers that are still alive must not be used afterwards
func (mm *Allocator) Terminate() {
	if !mm.terminated.CompareAndSwap(false, true) {
		return
	}
	mm.UnregWithHK()

	mm.slotMu.Lock()
	var all []*ThreadCache
	for i := range mm.slots {
		if tc := mm.slots[i].Swap(nil); tc != nil {
			all = append(all, tc)
		}
	}
	for tc := range mm.dedicated {
		all = append(all, tc)
	}
	clear(mm.dedicated)
	mm.slotMu.Unlock()

	for _, tc := range all {
		tc.mu.Lock()
		tc.free()
		tc.mu.Unlock()
	}
	for _, a := range mm.heapArenas {
		a.destroyAll()
	}
	for _, a := range mm.directArenas {
		a.destroyAll()
	}
	if mm.config.Verbose {
		nlog.Infoln(mm.Name, "terminated")
	}
}
