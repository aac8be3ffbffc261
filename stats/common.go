// Package stats exports allocator statistics: as a Prometheus collector
// and, periodically, as StatsD gauges.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"strconv"

	"github.com/NVIDIA/pma/memsys"
)

// Source provides a point-in-time snapshot (see memsys.Allocator.Stats)
type Source interface {
	Stats() *memsys.Stats
}

// interface guard
var _ Source = (*memsys.Allocator)(nil)

// metric names (without namespace)
const (
	UsedMemory = "used_memory_bytes" // by kind

	Allocations      = "allocations_total"   // by kind, arena, and size class
	Deallocations    = "deallocations_total" // ditto
	ActiveAllocation = "active_allocations"  // ditto

	ChunksCreated   = "chunks_created_total"   // by kind and arena
	ChunksDestroyed = "chunks_destroyed_total" // ditto
	Chunks          = "chunks"                 // by kind, arena, and chunk list
	ThreadCaches    = "thread_caches"          // by kind and arena
	Subpages        = "subpages"               // by kind, arena, and size class

	CacheHits   = "cache_hits_total"
	CacheMisses = "cache_misses_total"
)

const (
	kindHeap   = "heap"
	kindDirect = "direct"
)

var classes = [...]string{"tiny", "small", "normal", "huge"}

// per size class: allocations, deallocations, active
func byClass(as *memsys.ArenaStats) [len(classes)][3]int64 {
	return [len(classes)][3]int64{
		{as.NumTinyAllocations, as.NumTinyDeallocations, as.NumActiveTinyAllocations},
		{as.NumSmallAllocations, as.NumSmallDeallocations, as.NumActiveSmallAllocations},
		{as.NumNormalAllocations, as.NumNormalDeallocations, as.NumActiveNormalAllocations},
		{as.NumHugeAllocations, as.NumHugeDeallocations, as.NumActiveHugeAllocations},
	}
}

// visits heap, then direct arenas
func eachArena(s *memsys.Stats, f func(kind, idx string, as *memsys.ArenaStats)) {
	for i := range s.HeapArenas {
		f(kindHeap, strconv.Itoa(s.HeapArenas[i].Index), &s.HeapArenas[i])
	}
	for i := range s.DirectArenas {
		f(kindDirect, strconv.Itoa(s.DirectArenas[i].Index), &s.DirectArenas[i])
	}
}
