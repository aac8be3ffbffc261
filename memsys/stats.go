// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

type (
	Stats struct {
		Name             string       `json:"name"`
		HeapArenas       []ArenaStats `json:"heap_arenas"`
		DirectArenas     []ArenaStats `json:"direct_arenas"`
		PageSize         int          `json:"page_size"`
		ChunkSize        int          `json:"chunk_size"`
		TinyCacheSize    int          `json:"tiny_cache_size"`
		SmallCacheSize   int          `json:"small_cache_size"`
		NormalCacheSize  int          `json:"normal_cache_size"`
		NumCaches        int          `json:"num_caches"`
		CacheHits        int64        `json:"cache_hits"`
		CacheMisses      int64        `json:"cache_misses"`
		UsedHeapMemory   int64        `json:"used_heap_memory"`
		UsedDirectMemory int64        `json:"used_direct_memory"`
	}
	ArenaStats struct {
		ChunkLists []ChunkListStats `json:"chunk_lists"`

		Index           int  `json:"index"`
		Direct          bool `json:"direct"`
		NumThreadCaches int  `json:"num_thread_caches"`

		NumChunksCreated   int64 `json:"num_chunks_created"`
		NumChunksDestroyed int64 `json:"num_chunks_destroyed"`

		NumAllocations       int64 `json:"num_allocations"`
		NumTinyAllocations   int64 `json:"num_tiny_allocations"`
		NumSmallAllocations  int64 `json:"num_small_allocations"`
		NumNormalAllocations int64 `json:"num_normal_allocations"`
		NumHugeAllocations   int64 `json:"num_huge_allocations"`

		NumDeallocations       int64 `json:"num_deallocations"`
		NumTinyDeallocations   int64 `json:"num_tiny_deallocations"`
		NumSmallDeallocations  int64 `json:"num_small_deallocations"`
		NumNormalDeallocations int64 `json:"num_normal_deallocations"`
		NumHugeDeallocations   int64 `json:"num_huge_deallocations"`

		NumActiveAllocations       int64 `json:"num_active_allocations"`
		NumActiveTinyAllocations   int64 `json:"num_active_tiny_allocations"`
		NumActiveSmallAllocations  int64 `json:"num_active_small_allocations"`
		NumActiveNormalAllocations int64 `json:"num_active_normal_allocations"`
		NumActiveHugeAllocations   int64 `json:"num_active_huge_allocations"`

		NumActiveBytes     int64 `json:"num_active_bytes"`
		NumActiveBytesHuge int64 `json:"num_active_bytes_huge"`

		NumTinySubpagesInPools  int `json:"num_tiny_subpages"`
		NumSmallSubpagesInPools int `json:"num_small_subpages"`
	}
	ChunkListStats struct {
		Name     string       `json:"name"`
		Chunks   []ChunkStats `json:"chunks"`
		MinUsage int          `json:"min_usage"`
		MaxUsage int          `json:"max_usage"`
	}
	ChunkStats struct {
		Usage     int `json:"usage"`
		ChunkSize int `json:"chunk_size"`
		FreeBytes int `json:"free_bytes"`
	}
)

func (s *Stats) NumChunks() (n int) {
	for _, arenas := range [2][]ArenaStats{s.HeapArenas, s.DirectArenas} {
		for i := range arenas {
			for _, cl := range arenas[i].ChunkLists {
				n += len(cl.Chunks)
			}
		}
	}
	return
}

func (s *Stats) NumActiveAllocations() (n int64) {
	for _, arenas := range [2][]ArenaStats{s.HeapArenas, s.DirectArenas} {
		for i := range arenas {
			n += arenas[i].NumActiveAllocations
		}
	}
	return
}
