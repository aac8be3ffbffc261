// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/cmn/debug"
)

// ================================= chunk ============================================
//
// A chunk is `pageSize << maxOrder` bytes of memory managed as a complete binary
// (buddy) tree of runs:
//
//	depth 0:        1 node,  chunkSize bytes
//	depth 1:        2 nodes, chunkSize/2 bytes each
//	...
//	depth maxOrder: 2^maxOrder nodes, pageSize bytes each (the leaves)
//
// The tree is stored in two flat byte arrays indexed by node id (root = 1,
// children of `id` are 2*id and 2*id+1):
//
//   - depthMap[id]  - the depth of the node (never changes)
//   - memoryMap[id] - the minimum depth at which a free run exists in the subtree:
//     memoryMap[id] == depthMap[id]  => the entire subtree is free
//     memoryMap[id] >  depthMap[id]  => partially allocated; the value is the depth
//     of the largest free run
//     memoryMap[id] == maxOrder + 1  => nothing free (unusable)
//
// To allocate a run at depth d we descend from the root toward the left-most node
// at depth d with memoryMap <= d, mark it unusable, and propagate min(children)
// back up. Freeing restores the node and coalesces buddies on the way up.
//
// Leaves may be further split into equal-size slots (see subpage.go).
// =====================================================================================

// handle layout:
//   - low 32 bits: memoryMap index of the run (or leaf)
//   - high 32 bits: subpage slot, or'ed with the flag so that slot 0 != "no subpage"
const (
	subpageFlag = 0x4000000000000000
	slotMask    = 0x3FFFFFFF
)

type chunk struct {
	arena    *arena
	mem      memProvider
	memory   []byte
	parent   *chunkList
	prev     *chunk
	next     *chunk
	subpages []*subpage

	memoryMap []byte
	depthMap  []byte

	pageSize         int
	pageShifts       int
	maxOrder         int
	chunkSize        int
	log2ChunkSize    int
	maxSubpageAllocs int
	freeBytes        int

	subpageOverflowMask int
	unusable            byte // maxOrder + 1

	unpooled bool
}

func newChunk(a *arena, mem memProvider, memory []byte, g *Geometry) *chunk {
	var (
		maxSubpageAllocs = 1 << g.MaxOrder
		c                = &chunk{
			arena:               a,
			mem:                 mem,
			memory:              memory,
			pageSize:            g.PageSize,
			pageShifts:          g.PageShifts,
			maxOrder:            g.MaxOrder,
			chunkSize:           g.ChunkSize,
			log2ChunkSize:       cos.Log2(g.ChunkSize),
			maxSubpageAllocs:    maxSubpageAllocs,
			freeBytes:           g.ChunkSize,
			subpageOverflowMask: g.subpageOverflowMask,
			unusable:            byte(g.MaxOrder + 1),
			memoryMap:           make([]byte, maxSubpageAllocs<<1),
			depthMap:            make([]byte, maxSubpageAllocs<<1),
			subpages:            make([]*subpage, maxSubpageAllocs),
		}
		id = 1
	)
	debug.Assert(len(memory) == g.ChunkSize)
	for d := 0; d <= g.MaxOrder; d++ {
		for range 1 << d {
			c.memoryMap[id] = byte(d)
			c.depthMap[id] = byte(d)
			id++
		}
	}
	return c
}

// huge and no-arena allocations: the whole memory is one buffer
func newUnpooledChunk(a *arena, mem memProvider, memory []byte) *chunk {
	return &chunk{arena: a, mem: mem, memory: memory, chunkSize: len(memory), unpooled: true}
}

func (c *chunk) direct() bool { return c.mem.direct() }

// returns handle, or negative when exhausted
func (c *chunk) allocate(normCap int) int64 {
	if normCap&c.subpageOverflowMask != 0 { // >= pageSize
		return c.allocateRun(normCap)
	}
	return c.allocateSubpage(normCap)
}

func (c *chunk) allocateRun(normCap int) int64 {
	d := c.maxOrder - (cos.Log2(normCap) - c.pageShifts)
	id := c.allocateNode(d)
	if id < 0 {
		return -1
	}
	c.freeBytes -= c.runLength(id)
	return int64(id)
}

// allocates a leaf, then a slot in the leaf's subpage
func (c *chunk) allocateSubpage(normCap int) int64 {
	head := c.arena.findSubpagePoolHead(normCap)
	head.mu.Lock()
	defer head.mu.Unlock()

	id := c.allocateNode(c.maxOrder)
	if id < 0 {
		return -1
	}
	c.freeBytes -= c.pageSize

	idx := c.subpageIdx(id)
	s := c.subpages[idx]
	if s == nil {
		s = newSubpage(head, c, id, c.runOffset(id), c.pageSize, normCap)
		c.subpages[idx] = s
	} else {
		s.init(head, normCap)
	}
	return s.allocate()
}

// descends to the left-most node at depth d that has its whole subtree free
func (c *chunk) allocateNode(d int) int {
	var (
		id      = 1
		initial = -(1 << d) // the bits of ids at depth >= d
		val     = int(c.memoryMap[id])
	)
	if val > d {
		return -1
	}
	for val < d || id&initial == 0 {
		id <<= 1
		val = int(c.memoryMap[id])
		if val > d {
			id ^= 1 // sibling
			val = int(c.memoryMap[id])
		}
	}
	debug.Assertf(val == d && id&initial == 1<<d, "chunk: node %d at depth %d, expected depth %d", id, val, d)
	c.memoryMap[id] = c.unusable
	c.updateParentsAlloc(id)
	return id
}

func (c *chunk) updateParentsAlloc(id int) {
	for id > 1 {
		parent := id >> 1
		c.memoryMap[parent] = min(c.memoryMap[id], c.memoryMap[id^1])
		id = parent
	}
}

// when both children are entirely free the parent becomes entirely free as well
func (c *chunk) updateParentsFree(id int) {
	logChild := c.depthMap[id] + 1
	for id > 1 {
		var (
			parent = id >> 1
			val1   = c.memoryMap[id]
			val2   = c.memoryMap[id^1]
		)
		logChild--
		if val1 == logChild && val2 == logChild {
			c.memoryMap[parent] = logChild - 1
		} else {
			c.memoryMap[parent] = min(val1, val2)
		}
		id = parent
	}
}

// under arena lock
func (c *chunk) free(handle int64) {
	var (
		memoryMapIdx = handle2Idx(handle)
		bitmapIdx    = handle2BitmapIdx(handle)
	)
	if bitmapIdx != 0 {
		s := c.subpages[c.subpageIdx(memoryMapIdx)]
		debug.Assert(s != nil && s.doNotDestroy, "chunk: freeing slot of a destroyed subpage")

		head := c.arena.findSubpagePoolHead(s.elemSize)
		head.mu.Lock()
		inuse := s.free(head, bitmapIdx&slotMask)
		head.mu.Unlock()
		if inuse {
			return
		}
	}
	debug.Assert(c.memoryMap[memoryMapIdx] == c.unusable, "chunk: double free of node ", memoryMapIdx)
	c.freeBytes += c.runLength(memoryMapIdx)
	c.memoryMap[memoryMapIdx] = c.depthMap[memoryMapIdx]
	c.updateParentsFree(memoryMapIdx)
}

func (c *chunk) initBuf(buf *Buf, handle int64, reqCap int) {
	var (
		memoryMapIdx = handle2Idx(handle)
		bitmapIdx    = handle2BitmapIdx(handle)
	)
	if bitmapIdx != 0 {
		c.initBufWithSubpage(buf, handle, reqCap)
		return
	}
	buf.init(c, handle, c.runOffset(memoryMapIdx), reqCap, c.runLength(memoryMapIdx))
}

func (c *chunk) initBufWithSubpage(buf *Buf, handle int64, reqCap int) {
	var (
		memoryMapIdx = handle2Idx(handle)
		bitmapIdx    = handle2BitmapIdx(handle) & slotMask
		s            = c.subpages[c.subpageIdx(memoryMapIdx)]
	)
	debug.Assert(reqCap <= s.elemSize)
	buf.init(c, handle, c.runOffset(memoryMapIdx)+bitmapIdx*s.elemSize, reqCap, s.elemSize)
}

// percentage of chunk in use: 100 only when nothing is free, 99 when almost nothing is
func (c *chunk) usage() int {
	if c.freeBytes == 0 {
		return 100
	}
	freePct := int(int64(c.freeBytes) * 100 / int64(c.chunkSize))
	if freePct == 0 {
		return 99
	}
	return 100 - freePct
}

func (c *chunk) destroy() {
	deadbeef(c.memory)
	c.mem.free(c.memory)
	c.memory = nil
}

func (c *chunk) runLength(id int) int { return 1 << (c.log2ChunkSize - int(c.depthMap[id])) }

func (c *chunk) runOffset(id int) int {
	shift := id ^ 1<<c.depthMap[id] // offset among nodes at the same depth
	return shift * c.runLength(id)
}

func (c *chunk) subpageIdx(memoryMapIdx int) int { return memoryMapIdx ^ c.maxSubpageAllocs }

func (c *chunk) stats() ChunkStats {
	return ChunkStats{Usage: c.usage(), ChunkSize: c.chunkSize, FreeBytes: c.freeBytes}
}

func handle2Idx(handle int64) int       { return int(uint32(handle)) }
func handle2BitmapIdx(handle int64) int { return int(uint64(handle) >> 32) }
