// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"math"

	"github.com/NVIDIA/pma/cmn/debug"
)

// chunkList holds the arena's chunks whose usage falls into [minUsage, maxUsage);
// chunks migrate to the next list as they fill up and to the previous one as they drain.
// All methods are called under arena lock.
type chunkList struct {
	name     string
	arena    *arena
	head     *chunk
	nextList *chunkList
	prevList *chunkList

	minUsage    int
	maxUsage    int
	maxCapacity int // largest normalized capacity that can possibly fit
}

func newChunkList(name string, a *arena, next *chunkList, minUsage, maxUsage, chunkSize int) *chunkList {
	debug.Assert(minUsage <= maxUsage)
	return &chunkList{
		name:        name,
		arena:       a,
		nextList:    next,
		minUsage:    minUsage,
		maxUsage:    maxUsage,
		maxCapacity: calcMaxCapacity(minUsage, chunkSize),
	}
}

// a chunk in this list has at least (100 - minUsage)% free
func calcMaxCapacity(minUsage, chunkSize int) int {
	minUsage = max(1, minUsage)
	if minUsage == 100 {
		return 0
	}
	return int(int64(chunkSize) * int64(100-minUsage) / 100)
}

func (cl *chunkList) allocate(buf *Buf, reqCap, normCap int) bool {
	if cl.head == nil || normCap > cl.maxCapacity {
		return false
	}
	for cur := cl.head; cur != nil; cur = cur.next {
		handle := cur.allocate(normCap)
		if handle < 0 {
			continue
		}
		cur.initBuf(buf, handle, reqCap)
		if cur.usage() >= cl.maxUsage {
			cl.remove(cur)
			cl.nextList.add(cur)
		}
		return true
	}
	return false
}

// returns false when the chunk drained out of the lowest list and must be destroyed
func (cl *chunkList) free(c *chunk, handle int64) bool {
	c.free(handle)
	if c.usage() < cl.minUsage {
		cl.remove(c)
		return cl.move0(c)
	}
	return true
}

func (cl *chunkList) move(c *chunk) bool {
	debug.Assert(c.usage() < cl.maxUsage)
	if c.usage() < cl.minUsage {
		return cl.move0(c)
	}
	cl.add0(c)
	return true
}

func (cl *chunkList) move0(c *chunk) bool {
	if cl.prevList == nil {
		debug.Assert(c.usage() == 0, "chunk: destroying chunk in use ", c.usage())
		return false
	}
	return cl.prevList.move(c)
}

func (cl *chunkList) add(c *chunk) {
	if c.usage() >= cl.maxUsage {
		cl.nextList.add(c)
		return
	}
	cl.add0(c)
}

func (cl *chunkList) add0(c *chunk) {
	c.parent = cl
	c.prev = nil
	if cl.head == nil {
		c.next = nil
	} else {
		c.next = cl.head
		cl.head.prev = c
	}
	cl.head = c
}

func (cl *chunkList) remove(c *chunk) {
	if c == cl.head {
		cl.head = c.next
		if cl.head != nil {
			cl.head.prev = nil
		}
	} else {
		next := c.next
		c.prev.next = next
		if next != nil {
			next.prev = c.prev
		}
	}
	c.prev, c.next = nil, nil
}

func (cl *chunkList) destroyAll(destroy func(*chunk)) {
	for cur := cl.head; cur != nil; {
		next := cur.next
		destroy(cur)
		cur = next
	}
	cl.head = nil
}

func (cl *chunkList) stats() ChunkListStats {
	s := ChunkListStats{Name: cl.name, MinUsage: max(cl.minUsage, 1), MaxUsage: min(cl.maxUsage, 100)}
	for cur := cl.head; cur != nil; cur = cur.next {
		s.Chunks = append(s.Chunks, cur.stats())
	}
	return s
}

func (cl *chunkList) len() (n int) {
	for cur := cl.head; cur != nil; cur = cur.next {
		n++
	}
	return
}

// usage bounds of the head and tail lists are open-ended
const (
	minUsageOpen = math.MinInt32
	maxUsageOpen = math.MaxInt32
)
