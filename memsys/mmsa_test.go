// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys_test

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pma/cmn"
	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/hk"
	"github.com/NVIDIA/pma/memsys"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingTracker struct {
	allocated atomic.Int32
	freed     atomic.Int32
}

func (t *countingTracker) Allocated(*memsys.Buf) { t.allocated.Add(1) }
func (t *countingTracker) Freed(*memsys.Buf)     { t.freed.Add(1) }

// single heap and direct arena, single shared cache, no periodic trimming
func testConfig(mutate func(*cmn.Config)) *cmn.Config {
	config := cmn.DefaultConfig()
	config.Name = "test-mm"
	config.NumHeapArenas = 1
	config.NumDirectArenas = 1
	config.NumCaches = 1
	config.CacheTrimInterval = 0
	if mutate != nil {
		mutate(config)
	}
	return config
}

func newAllocator(mutate func(*cmn.Config)) *memsys.Allocator {
	mm, err := memsys.New(testConfig(mutate))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(mm.Terminate)
	return mm
}

func fill(buf *memsys.Buf) {
	b := buf.Bytes()
	for i := range b {
		b[i] = byte(i % 251)
	}
}

func verify(buf *memsys.Buf, from, to int) {
	b := buf.Bytes()
	for i := from; i < to; i++ {
		if b[i] != byte(i%251) {
			Fail(fmt.Sprintf("%s: content mismatch at offset %d", buf, i))
		}
	}
}

var _ = Describe("Allocator", func() {
	It("should fail to init with invalid config", func() {
		config := testConfig(func(c *cmn.Config) { c.PageSize = 1000 })
		_, err := memsys.New(config)
		Expect(err).To(HaveOccurred())
	})

	Describe("buffers", func() {
		var mm *memsys.Allocator

		BeforeEach(func() {
			mm = newAllocator(nil)
		})

		It("should allocate heap buffers", func() {
			buf, err := mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.Cap()).To(Equal(100))
			Expect(buf.Len()).To(Equal(112))
			Expect(buf.MaxCap()).To(BeNumerically(">=", 1<<30))
			Expect(buf.IsDirect()).To(BeFalse())
			Expect(buf.IsUnpooled()).To(BeFalse())
			Expect(buf.RefCnt()).To(BeEquivalentTo(1))
			Expect(buf.Bytes()).To(HaveLen(100))
			Expect(cap(buf.Bytes())).To(Equal(112))
			Expect(buf.Release()).To(BeTrue())
		})

		It("should allocate direct buffers", func() {
			buf, err := mm.NewDirectBuffer(5000, 10000)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.IsDirect()).To(BeTrue())
			Expect(buf.Cap()).To(Equal(5000))
			Expect(buf.Len()).To(Equal(8192))
			Expect(buf.MaxCap()).To(Equal(10000))
			fill(buf)
			verify(buf, 0, 5000)

			Expect(mm.UsedDirectMemory()).To(BeEquivalentTo(16 * cos.MiB))
			Expect(mm.UsedHeapMemory()).To(BeZero())
			Expect(buf.Release()).To(BeTrue())
		})

		It("should return shared empty buffer", func() {
			b1, err := mm.NewHeapBuffer(0, 0)
			Expect(err).NotTo(HaveOccurred())
			b2, err := mm.NewHeapBuffer(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(b1).To(BeIdenticalTo(b2))
			Expect(b1.Cap()).To(BeZero())
			Expect(b1.Bytes()).To(BeEmpty())
			Expect(b1.Release()).To(BeFalse())
			Expect(b1.RefCnt()).To(BeEquivalentTo(1))

			d, err := mm.NewDirectBuffer(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.IsDirect()).To(BeTrue())
			Expect(d).NotTo(BeIdenticalTo(b1))
		})

		It("should give zero-capacity buffer a slot", func() {
			buf, err := mm.NewHeapBuffer(0, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.Cap()).To(BeZero())
			Expect(buf.Len()).To(Equal(16))
			Expect(buf.SetCap(16)).To(Succeed())
			Expect(buf.Release()).To(BeTrue())
		})

		It("should reject invalid capacity", func() {
			_, err := mm.NewHeapBuffer(-1, 10)
			Expect(memsys.IsErrCapacity(err)).To(BeTrue())
			_, err = mm.NewHeapBuffer(11, 10)
			Expect(memsys.IsErrCapacity(err)).To(BeTrue())
			_, err = mm.NewDirectBuffer(11, 10)
			Expect(memsys.IsErrCapacity(err)).To(BeTrue())

			buf, err := mm.NewHeapBuffer(10, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(memsys.IsErrCapacity(buf.SetCap(101))).To(BeTrue())
			Expect(memsys.IsErrCapacity(buf.SetCap(-1))).To(BeTrue())
			Expect(buf.Release()).To(BeTrue())
		})

		It("should count references", func() {
			buf, err := mm.HeapBuffer(1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.Retain()).To(BeIdenticalTo(buf))
			Expect(buf.RefCnt()).To(BeEquivalentTo(2))
			Expect(buf.Release()).To(BeFalse())
			Expect(buf.Release()).To(BeTrue())
			Expect(buf.RefCnt()).To(BeZero())

			Expect(func() { buf.Release() }).To(Panic())
			Expect(func() { buf.Retain() }).To(Panic())
			Expect(memsys.IsErrRefCnt(buf.SetCap(10))).To(BeTrue())
		})

		It("should serve the same size from cache", func() {
			buf, err := mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())
			handle, offset := buf.Handle(), buf.Offset()
			Expect(buf.Release()).To(BeTrue())

			buf, err = mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.Handle()).To(Equal(handle))
			Expect(buf.Offset()).To(Equal(offset))
			Expect(mm.Stats().CacheHits).To(BeEquivalentTo(1))
			Expect(buf.Release()).To(BeTrue())

			// cached is still active
			Expect(mm.Stats().NumActiveAllocations()).To(BeEquivalentTo(1))
			Expect(mm.FreeCaches()).To(Equal(1))
			Expect(mm.Stats().NumActiveAllocations()).To(BeZero())
		})

		It("should allocate and free huge buffers", func() {
			buf, err := mm.HeapBuffer(20 * cos.MiB)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.IsUnpooled()).To(BeTrue())
			Expect(buf.Len()).To(Equal(20 * cos.MiB))
			Expect(mm.UsedHeapMemory()).To(BeEquivalentTo(20 * cos.MiB))

			as := mm.Stats().HeapArenas[0]
			Expect(as.NumHugeAllocations).To(BeEquivalentTo(1))
			Expect(as.NumActiveBytesHuge).To(BeEquivalentTo(20 * cos.MiB))
			Expect(as.NumChunksCreated).To(BeZero())

			Expect(buf.Release()).To(BeTrue())
			as = mm.Stats().HeapArenas[0]
			Expect(as.NumHugeDeallocations).To(BeEquivalentTo(1))
			Expect(mm.UsedHeapMemory()).To(BeZero())
		})

		It("should dump stats", func() {
			buf, err := mm.HeapBuffer(3000)
			Expect(err).NotTo(HaveOccurred())

			var stats memsys.Stats
			Expect(cos.JSON.UnmarshalFromString(mm.DumpStats(), &stats)).To(Succeed())
			Expect(stats.Name).To(Equal("test-mm"))
			Expect(stats.ChunkSize).To(Equal(16 * cos.MiB))
			Expect(stats.PageSize).To(Equal(8 * cos.KiB))
			Expect(stats.HeapArenas).To(HaveLen(1))
			Expect(stats.DirectArenas).To(HaveLen(1))
			Expect(stats.NumChunks()).To(Equal(1))
			Expect(stats.HeapArenas[0].NumSmallAllocations).To(BeEquivalentTo(1))
			Expect(stats.HeapArenas[0].NumSmallSubpagesInPools).To(Equal(1))
			Expect(stats.HeapArenas[0].ChunkLists).To(HaveLen(6))
			Expect(stats.UsedHeapMemory).To(BeEquivalentTo(16 * cos.MiB))

			Expect(buf.Release()).To(BeTrue())
		})
	})

	Describe("SetCap", func() {
		var mm *memsys.Allocator

		BeforeEach(func() {
			mm = newAllocator(nil)
		})

		It("should grow and shrink in place", func() {
			buf, err := mm.HeapBuffer(5000)
			Expect(err).NotTo(HaveOccurred())
			handle := buf.Handle()

			Expect(buf.SetCap(8000)).To(Succeed())
			Expect(buf.Cap()).To(Equal(8000))
			Expect(buf.Handle()).To(Equal(handle))

			Expect(buf.SetCap(4097)).To(Succeed())
			Expect(buf.Handle()).To(Equal(handle))
			Expect(buf.Len()).To(Equal(8192))

			// half or less: moves to the smaller size class
			Expect(buf.SetCap(4096)).To(Succeed())
			Expect(buf.Handle()).NotTo(Equal(handle))
			Expect(buf.Len()).To(Equal(4096))
			Expect(buf.Release()).To(BeTrue())
		})

		It("should keep tiny buffers within 16 bytes of the slot", func() {
			buf, err := mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())
			handle := buf.Handle()

			Expect(buf.SetCap(97)).To(Succeed())
			Expect(buf.Handle()).To(Equal(handle))
			Expect(buf.SetCap(96)).To(Succeed())
			Expect(buf.Handle()).NotTo(Equal(handle))
			Expect(buf.Len()).To(Equal(96))
			Expect(buf.Release()).To(BeTrue())
		})

		It("should preserve content when growing", func() {
			buf, err := mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())
			fill(buf)
			Expect(buf.SetIndex(0, 100)).To(Succeed())

			Expect(buf.SetCap(20000)).To(Succeed())
			Expect(buf.Cap()).To(Equal(20000))
			Expect(buf.Len()).To(Equal(32 * cos.KiB))
			Expect(buf.ReaderIndex()).To(Equal(0))
			Expect(buf.WriterIndex()).To(Equal(100))
			verify(buf, 0, 100)
			Expect(buf.Release()).To(BeTrue())
		})

		It("should preserve readable bytes and clamp cursors when shrinking", func() {
			buf, err := mm.HeapBuffer(8000)
			Expect(err).NotTo(HaveOccurred())
			fill(buf)
			Expect(buf.SetIndex(10, 4000)).To(Succeed())

			Expect(buf.SetCap(300)).To(Succeed())
			Expect(buf.ReaderIndex()).To(Equal(10))
			Expect(buf.WriterIndex()).To(Equal(300))
			verify(buf, 10, 300)

			Expect(buf.SetIndex(200, 250)).To(Succeed())
			Expect(buf.SetCap(100)).To(Succeed())
			Expect(buf.ReaderIndex()).To(Equal(100))
			Expect(buf.WriterIndex()).To(Equal(100))
			Expect(buf.Release()).To(BeTrue())
		})

		It("should reject invalid indices", func() {
			buf, err := mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.SetIndex(10, 5)).NotTo(Succeed())
			Expect(buf.SetIndex(0, 101)).NotTo(Succeed())
			Expect(buf.SetIndex(-1, 0)).NotTo(Succeed())
			Expect(buf.Release()).To(BeTrue())
		})
	})

	Describe("unpooled", func() {
		It("should allocate unpooled when there are no arenas", func() {
			mm := newAllocator(func(c *cmn.Config) {
				c.NumHeapArenas = 0
				c.NumDirectArenas = 0
			})
			for _, direct := range []bool{false, true} {
				var (
					buf *memsys.Buf
					err error
				)
				if direct {
					buf, err = mm.DirectBuffer(100)
				} else {
					buf, err = mm.HeapBuffer(100)
				}
				Expect(err).NotTo(HaveOccurred())
				Expect(buf.IsUnpooled()).To(BeTrue())
				Expect(buf.IsDirect()).To(Equal(direct))
				Expect(buf.Len()).To(Equal(100))
				fill(buf)

				Expect(buf.SetCap(1000)).To(Succeed())
				Expect(buf.Len()).To(Equal(1000))
				verify(buf, 0, 100)
				Expect(buf.Release()).To(BeTrue())
			}
			Expect(mm.Stats().HeapArenas).To(BeEmpty())
		})
	})

	Describe("Tracker", func() {
		It("should observe allocations and releases", func() {
			var (
				tracker = &countingTracker{}
				mm      = &memsys.Allocator{Tracker: tracker, Name: "tracked"}
			)
			Expect(mm.Init(testConfig(nil))).To(Succeed())
			DeferCleanup(mm.Terminate)

			bufs := make([]*memsys.Buf, 0, 3)
			for _, size := range []int{10, 10 * cos.KiB, 20 * cos.MiB} {
				buf, err := mm.HeapBuffer(size)
				Expect(err).NotTo(HaveOccurred())
				bufs = append(bufs, buf)
			}
			_, err := mm.NewHeapBuffer(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(tracker.allocated.Load()).To(BeEquivalentTo(3))

			for _, buf := range bufs {
				buf.Retain()
				Expect(buf.Release()).To(BeFalse())
				Expect(buf.Release()).To(BeTrue())
			}
			Expect(tracker.freed.Load()).To(BeEquivalentTo(3))
			Expect(mm.String()).To(ContainSubstring("tracked"))
		})
	})

	Describe("Terminate", func() {
		It("should refuse allocations once terminated", func() {
			mm, err := memsys.New(testConfig(nil))
			Expect(err).NotTo(HaveOccurred())
			buf, err := mm.HeapBuffer(100)
			Expect(err).NotTo(HaveOccurred())

			mm.Terminate()
			mm.Terminate()
			_, err = mm.HeapBuffer(100)
			Expect(err).To(MatchError(memsys.ErrTerminated))
			_, err = mm.NewThreadCache().HeapBuffer(100)
			Expect(err).To(MatchError(memsys.ErrTerminated))

			// no-op
			Expect(buf.Release()).To(BeTrue())
			Expect(mm.UsedHeapMemory()).To(BeZero())
		})
	})

	Describe("hk", func() {
		BeforeEach(func() {
			hk.TestInit()
			go hk.HK.Run()
			hk.WaitStarted()
		})

		AfterEach(func() {
			hk.HK.Stop(nil)
		})

		It("should periodically trim caches", func() {
			mm := newAllocator(func(c *cmn.Config) {
				c.CacheTrimInterval = cos.Duration(50 * time.Millisecond)
			})
			mm.RegWithHK()
			mm.RegWithHK() // idempotent

			bufs := make([]*memsys.Buf, 10)
			for i := range bufs {
				buf, err := mm.HeapBuffer(100)
				Expect(err).NotTo(HaveOccurred())
				bufs[i] = buf
			}
			for _, buf := range bufs {
				Expect(buf.Release()).To(BeTrue())
			}

			tinyDeallocs := func() int64 { return mm.Stats().HeapArenas[0].NumTinyDeallocations }
			Eventually(tinyDeallocs, 2*time.Second, 20*time.Millisecond).Should(BeEquivalentTo(10))
			Expect(mm.Stats().NumActiveAllocations()).To(BeZero())

			mm.UnregWithHK()
		})
	})
})
