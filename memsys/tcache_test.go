// Package memsys provides pooled, size-classed, reference-counted buffers
// carved out of large chunks by a buddy allocator and per-page slabs.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package memsys_test

import (
	"github.com/NVIDIA/pma/cmn"
	"github.com/NVIDIA/pma/memsys"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func heapBuffers(tc *memsys.ThreadCache, n, size int) []*memsys.Buf {
	bufs := make([]*memsys.Buf, n)
	for i := range bufs {
		buf, err := tc.HeapBuffer(size)
		Expect(err).NotTo(HaveOccurred())
		bufs[i] = buf
	}
	return bufs
}

func releaseAll(bufs []*memsys.Buf) {
	for _, buf := range bufs {
		Expect(buf.Release()).To(BeTrue())
	}
}

var _ = Describe("ThreadCache", func() {
	It("should keep freed buffers in the owning cache", func() {
		mm := newAllocator(func(c *cmn.Config) { c.TinyCacheSize = 2 })
		tc := mm.NewThreadCache()

		releaseAll(heapBuffers(tc, 2, 100))
		Expect(tc.Len()).To(Equal(2))
		Expect(tc.Misses()).To(BeEquivalentTo(2))
		Expect(mm.Stats().NumCaches).To(Equal(1))

		buf, err := tc.HeapBuffer(100)
		Expect(err).NotTo(HaveOccurred())
		Expect(tc.Hits()).To(BeEquivalentTo(1))
		Expect(tc.Len()).To(Equal(1))
		Expect(buf.Release()).To(BeTrue())
		Expect(tc.Len()).To(Equal(2))

		// one reuse since creation: one entry stays
		tc.Trim()
		Expect(tc.Len()).To(Equal(1))
		tc.Trim()
		Expect(tc.Len()).To(BeZero())
		Expect(mm.Stats().NumActiveAllocations()).To(BeZero())
	})

	It("should outlive its buffers when closed", func() {
		mm := newAllocator(nil)
		tc := mm.NewThreadCache()
		buf, err := tc.DirectBuffer(1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.IsDirect()).To(BeTrue())

		tc.Close()
		Expect(mm.Stats().NumCaches).To(BeZero())

		// goes to a shared cache
		Expect(buf.Release()).To(BeTrue())
		Expect(tc.Len()).To(BeZero())
		Expect(mm.FreeCaches()).To(Equal(1))
		Expect(mm.Stats().NumActiveAllocations()).To(BeZero())
	})

	It("should trim every so many allocations", func() {
		mm := newAllocator(func(c *cmn.Config) {
			c.TinyCacheSize = 4
			c.CacheTrimAllocs = 4
		})
		tc := mm.NewThreadCache()
		Expect(mm.Stats().HeapArenas[0].NumThreadCaches).To(Equal(1))

		releaseAll(heapBuffers(tc, 4, 100))
		Expect(tc.Len()).To(Equal(4))

		small := heapBuffers(tc, 3, 1000)
		Expect(tc.Len()).To(Equal(4))
		small = append(small, heapBuffers(tc, 1, 1000)...)
		Expect(tc.Len()).To(BeZero())

		releaseAll(small)
		Expect(tc.Len()).To(Equal(4))

		tc.Close()
		Expect(tc.Len()).To(BeZero())
		Expect(mm.Stats().HeapArenas[0].NumThreadCaches).To(BeZero())
		Expect(mm.Stats().NumActiveAllocations()).To(BeZero())
	})

	It("should not cache normal buffers above max cached capacity", func() {
		mm := newAllocator(nil)
		tc := mm.NewThreadCache()

		releaseAll(heapBuffers(tc, 1, 64*1024))
		Expect(tc.Len()).To(BeZero())
		releaseAll(heapBuffers(tc, 1, 32*1024))
		Expect(tc.Len()).To(Equal(1))
		tc.Close()
	})
})
