// Package hk runs named callbacks at intervals the callbacks themselves choose:
// allocator cache trimming and periodic stats reporting.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pma/hk"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	BeforeEach(func() {
		hk.TestInit()
		go hk.HK.Run()
		hk.WaitStarted()
	})

	AfterEach(func() {
		hk.HK.Stop(nil)
	})

	It("should call registered callback", func() {
		var fired atomic.Int32
		hk.Reg("foo", func(int64) time.Duration {
			fired.Add(1)
			return 20 * time.Millisecond
		}, 20*time.Millisecond)

		Eventually(fired.Load, time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 2))
	})

	It("should call callback right away when interval is zero", func() {
		var fired atomic.Int32
		hk.Reg("bar", func(int64) time.Duration {
			fired.Add(1)
			return time.Hour
		}, 0)

		Eventually(fired.Load, time.Second, 10*time.Millisecond).Should(BeEquivalentTo(1))
		Consistently(fired.Load, 100*time.Millisecond, 10*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("should stop calling unregistered callback", func() {
		var fired atomic.Int32
		hk.Reg("baz", func(int64) time.Duration {
			fired.Add(1)
			return 20 * time.Millisecond
		}, 20*time.Millisecond)
		Eventually(fired.Load, time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))

		hk.Unreg("baz")
		time.Sleep(50 * time.Millisecond)
		cnt := fired.Load()
		Consistently(fired.Load, 150*time.Millisecond, 10*time.Millisecond).Should(Equal(cnt))
	})

	It("should unregister when callback returns UnregInterval", func() {
		var fired atomic.Int32
		hk.Reg("once", func(int64) time.Duration {
			fired.Add(1)
			return hk.UnregInterval
		}, 20*time.Millisecond)

		Eventually(fired.Load, time.Second, 10*time.Millisecond).Should(BeEquivalentTo(1))
		Consistently(fired.Load, 150*time.Millisecond, 10*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("should not register a duplicate name", func() {
		var first, second atomic.Int32
		hk.Reg("dup", func(int64) time.Duration {
			first.Add(1)
			return 20 * time.Millisecond
		}, 20*time.Millisecond)
		hk.Reg("dup", func(int64) time.Duration {
			second.Add(1)
			return 20 * time.Millisecond
		}, 20*time.Millisecond)

		Eventually(first.Load, time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 2))
		Expect(second.Load()).To(BeZero())
		hk.Unreg("dup")
	})

	It("should clamp intervals below MinIval", func() {
		var (
			fired atomic.Int32
			start = time.Now()
		)
		hk.Reg("fast", func(int64) time.Duration {
			fired.Add(1)
			return time.Nanosecond
		}, time.Nanosecond)

		time.Sleep(10 * hk.MinIval)
		hk.Unreg("fast")
		n := fired.Load()
		Expect(n).To(BeNumerically(">=", 1))
		Expect(n).To(BeNumerically("<=", int32(time.Since(start)/hk.MinIval)+1))
	})
})
