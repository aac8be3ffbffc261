// Package tests provides tests for common low-level types and utilities for all pma packages
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package tests_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/NVIDIA/pma/cmn"
	"github.com/NVIDIA/pma/cmn/cos"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	Describe("Validate", func() {
		It("should accept defaults", func() {
			config := cmn.DefaultConfig()
			Expect(config.Validate()).NotTo(HaveOccurred())
			Expect(config.ChunkSize()).To(BeEquivalentTo(16 * cos.MiB))
		})

		DescribeTable("should reject invalid values",
			func(modify func(*cmn.Config)) {
				config := cmn.DefaultConfig()
				modify(config)
				Expect(config.Validate()).To(HaveOccurred())
			},
			Entry("page size not power of 2", func(c *cmn.Config) { c.PageSize = 5000 }),
			Entry("page size too small", func(c *cmn.Config) { c.PageSize = 2048 }),
			Entry("max order too large", func(c *cmn.Config) { c.MaxOrder = 15 }),
			Entry("negative max order", func(c *cmn.Config) { c.MaxOrder = -1 }),
			Entry("chunk size over 1GiB", func(c *cmn.Config) { c.PageSize = 128 * cos.KiB; c.MaxOrder = 14 }),
			Entry("negative heap arenas", func(c *cmn.Config) { c.NumHeapArenas = -1 }),
			Entry("negative direct arenas", func(c *cmn.Config) { c.NumDirectArenas = -1 }),
			Entry("negative tiny cache", func(c *cmn.Config) { c.TinyCacheSize = -1 }),
			Entry("negative trim allocs", func(c *cmn.Config) { c.CacheTrimAllocs = -1 }),
			Entry("negative trim interval", func(c *cmn.Config) { c.CacheTrimInterval = cos.Duration(-time.Second) }),
		)

		DescribeTable("should accept edge values",
			func(modify func(*cmn.Config)) {
				config := cmn.DefaultConfig()
				modify(config)
				Expect(config.Validate()).NotTo(HaveOccurred())
			},
			Entry("zero arenas", func(c *cmn.Config) { c.NumHeapArenas, c.NumDirectArenas = 0, 0 }),
			Entry("zero caches", func(c *cmn.Config) { c.TinyCacheSize, c.SmallCacheSize, c.NormalCacheSize = 0, 0, 0 }),
			Entry("max order 0", func(c *cmn.Config) { c.MaxOrder = 0 }),
			Entry("1GiB chunks", func(c *cmn.Config) { c.PageSize = 64 * cos.KiB; c.MaxOrder = 14 }),
		)
	})

	Describe("LoadConfig", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("should load JSON on top of defaults", func() {
			path := filepath.Join(dir, "pma.json")
			data := `{"name": "test", "page_size": "16KiB", "max_order": 10, "num_heap_arenas": 3, "cache_trim_interval": "30s"}`
			Expect(os.WriteFile(path, []byte(data), 0o644)).To(Succeed())

			config, err := cmn.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(config.Name).To(Equal("test"))
			Expect(config.PageSize).To(BeEquivalentTo(16 * cos.KiB))
			Expect(config.MaxOrder).To(Equal(10))
			Expect(config.NumHeapArenas).To(Equal(3))
			Expect(config.CacheTrimInterval.D()).To(Equal(30 * time.Second))
			Expect(config.TinyCacheSize).To(Equal(cmn.DefaultTinyCacheSize))
		})

		It("should load YAML", func() {
			path := filepath.Join(dir, "pma.yaml")
			data := "page_size: 4KiB\nmax_order: 9\nnum_direct_arenas: 0\nmax_cached_buffer_capacity: 64K\n"
			Expect(os.WriteFile(path, []byte(data), 0o644)).To(Succeed())

			config, err := cmn.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(config.PageSize).To(BeEquivalentTo(4 * cos.KiB))
			Expect(config.MaxOrder).To(Equal(9))
			Expect(config.NumDirectArenas).To(BeZero())
			Expect(config.MaxCachedBufferCapacity).To(BeEquivalentTo(64 * cos.KiB))
		})

		It("should reject unknown JSON fields", func() {
			path := filepath.Join(dir, "pma.json")
			Expect(os.WriteFile(path, []byte(`{"page_sz": 8192}`), 0o644)).To(Succeed())
			_, err := cmn.LoadConfig(path)
			Expect(err).To(HaveOccurred())
		})

		It("should reject invalid values", func() {
			path := filepath.Join(dir, "pma.json")
			Expect(os.WriteFile(path, []byte(`{"page_size": 1000}`), 0o644)).To(Succeed())
			_, err := cmn.LoadConfig(path)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("page_size"))
		})

		It("should fail on missing file", func() {
			_, err := cmn.LoadConfig(filepath.Join(dir, "none.json"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ApplyEnv", func() {
		It("should override from environment", func() {
			GinkgoT().Setenv(cmn.EnvPageSize, "16K")
			GinkgoT().Setenv(cmn.EnvNumCaches, "5")
			GinkgoT().Setenv(cmn.EnvCacheTrimInterval, "1m")

			config := cmn.DefaultConfig()
			Expect(config.ApplyEnv()).To(Succeed())
			Expect(config.PageSize).To(BeEquivalentTo(16 * cos.KiB))
			Expect(config.NumCaches).To(Equal(5))
			Expect(config.CacheTrimInterval.D()).To(Equal(time.Minute))
		})

		It("should fail on unparsable values", func() {
			GinkgoT().Setenv(cmn.EnvMaxOrder, "eleven")
			Expect(cmn.DefaultConfig().ApplyEnv()).To(HaveOccurred())
		})
	})
})
