// Package cmn provides common constants, types, and utilities for pma clients and the allocator.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/pma/cmn/cos"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// allocator defaults
const (
	DefaultPageSize                = 8 * cos.KiB
	DefaultMaxOrder                = 11 // 8KiB << 11 = 16MiB chunks
	DefaultTinyCacheSize           = 512
	DefaultSmallCacheSize          = 256
	DefaultNormalCacheSize         = 64
	DefaultMaxCachedBufferCapacity = 32 * cos.KiB
	DefaultCacheTrimAllocs         = 8192
	DefaultCacheTrimInterval       = 2 * time.Minute
)

// limits
const (
	MinPageSize  = 4 * cos.KiB
	MaxOrder     = 14
	MaxChunkSize = cos.GiB
)

// environment overrides (compare w/ config file)
const (
	EnvPageSize                = "PMA_PAGE_SIZE"
	EnvMaxOrder                = "PMA_MAX_ORDER"
	EnvNumHeapArenas           = "PMA_NUM_HEAP_ARENAS"
	EnvNumDirectArenas         = "PMA_NUM_DIRECT_ARENAS"
	EnvTinyCacheSize           = "PMA_TINY_CACHE_SIZE"
	EnvSmallCacheSize          = "PMA_SMALL_CACHE_SIZE"
	EnvNormalCacheSize         = "PMA_NORMAL_CACHE_SIZE"
	EnvMaxCachedBufferCapacity = "PMA_MAX_CACHED_BUFFER_CAPACITY"
	EnvCacheTrimAllocs         = "PMA_CACHE_TRIM_ALLOCS"
	EnvCacheTrimInterval       = "PMA_CACHE_TRIM_INTERVAL"
	EnvNumCaches               = "PMA_NUM_CACHES"
)

type Config struct {
	// hk registration prefix and stats label; generated when empty
	Name string `json:"name" yaml:"name"`

	// chunk geometry: chunk size = PageSize << MaxOrder
	PageSize cos.SizeIEC `json:"page_size" yaml:"page_size"`
	MaxOrder int         `json:"max_order" yaml:"max_order"`

	// zero arenas of a kind means unpooled buffers of that kind
	NumHeapArenas   int `json:"num_heap_arenas" yaml:"num_heap_arenas"`
	NumDirectArenas int `json:"num_direct_arenas" yaml:"num_direct_arenas"`

	// per-cache, per-size-class number of cached entries (zero disables)
	TinyCacheSize   int `json:"tiny_cache_size" yaml:"tiny_cache_size"`
	SmallCacheSize  int `json:"small_cache_size" yaml:"small_cache_size"`
	NormalCacheSize int `json:"normal_cache_size" yaml:"normal_cache_size"`

	// normal-size buffers above this capacity are never cached
	MaxCachedBufferCapacity cos.SizeIEC `json:"max_cached_buffer_capacity" yaml:"max_cached_buffer_capacity"`

	// trim caches every so many cache allocations (zero disables)
	CacheTrimAllocs int `json:"cache_trim_allocs" yaml:"cache_trim_allocs"`

	// trim caches periodically via hk (zero disables)
	CacheTrimInterval cos.Duration `json:"cache_trim_interval" yaml:"cache_trim_interval"`

	// number of shared cache slots; zero means GOMAXPROCS
	NumCaches int `json:"num_caches" yaml:"num_caches"`

	// log chunk create/destroy
	Verbose bool `json:"verbose" yaml:"verbose"`
}

func DefaultConfig() *Config {
	narenas := 2 * runtime.GOMAXPROCS(0)
	return &Config{
		PageSize:                DefaultPageSize,
		MaxOrder:                DefaultMaxOrder,
		NumHeapArenas:           narenas,
		NumDirectArenas:         narenas,
		TinyCacheSize:           DefaultTinyCacheSize,
		SmallCacheSize:          DefaultSmallCacheSize,
		NormalCacheSize:         DefaultNormalCacheSize,
		MaxCachedBufferCapacity: DefaultMaxCachedBufferCapacity,
		CacheTrimAllocs:         DefaultCacheTrimAllocs,
		CacheTrimInterval:       cos.Duration(DefaultCacheTrimInterval),
	}
}

func (c *Config) ChunkSize() int64 { return int64(c.PageSize) << c.MaxOrder }

func (c *Config) String() string { return cos.MustMarshalToString(c) }

func (c *Config) Validate() error {
	if !cos.IsPow2(int64(c.PageSize)) || c.PageSize < MinPageSize {
		return errors.Errorf("invalid page_size %d: expecting power of 2 and >= %d", c.PageSize, MinPageSize)
	}
	if c.MaxOrder < 0 || c.MaxOrder > MaxOrder {
		return errors.Errorf("invalid max_order %d: expecting 0..%d", c.MaxOrder, MaxOrder)
	}
	if cs := c.ChunkSize(); cs > MaxChunkSize {
		return errors.Errorf("chunk size %s (page_size %s << max_order %d) exceeds %s",
			cos.ToSizeIEC(cs, 0), c.PageSize, c.MaxOrder, cos.ToSizeIEC(MaxChunkSize, 0))
	}
	nonneg := []struct {
		name string
		val  int64
	}{
		{"num_heap_arenas", int64(c.NumHeapArenas)},
		{"num_direct_arenas", int64(c.NumDirectArenas)},
		{"tiny_cache_size", int64(c.TinyCacheSize)},
		{"small_cache_size", int64(c.SmallCacheSize)},
		{"normal_cache_size", int64(c.NormalCacheSize)},
		{"max_cached_buffer_capacity", int64(c.MaxCachedBufferCapacity)},
		{"cache_trim_allocs", int64(c.CacheTrimAllocs)},
		{"cache_trim_interval", int64(c.CacheTrimInterval)},
		{"num_caches", int64(c.NumCaches)},
	}
	for _, v := range nonneg {
		if v.val < 0 {
			return errors.Errorf("invalid %s %d: expecting non-negative", v.name, v.val)
		}
	}
	return nil
}

// ApplyEnv overrides config values with PMA_* environment variables, if defined
func (c *Config) ApplyEnv() error {
	ints := []struct {
		name string
		ptr  *int
	}{
		{EnvMaxOrder, &c.MaxOrder},
		{EnvNumHeapArenas, &c.NumHeapArenas},
		{EnvNumDirectArenas, &c.NumDirectArenas},
		{EnvTinyCacheSize, &c.TinyCacheSize},
		{EnvSmallCacheSize, &c.SmallCacheSize},
		{EnvNormalCacheSize, &c.NormalCacheSize},
		{EnvCacheTrimAllocs, &c.CacheTrimAllocs},
		{EnvNumCaches, &c.NumCaches},
	}
	for _, v := range ints {
		a := os.Getenv(v.name)
		if a == "" {
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			return errors.Wrapf(err, "cannot parse %s %q", v.name, a)
		}
		*v.ptr = n
	}
	sizes := []struct {
		name string
		ptr  *cos.SizeIEC
	}{
		{EnvPageSize, &c.PageSize},
		{EnvMaxCachedBufferCapacity, &c.MaxCachedBufferCapacity},
	}
	for _, v := range sizes {
		a := os.Getenv(v.name)
		if a == "" {
			continue
		}
		n, err := cos.ParseSize(a)
		if err != nil {
			return errors.Wrapf(err, "cannot parse %s %q", v.name, a)
		}
		*v.ptr = cos.SizeIEC(n)
	}
	if a := os.Getenv(EnvCacheTrimInterval); a != "" {
		d, err := time.ParseDuration(a)
		if err != nil {
			return errors.Wrapf(err, "cannot parse %s %q", EnvCacheTrimInterval, a)
		}
		c.CacheTrimInterval = cos.Duration(d)
	}
	return nil
}

// LoadConfig reads JSON or YAML (by extension) on top of defaults, applies environment, and validates
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, config)
	default:
		err = cos.JSON.Unmarshal(b, config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return config, nil
}
