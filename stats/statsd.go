// Package stats exports allocator statistics: as a Prometheus collector
// and, periodically, as StatsD gauges.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pma/cmn/nlog"
	"github.com/NVIDIA/pma/hk"
	"github.com/NVIDIA/pma/memsys"
	"github.com/NVIDIA/pma/stats/statsd"
)

const statsdBucket = "memsys"

// StatsD periodically (via hk) sends allocator snapshot as StatsD gauges:
//
//	<prefix>.memsys.<name>.heap.used:<bytes>|g
//	<prefix>.memsys.<name>.heap.0.tiny.active:<count>|g
//	...
type StatsD struct {
	src        Source
	client     *statsd.Client
	name       string
	hkName     string
	ival       time.Duration
	errs       atomic.Int64
	registered atomic.Bool
}

func NewStatsD(src Source, client *statsd.Client, name string, ival time.Duration) *StatsD {
	return &StatsD{src: src, client: client, name: name, hkName: name + ".statsd", ival: ival}
}

func (r *StatsD) RegWithHK() {
	if r.registered.CompareAndSwap(false, true) {
		hk.Reg(r.hkName, r.hkSend, r.ival)
	}
}

func (r *StatsD) UnregWithHK() {
	if r.registered.CompareAndSwap(true, false) {
		hk.Unreg(r.hkName)
	}
}

func (r *StatsD) hkSend(int64) time.Duration {
	if err := r.Send(); err != nil {
		// log every so often
		if n := r.errs.Add(1); n == 1 || n%100 == 0 {
			nlog.Warningln(r.hkName, "failed to send (", n, "errors so far):", err)
		}
	}
	return r.ival
}

// Send takes a snapshot and sends it right away
func (r *StatsD) Send() error {
	return r.client.Send(statsdBucket, r.metrics(r.src.Stats())...)
}

func (r *StatsD) metrics(s *memsys.Stats) []statsd.Metric {
	var (
		pfx     = r.name + "."
		metrics = make([]statsd.Metric, 0, 64)
	)
	gauge := func(name string, val int64) {
		metrics = append(metrics, statsd.Metric{Type: statsd.Gauge, Name: pfx + name, Value: val})
	}
	gauge(kindHeap+".used", s.UsedHeapMemory)
	gauge(kindDirect+".used", s.UsedDirectMemory)
	gauge("cache.hits", s.CacheHits)
	gauge("cache.misses", s.CacheMisses)
	gauge("cache.n", int64(s.NumCaches))

	eachArena(s, func(kind, idx string, as *memsys.ArenaStats) {
		arena := kind + "." + idx + "."
		for i, vals := range byClass(as) {
			gauge(arena+classes[i]+".active", vals[2])
		}
		gauge(arena+"chunks.created", as.NumChunksCreated)
		gauge(arena+"chunks.destroyed", as.NumChunksDestroyed)
	})
	return metrics
}
