// Package stats exports allocator statistics: as a Prometheus collector
// and, periodically, as StatsD gauges.
/*
 * Copyright (c) 2024-2026, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"github.com/NVIDIA/pma/cmn/nlog"
	"github.com/NVIDIA/pma/memsys"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "pma"
	promSubsystem = "memsys"
)

type (
	promDesc struct {
		desc *prometheus.Desc
		typ  prometheus.ValueType
	}
	// Collector is a prometheus.Collector that takes a fresh snapshot upon every Collect
	Collector struct {
		src   Source
		descs map[string]*promDesc
	}
)

// interface guard
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns collector with all metrics labeled by allocator name;
// the caller registers it, e.g. `prometheus.MustRegister(stats.NewCollector(mm, mm.Name))`
func NewCollector(src Source, name string) *Collector {
	c := &Collector{src: src, descs: make(map[string]*promDesc, 12)}
	constLabels := prometheus.Labels{"allocator": name}

	add := func(metric, help string, typ prometheus.ValueType, labels ...string) {
		fullqn := prometheus.BuildFQName(promNamespace, promSubsystem, metric)
		c.descs[metric] = &promDesc{
			desc: prometheus.NewDesc(fullqn, help, labels, constLabels),
			typ:  typ,
		}
	}
	add(UsedMemory, "bytes held in chunks and huge allocations", prometheus.GaugeValue, "kind")
	add(Allocations, "number of arena allocations", prometheus.CounterValue, "kind", "arena", "class")
	add(Deallocations, "number of arena deallocations", prometheus.CounterValue, "kind", "arena", "class")
	add(ActiveAllocation, "allocated and not yet returned to arena (includes cached)", prometheus.GaugeValue,
		"kind", "arena", "class")
	add(ChunksCreated, "number of chunks created", prometheus.CounterValue, "kind", "arena")
	add(ChunksDestroyed, "number of chunks destroyed", prometheus.CounterValue, "kind", "arena")
	add(Chunks, "number of chunks per usage list", prometheus.GaugeValue, "kind", "arena", "list")
	add(ThreadCaches, "number of caches bound to arena", prometheus.GaugeValue, "kind", "arena")
	add(Subpages, "number of subpages in arena pools", prometheus.GaugeValue, "kind", "arena", "class")
	add(CacheHits, "allocations served from caches", prometheus.CounterValue)
	add(CacheMisses, "cache lookups that fell through to arenas", prometheus.CounterValue)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	c.send(ch, UsedMemory, s.UsedHeapMemory, kindHeap)
	c.send(ch, UsedMemory, s.UsedDirectMemory, kindDirect)
	c.send(ch, CacheHits, s.CacheHits)
	c.send(ch, CacheMisses, s.CacheMisses)

	eachArena(s, func(kind, idx string, as *memsys.ArenaStats) {
		for i, vals := range byClass(as) {
			c.send(ch, Allocations, vals[0], kind, idx, classes[i])
			c.send(ch, Deallocations, vals[1], kind, idx, classes[i])
			c.send(ch, ActiveAllocation, vals[2], kind, idx, classes[i])
		}
		c.send(ch, ChunksCreated, as.NumChunksCreated, kind, idx)
		c.send(ch, ChunksDestroyed, as.NumChunksDestroyed, kind, idx)
		c.send(ch, ThreadCaches, int64(as.NumThreadCaches), kind, idx)
		c.send(ch, Subpages, int64(as.NumTinySubpagesInPools), kind, idx, classes[0])
		c.send(ch, Subpages, int64(as.NumSmallSubpagesInPools), kind, idx, classes[1])
		for _, cl := range as.ChunkLists {
			c.send(ch, Chunks, int64(len(cl.Chunks)), kind, idx, cl.Name)
		}
	})
}

func (c *Collector) send(ch chan<- prometheus.Metric, metric string, val int64, labels ...string) {
	d := c.descs[metric]
	m, err := prometheus.NewConstMetric(d.desc, d.typ, float64(val), labels...)
	if err != nil {
		nlog.Errorln("failed to collect", metric, labels, "err:", err)
		return
	}
	ch <- m
}
