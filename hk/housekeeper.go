// Package hk runs named callbacks at intervals the callbacks themselves choose:
// allocator cache trimming and periodic stats reporting.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pma/cmn/cos"
	"github.com/NVIDIA/pma/cmn/debug"
	"github.com/NVIDIA/pma/cmn/mono"
	"github.com/NVIDIA/pma/cmn/nlog"
)

const reqChanCap = 32

// returned by a callback (or passed to the housekeeper internally) to unregister
const UnregInterval = 365 * 24 * time.Hour

type (
	// Callback receives the current mono time and returns the interval until its next call
	Callback func(now int64) time.Duration

	req struct {
		cb   Callback
		name string
		ival time.Duration
	}
	job struct {
		cb   Callback
		name string
		due  int64 // mono
	}
	// min-heap by due time
	schedule []job

	hk struct {
		stopCh  cos.StopCh
		jobs    schedule
		timer   *time.Timer
		reqCh   chan req
		running atomic.Bool
	}
)

var HK *hk

// interface guard
var _ cos.Runner = (*hk)(nil)

func Init() { _init(false) }

// TestInit is Init for unit tests: callers may register before Run
func TestInit() { _init(true) }

func _init(running bool) {
	HK = &hk{reqCh: make(chan req, reqChanCap)}
	HK.stopCh.Init()
	HK.running.Store(running)
}

func WaitStarted() {
	for !HK.running.Load() {
		time.Sleep(10 * time.Millisecond)
	}
}

// Reg schedules cb under a unique name; zero ival calls it right away
// (from the housekeeper goroutine) and uses the returned interval
func Reg(name string, cb Callback, ival time.Duration) {
	debug.Assert(nlog.Stopping() || HK.running.Load())
	debug.Assert(ival != UnregInterval && cb != nil)
	HK.send(req{name: name, cb: cb, ival: ival})
}

func Unreg(name string) {
	debug.Assert(nlog.Stopping() || HK.running.Load())
	HK.send(req{name: name, ival: UnregInterval})
}

////////
// hk //
////////

func (*hk) Name() string { return "hk" }

func (hk *hk) send(r req) {
	hk.reqCh <- r
	if l := len(hk.reqCh); l >= reqChanCap-reqChanCap>>2 {
		nlog.Errorln(cos.ErrWorkChanFull, "len", l, "cap", reqChanCap)
	}
}

func (hk *hk) Stop(error) { hk.stopCh.Close() }

func (hk *hk) Run() error {
	hk.timer = time.NewTimer(time.Hour)
	hk.timer.Stop()
	hk.running.Store(true)
	for {
		select {
		case <-hk.stopCh.Listen():
			hk.timer.Stop()
			hk.running.Store(false)
			return nil
		case <-hk.timer.C:
			hk.fire()
		case r := <-hk.reqCh:
			if r.ival == UnregInterval {
				hk.unreg(r.name)
			} else {
				hk.reg(r)
			}
		}
		hk.rearm()
	}
}

// calls the earliest job and reschedules (or drops) it
func (hk *hk) fire() {
	if len(hk.jobs) == 0 {
		return
	}
	var (
		j       = &hk.jobs[0]
		started = mono.NanoTime()
		ival    = j.cb(started)
	)
	if ival == UnregInterval {
		heap.Pop(&hk.jobs)
		return
	}
	now := mono.NanoTime()
	if d := time.Duration(now - started); d > time.Second {
		nlog.Warningln("hk:", j.name, "took", d)
	}
	j.due = now + max(ival, MinIval).Nanoseconds()
	heap.Fix(&hk.jobs, 0)
}

func (hk *hk) reg(r req) {
	if hk.find(r.name) >= 0 {
		nlog.Errorln("hk: duplicate name", r.name, "- not registering")
		return
	}
	var (
		now  = mono.NanoTime()
		ival = r.ival
	)
	if ival == 0 {
		if ival = r.cb(now); ival == UnregInterval {
			return
		}
	}
	heap.Push(&hk.jobs, job{cb: r.cb, name: r.name, due: now + max(ival, MinIval).Nanoseconds()})
}

func (hk *hk) unreg(name string) {
	if i := hk.find(name); i >= 0 {
		heap.Remove(&hk.jobs, i)
	} else {
		nlog.Warningln("hk:", name, "not found")
	}
}

func (hk *hk) rearm() {
	if len(hk.jobs) == 0 {
		hk.timer.Stop()
		return
	}
	hk.timer.Reset(time.Duration(hk.jobs[0].due - mono.NanoTime()))
}

func (hk *hk) find(name string) int {
	for i := range hk.jobs {
		if hk.jobs[i].name == name {
			return i
		}
	}
	return -1
}

//////////////
// schedule //
//////////////

func (s schedule) Len() int           { return len(s) }
func (s schedule) Less(i, j int) bool { return s[i].due < s[j].due }
func (s schedule) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s *schedule) Push(x any)        { *s = append(*s, x.(job)) }

func (s *schedule) Pop() any {
	old := *s
	n := len(old)
	j := old[n-1]
	*s = old[:n-1]
	return j
}
