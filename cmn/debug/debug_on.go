//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/pma/cmn/nlog"
)

func Enabled() bool { return true }

func Infof(f string, a ...any) {
	nlog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func Errorf(f string, a ...any) {
	nlog.ErrorDepth(1, fmt.Sprintf("[DEBUG] "+f, a...))
}

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		nlog.Flush(true)
		if len(a) > 0 {
			panic("DEBUG PANIC: " + fmt.Sprint(a...))
		}
		panic("DEBUG PANIC")
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func AssertNoErr(err error) {
	if err != nil {
		nlog.Flush(true)
		panic(err)
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		nlog.Flush(true)
		panic("DEBUG PANIC: " + fmt.Sprintf(f, a...))
	}
}

// a locked mutex cannot be locked again
func AssertMutexLocked(m *sync.Mutex) {
	if m.TryLock() {
		m.Unlock()
		Assert(false, "mutex not locked")
	}
}
