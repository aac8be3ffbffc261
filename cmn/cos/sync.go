// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "sync"

// StopCh is specialized channel for stopping things.
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

func (sc *StopCh) Init() {
	sc.ch = make(chan struct{})
}

func (sc *StopCh) Listen() <-chan struct{} {
	return sc.ch
}

func (sc *StopCh) Close() {
	sc.once.Do(func() {
		close(sc.ch)
	})
}
