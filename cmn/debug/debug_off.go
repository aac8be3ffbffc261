//go:build !debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "sync"

func Enabled() bool { return false }

func Infof(string, ...any)  {}
func Errorf(string, ...any) {}

func Func(func()) {}

func Assert(bool, ...any)            {}
func AssertFunc(func() bool, ...any) {}
func AssertNoErr(error)              {}
func Assertf(bool, string, ...any)   {}
func AssertMutexLocked(*sync.Mutex)  {}
