//go:build !mono

// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// nanoseconds since process start, monotonic
func NanoTime() int64 { return int64(time.Since(start)) }
