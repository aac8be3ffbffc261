// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "math/bits"

func IsPow2(v int64) bool { return v > 0 && v&(v-1) == 0 }

// floor(log2(v)) for v > 0
func Log2(v int) int { return bits.Len(uint(v)) - 1 }

// smallest power of 2 >= v, for v > 0
func CeilPow2(v int) int {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(v-1))
}
