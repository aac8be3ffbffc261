// Package trand provides random sizes and contents for dev tools and tests
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package trand

import "math/rand/v2"

// Size returns a random size in the [lo, hi) range
func Size(lo, hi int) int { return lo + rand.IntN(hi-lo) }

// Fill writes pseudo-random bytes into b
func Fill(b []byte) {
	for i := range b {
		b[i] = byte(rand.Uint32())
	}
}
