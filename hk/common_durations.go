// Package hk runs named callbacks at intervals the callbacks themselves choose:
// allocator cache trimming and periodic stats reporting.
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import "time"

// minimum accepted callback interval
const MinIval = 10 * time.Millisecond
