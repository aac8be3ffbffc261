// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "errors"

var ErrWorkChanFull = errors.New("work channel full")
