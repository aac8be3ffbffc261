// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"github.com/NVIDIA/pma/cmn/nlog"
)

// NOTE: not to be used in the datapath - see cmn/debug instead
func AssertNoErr(err error) {
	if err != nil {
		nlog.Flush(true)
		panic(err)
	}
}
