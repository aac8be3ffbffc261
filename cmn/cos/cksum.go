// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// xxhash seed
const MLCG32 = 1103515245

const badDataCksumPrefix = "BAD DATA CHECKSUM:"

type ErrBadCksum struct {
	prefix  string
	a, b    uint64
	context string
}

// ChecksumB returns xxhash-64 of the bytes
func ChecksumB(b []byte) uint64 { return xxhash.Checksum64S(b, MLCG32) }

func NewErrDataCksum(a, b uint64, context ...string) error {
	ctx := ""
	if len(context) > 0 {
		ctx = context[0]
	}
	return &ErrBadCksum{prefix: badDataCksumPrefix, a: a, b: b, context: ctx}
}

func (e *ErrBadCksum) Error() string {
	var context string
	if e.context != "" {
		context = " (context: " + e.context + ")"
	}
	return fmt.Sprintf("%s xxhash(%x != %x)%s", e.prefix, e.a, e.b, context)
}

func IsErrBadCksum(err error) bool {
	_, ok := err.(*ErrBadCksum)
	return ok
}
