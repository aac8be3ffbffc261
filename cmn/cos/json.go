// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is used to (un)marshal configuration and stats and is initialized in init function.
var JSON jsoniter.API

func init() {
	jsonConf := jsoniter.Config{
		EscapeHTML:             false,
		ValidateJsonRawMessage: false,
		DisallowUnknownFields:  true, // make sure config files contain exactly what we know
		SortMapKeys:            true,
	}
	JSON = jsonConf.Froze()
}

func MustMarshalToString(v any) string {
	s, err := JSON.MarshalToString(v)
	AssertNoErr(err)
	return s
}

func MustMarshalIndent(v any) []byte {
	b, err := JSON.MarshalIndent(v, "", "  ")
	AssertNoErr(err)
	return b
}
