// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2022-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// IEC (binary) units
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

func _suffix(s string) string {
	for _, sfx := range []string{"KIB", "MIB", "GIB", "TIB", "KB", "MB", "GB", "TB", "K", "M", "G", "T", "B"} {
		if strings.HasSuffix(s, sfx) {
			return sfx
		}
	}
	return ""
}

/////////////
// SizeIEC //
/////////////

// SizeIEC is a byte count that (un)marshals as a human-readable IEC string ("32KiB");
// plain numbers are accepted on input
type SizeIEC int64

// interface guard
var (
	_ yaml.Unmarshaler = (*SizeIEC)(nil)
	_ yaml.Marshaler   = SizeIEC(0)
)

func (siz SizeIEC) String() string               { return ToSizeIEC(int64(siz), 0) }
func (siz SizeIEC) MarshalJSON() ([]byte, error) { return jsoniter.Marshal(siz.String()) }
func (siz SizeIEC) MarshalYAML() (any, error)    { return siz.String(), nil }

func (siz *SizeIEC) UnmarshalJSON(b []byte) (err error) {
	var (
		n   int64
		val string
	)
	if len(b) > 0 && b[0] != '"' {
		val = string(b)
	} else if err = jsoniter.Unmarshal(b, &val); err != nil {
		return
	}
	n, err = ParseSize(val)
	*siz = SizeIEC(n)
	return
}

func (siz *SizeIEC) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid size: expecting scalar, got yaml kind %d (line %d)", node.Kind, node.Line)
	}
	n, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*siz = SizeIEC(n)
	return nil
}

func ToSizeIEC(b int64, digits int) string {
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.*f%s", digits, float64(b)/float64(TiB), "TiB")
	case b >= GiB:
		return fmt.Sprintf("%.*f%s", digits, float64(b)/float64(GiB), "GiB")
	case b >= MiB:
		return fmt.Sprintf("%.*f%s", digits, float64(b)/float64(MiB), "MiB")
	case b >= KiB:
		return fmt.Sprintf("%.*f%s", digits, float64(b)/float64(KiB), "KiB")
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// ParseSize parses IEC sizes. All suffixes are binary: "8K", "8KB", and "8KiB" are the same 8192.
func ParseSize(size string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(size))
	if s == "" {
		return 0, nil
	}
	suffix := _suffix(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
	if s == "" {
		return 0, fmt.Errorf("ParseSize %q: missing number", size)
	}
	var mult int64 = 1
	switch suffix {
	case "KIB", "KB", "K":
		mult = KiB
	case "MIB", "MB", "M":
		mult = MiB
	case "GIB", "GB", "G":
		mult = GiB
	case "TIB", "TB", "T":
		mult = TiB
	}
	if strings.IndexByte(s, '.') >= 0 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("ParseSize %q: %w", size, err)
		}
		return int64(f * float64(mult)), nil
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ParseSize %q: %w", size, err)
	}
	return val * mult, nil
}
