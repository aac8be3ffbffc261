// Package cos provides common low-level types and utilities for all pma packages.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cos

// NOTE: BEWARE: `shortid` uses hardcoded 01/2016 as a starting timestamp
import (
	"math/rand/v2"
	"sync"

	"github.com/teris-io/shortid"
)

const (
	// Alphabet for generating UUIDs similar to the shortid.DEFAULT_ABC
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

	LetterRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	LenRunes    = len(LetterRunes)
)

var (
	sids    [4]*shortid.Shortid
	sidOnce sync.Once
)

func initShortid() {
	seed := rand.Uint64()
	for i := range sids {
		sids[i] = shortid.MustNew(uint8(i+1) /*worker*/, uuidABC, seed)
	}
}

// GenUUID generates unique and user-friendly IDs.
func GenUUID() (uuid string) {
	var err error
	sidOnce.Do(initShortid)
	for _, sid := range sids {
		uuid, err = sid.Generate()
		if err == nil &&
			uuid[0] != '-' && uuid[0] != '_' && uuid[len(uuid)-1] != '-' && uuid[len(uuid)-1] != '_' {
			return
		}
	}
	return RandString(9)
}

func RandString(n int) string {
	b := make([]byte, n)
	for i := range n {
		b[i] = LetterRunes[rand.IntN(LenRunes)]
	}
	return string(b)
}
