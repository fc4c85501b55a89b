// Copyright 2020 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fingerprint implements the stable digest primitives used to
// build the cumulative build fingerprint: a SHA-256 accumulator that
// distinguishes absent, null, and empty values so that no two distinct
// build configurations ever produce the same digest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Schema version tags. Bump the relevant constant whenever the byte
// layout contributed by that digest kind changes, so existing build
// caches are invalidated instead of silently reused against a
// differently-shaped input.
const (
	ManifestV uint32 = 1
	ModuleV   uint32 = 1
	OptionsV  uint32 = 1
	SourceV   uint32 = 1
)

// Sentinel bytes used to discriminate absent/null values from present
// ones without risking a prefix collision between adjacent fields.
const (
	sentinelAbsentString     byte = 0x01
	sentinelAbsentStringList byte = 0x02
	sentinelPresentList      byte = 0x01
)

// Acc is a running SHA-256 accumulator. Zero value is not usable; use New.
//
// Acc is append-only: every primitive write extends the hash state. Sum
// and Hex can be called at any point to observe the digest so far
// without disturbing the ability to keep writing, which is what lets the
// cache treat one Acc as the whole run's cumulative fingerprint.
type Acc struct {
	h hash.Hash
}

// New returns a fresh, empty accumulator.
func New() *Acc {
	return &Acc{h: sha256.New()}
}

// String appends the `string` primitive: if s is non-nil, its bytes
// followed by a trailing NUL; if nil, a single absent-sentinel byte.
func (a *Acc) String(s *string) *Acc {
	if s == nil {
		a.h.Write([]byte{sentinelAbsentString})
		return a
	}
	a.h.Write([]byte(*s))
	a.h.Write([]byte{0x00})
	return a
}

// StringVal is a convenience wrapper over String for a value that is
// never absent (always contributes the "present" branch).
func (a *Acc) StringVal(s string) *Acc {
	return a.String(&s)
}

// StringList appends the `string-list` primitive. A nil slice is
// "absent" (distinct from a non-nil empty slice, which is "present but
// empty").
func (a *Acc) StringList(xs []string) *Acc {
	if xs == nil {
		a.h.Write([]byte{sentinelAbsentStringList})
		return a
	}
	a.h.Write([]byte{sentinelPresentList})
	for _, x := range xs {
		a.StringVal(x)
	}
	return a
}

// Bool appends the `bool` primitive.
func (a *Acc) Bool(b bool) *Acc {
	if b {
		a.h.Write([]byte{0x01})
	} else {
		a.h.Write([]byte{0x00})
	}
	return a
}

// U32 appends the `u32` primitive: 4 little-endian bytes.
func (a *Acc) U32(n uint32) *Acc {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	a.h.Write(buf[:])
	return a
}

// Blob appends a length-prefixed byte string. Used for digest
// contributions that are raw file content rather than text, where the
// String primitive's NUL-termination convention doesn't apply.
func (a *Acc) Blob(b []byte) *Acc {
	a.U32(uint32(len(b)))
	a.h.Write(b)
	return a
}

// Sum returns the current digest without disturbing further writes.
func (a *Acc) Sum() [sha256.Size]byte {
	var out [sha256.Size]byte
	copy(out[:], a.h.Sum(nil))
	return out
}

// Hex returns the current digest as lowercase hex, matching the encoding
// used for cache commit subjects.
func (a *Acc) Hex() string {
	sum := a.Sum()
	return hex.EncodeToString(sum[:])
}
