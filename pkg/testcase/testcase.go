// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package testcase holds the owned byte buffer that flows end to end through
// the fuzzer: mutated by pkg/mutation, shipped over pkg/wire, replayed by
// pkg/engine, and persisted by pkg/corpus under its content hash.
package testcase

import "github.com/zeebo/blake3"

// Testcase is a single fuzzer input. It is a value type: copies are cheap
// and callers are expected to treat the buffer as immutable once created,
// the same discipline the original enforces by deleting Testcase_t's copy
// constructor.
type Testcase struct {
	Buffer []byte
}

// New copies buf into a new Testcase. The caller's slice is not retained.
func New(buf []byte) Testcase {
	owned := make([]byte, len(buf))
	copy(owned, buf)
	return Testcase{Buffer: owned}
}

// Len returns the size of the buffer in bytes.
func (t Testcase) Len() int {
	return len(t.Buffer)
}

// Digest returns the lowercase hex BLAKE3 digest of the buffer. It is used
// as the content-addressed filename under which the Corpus persists
// testcases. Named crashes are saved under their crash name instead.
func (t Testcase) Digest() string {
	sum := blake3.Sum256(t.Buffer)
	const hex = "0123456789abcdef"
	out := make([]byte, 0, len(sum)*2)
	for _, b := range sum {
		out = append(out, hex[b>>4], hex[b&0xf])
	}
	return string(out)
}
