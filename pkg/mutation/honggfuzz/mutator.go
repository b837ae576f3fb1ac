// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package honggfuzz implements the Honggfuzz-style Mutator engine: a
// single dynamic-file buffer mangled in place by a fixed number of byte-
// level operations per run, simpler than libFuzzer's dictionary-driven
// dispatcher.
//
// Grounded on src/wtf/mutator.h/.cc's HonggfuzzMutator_t, which wraps
// honggfuzz's mangle_mangleContent over a honggfuzz::dynfile_t and a
// run_t.mutationsPerRun counter defaulted to 5.
package honggfuzz

import (
	"math/rand"

	"github.com/snapfuzz/snapfuzz/pkg/mutation"
)

// defaultMutationsPerRun mirrors mutator.cc's Run_.mutationsPerRun = 5.
const defaultMutationsPerRun = 5

// Mutator is the Honggfuzz-style engine. Not safe for concurrent use.
type Mutator struct {
	rng             *rand.Rand
	mutationsPerRun int
	crossOverWith   []byte
}

var _ mutation.Mutator = (*Mutator)(nil)

// New returns a Mutator drawing all randomness from rng.
func New(rng *rand.Rand) *Mutator {
	return &Mutator{rng: rng, mutationsPerRun: defaultMutationsPerRun}
}

func (m *Mutator) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return m.rng.Intn(n)
}

// Mutate mangles seed mutationsPerRun times in place, the Go analogue of a
// single mangle_mangleContent call over the dynamic-file buffer.
func (m *Mutator) Mutate(seed []byte, maxSize int) []byte {
	data := make([]byte, len(seed))
	copy(data, seed)

	for i := 0; i < m.mutationsPerRun; i++ {
		if len(data) == 0 && m.crossOverWith == nil {
			break
		}
		data = m.mangleOnce(data, maxSize)
	}
	return clamp(data, maxSize)
}

func (m *Mutator) mangleOnce(data []byte, maxSize int) []byte {
	switch m.intn(6) {
	case 0:
		return m.mangleByte(data, maxSize)
	case 1:
		return m.mangleBit(data, maxSize)
	case 2:
		return m.mangleResize(data, maxSize, true)
	case 3:
		return m.mangleResize(data, maxSize, false)
	case 4:
		return m.mangleMemSwap(data, maxSize)
	default:
		return m.mangleCrossOver(data, maxSize)
	}
}

func clamp(data []byte, maxSize int) []byte {
	if maxSize > 0 && len(data) > maxSize {
		return data[:maxSize]
	}
	return data
}

func (m *Mutator) mangleByte(data []byte, maxSize int) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	out[m.intn(len(out))] = byte(m.intn(256))
	return clamp(out, maxSize)
}

func (m *Mutator) mangleBit(data []byte, maxSize int) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	out[m.intn(len(out))] ^= 1 << uint(m.intn(8))
	return clamp(out, maxSize)
}

// mangleResize grows or shrinks the dynamic-file buffer, mirroring
// honggfuzz's bias toward occasionally changing the testcase size rather
// than always mutating in place.
func (m *Mutator) mangleResize(data []byte, maxSize int, grow bool) []byte {
	if grow {
		extra := 1 + m.intn(8)
		out := make([]byte, len(data)+extra)
		copy(out, data)
		for i := len(data); i < len(out); i++ {
			out[i] = byte(m.intn(256))
		}
		return clamp(out, maxSize)
	}
	if len(data) <= 1 {
		return data
	}
	cut := 1 + m.intn(len(data)-1)
	return clamp(data[:len(data)-cut], maxSize)
}

func (m *Mutator) mangleMemSwap(data []byte, maxSize int) []byte {
	if len(data) < 2 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	a, b := m.intn(len(out)), m.intn(len(out))
	out[a], out[b] = out[b], out[a]
	return clamp(out, maxSize)
}

func (m *Mutator) mangleCrossOver(data []byte, maxSize int) []byte {
	if len(m.crossOverWith) == 0 {
		return data
	}
	cut := m.intn(len(m.crossOverWith) + 1)
	out := make([]byte, 0, len(data)+cut)
	out = append(out, m.crossOverWith[:cut]...)
	out = append(out, data...)
	return clamp(out, maxSize)
}

// OnNewCoverage sets the single cross-over partner, mirroring
// HonggfuzzMutator_t::SetCrossOverWith.
func (m *Mutator) OnNewCoverage(tc []byte) {
	if len(tc) == 0 {
		return
	}
	owned := make([]byte, len(tc))
	copy(owned, tc)
	m.crossOverWith = owned
}
