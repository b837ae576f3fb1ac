// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package libfuzzer implements the libFuzzer-style Mutator engine: a
// dispatcher that repeatedly applies one of a dozen byte-level mutations,
// three bounded dictionaries (manual, persistent-auto, temporary-auto) and
// a small TORC (table of recent compares) feeding word-insertion mutations.
//
// Grounded on src/libs/libfuzzer/FuzzerMutate.h (Dictionary, DictionaryEntry,
// MutationDispatcher, FuzzingOptions::MutateDepth) and src/wtf/mutator.cc's
// LibfuzzerMutator_t wiring.
package libfuzzer

import (
	"math/rand"

	"github.com/snapfuzz/snapfuzz/pkg/mutation"
)

// defaultMutateDepth mirrors FuzzerMutate.h's FuzzingOptions::MutateDepth.
const defaultMutateDepth = 5

// Mutator is the libFuzzer-style engine. It is not safe for concurrent use;
// the coordinator drives a single Mutator from its single-threaded loop.
type Mutator struct {
	rng *rand.Rand

	manualDict     *dictionary
	persistentAuto *dictionary
	temporaryAuto  *dictionary
	compares       *torc
	crossOverWith  []byte
	mutateDepth    int
}

var _ mutation.Mutator = (*Mutator)(nil)

// New returns a Mutator drawing all randomness from rng. dict seeds the
// manual dictionary (e.g. user-supplied tokens); it may be nil.
func New(rng *rand.Rand, dict [][]byte) *Mutator {
	m := &Mutator{
		rng:            rng,
		manualDict:     newDictionary(),
		persistentAuto: newDictionary(),
		temporaryAuto:  newDictionary(),
		compares:       newTORC(),
		mutateDepth:    defaultMutateDepth,
	}
	for _, w := range dict {
		m.manualDict.add(w, noPositionHint)
	}
	return m
}

func (m *Mutator) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return m.rng.Intn(n)
}

type mutateFunc func(data []byte, maxSize int) []byte

// Mutate applies MutateDepth successive mutations to seed, each drawn from
// the dispatcher's mutator table, stopping early if a mutation round leaves
// the buffer empty (nothing left to mutate further).
func (m *Mutator) Mutate(seed []byte, maxSize int) []byte {
	data := make([]byte, len(seed))
	copy(data, seed)

	table := m.table()
	for i := 0; i < m.mutateDepth; i++ {
		if len(data) == 0 {
			break
		}
		fn := table[m.intn(len(table))]
		data = fn(data, maxSize)
	}
	return clamp(data, maxSize)
}

func (m *Mutator) table() []mutateFunc {
	return []mutateFunc{
		m.mutateShuffleBytes,
		m.mutateEraseBytes,
		m.mutateInsertByte,
		m.mutateInsertRepeatedBytes,
		m.mutateChangeByte,
		m.mutateChangeBit,
		m.mutateCopyPart,
		m.mutateChangeASCIIInteger,
		m.mutateAddWordFromManualDictionary,
		m.mutateAddWordFromTORC,
		m.mutateAddWordFromPersistentAutoDictionary,
		m.mutateCrossOver,
	}
}

// OnNewCoverage folds a testcase that produced new coverage into the
// mutator's own state: it becomes the cross-over partner, overwriting
// whichever testcase held that role before, and contributes a word to the
// persistent auto dictionary — the same role server.h assigns it by calling
// Mutator_->OnNewCoverage(Testcase) right before Corpus.Save.
func (m *Mutator) OnNewCoverage(tc []byte) {
	if len(tc) == 0 {
		return
	}
	owned := make([]byte, len(tc))
	copy(owned, tc)
	m.crossOverWith = owned

	wordLen := 4
	if len(tc) < wordLen {
		wordLen = len(tc)
	}
	start := m.intn(len(tc) - wordLen + 1)
	word := tc[start : start+wordLen]
	m.persistentAuto.add(word, start)
	m.temporaryAuto.add(word, start)
	m.compares.insert(word)
}

func clamp(data []byte, maxSize int) []byte {
	if maxSize > 0 && len(data) > maxSize {
		return data[:maxSize]
	}
	return data
}

func (m *Mutator) mutateShuffleBytes(data []byte, maxSize int) []byte {
	if len(data) < 2 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	n := 1 + m.intn(len(out))
	for i := 0; i < n; i++ {
		a, b := m.intn(len(out)), m.intn(len(out))
		out[a], out[b] = out[b], out[a]
	}
	return clamp(out, maxSize)
}

func (m *Mutator) mutateEraseBytes(data []byte, maxSize int) []byte {
	if len(data) < 2 {
		return data
	}
	eraseLen := 1 + m.intn(len(data)-1)
	start := m.intn(len(data) - eraseLen + 1)
	out := make([]byte, 0, len(data)-eraseLen)
	out = append(out, data[:start]...)
	out = append(out, data[start+eraseLen:]...)
	return clamp(out, maxSize)
}

func (m *Mutator) mutateInsertByte(data []byte, maxSize int) []byte {
	pos := m.intn(len(data) + 1)
	b := byte(m.intn(256))
	out := make([]byte, 0, len(data)+1)
	out = append(out, data[:pos]...)
	out = append(out, b)
	out = append(out, data[pos:]...)
	return clamp(out, maxSize)
}

func (m *Mutator) mutateInsertRepeatedBytes(data []byte, maxSize int) []byte {
	const minRepeat = 3
	repeatLen := minRepeat + m.intn(minRepeat)
	pos := m.intn(len(data) + 1)
	b := byte(m.intn(256))
	out := make([]byte, 0, len(data)+repeatLen)
	out = append(out, data[:pos]...)
	for i := 0; i < repeatLen; i++ {
		out = append(out, b)
	}
	out = append(out, data[pos:]...)
	return clamp(out, maxSize)
}

func (m *Mutator) mutateChangeByte(data []byte, maxSize int) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	out[m.intn(len(out))] = byte(m.intn(256))
	return clamp(out, maxSize)
}

func (m *Mutator) mutateChangeBit(data []byte, maxSize int) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	idx := m.intn(len(out))
	bit := uint(m.intn(8))
	out[idx] ^= 1 << bit
	return clamp(out, maxSize)
}

func (m *Mutator) mutateCopyPart(data []byte, maxSize int) []byte {
	if len(data) < 2 {
		return data
	}
	partLen := 1 + m.intn(len(data)-1)
	from := m.intn(len(data) - partLen + 1)
	to := m.intn(len(data) - partLen + 1)
	out := make([]byte, len(data))
	copy(out, data)
	copy(out[to:to+partLen], data[from:from+partLen])
	return clamp(out, maxSize)
}

func (m *Mutator) mutateChangeASCIIInteger(data []byte, maxSize int) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	var digitIdx []int
	for i, b := range out {
		if b >= '0' && b <= '9' {
			digitIdx = append(digitIdx, i)
		}
	}
	if len(digitIdx) == 0 {
		return clamp(out, maxSize)
	}
	idx := digitIdx[m.intn(len(digitIdx))]
	out[idx] = byte('0' + m.intn(10))
	return clamp(out, maxSize)
}

func (m *Mutator) mutateAddWordFromManualDictionary(data []byte, maxSize int) []byte {
	return m.addWordFrom(m.manualDict, data, maxSize)
}

func (m *Mutator) mutateAddWordFromPersistentAutoDictionary(data []byte, maxSize int) []byte {
	return m.addWordFrom(m.persistentAuto, data, maxSize)
}

func (m *Mutator) addWordFrom(d *dictionary, data []byte, maxSize int) []byte {
	e, ok := d.pick(m.intn)
	if !ok {
		return data
	}
	pos := len(data)
	if e.hasPositionHint() && e.positionHint <= len(data) {
		pos = e.positionHint
	} else if len(data) > 0 {
		pos = m.intn(len(data) + 1)
	}
	out := make([]byte, 0, len(data)+len(e.word))
	out = append(out, data[:pos]...)
	out = append(out, e.word...)
	out = append(out, data[pos:]...)
	d.touch(e, true)
	return clamp(out, maxSize)
}

func (m *Mutator) mutateAddWordFromTORC(data []byte, maxSize int) []byte {
	word, ok := m.compares.pick(m.intn)
	if !ok {
		return data
	}
	pos := len(data)
	if len(data) > 0 {
		pos = m.intn(len(data) + 1)
	}
	out := make([]byte, 0, len(data)+len(word))
	out = append(out, data[:pos]...)
	out = append(out, word...)
	out = append(out, data[pos:]...)
	return clamp(out, maxSize)
}

func (m *Mutator) mutateCrossOver(data []byte, maxSize int) []byte {
	if len(m.crossOverWith) == 0 {
		return data
	}
	cut := m.intn(len(m.crossOverWith) + 1)
	out := make([]byte, 0, len(data)+cut)
	out = append(out, m.crossOverWith[:cut]...)
	out = append(out, data...)
	return clamp(out, maxSize)
}
