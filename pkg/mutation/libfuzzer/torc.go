// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package libfuzzer

// torcCapacity mirrors the original TORC (table of recent compares)
// bounded ring: a small fixed-capacity history of words worth replaying,
// capacity 16 in the upstream libFuzzer mutator.
const torcCapacity = 16

// torc is a bounded FIFO of recently-interesting words, fed by OnNewCoverage
// and consumed by mutateAddWordFromTORC.
type torc struct {
	words [][]byte
	next  int
	full  bool
}

func newTORC() *torc {
	return &torc{words: make([][]byte, torcCapacity)}
}

func (t *torc) insert(word []byte) {
	if len(word) == 0 {
		return
	}
	owned := make([]byte, len(word))
	copy(owned, word)
	t.words[t.next] = owned
	t.next = (t.next + 1) % torcCapacity
	if t.next == 0 {
		t.full = true
	}
}

func (t *torc) size() int {
	if t.full {
		return torcCapacity
	}
	return t.next
}

func (t *torc) pick(intn func(int) int) ([]byte, bool) {
	n := t.size()
	if n == 0 {
		return nil, false
	}
	return t.words[intn(n)], true
}
