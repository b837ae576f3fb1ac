// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package libfuzzer

// maxDictSize mirrors FuzzerMutate.h's Dictionary::kMaxDictSize (1 << 14).
const maxDictSize = 1 << 14

// noPositionHint is the sentinel FuzzerMutate.h encodes as
// std::numeric_limits<size_t>::max() to mean "this word has no preferred
// offset in the buffer".
const noPositionHint = -1

// entry is the Go rendition of FuzzerMutate.h's DictionaryEntry: a word plus
// usage statistics used to bias which dictionary words get reused.
type entry struct {
	word         []byte
	positionHint int
	useCount     int
	successCount int
}

func (e *entry) hasPositionHint() bool {
	return e.positionHint != noPositionHint
}

// dictionary is a bounded, append-only table of words discovered or
// supplied manually, capped at maxDictSize entries like the original.
type dictionary struct {
	entries []entry
}

func newDictionary() *dictionary {
	return &dictionary{entries: make([]entry, 0, 64)}
}

// add appends a word if the dictionary has room and the word is non-empty.
func (d *dictionary) add(word []byte, positionHint int) bool {
	if len(word) == 0 || len(d.entries) >= maxDictSize {
		return false
	}
	owned := make([]byte, len(word))
	copy(owned, word)
	d.entries = append(d.entries, entry{word: owned, positionHint: positionHint, useCount: 0, successCount: 0})
	return true
}

func (d *dictionary) size() int {
	return len(d.entries)
}

// pick returns a uniformly random entry, or nil and false if the dictionary
// is empty. The caller increments useCount/successCount through touch.
func (d *dictionary) pick(intn func(int) int) (*entry, bool) {
	if len(d.entries) == 0 {
		return nil, false
	}
	return &d.entries[intn(len(d.entries))], true
}

func (d *dictionary) touch(e *entry, successful bool) {
	e.useCount++
	if successful {
		e.successCount++
	}
}
