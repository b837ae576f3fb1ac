// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package libfuzzer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutateRespectsMaxSize(t *testing.T) {
	m := New(rand.New(rand.NewSource(1)), nil)
	seed := []byte("the quick brown fox jumps over the lazy dog")
	for i := 0; i < 50; i++ {
		out := m.Mutate(seed, 8)
		assert.LessOrEqual(t, len(out), 8)
	}
}

func TestMutateIsDeterministicGivenSameSeedStream(t *testing.T) {
	run := func() [][]byte {
		m := New(rand.New(rand.NewSource(7)), nil)
		var outs [][]byte
		for i := 0; i < 5; i++ {
			outs = append(outs, m.Mutate([]byte("abcdefgh"), 64))
		}
		return outs
	}
	a, b := run(), run()
	assert.Equal(t, a, b, "identical RNG seed and call sequence must produce bit-identical output")
}

func TestOnNewCoverageSetsCrossOverPartner(t *testing.T) {
	m := New(rand.New(rand.NewSource(3)), nil)
	m.OnNewCoverage([]byte("interesting-testcase-bytes"))
	assert.Equal(t, []byte("interesting-testcase-bytes"), m.crossOverWith)
	assert.Greater(t, m.persistentAuto.size(), 0)
	assert.Greater(t, m.temporaryAuto.size(), 0)

	// A later call overwrites the partner rather than accumulating it.
	m.OnNewCoverage([]byte("second"))
	assert.Equal(t, []byte("second"), m.crossOverWith)
}

func TestManualDictionarySeeding(t *testing.T) {
	m := New(rand.New(rand.NewSource(1)), [][]byte{[]byte("TOKEN")})
	assert.Equal(t, 1, m.manualDict.size())
}
