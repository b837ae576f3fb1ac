// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutation defines the Mutator contract shared by the two pluggable
// engines (pkg/mutation/libfuzzer, pkg/mutation/honggfuzz). Grounded on
// src/wtf/mutator.h's Mutator_t base class and its Create factory.
package mutation

// Mutator produces a new testcase buffer from the corpus, and is notified
// whenever a run discovers new coverage so it can fold the winning input
// into its own state (an auto-dictionary word, a cross-over partner, ...).
//
// Implementations must draw all randomness from the *rand.Rand they were
// constructed with and never from a package-global source: given the same
// seed and the same sequence of calls, output must be bit-identical.
type Mutator interface {
	// Mutate returns a new testcase derived from seed, writing at most
	// maxSize bytes.
	Mutate(seed []byte, maxSize int) []byte
	// OnNewCoverage is called by the coordinator immediately before
	// Corpus.Save when a testcase's run grew the aggregate coverage set,
	// so later mutations can use it as cross-over / dictionary material.
	OnNewCoverage(testcase []byte)
}
