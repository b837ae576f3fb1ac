// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus implements the append-only Corpus Store: an in-memory
// population of accepted testcases with content-addressed persistence to
// disk, and uniform-random selection driven by a caller-owned RNG.
//
// Grounded on src/wtf/corpus.h's Corpus_t: SaveTestcase's hash-as-filename
// dedup rule and PickTestcase's std::uniform_int_distribution selection.
package corpus

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/snapfuzz/snapfuzz/pkg/testcase"
	"github.com/snapfuzz/snapfuzz/pkg/verdict"
)

// Corpus is the coordinator's append-only population of accepted testcases.
// It is owned exclusively by the single-threaded coordinator loop and is not
// safe for concurrent use — the same discipline the original enforces by
// deleting Corpus_t's copy constructor and never sharing it with workers.
type Corpus struct {
	outputsPath string
	testcases   []testcase.Testcase
	bytes       uint64
	rng         *rand.Rand
}

// New returns an empty Corpus. outputsPath may be empty to disable
// persistence entirely. rng is the shared deterministic stream also used by
// the mutator engines (spec property: a single RNG instance threaded through
// Corpus selection and Mutator).
func New(outputsPath string, rng *rand.Rand) *Corpus {
	return &Corpus{outputsPath: outputsPath, rng: rng}
}

// Size returns the number of testcases currently held in memory.
func (c *Corpus) Size() int {
	return len(c.testcases)
}

// Bytes returns the running byte-total of all accepted testcases.
func (c *Corpus) Bytes() uint64 {
	return c.bytes
}

// Filename returns the content-addressed name a testcase would be saved
// under for the given verdict: "<verdict-tag>-<hash>", with the tag omitted
// for a plain Ok verdict.
func Filename(v verdict.Verdict, tc testcase.Testcase) string {
	return v.FilenamePrefix() + tc.Digest()
}

// Save computes tc's content hash, optionally persists it to the outputs
// directory under its content-addressed filename, and — on success, or when
// persistence is disabled — appends it to the in-memory population and adds
// its size to the byte-total.
//
// A write failure is returned as an error and the in-memory insert is
// skipped, per spec: "failure to write is reported as error and the
// in-memory insert is skipped".
func (c *Corpus) Save(v verdict.Verdict, tc testcase.Testcase) error {
	if c.outputsPath != "" {
		name := Filename(v, tc)
		path := filepath.Join(c.outputsPath, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, tc.Buffer, 0o644); err != nil {
				return fmt.Errorf("corpus: writing %s: %w", path, err)
			}
		} else if err != nil {
			return fmt.Errorf("corpus: stat %s: %w", path, err)
		}
	}
	c.testcases = append(c.testcases, tc)
	c.bytes += uint64(tc.Len())
	return nil
}

// Pick returns a testcase chosen uniformly at random from the current
// population, and ok=false when the Corpus is empty.
func (c *Corpus) Pick() (testcase.Testcase, bool) {
	if len(c.testcases) == 0 {
		return testcase.Testcase{}, false
	}
	idx := c.rng.Intn(len(c.testcases))
	return c.testcases[idx], true
}

// SaveCrash persists raw bytes under crashes/<name>, used for named crashes
// in addition to the regular Save path. It is a no-op when crashesPath or
// name is empty.
func SaveCrash(crashesPath, name string, buf []byte) error {
	if crashesPath == "" || name == "" {
		return nil
	}
	path := filepath.Join(crashesPath, name)
	if err := os.MkdirAll(crashesPath, 0o755); err != nil {
		return fmt.Errorf("corpus: creating crashes dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("corpus: writing crash %s: %w", path, err)
	}
	return nil
}
