// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/corpus"
	"github.com/snapfuzz/snapfuzz/pkg/coverage"
	"github.com/snapfuzz/snapfuzz/pkg/mutation/libfuzzer"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
	"github.com/snapfuzz/snapfuzz/pkg/testcase"
	"github.com/snapfuzz/snapfuzz/pkg/verdict"
	"github.com/snapfuzz/snapfuzz/pkg/wire"
)

func newTestCoordinator(t *testing.T, runs uint64) (*Coordinator, string) {
	t.Helper()
	outputsDir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	c := corpus.New(outputsDir, rng)
	m := libfuzzer.New(rng, nil)
	cov := coverage.NewAggregate()
	st := stats.New()

	co := New(Config{
		Address:               "127.0.0.1:0",
		TestcaseBufferMaxSize: 1 << 16,
		Runs:                  runs,
		LogWriter:             io.Discard,
	}, c, m, cov, st)
	require.NoError(t, co.Listen())
	return co, outputsDir
}

// TestTrivialAcceptance covers the trivial end-to-end scenario: a corpus
// seeded with "A", Runs=1, a worker that always reports Ok with coverage
// {0x1000}. After one round trip the aggregate coverage must contain
// 0x1000 and exactly one file must be written under outputs/.
func TestTrivialAcceptance(t *testing.T) {
	co, outputsDir := newTestCoordinator(t, 1)
	require.NoError(t, co.corpus.Save(verdict.OkVerdict, testcase.New([]byte("A"))))

	go func() { _ = co.Run() }()

	conn, err := net.Dial("tcp", co.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var req wire.TestcaseMsg
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, wire.ReadFrame(conn, &req))

	resultMsg := wire.NewResultMsg(req.Bytes, coverage.NewSet([]coverage.Gva{0x1000}), verdict.OkVerdict)
	require.NoError(t, wire.WriteFrame(conn, resultMsg))

	// Allow the coordinator's single-threaded loop to process the result.
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, co.coverage.Len())
	entries, err := os.ReadDir(outputsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDisconnectOnMalformedResult(t *testing.T) {
	co, _ := newTestCoordinator(t, 1000)
	go func() { _ = co.Run() }()

	conn, err := net.Dial("tcp", co.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	var req wire.TestcaseMsg
	require.NoError(t, wire.ReadFrame(conn, &req))

	// Garbage: a plausible-looking length prefix with a body that isn't
	// valid CBOR for ResultMsg.
	_, err = conn.Write([]byte{3, 0, 0, 0, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	clientsWentToZero := func() bool {
		return co.stats.Snapshot().Clients == 0
	}
	require.Eventually(t, clientsWentToZero, 5*time.Second, 20*time.Millisecond)
}

// TestCrashPersistedWithoutCorpusGrowth covers E2: a worker reports a named
// crash with coverage the aggregate has already seen. Expected: stats.crashes
// increments, exactly one file is written under crashes/, and the corpus
// does not grow (a crash alone does not imply new coverage).
func TestCrashPersistedWithoutCorpusGrowth(t *testing.T) {
	co, outputsDir := newTestCoordinator(t, 1)
	require.NoError(t, co.corpus.Save(verdict.OkVerdict, testcase.New([]byte("A"))))
	crashesDir := t.TempDir()
	co.cfg.CrashesPath = crashesDir
	co.coverage.Merge(coverage.NewSet([]coverage.Gva{0x1000}))

	go func() { _ = co.Run() }()

	conn, err := net.Dial("tcp", co.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var req wire.TestcaseMsg
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, wire.ReadFrame(conn, &req))

	resultMsg := wire.NewResultMsg(req.Bytes, coverage.NewSet([]coverage.Gva{0x1000}), verdict.NewCrash("bug-1"))
	require.NoError(t, wire.WriteFrame(conn, resultMsg))

	crashWritten := func() bool {
		entries, err := os.ReadDir(crashesDir)
		return err == nil && len(entries) == 1
	}
	require.Eventually(t, crashWritten, 5*time.Second, 20*time.Millisecond)

	entries, err := os.ReadDir(crashesDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bug-1", entries[0].Name())

	assert.EqualValues(t, 1, co.stats.Snapshot().Crashes)

	outEntries, err := os.ReadDir(outputsDir)
	require.NoError(t, err)
	assert.Len(t, outEntries, 1, "a crash with already-seen coverage must not grow the corpus beyond its seed")
}

// TestCr3ChangeSavedWithCr3ChangeFilenamePrefix covers E3: a worker reports
// Cr3Change with previously unseen coverage. Expected: stats.cr3s
// increments, aggregate coverage grows, and the corpus gains exactly one
// file named "Cr3Change-<hash>".
func TestCr3ChangeSavedWithCr3ChangeFilenamePrefix(t *testing.T) {
	co, outputsDir := newTestCoordinator(t, 1)
	require.NoError(t, co.corpus.Save(verdict.OkVerdict, testcase.New([]byte("A"))))

	go func() { _ = co.Run() }()

	conn, err := net.Dial("tcp", co.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var req wire.TestcaseMsg
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, wire.ReadFrame(conn, &req))

	resultMsg := wire.NewResultMsg(req.Bytes, coverage.NewSet([]coverage.Gva{0x2000}), verdict.Cr3ChangeVerdict)
	require.NoError(t, wire.WriteFrame(conn, resultMsg))

	fileWritten := func() bool {
		entries, err := os.ReadDir(outputsDir)
		return err == nil && len(entries) == 2
	}
	require.Eventually(t, fileWritten, 5*time.Second, 20*time.Millisecond)

	entries, err := os.ReadDir(outputsDir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "the pre-seeded file plus the new Cr3Change testcase")

	var gotCr3ChangeFile bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "Cr3Change-") {
			gotCr3ChangeFile = true
		}
	}
	assert.True(t, gotCr3ChangeFile, "expected a file named Cr3Change-<hash> among %v", entries)

	assert.EqualValues(t, 1, co.stats.Snapshot().Cr3s)
	assert.Equal(t, 1, co.coverage.Len())
}

// TestDeterministicRunsAgreeOnThousandthTestcase covers E6: two coordinators
// seeded identically from scratch (same RNG seed, same corpus, same config)
// must produce a byte-identical Nth testcase, verifying that a
// single shared *rand.Rand threaded through Corpus.Pick and the Mutator
// produces a reproducible mutation stream.
func TestDeterministicRunsAgreeOnThousandthTestcase(t *testing.T) {
	const n = 1000

	nthTestcase := func() []byte {
		rng := rand.New(rand.NewSource(42))
		c := corpus.New("", rng)
		require.NoError(t, c.Save(verdict.OkVerdict, testcase.New([]byte("seed-data-for-determinism"))))
		m := libfuzzer.New(rng, nil)
		co := New(Config{
			TestcaseBufferMaxSize: 1 << 16,
			Runs:                  n,
			LogWriter:             io.Discard,
		}, c, m, coverage.NewAggregate(), stats.New())

		var last []byte
		for i := 0; i < n; i++ {
			buf, err := co.getTestcase()
			require.NoError(t, err)
			last = buf
		}
		return last
	}

	a, b := nthTestcase(), nthTestcase()
	assert.Equal(t, a, b, "identical seed/corpus/config must yield a byte-identical Nth testcase")
}

func TestGetTestcaseDrainsReplayQueueSmallestFirst(t *testing.T) {
	inputsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputsDir, "big"), bytes.Repeat([]byte{'B'}, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputsDir, "small"), []byte("s"), 0o644))

	rng := rand.New(rand.NewSource(1))
	co := New(Config{
		Address:               "127.0.0.1:0",
		InputsPath:            inputsDir,
		TestcaseBufferMaxSize: 1 << 16,
		Runs:                  0,
		LogWriter:             io.Discard,
	}, corpus.New("", rng), libfuzzer.New(rng, nil), coverage.NewAggregate(), stats.New())
	require.NoError(t, co.Listen())

	first, err := co.getTestcase()
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), first, "smallest file must be popped first")

	second, err := co.getTestcase()
	require.NoError(t, err)
	assert.Len(t, second, 100)
}

func TestGetTestcaseSkipsOversizedReplayFiles(t *testing.T) {
	inputsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputsDir, "huge"), bytes.Repeat([]byte{'H'}, 200), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputsDir, "ok"), []byte("fits"), 0o644))

	rng := rand.New(rand.NewSource(1))
	co := New(Config{
		Address:               "127.0.0.1:0",
		InputsPath:            inputsDir,
		TestcaseBufferMaxSize: 100,
		LogWriter:             io.Discard,
	}, corpus.New("", rng), libfuzzer.New(rng, nil), coverage.NewAggregate(), stats.New())
	require.NoError(t, co.Listen())

	buf, err := co.getTestcase()
	require.NoError(t, err)
	assert.Equal(t, []byte("fits"), buf)
}
