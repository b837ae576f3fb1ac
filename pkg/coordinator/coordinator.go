// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coordinator implements the Coordinator (Master): a single-
// threaded, readiness-multiplexed server owning the authoritative corpus,
// mutator and coverage set, serving testcases to and collecting verdicts
// from N worker processes over the wire protocol in pkg/wire.
//
// Grounded on src/wtf/server.h's Server_t::Run (a select()-driven loop
// over a listening socket and N WorkerConns), translated to
// golang.org/x/sys/unix.Poll, and on syz-manager/rpc.go's RPCServer
// connection-table bookkeeping idiom (mutex-free here, since the
// coordinator is single-threaded by design rather than by a lock).
package coordinator

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/snapfuzz/snapfuzz/pkg/corpus"
	"github.com/snapfuzz/snapfuzz/pkg/coverage"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/mutation"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
	"github.com/snapfuzz/snapfuzz/pkg/testcase"
	"github.com/snapfuzz/snapfuzz/pkg/verdict"
	"github.com/snapfuzz/snapfuzz/pkg/wire"
)

// connState tracks which half of the request/response exchange a
// connection is waiting on. A freshly accepted connection starts
// AwaitingWrite: the coordinator owes it a testcase before it can read
// anything back.
type connState int

const (
	AwaitingRead connState = iota
	AwaitingWrite
)

// WorkerConn pairs a worker's socket with its half of the request/response
// protocol state: at most one testcase is in flight per worker at any time.
type WorkerConn struct {
	ID    uuid.UUID
	conn  *net.TCPConn
	fd    int
	state connState
}

// Config holds the coordinator's settings: listen address, seed and crash
// directories, the per-testcase byte-size limit, the mutation budget (Runs)
// and the stats output writer. The Corpus, Mutator, Aggregate and Stats are
// passed to New separately.
type Config struct {
	Address               string
	InputsPath            string
	CrashesPath           string
	TestcaseBufferMaxSize int
	Runs                  uint64
	LogWriter             io.Writer
}

// Coordinator is the single-threaded master. It is not safe for concurrent
// use from more than one goroutine: everything, including accepting new
// workers, happens on the goroutine that calls Run. Stop is the one method
// safe to call from elsewhere.
type Coordinator struct {
	cfg Config

	corpus   *corpus.Corpus
	mutator  mutation.Mutator
	coverage *coverage.Aggregate
	stats    *stats.Stats

	listener   *net.TCPListener
	listenerFD int
	conns      map[int]*WorkerConn

	replayQueue   []string
	mutationCount uint64

	stopping atomic.Bool
}

// New returns a Coordinator ready to Listen and Run.
func New(cfg Config, c *corpus.Corpus, m mutation.Mutator, cov *coverage.Aggregate, st *stats.Stats) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		corpus:   c,
		mutator:  m,
		coverage: cov,
		stats:    st,
		conns:    make(map[int]*WorkerConn),
	}
}

// Listen binds the listening socket and loads the initial corpus-replay
// queue. Call once before Run.
func (co *Coordinator) Listen() error {
	addr, err := net.ResolveTCPAddr("tcp", co.cfg.Address)
	if err != nil {
		return fmt.Errorf("coordinator: resolving %s: %w", co.cfg.Address, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator: listening on %s: %w", co.cfg.Address, err)
	}
	co.listener = ln

	fd, err := fdOf(ln)
	if err != nil {
		return fmt.Errorf("coordinator: getting listener fd: %w", err)
	}
	co.listenerFD = fd

	queue, err := loadReplayQueue(co.cfg.InputsPath, co.cfg.TestcaseBufferMaxSize)
	if err != nil {
		return fmt.Errorf("coordinator: loading replay queue: %w", err)
	}
	co.replayQueue = queue
	return nil
}

// Addr returns the bound listener address, useful when Address is "host:0".
func (co *Coordinator) Addr() net.Addr {
	return co.listener.Addr()
}

// Stop requests that Run return at the start of its next poll iteration
// (at most pollTimeoutMillis later). Safe to call from another goroutine.
func (co *Coordinator) Stop() {
	co.stopping.Store(true)
}

const pollTimeoutMillis = 1000

// Run executes the single-threaded readiness loop until total mutations
// reach Runs and the replay queue is exhausted, or Stop is called.
func (co *Coordinator) Run() error {
	co.stats.Start(time.Now())
	for {
		if co.stopping.Load() {
			return nil
		}

		pollFDs := co.buildPollSet()
		n, err := unix.Poll(pollFDs, pollTimeoutMillis)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("coordinator: poll: %w", err)
		}

		co.stats.Print(time.Now(), co.cfg.LogWriter, false)

		if n <= 0 {
			continue
		}

		for _, pfd := range pollFDs {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			if int(pfd.Fd) == co.listenerFD {
				co.acceptOne()
				continue
			}
			if wc, ok := co.conns[int(pfd.Fd)]; ok && wc.state == AwaitingRead {
				co.HandleResult(wc)
			}
		}

		if co.mutationCount >= co.cfg.Runs && len(co.replayQueue) == 0 {
			return nil
		}

		for _, pfd := range pollFDs {
			if pfd.Revents&unix.POLLOUT == 0 {
				continue
			}
			if wc, ok := co.conns[int(pfd.Fd)]; ok && wc.state == AwaitingWrite {
				co.HandleRequest(wc)
			}
		}
	}
}

// buildPollSet assembles the unix.Poll descriptor set: the listener always
// watched for POLLIN, each WorkerConn watched for POLLIN or POLLOUT
// depending on its state.
func (co *Coordinator) buildPollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(co.conns)+1)
	fds = append(fds, unix.PollFd{Fd: int32(co.listenerFD), Events: unix.POLLIN})

	for fd, wc := range co.conns {
		events := int16(unix.POLLIN)
		if wc.state == AwaitingWrite {
			events = unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	return fds
}

func (co *Coordinator) acceptOne() {
	conn, err := co.listener.AcceptTCP()
	if err != nil {
		log.Errorf("coordinator: accept: %v", err)
		return
	}
	fd, err := fdOf(conn)
	if err != nil {
		log.Errorf("coordinator: getting accepted conn fd: %v", err)
		conn.Close()
		return
	}
	wc := &WorkerConn{ID: uuid.New(), conn: conn, fd: fd, state: AwaitingWrite}
	co.conns[fd] = wc
	co.stats.NewClient(time.Now())
	log.Logf(1, "coordinator: worker %s connected", wc.ID)
}

// HandleRequest produces one testcase via getTestcase, sends it, and
// transitions the connection to AwaitingRead. On send failure it
// disconnects the worker.
func (co *Coordinator) HandleRequest(wc *WorkerConn) {
	buf, err := co.getTestcase()
	if err != nil {
		log.Errorf("coordinator: producing testcase for %s: %v", wc.ID, err)
		co.Disconnect(wc)
		return
	}
	if err := wire.WriteFrame(wc.conn, wire.TestcaseMsg{Bytes: buf}); err != nil {
		log.Errorf("coordinator: sending testcase to %s: %v", wc.ID, err)
		co.Disconnect(wc)
		return
	}
	wc.state = AwaitingRead
}

// getTestcase drains the replay queue (smallest-first, popped from the
// back of the descending-sorted list) before asking the Mutator,
// incrementing the mutation counter only for mutator-produced testcases.
func (co *Coordinator) getTestcase() ([]byte, error) {
	for len(co.replayQueue) > 0 {
		path := co.replayQueue[len(co.replayQueue)-1]
		co.replayQueue = co.replayQueue[:len(co.replayQueue)-1]
		buf, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("coordinator: skipping unreadable replay file %s: %v", path, err)
			continue
		}
		if len(buf) == 0 || (co.cfg.TestcaseBufferMaxSize > 0 && len(buf) > co.cfg.TestcaseBufferMaxSize) {
			log.Errorf("coordinator: skipping out-of-bounds replay file %s (%d bytes)", path, len(buf))
			continue
		}
		return buf, nil
	}

	co.mutationCount++
	seed, ok := co.corpus.Pick()
	if !ok {
		return nil, nil
	}
	maxSize := co.cfg.TestcaseBufferMaxSize
	if maxSize == 0 {
		maxSize = len(seed.Buffer)
	}
	return co.mutator.Mutate(seed.Buffer, maxSize), nil
}

// HandleResult receives and deserializes a worker's result, merges its
// coverage into the aggregate, and when the merge grew the set saves the
// testcase — unless it exceeds TestcaseBufferMaxSize, in which case it is
// dropped and never stored. It also persists named crashes, updates stats,
// and transitions the connection back to AwaitingWrite. Any parse failure
// disconnects the worker.
func (co *Coordinator) HandleResult(wc *WorkerConn) {
	var res wire.ResultMsg
	if err := wire.ReadFrame(wc.conn, &res); err != nil {
		log.Errorf("coordinator: reading result from %s: %v", wc.ID, err)
		co.Disconnect(wc)
		return
	}

	v := res.ToVerdict()
	cov := res.ToCoverage()
	grew := co.coverage.Merge(cov)

	if grew {
		if co.cfg.TestcaseBufferMaxSize > 0 && len(res.Bytes) > co.cfg.TestcaseBufferMaxSize {
			log.Errorf("coordinator: dropping oversized testcase from %s (%d bytes)", wc.ID, len(res.Bytes))
		} else {
			tc := testcase.New(res.Bytes)
			co.mutator.OnNewCoverage(tc.Buffer)
			if err := co.corpus.Save(v, tc); err != nil {
				log.Errorf("coordinator: saving testcase from %s: %v", wc.ID, err)
			}
		}
	}

	if v.Kind == verdict.Crash && v.Name != "" {
		log.Logf(0, "coordinator: crash %q from %s:\n%s", v.Name, wc.ID, log.Truncate(res.Bytes, 64, 64))
		if err := corpus.SaveCrash(co.cfg.CrashesPath, v.Name, res.Bytes); err != nil {
			log.Errorf("coordinator: saving crash from %s: %v", wc.ID, err)
		}
	}

	co.stats.Testcase(time.Now(), v, uint64(co.coverage.Len()), uint64(co.corpus.Size()), co.corpus.Bytes())
	wc.state = AwaitingWrite
}

// Disconnect closes wc's socket, removes it from the connection table,
// accounts for the departure in stats, and forces an immediate stats
// print.
func (co *Coordinator) Disconnect(wc *WorkerConn) {
	wc.conn.Close()
	delete(co.conns, wc.fd)
	co.stats.DisconnectClient()
	co.stats.Print(time.Now(), co.cfg.LogWriter, true)
	log.Logf(1, "coordinator: worker %s disconnected", wc.ID)
}

// loadReplayQueue lists inputsPath, sorts entries descending by file size
// (so popping from the back of the slice delivers smallest-first), and
// skips unreadable or over-sized files.
func loadReplayQueue(inputsPath string, maxSize int) ([]string, error) {
	if inputsPath == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(inputsPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", inputsPath, err)
	}

	type sized struct {
		path string
		size int64
	}
	var files []sized
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.Errorf("coordinator: stat %s: %v", e.Name(), err)
			continue
		}
		if info.Size() == 0 || (maxSize > 0 && info.Size() > int64(maxSize)) {
			log.Errorf("coordinator: skipping out-of-bounds seed %s (%d bytes)", e.Name(), info.Size())
			continue
		}
		files = append(files, sized{path: filepath.Join(inputsPath, e.Name()), size: info.Size()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].size > files[j].size })

	queue := make([]string, len(files))
	for i, f := range files {
		queue[i] = f.path
	}
	return queue, nil
}

// fdOf extracts the raw file descriptor backing a *net.TCPConn or
// *net.TCPListener via SyscallConn, the standard Go idiom for handing a
// net type's fd to a raw syscall (here, unix.Poll) without detaching it
// from the runtime's own netpoller: by the time Poll reports an fd ready,
// the subsequent Read/Write through the net type itself will not block.
func fdOf(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(p uintptr) { fd = int(p) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}
