// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package engine implements the worker-side Execution Engine: the
// per-iteration state machine that restores the snapshot, inserts a
// mutated testcase, runs it to terminal, and reports the verdict.
//
// Grounded on syz-fuzzer/proc.go's Proc.executeRaw straight-line
// retry/loop idiom, adapted from "execute a prog" to "restore snapshot,
// insert testcase, run to terminal, classify verdict".
package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/snapfuzz/snapfuzz/pkg/backend"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/target"
	"github.com/snapfuzz/snapfuzz/pkg/verdict"
	"github.com/snapfuzz/snapfuzz/pkg/wire"
)

// State is one of the five states the worker's per-iteration state machine
// moves through.
type State int

const (
	Idle State = iota
	AwaitingTestcase
	Preparing
	Running
	Reporting
)

// Engine drives one worker's request/restore/insert/run/report loop against
// a single Backend and Target. It is not safe for concurrent use: a worker
// is itself single-threaded.
type Engine struct {
	Backend backend.Backend
	Target  target.Target
	Opts    target.Options

	state State
}

// New returns an Engine ready to call Init once, then Loop.
func New(be backend.Backend, t target.Target, opts target.Options) *Engine {
	return &Engine{Backend: be, Target: t, Opts: opts, state: Idle}
}

// Init calls Target.Init once, before any run.
func (e *Engine) Init() error {
	if e.Target.Init == nil {
		return nil
	}
	if err := e.Target.Init(e.Opts, e.Backend.CPUState(), e.Backend); err != nil {
		return fmt.Errorf("engine: target init: %w", err)
	}
	return nil
}

// State returns the engine's current state, exposed for tests.
func (e *Engine) State() State {
	return e.state
}

// Loop runs receive → Restore → InsertTestcase → Run → report against conn
// until receiving or sending on conn fails, at which point it returns the
// terminating error (io.EOF on a clean close). A failed Backend restore does
// not end the loop: runOne drops that iteration.
func (e *Engine) Loop(conn io.ReadWriter) error {
	for {
		e.state = AwaitingTestcase
		var req wire.TestcaseMsg
		if err := wire.ReadFrame(conn, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("engine: receiving testcase: %w", err)
		}

		result, dropped := e.runOne(req.Bytes)
		if dropped {
			e.state = Idle
			continue
		}

		e.state = Reporting
		v := classify(result)
		msg := wire.NewResultMsg(req.Bytes, result.Coverage, v)
		if err := wire.WriteFrame(conn, msg); err != nil {
			return fmt.Errorf("engine: sending result: %w", err)
		}
		e.state = Idle
	}
}

// runOne executes one iteration over buf. dropped=true means Restore or
// InsertTestcase rejected the iteration as a transient per-iteration
// error: the caller drops it silently and reports nothing.
func (e *Engine) runOne(buf []byte) (result backend.RunResult, dropped bool) {
	e.state = Preparing
	if err := e.Backend.Restore(); err != nil {
		log.Logf(1, "engine: backend restore failed: %v", err)
		return backend.RunResult{}, true
	}
	if e.Target.Restore != nil && !e.Target.Restore(e.Backend) {
		return backend.RunResult{}, true
	}
	if !e.Target.InsertTestcase(e.Backend, buf) {
		log.Logf(2, "engine: target rejected testcase of %d bytes, dropping iteration", len(buf))
		return backend.RunResult{}, true
	}

	e.state = Running
	return e.Backend.RunToTerminal(), false
}

// classify maps a Backend RunResult's StopReason into a verdict.Verdict,
// per the backend's breakpoint-handler classification.
func classify(result backend.RunResult) verdict.Verdict {
	switch result.Reason {
	case backend.StopCrash:
		return verdict.NewCrash(result.Name)
	case backend.StopCr3Change:
		return verdict.Cr3ChangeVerdict
	case backend.StopTimeout:
		return verdict.TimedoutVerdict
	default:
		return verdict.OkVerdict
	}
}
