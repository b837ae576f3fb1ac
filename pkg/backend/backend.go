// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package backend declares the narrow interface the worker-side Execution
// Engine consumes from the external snapshot/CPU emulator: register
// access, guest virtual-memory read/write, breakpoint installation, a
// run-to-terminal call, and snapshot restore. The concrete emulator, the
// on-disk snapshot format and the debugger adapter are external
// collaborators outside this package's scope — it only models what the
// core needs to see of them, the same way syz-manager/rpc.go restricts a
// subsystem to a narrow XxxView interface rather than the whole manager.
package backend

import "github.com/snapfuzz/snapfuzz/pkg/coverage"

// Gva is re-exported for callers that only import pkg/backend.
type Gva = coverage.Gva

// StopReason classifies why RunToTerminal returned: boundary, bugcheck,
// context-switch, or budget exceeded.
type StopReason int

const (
	// StopBoundary means the terminal-boundary breakpoint fired: Ok.
	StopBoundary StopReason = iota
	// StopCrash means a fatal exception/bugcheck fired; Name carries the
	// backend-reported crash tag.
	StopCrash
	// StopCr3Change means a context-switch indicator fired.
	StopCr3Change
	// StopTimeout means the execution budget was exceeded.
	StopTimeout
)

// RunResult is what RunToTerminal reports back to the Engine.
type RunResult struct {
	Reason   StopReason
	Name     string
	Coverage coverage.Set
}

// CPUState is an opaque snapshot of guest registers, passed to Target.Init
// so a target can capture a baseline. Its concrete shape is Backend-defined;
// the core never inspects it.
type CPUState any

// Backend is the interface the Execution Engine and the Target contract are
// built against. A real implementation wraps an out-of-process CPU/memory
// emulator; pkg/backend/backendtest provides an in-memory fake for tests
// and for targets/dummy.
type Backend interface {
	// CPUState returns the current guest register snapshot.
	CPUState() CPUState
	// WriteMemory writes buf into guest virtual memory at addr.
	WriteMemory(addr uint64, buf []byte) error
	// ReadMemory reads len(buf) bytes from guest virtual memory at addr.
	ReadMemory(addr uint64, buf []byte) error
	// SetRegister sets a named guest register (e.g. "rcx", "rdx").
	SetRegister(name string, value uint64) error
	// GetRegister reads a named guest register.
	GetRegister(name string) (uint64, error)
	// InstallBreakpoint arms a breakpoint at addr; fn is invoked by
	// RunToTerminal when execution reaches it and its return value
	// determines whether the run stops there.
	InstallBreakpoint(addr uint64, fn func() (StopReason, string)) error
	// Restore reverts guest memory and registers to the loaded snapshot.
	Restore() error
	// RunToTerminal executes the guest until an armed breakpoint fires or
	// the per-iteration execution budget is exceeded.
	RunToTerminal() RunResult
}
