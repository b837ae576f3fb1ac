// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package backendtest provides an in-memory fake implementing pkg/backend's
// Backend interface, standing in for a real CPU/memory emulator in unit
// tests and in targets/dummy.
package backendtest

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/backend"
	"github.com/snapfuzz/snapfuzz/pkg/coverage"
)

type breakpoint struct {
	addr uint64
	fn   func() (backend.StopReason, string)
}

// Fake is a flat byte-addressable guest memory plus a register file, with a
// scriptable RunToTerminal outcome so tests can drive specific verdicts.
type Fake struct {
	memory            map[uint64][]byte
	registers         map[string]uint64
	breakpoints       []breakpoint
	snapshotRegisters map[string]uint64

	// NextRun is consumed (and cleared) by the next RunToTerminal call.
	// Tests set it to script Ok/Crash/Cr3Change/Timedout verdicts without
	// needing a real breakpoint trigger.
	NextRun backend.RunResult
	Runs    int
}

// New returns an empty Fake with no memory or registers set.
func New() *Fake {
	return &Fake{
		memory:            make(map[uint64][]byte),
		registers:         make(map[string]uint64),
		snapshotRegisters: make(map[string]uint64),
	}
}

func (f *Fake) CPUState() backend.CPUState {
	snapshot := make(map[string]uint64, len(f.registers))
	for k, v := range f.registers {
		snapshot[k] = v
	}
	return snapshot
}

func (f *Fake) WriteMemory(addr uint64, buf []byte) error {
	owned := make([]byte, len(buf))
	copy(owned, buf)
	f.memory[addr] = owned
	return nil
}

func (f *Fake) ReadMemory(addr uint64, buf []byte) error {
	src, ok := f.memory[addr]
	if !ok {
		return fmt.Errorf("backendtest: no memory written at %#x", addr)
	}
	if len(src) < len(buf) {
		return fmt.Errorf("backendtest: short read at %#x: have %d, want %d", addr, len(src), len(buf))
	}
	copy(buf, src)
	return nil
}

func (f *Fake) SetRegister(name string, value uint64) error {
	f.registers[name] = value
	return nil
}

func (f *Fake) GetRegister(name string) (uint64, error) {
	v, ok := f.registers[name]
	if !ok {
		return 0, fmt.Errorf("backendtest: register %q not set", name)
	}
	return v, nil
}

func (f *Fake) InstallBreakpoint(addr uint64, fn func() (backend.StopReason, string)) error {
	f.breakpoints = append(f.breakpoints, breakpoint{addr: addr, fn: fn})
	return nil
}

// Restore resets registers to the values captured by Snapshot. Guest memory
// is not reverted: bytes written by earlier runs stay in place until
// overwritten.
func (f *Fake) Restore() error {
	f.registers = make(map[string]uint64, len(f.snapshotRegisters))
	for k, v := range f.snapshotRegisters {
		f.registers[k] = v
	}
	return nil
}

// Snapshot captures the current register file as the baseline Restore
// reverts to. Call it once after initial setup, the same way a real
// Backend's snapshot load captures the guest's initial state.
func (f *Fake) Snapshot() {
	f.snapshotRegisters = make(map[string]uint64, len(f.registers))
	for k, v := range f.registers {
		f.snapshotRegisters[k] = v
	}
}

// RunToTerminal returns whatever NextRun was set to by the test, or an Ok
// verdict with empty coverage by default. It increments Runs so tests can
// assert on the number of iterations driven.
func (f *Fake) RunToTerminal() backend.RunResult {
	f.Runs++
	if f.NextRun.Coverage == nil {
		f.NextRun.Coverage = coverage.Set{}
	}
	result := f.NextRun
	f.NextRun = backend.RunResult{Reason: backend.StopBoundary, Coverage: coverage.Set{}}
	return result
}

var _ backend.Backend = (*Fake)(nil)
