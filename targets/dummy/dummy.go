// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dummy implements the minimal worked Target used by tests and as
// fuzz-worker's default target: it accepts every testcase and never
// rejects an iteration.
//
// Grounded on src/wtf/fuzzer_dummy.cc's Dummy target, whose Init,
// InsertTestcase and Restore all unconditionally return true.
package dummy

import (
	"github.com/snapfuzz/snapfuzz/pkg/backend"
	"github.com/snapfuzz/snapfuzz/pkg/target"
)

// Name is the registered target name, "dummy", matching the original.
const Name = "dummy"

// bufferAddr is the fake guest address the dummy target writes testcases
// to; it has no significance beyond exercising Backend.WriteMemory.
const bufferAddr = 0x1000

func init() {
	target.Register(New())
}

// New returns the dummy Target. It is also exported directly (rather than
// only registered globally) so unit tests can construct one without
// depending on package-level registration order.
func New() target.Target {
	return target.Target{
		Name: Name,
		Init: func(opts target.Options, cpu backend.CPUState, be backend.Backend) error {
			return nil
		},
		InsertTestcase: func(be backend.Backend, buf []byte) bool {
			if err := be.WriteMemory(bufferAddr, buf); err != nil {
				return false
			}
			if err := be.SetRegister("rcx", bufferAddr); err != nil {
				return false
			}
			if err := be.SetRegister("rdx", uint64(len(buf))); err != nil {
				return false
			}
			return true
		},
		Restore: func(be backend.Backend) bool {
			return true
		},
	}
}
