// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides leveled, verbosity-gated logging shared by every
// coordinator and worker component. It deliberately stays a thin wrapper
// around the standard library: there is no ecosystem logging dependency
// anywhere in the pack for a component this small.
package log

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	verbosity int32
	mu        sync.Mutex
)

// SetVerbose sets the global verbosity level. Logf calls with a level above
// it are silently dropped, mirroring the `-v` flag accepted by both binaries.
func SetVerbose(v int) {
	atomic.StoreInt32(&verbosity, int32(v))
}

// Verbose reports whether the given level is currently enabled.
func Verbose(level int) bool {
	return int32(level) <= atomic.LoadInt32(&verbosity)
}

// Logf prints a leveled log line to stderr, prefixed with a timestamp, when
// the current verbosity is at or above level. Level 0 is always printed.
func Logf(level int, format string, args ...any) {
	if !Verbose(level) {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "%v %s\n", time.Now().Format("2006/01/02 15:04:05"), fmt.Sprintf(format, args...))
}

// Errorf prints an unconditional log line to stderr. Used for conditions the
// caller wants surfaced regardless of -v, but that are not fatal.
func Errorf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "%v ERROR: %s\n", time.Now().Format("2006/01/02 15:04:05"), fmt.Sprintf(format, args...))
}

// Fatalf prints an unconditional log line and terminates the process with
// status 1. Used at startup for configuration/setup errors, the same way
// syz-manager/syz-fuzzer bail out of main().
func Fatalf(format string, args ...any) {
	mu.Lock()
	fmt.Fprintf(os.Stderr, "%v FATAL: %s\n", time.Now().Format("2006/01/02 15:04:05"), fmt.Sprintf(format, args...))
	mu.Unlock()
	os.Exit(1)
}
