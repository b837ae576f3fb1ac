// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command fuzz-worker dials a fuzz-coordinator, restores the Target's
// snapshot once per iteration, inserts the testcase it was sent, runs it
// to terminal on the Backend, and reports the resulting verdict.
package main

import (
	"flag"
	"io"
	"net"

	"github.com/snapfuzz/snapfuzz/pkg/backend/backendtest"
	"github.com/snapfuzz/snapfuzz/pkg/engine"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/target"

	_ "github.com/snapfuzz/snapfuzz/targets/dummy"
)

var (
	flagAddress       = flag.String("address", "127.0.0.1:9000", "coordinator address to dial")
	flagTarget        = flag.String("target", "dummy", "registered target name")
	flagBaseTracePath = flag.String("base_trace_path", "", "path to the base snapshot")
	flagTraceType     = flag.String("trace_type", "none", "trace type: none, coverage or full")
	flagVerbose       = flag.Int("v", 0, "verbosity level")
)

func main() {
	flag.Parse()
	log.SetVerbose(*flagVerbose)

	t, ok := target.Get(*flagTarget)
	if !ok {
		log.Fatalf("fuzz-worker: unknown target %q (did you forget to blank-import it?)", *flagTarget)
	}

	// The real snapshot/CPU backend is out of scope here: fuzz-worker
	// drives the narrow Backend interface against an in-memory fake so
	// the coordinator/engine/wire plumbing can be exercised end to end
	// without a hypervisor.
	be := backendtest.New()

	opts := target.Options{
		TargetName:    *flagTarget,
		BaseTracePath: *flagBaseTracePath,
		TraceType:     *flagTraceType,
	}

	eng := engine.New(be, t, opts)
	if err := eng.Init(); err != nil {
		log.Fatalf("fuzz-worker: target init: %v", err)
	}

	conn, err := net.Dial("tcp", *flagAddress)
	if err != nil {
		log.Fatalf("fuzz-worker: dialing %s: %v", *flagAddress, err)
	}
	defer conn.Close()

	log.Logf(0, "fuzz-worker: connected to %s, running target %s", *flagAddress, *flagTarget)
	if err := eng.Loop(conn); err != nil && err != io.EOF {
		log.Fatalf("fuzz-worker: %v", err)
	}
}
