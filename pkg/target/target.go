// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package target implements the Target Registry: a process-wide,
// read-after-startup table of named targets, each supplying the four
// callbacks that make up the target contract.
//
// Grounded on src/wtf/targets.h/.cc's Target_t/Targets_t singleton
// registry and syzkaller's declarative-registration convention for
// syscall/target tables.
package target

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/snapfuzz/snapfuzz/pkg/backend"
	"github.com/snapfuzz/snapfuzz/pkg/mutation"
)

// Options carries the worker-side configuration a Target's Init needs
// (paths, target-specific flags); fuzz-worker fills it from its command-line
// flags.
type Options struct {
	TargetName    string
	BaseTracePath string
	TraceType     string
	ExtraArgs     map[string]string
}

// Target is a record {name, init, insert-testcase, restore, create-mutator?}.
type Target struct {
	// Name is the identifier used on the command line and in
	// DisplayRegistered's output.
	Name string
	// Init is called once after the snapshot is loaded, before any run.
	// It installs the breakpoints describing the testcase's terminal
	// boundary and may capture CPU state for the target's own use.
	Init func(opts Options, cpu backend.CPUState, be backend.Backend) error
	// InsertTestcase is called after each Restore. Returning false aborts
	// the iteration silently as a transient per-iteration error — the
	// worker does not report it to the coordinator.
	InsertTestcase func(be backend.Backend, buf []byte) bool
	// Restore is an optional per-iteration hook run after the Backend's
	// own snapshot restore. A nil Restore defaults to identity.
	Restore func(be backend.Backend) bool
	// CreateMutator optionally supplies a target-specific Mutator engine.
	// Neither binary calls it: fuzz-coordinator picks its engine from the
	// engine configuration option, and workers construct no Mutator.
	CreateMutator func(rng *rand.Rand) mutation.Mutator
}

// Registry is a process-wide table of registered targets. It is read-only
// after startup: all Register calls are expected to happen from
// declarative package-level init() functions before Get is ever called,
// the same "construct once at process start" discipline as Targets_t.
type Registry struct {
	mu      sync.Mutex
	targets map[string]Target
}

// global is the process-wide instance, mirroring Targets_t::Instance().
var global = NewRegistry()

// NewRegistry returns an empty Registry. Most callers should use the
// package-level Register/Get/DisplayRegistered against the shared instance;
// NewRegistry exists for tests that need an isolated table.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Register adds t to the registry. Registering two targets with the same
// name panics: it indicates a build-time wiring mistake, not a runtime
// condition callers should need to recover from.
func (r *Registry) Register(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[t.Name]; exists {
		panic(fmt.Sprintf("target: %q already registered", t.Name))
	}
	r.targets[t.Name] = t
}

// Get returns the named target, or ok=false if nothing registered it.
func (r *Registry) Get(name string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	return t, ok
}

// DisplayRegistered returns the registered target names, sorted for stable
// output.
func (r *Registry) DisplayRegistered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds t to the process-wide registry.
func Register(t Target) { global.Register(t) }

// Get returns the named target from the process-wide registry.
func Get(name string) (Target, bool) { return global.Get(name) }

// DisplayRegistered lists the process-wide registry's target names.
func DisplayRegistered() []string { return global.DisplayRegistered() }
