// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads fuzz-coordinator's YAML configuration (fuzz-worker
// takes its settings from command-line flags): a flat Options struct with
// defaults applied after
// parsing, the same shape as syzkaller's mgrconfig package (visible via
// *mgrconfig.Config throughout syz-manager/rpc.go, though mgrconfig itself
// was not retrieved in full in this pack).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/snapfuzz/snapfuzz/pkg/wire"
)

// TraceType names the trace format BaseTracePath is recorded in.
type TraceType string

const (
	TraceNone     TraceType = "none"
	TraceCoverage TraceType = "coverage"
	TraceFull     TraceType = "full"
)

// Options is the configuration recognized by fuzz-coordinator, plus the
// ambient LogPath/MetricsAddress this rendition adds for logging and
// Prometheus wiring.
type Options struct {
	InputsPath            string    `yaml:"inputs_path"`
	OutputsPath           string    `yaml:"outputs_path"`
	CrashesPath           string    `yaml:"crashes_path"`
	Address               string    `yaml:"address"`
	Seed                  int64     `yaml:"seed"`
	Runs                  uint64    `yaml:"runs"`
	TestcaseBufferMaxSize int       `yaml:"testcase_buffer_max_size"`
	TargetName            string    `yaml:"target_name"`
	BaseTracePath         string    `yaml:"base_trace_path"`
	TraceType             TraceType `yaml:"trace_type"`

	// Ambient additions, not part of the protocol the two binaries share.
	LogPath        string `yaml:"log_path"`
	MetricsAddress string `yaml:"metrics_address"`
	Engine         string `yaml:"engine"` // "libfuzzer" or "honggfuzz"
}

// defaultTestcaseBufferMaxSize sits well under wire.ScratchBufferSize so the
// default configuration always clears the fail-fast check in Validate.
const defaultTestcaseBufferMaxSize = 512 << 10 // 512 KiB

// applyDefaults fills in zero-valued fields with their defaults, the same
// "defaults applied after parse" discipline as mgrconfig.
func (o *Options) applyDefaults() {
	if o.TestcaseBufferMaxSize == 0 {
		o.TestcaseBufferMaxSize = defaultTestcaseBufferMaxSize
	}
	if o.TraceType == "" {
		o.TraceType = TraceNone
	}
	if o.Address == "" {
		o.Address = "127.0.0.1:8617"
	}
	if o.Engine == "" {
		o.Engine = "libfuzzer"
	}
	if o.LogPath == "" {
		o.LogPath = "master.log"
	}
}

// Load reads and parses the YAML configuration file at path, applying
// defaults to any field the file left unset.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &opts, nil
}

// Validate reports the first recognized configuration error, e.g. a
// required field left empty.
func (o *Options) Validate() error {
	if o.TargetName == "" {
		return fmt.Errorf("target_name is required")
	}
	if o.Address == "" {
		return fmt.Errorf("address is required")
	}
	switch o.TraceType {
	case TraceNone, TraceCoverage, TraceFull:
	default:
		return fmt.Errorf("trace_type %q is not one of none|coverage|full", o.TraceType)
	}
	if err := wire.ValidateTestcaseSize(o.TestcaseBufferMaxSize); err != nil {
		return err
	}
	return nil
}
