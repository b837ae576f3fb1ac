// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command fuzz-coordinator runs the master side of the distributed
// fuzzer: it owns the corpus, mutator and aggregate coverage set and
// serves testcases to worker processes over the wire protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/coordinator"
	"github.com/snapfuzz/snapfuzz/pkg/corpus"
	"github.com/snapfuzz/snapfuzz/pkg/coverage"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/mutation"
	"github.com/snapfuzz/snapfuzz/pkg/mutation/honggfuzz"
	"github.com/snapfuzz/snapfuzz/pkg/mutation/libfuzzer"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
)

var (
	flagConfig  = flag.String("config", "", "path to the coordinator's YAML configuration")
	flagVerbose = flag.Int("v", 0, "verbosity level")
)

func main() {
	flag.Parse()
	log.SetVerbose(*flagVerbose)

	if *flagConfig == "" {
		log.Fatalf("-config is required")
	}
	opts, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Stats.Print writes one line to both stdout and master.log, mirroring
	// ServerStats_t::Print's optional FILE* that tees to a second stream.
	logWriter := io.Writer(os.Stdout)
	if opts.LogPath != "" {
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("opening log file: %v", err)
		}
		defer f.Close()
		logWriter = io.MultiWriter(os.Stdout, f)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	c := corpus.New(opts.OutputsPath, rng)

	var mutator mutation.Mutator
	switch opts.Engine {
	case "honggfuzz":
		mutator = honggfuzz.New(rng)
	default:
		mutator = libfuzzer.New(rng, nil)
	}

	st := stats.New()
	reg := prometheus.NewRegistry()
	if err := st.Register(reg); err != nil {
		log.Fatalf("registering metrics: %v", err)
	}

	co := coordinator.New(coordinator.Config{
		Address:               opts.Address,
		InputsPath:            opts.InputsPath,
		CrashesPath:           opts.CrashesPath,
		TestcaseBufferMaxSize: opts.TestcaseBufferMaxSize,
		Runs:                  opts.Runs,
		LogWriter:             logWriter,
	}, c, mutator, coverage.NewAggregate(), st)

	if err := co.Listen(); err != nil {
		log.Fatalf("listening: %v", err)
	}
	log.Logf(0, "fuzz-coordinator: listening on %s, target %s", co.Addr(), opts.TargetName)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var eg errgroup.Group
	if opts.MetricsAddress != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, opts.MetricsAddress, reg)
		})
	}
	eg.Go(func() error {
		defer cancel()
		return co.Run()
	})
	eg.Go(func() error {
		<-ctx.Done()
		co.Stop()
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Fatalf("fuzz-coordinator: %v", err)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
