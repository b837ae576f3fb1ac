// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats implements the Stats Aggregator: the exact counters
// server.h's ServerStats_t tracks, a 10-second rate-limited Print, a
// Prometheus exporter for the same counters, and a coverage-delta
// histogram as an ambient enrichment.
//
// Grounded on src/wtf/server.h's ServerStats_t (field list, RefreshRate=10,
// the FirstClientStart_-based rate denominator) and syzkaller's
// pkg/fuzzer use of rate stats for the human/metrics split.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapfuzz/snapfuzz/pkg/verdict"
)

// refreshRate mirrors ServerStats_t::RefreshRate = 10 (seconds).
const refreshRate = 10 * time.Second

// Stats is the Stats Aggregator. It is owned by the single-threaded
// coordinator loop; no internal locking is needed for the counters
// themselves, but the Prometheus collectors are safe for the /metrics
// handler to read concurrently.
type Stats struct {
	mu sync.Mutex

	corpusSize   uint64
	corpusBytes  uint64
	coverage     uint64
	lastCoverage uint64
	testcases    uint64
	clients      uint64
	crashes      uint64
	cr3s         uint64
	timeouts     uint64

	start            time.Time
	firstClientStart time.Time
	firstClientSet   bool
	lastPrint        time.Time
	lastCov          time.Time

	covDeltaHist *gohistogram.NumericHistogram

	execsTotal    prometheus.Counter
	coverageGauge prometheus.Gauge
	corpusGauge   prometheus.Gauge
	clientsGauge  prometheus.Gauge
	crashesTotal  prometheus.Counter
	timeoutsTotal prometheus.Counter
	cr3sTotal     prometheus.Counter
}

// New returns a Stats with its clock fields anchored to the current time,
// matching ServerStats_t's in-class initializers
// (Start_ = chrono::system_clock::now(), etc).
func New() *Stats {
	now := time.Now()
	return &Stats{
		start:        now,
		lastPrint:    now,
		lastCov:      now,
		covDeltaHist: gohistogram.NewHistogram(20),

		execsTotal:    prometheus.NewCounter(prometheus.CounterOpts{Name: "snapfuzz_execs_total", Help: "Total testcases executed."}),
		coverageGauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "snapfuzz_coverage", Help: "Aggregate coverage size."}),
		corpusGauge:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "snapfuzz_corpus_size", Help: "Corpus size."}),
		clientsGauge:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "snapfuzz_clients", Help: "Connected workers."}),
		crashesTotal:  prometheus.NewCounter(prometheus.CounterOpts{Name: "snapfuzz_crashes_total", Help: "Total crash verdicts."}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "snapfuzz_timeouts_total", Help: "Total timeout verdicts."}),
		cr3sTotal:     prometheus.NewCounter(prometheus.CounterOpts{Name: "snapfuzz_cr3_total", Help: "Total cr3-change verdicts."}),
	}
}

// Start anchors Start_ to now; the coordinator calls it once when its Run
// loop begins.
func (s *Stats) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.lastPrint, s.lastCov = now, now, now
}

// Register adds the Stats' Prometheus collectors to reg, for a /metrics
// handler served by fuzz-coordinator.
func (s *Stats) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.execsTotal, s.coverageGauge, s.corpusGauge, s.clientsGauge, s.crashesTotal, s.timeoutsTotal, s.cr3sTotal} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("stats: registering collector: %w", err)
		}
	}
	return nil
}

// NewClient accounts for a newly connected worker, capturing
// FirstClientStart_ the first time any client connects, per server.h.
func (s *Stats) NewClient(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients++
	s.clientsGauge.Inc()
	if !s.firstClientSet {
		s.firstClientStart = now
		s.firstClientSet = true
	}
}

// DisconnectClient accounts for a worker going away.
func (s *Stats) DisconnectClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients--
	s.clientsGauge.Dec()
}

// Testcase accounts for one reported result: verdict bucket, aggregate
// coverage size, and the current corpus size/bytes.
func (s *Stats) Testcase(now time.Time, v verdict.Verdict, coverage, corpusSize, corpusBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.testcases++
	s.execsTotal.Inc()
	s.corpusSize = corpusSize
	s.corpusBytes = corpusBytes
	s.corpusGauge.Set(float64(corpusSize))

	if coverage > s.coverage {
		delta := coverage - s.coverage
		s.covDeltaHist.Add(float64(delta))
		s.lastCov = now
	}
	s.coverage = coverage
	s.coverageGauge.Set(float64(coverage))

	switch v.Kind {
	case verdict.Crash:
		s.crashes++
		s.crashesTotal.Inc()
	case verdict.Timedout:
		s.timeouts++
		s.timeoutsTotal.Inc()
	case verdict.Cr3Change:
		s.cr3s++
		s.cr3sTotal.Inc()
	}
}

// Print emits one human-formatted stats line to w iff force is set or at
// least refreshRate has elapsed since the previous Print, matching
// ServerStats_t::Print's refresh gate exactly.
func (s *Stats) Print(now time.Time, w io.Writer, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && now.Sub(s.lastPrint) < refreshRate {
		return
	}

	uptime := now.Sub(s.start).Seconds()
	lastCov := now.Sub(s.lastCov).Seconds()
	covDiff := s.coverage - s.lastCoverage

	var execsPerSec float64
	if s.firstClientSet {
		elapsed := now.Sub(s.firstClientStart).Seconds()
		if elapsed > 0 {
			execsPerSec = float64(s.testcases) / elapsed
		}
	}

	fmt.Fprintf(w, "#%d cov: %d (+%d) corp: %d (%d bytes) exec/s: %.1f (%d nodes) lastcov: %.1fs crash: %d timeout: %d cr3: %d uptime: %.1fs\n",
		s.testcases, s.coverage, covDiff, s.corpusSize, s.corpusBytes, execsPerSec, s.clients, lastCov, s.crashes, s.timeouts, s.cr3s, uptime)

	s.lastPrint = now
	s.lastCoverage = s.coverage
}

// Snapshot is a point-in-time copy of the counters, useful for tests.
type Snapshot struct {
	CorpusSize  uint64
	CorpusBytes uint64
	Coverage    uint64
	Testcases   uint64
	Clients     uint64
	Crashes     uint64
	Cr3s        uint64
	Timeouts    uint64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CorpusSize:  s.corpusSize,
		CorpusBytes: s.corpusBytes,
		Coverage:    s.coverage,
		Testcases:   s.testcases,
		Clients:     s.clients,
		Crashes:     s.crashes,
		Cr3s:        s.cr3s,
		Timeouts:    s.timeouts,
	}
}
