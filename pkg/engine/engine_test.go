// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/backend"
	"github.com/snapfuzz/snapfuzz/pkg/backend/backendtest"
	"github.com/snapfuzz/snapfuzz/pkg/coverage"
	"github.com/snapfuzz/snapfuzz/pkg/target"
	"github.com/snapfuzz/snapfuzz/pkg/verdict"
	"github.com/snapfuzz/snapfuzz/pkg/wire"
)

func alwaysAcceptTarget() target.Target {
	return target.Target{
		Name: "test-target",
		InsertTestcase: func(be backend.Backend, buf []byte) bool {
			return true
		},
	}
}

func TestEngineReportsOkVerdictWithCoverage(t *testing.T) {
	fake := backendtest.New()
	fake.NextRun = backend.RunResult{Reason: backend.StopBoundary, Coverage: coverage.NewSet([]coverage.Gva{0x1000})}

	eng := New(fake, alwaysAcceptTarget(), target.Options{})
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- eng.Loop(server) }()

	require.NoError(t, wire.WriteFrame(client, wire.TestcaseMsg{Bytes: []byte("A")}))
	var res wire.ResultMsg
	require.NoError(t, wire.ReadFrame(client, &res))

	assert.Equal(t, verdict.OkVerdict, res.ToVerdict())
	assert.Equal(t, coverage.NewSet([]coverage.Gva{0x1000}), res.ToCoverage())
	assert.Equal(t, []byte("A"), res.Bytes)

	client.Close()
	server.Close()
	<-done
}

func TestEngineReportsCrashVerdict(t *testing.T) {
	fake := backendtest.New()
	fake.NextRun = backend.RunResult{Reason: backend.StopCrash, Name: "ACCESS_VIOLATION"}

	eng := New(fake, alwaysAcceptTarget(), target.Options{})
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- eng.Loop(server) }()

	require.NoError(t, wire.WriteFrame(client, wire.TestcaseMsg{Bytes: []byte("B")}))
	var res wire.ResultMsg
	require.NoError(t, wire.ReadFrame(client, &res))
	assert.Equal(t, verdict.NewCrash("ACCESS_VIOLATION"), res.ToVerdict())

	client.Close()
	server.Close()
	<-done
}

func TestEngineDropsRejectedTestcaseSilently(t *testing.T) {
	fake := backendtest.New()
	fake.NextRun = backend.RunResult{Reason: backend.StopBoundary}

	rejectOnce := target.Target{
		Name: "reject-once",
		InsertTestcase: func(be backend.Backend, buf []byte) bool {
			return len(buf) != 1 // reject the first 1-byte testcase, accept the next
		},
	}

	eng := New(fake, rejectOnce, target.Options{})
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- eng.Loop(server) }()

	require.NoError(t, wire.WriteFrame(client, wire.TestcaseMsg{Bytes: []byte("X")}))
	require.NoError(t, wire.WriteFrame(client, wire.TestcaseMsg{Bytes: []byte("YY")}))

	var res wire.ResultMsg
	require.NoError(t, wire.ReadFrame(client, &res))
	assert.Equal(t, []byte("YY"), res.Bytes, "the rejected one-byte testcase must never produce a reported result")

	client.Close()
	server.Close()
	<-done
}

func TestEngineLoopReturnsErrorWhenClientCloses(t *testing.T) {
	fake := backendtest.New()
	eng := New(fake, alwaysAcceptTarget(), target.Options{})
	client, server := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- eng.Loop(server) }()

	client.Close()
	err := <-done
	assert.Error(t, err, "Loop must terminate once the other side of the connection closes")
}
