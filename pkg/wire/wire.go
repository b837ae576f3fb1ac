// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package wire implements the coordinator/worker protocol: a single
// connection carrying length-prefixed binary frames, each frame a CBOR
// encoding of one TestcaseMsg or ResultMsg.
//
// Grounded on src/wtf/server.h's SendTestcase/DeserializeResult, which use
// a yas intrusive binary archive over the same length-prefixed framing;
// this package keeps that role but swaps the codec for
// github.com/fxamacker/cbor/v2.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/snapfuzz/snapfuzz/pkg/coverage"
	"github.com/snapfuzz/snapfuzz/pkg/verdict"
)

// maxFrameSize bounds a single frame to guard against a corrupt or
// malicious length prefix turning into an unbounded allocation.
const maxFrameSize = 256 << 20

// ScratchBufferSize is the coordinator's receive-buffer budget for
// incoming ResultMsg frames. ValidateTestcaseSize checks at startup that a
// configured TestcaseBufferMaxSize plus codec overhead fits in it. No
// buffer of this size is preallocated: ReadFrame allocates each payload to
// its frame length, bounded only by maxFrameSize.
const ScratchBufferSize = 1 << 20 // 1 MiB

// codecOverheadEstimate bounds the CBOR map keys, coverage set and verdict
// fields ResultMsg adds on top of the raw testcase bytes it carries.
const codecOverheadEstimate = 4096

// ValidateTestcaseSize reports an error if testcaseMaxSize plus the
// estimated CBOR codec overhead would not fit in ScratchBufferSize. A
// non-positive testcaseMaxSize is treated as unbounded and always passes
// (the caller is expected to reject that separately if it cares).
func ValidateTestcaseSize(testcaseMaxSize int) error {
	if testcaseMaxSize <= 0 {
		return nil
	}
	need := testcaseMaxSize + codecOverheadEstimate
	if need > ScratchBufferSize {
		return fmt.Errorf("wire: testcase_buffer_max_size %d plus %d bytes of codec overhead exceeds the %d-byte scratch buffer", testcaseMaxSize, codecOverheadEstimate, ScratchBufferSize)
	}
	return nil
}

// TestcaseMsg is sent Coordinator → Worker: the raw mutated input buffer.
type TestcaseMsg struct {
	Bytes []byte `cbor:"1,keyasint"`
}

// wireVerdict is the tagged-union wire rendition of verdict.Verdict: one of
// Ok{}, Cr3Change{}, Crash{Name}, Timedout{}.
type wireVerdict struct {
	Kind verdict.Kind `cbor:"1,keyasint"`
	Name string       `cbor:"2,keyasint,omitempty"`
}

// ResultMsg is sent Worker → Coordinator: the testcase bytes, its per-run
// coverage set, and the classified verdict.
type ResultMsg struct {
	Bytes    []byte      `cbor:"1,keyasint"`
	Coverage []uint64    `cbor:"2,keyasint"`
	Verdict  wireVerdict `cbor:"3,keyasint"`
}

// NewResultMsg builds a ResultMsg from domain types.
func NewResultMsg(buf []byte, cov coverage.Set, v verdict.Verdict) ResultMsg {
	addrs := cov.Slice()
	raw := make([]uint64, len(addrs))
	for i, a := range addrs {
		raw[i] = uint64(a)
	}
	return ResultMsg{
		Bytes:    buf,
		Coverage: raw,
		Verdict:  wireVerdict{Kind: v.Kind, Name: v.Name},
	}
}

// ToVerdict decodes the wire verdict back into pkg/verdict's domain type.
func (r ResultMsg) ToVerdict() verdict.Verdict {
	return verdict.Verdict{Kind: r.Verdict.Kind, Name: r.Verdict.Name}
}

// ToCoverage decodes the wire coverage list back into a coverage.Set.
func (r ResultMsg) ToCoverage() coverage.Set {
	addrs := make([]coverage.Gva, len(r.Coverage))
	for i, a := range r.Coverage {
		addrs[i] = coverage.Gva(a)
	}
	return coverage.NewSet(addrs)
}

// WriteFrame encodes v as CBOR and writes it to w as a 4-byte
// little-endian length prefix followed by the payload.
func WriteFrame(w io.Writer, v any) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encoding frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), maxFrameSize)
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: writing length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed CBOR frame from r and decodes it
// into v (a pointer to TestcaseMsg or ResultMsg).
func ReadFrame(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: reading length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: reading payload: %w", err)
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decoding frame: %w", err)
	}
	return nil
}
