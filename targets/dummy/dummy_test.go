// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dummy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/backend/backendtest"
	"github.com/snapfuzz/snapfuzz/pkg/target"
)

func TestDummyAcceptsEveryTestcase(t *testing.T) {
	fake := backendtest.New()
	dt := New()
	require.NoError(t, dt.Init(target.Options{}, fake.CPUState(), fake))

	assert.True(t, dt.InsertTestcase(fake, []byte("anything")))
	assert.True(t, dt.Restore(fake))

	got := make([]byte, len("anything"))
	require.NoError(t, fake.ReadMemory(bufferAddr, got))
	assert.Equal(t, []byte("anything"), got)
}

func TestDummyRegistersGlobally(t *testing.T) {
	got, ok := target.Get(Name)
	assert.True(t, ok)
	assert.Equal(t, Name, got.Name)
}
