// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInteresting(t *testing.T) {
	assert.False(t, OkVerdict.Interesting())
	assert.True(t, Cr3ChangeVerdict.Interesting())
	assert.True(t, TimedoutVerdict.Interesting())
	assert.True(t, NewCrash("KERNEL_MODE_EXCEPTION").Interesting())
}

func TestFilenamePrefix(t *testing.T) {
	assert.Equal(t, "", OkVerdict.FilenamePrefix())
	assert.Equal(t, "Cr3Change-", Cr3ChangeVerdict.FilenamePrefix())
	assert.Equal(t, "timedout-", TimedoutVerdict.FilenamePrefix())
	assert.Equal(t, "crash-", NewCrash("x").FilenamePrefix())
}

func TestCrashCarriesName(t *testing.T) {
	v := NewCrash("DOUBLE_FAULT")
	assert.Equal(t, Crash, v.Kind)
	assert.Equal(t, "DOUBLE_FAULT", v.Name)
}
