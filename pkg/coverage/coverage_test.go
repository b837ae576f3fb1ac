// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeGrowsOnNewAddress(t *testing.T) {
	agg := NewAggregate()
	grew := agg.Merge(NewSet([]Gva{1, 2, 3}))
	assert.True(t, grew)
	assert.Equal(t, 3, agg.Len())
}

func TestMergeDoesNotGrowOnSubset(t *testing.T) {
	agg := NewAggregate()
	assert.True(t, agg.Merge(NewSet([]Gva{1, 2, 3})))
	grew := agg.Merge(NewSet([]Gva{2, 3}))
	assert.False(t, grew, "a run covering only already-seen addresses must not count as interesting")
	assert.Equal(t, 3, agg.Len())
}

func TestMergePartialOverlapGrows(t *testing.T) {
	agg := NewAggregate()
	assert.True(t, agg.Merge(NewSet([]Gva{1, 2})))
	grew := agg.Merge(NewSet([]Gva{2, 3}))
	assert.True(t, grew)
	assert.Equal(t, 3, agg.Len())
}

func TestSetSliceRoundTrip(t *testing.T) {
	s := NewSet([]Gva{10, 20, 30})
	back := NewSet(s.Slice())
	assert.Equal(t, s, back)
}
