// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))

	s.Remove(3, 11)
	assert.Len(t, s, 1)
	assert.True(t, s.Has(7))
}

func TestUnique(t *testing.T) {
	input := []int64{9, 3, 9, 1, 3}
	assert.Equal(t, []int64{1, 3, 9}, Unique(input))
	assert.Equal(t, []int64{9, 3, 9, 1, 3}, input, "input must not be modified")
	assert.Nil(t, Unique[int64](nil))
	assert.Equal(t, []string{"a", "b"}, Sorted(MakeWith("b", "a")))
}
