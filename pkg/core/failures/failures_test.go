// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package failures

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := New(ResourceExhaustion, "out of memory: requested %d bytes", 2048)
	require.Equal(t, ResourceExhaustion, KindOf(err))
	require.True(t, Is(err, ResourceExhaustion))
	require.Contains(t, err.Error(), "RESOURCE_EXHAUSTION")
	require.Contains(t, err.Error(), "2048")

	// Classification survives further wrapping.
	wrapped := errors.WithMessage(err, "while initializing device")
	require.Equal(t, ResourceExhaustion, KindOf(wrapped))
	require.True(t, IsRetriable(wrapped))

	require.Equal(t, Unknown, KindOf(errors.New("plain")))
	require.False(t, Is(nil, Unknown))
	require.Nil(t, Wrap(nil, LaunchFailure, "nothing"))
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestEventsAndDiagnostics(t *testing.T) {
	base := Wrap(errors.New("kernel faulted"), LaunchFailure, "launch of %q", "saxpy")
	e, ok := As(base)
	require.True(t, ok)
	e2 := e.WithEvent(17).WithDiagnostics("illegal address")
	require.Equal(t, int64(0), e.Event, "WithEvent must not mutate the original")
	require.Equal(t, int64(17), EventOf(e2))
	require.Contains(t, e2.Error(), "event #17")
	verbose := fmt.Sprintf("%+v", e2)
	require.Contains(t, verbose, "illegal address")
	require.Contains(t, verbose, "kernel faulted")

	inconsistent := New(InconsistentState, "stream-out of ABSENT object")
	require.False(t, IsRetriable(inconsistent))
}
