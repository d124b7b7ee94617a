package eventhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuildsKnownHandlers(t *testing.T) {
	reg := NewRegistry()

	h, err := reg.Build("shutdown-on-timeout", nil)
	require.NoError(t, err)
	action, err := h.LaunchTimeout([]TimeoutEvent{{RunnableName: "worker", Expected: 2, Actual: 1}})
	require.NoError(t, err)
	assert.True(t, action.Timeout < 0)
}

func TestRegistryFallsBackToBackoffForUnknownClassname(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Build("does-not-exist", nil)
	require.NoError(t, err)
	action, err := h.LaunchTimeout([]TimeoutEvent{{RunnableName: "worker"}})
	require.NoError(t, err)
	assert.True(t, action.Timeout > 0, "backoff must never request shutdown")
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	h := newBackoff()
	require.NoError(t, h.Initialize([]byte(`{"initialSeconds": 1, "ceilingSeconds": 4}`)))

	a1, err := h.LaunchTimeout([]TimeoutEvent{{RunnableName: "w"}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, a1.Timeout)

	a2, err := h.LaunchTimeout([]TimeoutEvent{{RunnableName: "w"}})
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, a2.Timeout)

	a3, err := h.LaunchTimeout([]TimeoutEvent{{RunnableName: "w"}})
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, a3.Timeout, "must not exceed ceiling")
}

func TestBackoffResetsWhenNoEvents(t *testing.T) {
	h := newBackoff()
	require.NoError(t, h.Initialize(nil))
	_, err := h.LaunchTimeout([]TimeoutEvent{{RunnableName: "w"}})
	require.NoError(t, err)

	reset, err := h.LaunchTimeout(nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, reset.Timeout)
}
