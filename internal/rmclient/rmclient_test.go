package rmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/common"
)

type fakeHandler struct {
	acquired  []AllocatedContainer
	completed []CompletedContainer
}

func (h *fakeHandler) Acquired(containers []AllocatedContainer)   { h.acquired = append(h.acquired, containers...) }
func (h *fakeHandler) Completed(completions []CompletedContainer) { h.completed = append(h.completed, completions...) }

func TestStartReturnsRegisterResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/v1/cluster/apps/register", r.URL.Path)
		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "am-host", req.Host)

		json.NewEncoder(w).Encode(RegisterResponse{Queue: "default"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Start(context.Background(), "am-host", 1025, "http://am-host:1026/")
	require.NoError(t, err)
	assert.Equal(t, "default", resp.Queue)
}

func TestAddContainerRequestReturnsRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req addRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int32(2), req.Count)
		json.NewEncoder(w).Encode(addRequestResponse{RequestID: "req-1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.AddContainerRequest(context.Background(), common.Resource{VCores: 1, MemoryMB: 512}, 2)
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

func TestAllocateDispatchesToHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(allocateResponseBody{
			AllocatedContainers: []AllocatedContainer{{ContainerID: "c0", Host: "n1"}},
			CompletedContainers: []CompletedContainer{{ContainerID: "c-old", ExitStatus: 1}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	h := &fakeHandler{}
	require.NoError(t, c.Allocate(context.Background(), 0.0, h))
	require.Len(t, h.acquired, 1)
	assert.Equal(t, "c0", h.acquired[0].ContainerID)
	require.Len(t, h.completed, 1)
	assert.Equal(t, "c-old", h.completed[0].ContainerID)
}

func TestAllocateSurfacesNon200AsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.http.RetryMax = 0
	err := c.Allocate(context.Background(), 0.0, &fakeHandler{})
	assert.Error(t, err)
}

func TestStopSendsFinalStatus(t *testing.T) {
	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req finishRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotStatus = req.FinalStatus
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.Stop(context.Background(), "SUCCEEDED", "", ""))
	assert.Equal(t, "SUCCEEDED", gotStatus)
}
