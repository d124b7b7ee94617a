package launcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/identity"
	"weave/internal/registry"
	"weave/internal/spec"
)

func TestHTTPLauncherPostsLaunchContextAndStop(t *testing.T) {
	var gotPath string
	var gotBody LaunchContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Path == "/launch" {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	l := NewHTTPLauncherWithPort(spec.Arguments{"worker": {"--verbose"}}, map[string]string{"WEAVE_APP_DIR": "hdfs://staging"}, port)
	ctrl, err := l.Launch(context.Background(), "worker", 3, identity.NewBase(), registry.ContainerInfo{
		ContainerID: "c0", Host: u.Hostname(),
	}, spec.RuntimeSpec{LocalFiles: []string{"app.jar"}, RunnableSpec: json.RawMessage(`{"main":"Worker"}`)})
	require.NoError(t, err)
	assert.Equal(t, "/launch", gotPath)
	assert.Equal(t, "worker", gotBody.RunnableName)
	assert.Equal(t, 3, gotBody.InstanceID)
	assert.Equal(t, []string{"--verbose"}, gotBody.Arguments)
	assert.Equal(t, []string{"app.jar"}, gotBody.LocalFiles)
	assert.JSONEq(t, `{"main":"Worker"}`, string(gotBody.RunnableSpec))
	assert.Equal(t, "hdfs://staging", gotBody.Env["WEAVE_APP_DIR"])

	require.NoError(t, ctrl.Stop(context.Background()))
	assert.Equal(t, "/stop", gotPath)
}

func TestFakeLauncherRecordsLaunchesAndMessages(t *testing.T) {
	f := NewFake()
	ctrl, err := f.Launch(context.Background(), "worker", 2, identity.NewBase(), registry.ContainerInfo{ContainerID: "c2"}, spec.RuntimeSpec{})
	require.NoError(t, err)
	require.Len(t, f.Launches, 1)
	assert.Equal(t, 2, f.Launches[0].InstanceID)

	require.NoError(t, ctrl.Send([]byte("hi")))
	fc := f.Instances["c2"]
	assert.Equal(t, [][]byte{[]byte("hi")}, fc.Messages)

	require.NoError(t, ctrl.Stop(context.Background()))
	assert.True(t, fc.Stopped)
}
