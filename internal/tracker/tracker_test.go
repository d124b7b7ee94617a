package tracker

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/common"
	"weave/internal/metrics"
)

type fakeSource struct {
	report common.ResourceReport
}

func (f fakeSource) GetResourceReport(appID string, am common.AppMasterResourceEntry) common.ResourceReport {
	f.report.AppID = appID
	f.report.AppMasterResources = am
	return f.report
}

func TestTrackerServesResourceReportAtRoot(t *testing.T) {
	source := fakeSource{report: common.ResourceReport{
		Resources: map[string][]common.RunningContainer{
			"echo": {{RunnableName: "echo", InstanceID: 0, ContainerID: "c0"}},
		},
	}}

	svc, err := New("127.0.0.1", source, metrics.NewRegistry(), "app-1", common.AppMasterResourceEntry{Host: "am-host"})
	require.NoError(t, err)
	svc.Start()
	defer svc.Stop(time.Second)

	resp, err := http.Get("http://" + svc.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report common.ResourceReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "app-1", report.AppID)
	assert.Equal(t, "am-host", report.AppMasterResources.Host)
	require.Len(t, report.Resources["echo"], 1)
}

func TestTrackerHealthzReturnsOK(t *testing.T) {
	svc, err := New("127.0.0.1", fakeSource{}, nil, "app-1", common.AppMasterResourceEntry{})
	require.NoError(t, err)
	svc.Start()
	defer svc.Stop(time.Second)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrackerServesMetricsWhenRegistryProvided(t *testing.T) {
	svc, err := New("127.0.0.1", fakeSource{}, metrics.NewRegistry(), "app-1", common.AppMasterResourceEntry{})
	require.NoError(t, err)
	svc.Start()
	defer svc.Stop(time.Second)

	resp, err := http.Get("http://" + svc.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
