// Package launcher provides the default way the AM turns an acquired
// container into a running process: an HTTP call to a small runnable
// host agent expected to be listening inside the container, plus a
// send/stop channel back to it for the container's lifetime.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"weave/internal/common"
	"weave/internal/identity"
	"weave/internal/registry"
	"weave/internal/spec"
)

// LaunchContext is everything the runnable host needs to start the
// right process inside its container.
type LaunchContext struct {
	RunnableName string            `json:"runnableName"`
	InstanceID   int               `json:"instanceId"`
	RunID        string            `json:"runId"`
	Arguments    []string          `json:"arguments"`
	LocalFiles   []string          `json:"localFiles"`
	RunnableSpec json.RawMessage   `json:"runnableSpec"`
	Env          map[string]string `json:"env"`
}

// HTTPLauncher is the default Launcher: POST /launch to start, POST
// /message to deliver a control message, POST /stop to request a clean
// shutdown.
type HTTPLauncher struct {
	client    *http.Client
	arguments spec.Arguments
	baseEnv   map[string]string
	hostPort  int
	logger    *zap.Logger
}

// NewHTTPLauncher builds a launcher targeting the well-known runnable
// host agent port on every container's host. baseEnv carries the
// process-wide values every container gets regardless of runnable; the
// AM fills it with the metadata-store connect string, the log broker
// address, forwarded credential tokens and, when present, the JVM options
// and logback template. The staging directory is not among them.
func NewHTTPLauncher(arguments spec.Arguments, baseEnv map[string]string) *HTTPLauncher {
	return NewHTTPLauncherWithPort(arguments, baseEnv, defaultRunnableHostPort)
}

// NewHTTPLauncherWithPort overrides the runnable host port; production
// code should use NewHTTPLauncher, tests use this to target a fake
// server.
func NewHTTPLauncherWithPort(arguments spec.Arguments, baseEnv map[string]string, hostPort int) *HTTPLauncher {
	return &HTTPLauncher{
		client:    &http.Client{Timeout: 30 * time.Second},
		arguments: arguments,
		baseEnv:   baseEnv,
		hostPort:  hostPort,
		logger:    common.ComponentLogger("launcher"),
	}
}

func (l *HTTPLauncher) Launch(ctx context.Context, runnableName string, instanceID int, runID identity.RunId, info registry.ContainerInfo, runtimeSpec spec.RuntimeSpec) (registry.Controller, error) {
	baseURL := fmt.Sprintf("http://%s:%d", info.Host, l.hostPort)

	env := map[string]string{
		"WEAVE_RUNNABLE_NAME": runnableName,
		"WEAVE_INSTANCE_ID":   fmt.Sprintf("%d", instanceID),
		"WEAVE_RUN_ID":        runID.String(),
	}
	for k, v := range l.baseEnv {
		env[k] = v
	}

	launchCtx := LaunchContext{
		RunnableName: runnableName,
		InstanceID:   instanceID,
		RunID:        runID.String(),
		Arguments:    l.arguments[runnableName],
		LocalFiles:   runtimeSpec.LocalFiles,
		RunnableSpec: runtimeSpec.RunnableSpec,
		Env:          env,
	}

	if err := l.post(ctx, baseURL+"/launch", launchCtx, nil); err != nil {
		return nil, fmt.Errorf("launching %s on %s: %w", runnableName, info.Host, err)
	}

	l.logger.Info("launched container",
		zap.String("runnable", runnableName), zap.Int("instance", instanceID), zap.String("host", info.Host))

	return &httpController{client: l.client, baseURL: baseURL, logger: l.logger}, nil
}

// defaultRunnableHostPort is the well-known port the in-container
// runnable host agent listens on; it is fixed by the container image
// contract, not negotiated per launch.
const defaultRunnableHostPort = 9200

func (l *HTTPLauncher) post(ctx context.Context, url string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpController struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

func (c *httpController) Send(msg []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/message", bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("message to %s returned status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

func (c *httpController) Stop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stopping %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("stop %s returned status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}
