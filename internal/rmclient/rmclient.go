// Package rmclient talks to the cluster resource manager over its
// REST/JSON allocation protocol: register once, then repeatedly ask for
// containers and report progress via the pull-style allocate call.
package rmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"weave/internal/common"
)

// AllocatedContainer is a container the resource manager has granted.
// It carries only the capability it was matched at: the resource
// manager gives no ordering guarantee between outstanding requests and
// the acquisitions that satisfy them, so matching a grant back to a
// runnable is the caller's job (by FIFO queue position).
type AllocatedContainer struct {
	ContainerID string `json:"containerId"`
	Host        string `json:"host"`
	VCores      int32  `json:"vcores"`
	MemoryMB    int64  `json:"memoryMB"`
}

// CompletedContainer is a container the resource manager reports as no
// longer running.
type CompletedContainer struct {
	ContainerID string `json:"containerId"`
	ExitStatus  int    `json:"exitStatus"`
	Diagnostics string `json:"diagnostics"`
}

// AllocationHandler receives the outcomes of one allocate() poll,
// synchronously, before the call returns.
type AllocationHandler interface {
	Acquired(containers []AllocatedContainer)
	Completed(completions []CompletedContainer)
}

type registerRequest struct {
	Host        string `json:"host"`
	RPCPort     int32  `json:"rpcPort"`
	TrackingURL string `json:"trackingUrl"`
}

// RegisterResponse carries the cluster-wide ceiling the AM must respect
// when sizing requests.
type RegisterResponse struct {
	MaximumResourceCapability common.Resource `json:"maximumResourceCapability"`
	Queue                     string          `json:"queue"`
}

type addRequestBody struct {
	Capability common.Resource `json:"capability"`
	Count      int32           `json:"count"`
	Priority   int32           `json:"priority"`
}

type addRequestResponse struct {
	RequestID string `json:"requestId"`
}

type allocateRequestBody struct {
	Progress float32 `json:"progress"`
}

// allocateResponseBody is one tick of the pull-style allocation protocol.
type allocateResponseBody struct {
	AllocatedContainers []AllocatedContainer `json:"allocatedContainers"`
	CompletedContainers []CompletedContainer `json:"completedContainers"`
}

type finishRequest struct {
	FinalStatus string `json:"finalStatus"`
	Diagnostics string `json:"diagnostics"`
	TrackingURL string `json:"trackingUrl"`
}

type trackerRequest struct {
	BindAddress string `json:"bindAddress"`
	URL         string `json:"url"`
}

// Client is the resource manager's REST client, with retrying transport:
// the allocate loop runs once a second and a single dropped connection
// must not stall provisioning.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *zap.Logger
}

func New(rmAddress string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil // component logger below carries structured fields instead

	return &Client{
		baseURL: rmAddress,
		http:    rc,
		logger:  common.ComponentLogger("rmclient"),
	}
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request to %s: %w", path, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request to %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

// Start registers the AM with the resource manager.
func (c *Client) Start(ctx context.Context, host string, rpcPort int32, trackingURL string) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/ws/v1/cluster/apps/register", registerRequest{
		Host: host, RPCPort: rpcPort, TrackingURL: trackingURL,
	}, &resp); err != nil {
		return nil, fmt.Errorf("registering application master: %w", err)
	}
	c.logger.Info("registered with resource manager", zap.String("queue", resp.Queue))
	return &resp, nil
}

// AddContainerRequest enqueues a request for count containers at the
// given capability and returns an opaque id, later passed to
// CompleteContainerRequest once that many containers have been matched
// (working around resource-manager implementations that never forget a
// satisfied request on their own).
func (c *Client) AddContainerRequest(ctx context.Context, capability common.Resource, count int32) (string, error) {
	var resp addRequestResponse
	if err := c.post(ctx, "/ws/v1/cluster/apps/requests", addRequestBody{
		Capability: capability, Count: count, Priority: 0,
	}, &resp); err != nil {
		return "", fmt.Errorf("adding container request: %w", err)
	}
	return resp.RequestID, nil
}

// CompleteContainerRequest tells the resource manager that requestID has
// been fully satisfied and can be forgotten.
func (c *Client) CompleteContainerRequest(ctx context.Context, requestID string) error {
	if err := c.post(ctx, "/ws/v1/cluster/apps/requests/"+requestID+"/complete", struct{}{}, nil); err != nil {
		return fmt.Errorf("completing container request %s: %w", requestID, err)
	}
	return nil
}

// Allocate polls once, synchronously delivering whatever the resource
// manager reports to handler before returning.
func (c *Client) Allocate(ctx context.Context, progress float32, handler AllocationHandler) error {
	var resp allocateResponseBody
	if err := c.post(ctx, "/ws/v1/cluster/apps/allocate", allocateRequestBody{Progress: progress}, &resp); err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	if len(resp.AllocatedContainers) > 0 {
		handler.Acquired(resp.AllocatedContainers)
	}
	if len(resp.CompletedContainers) > 0 {
		handler.Completed(resp.CompletedContainers)
	}
	return nil
}

// SetTracker registers the tracker's bind address and public URL so the
// resource manager UI can link to it.
func (c *Client) SetTracker(ctx context.Context, bindAddress, url string) error {
	if err := c.post(ctx, "/ws/v1/cluster/apps/tracker", trackerRequest{BindAddress: bindAddress, URL: url}, nil); err != nil {
		return fmt.Errorf("setting tracker: %w", err)
	}
	return nil
}

// Stop unregisters the AM with a final status; the resource manager may
// then release the AM's own container.
func (c *Client) Stop(ctx context.Context, finalStatus, diagnostics, trackingURL string) error {
	if err := c.post(ctx, "/ws/v1/cluster/apps/finish", finishRequest{
		FinalStatus: finalStatus,
		Diagnostics: diagnostics,
		TrackingURL: trackingURL,
	}, nil); err != nil {
		return fmt.Errorf("unregistering application master: %w", err)
	}
	c.logger.Info("unregistered from resource manager", zap.String("status", finalStatus))
	return nil
}
