package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SubmitRequest is the wire body POSTed to a remote node's /submit endpoint.
type SubmitRequest struct {
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload"`
	Context  map[string]any `json:"context"`
	Priority int            `json:"priority"`
	Labels   []string       `json:"labels"`
}

// submitResponse is the wire body of a successful remote submission.
type submitResponse struct {
	TaskID string `json:"task_id"`
}

// RemoteExecutor submits tasks to remote nodes. The HTTP implementation is
// one strategy; tests use an in-process fake.
type RemoteExecutor interface {
	// Submit forwards a task to node and returns the remote task ID.
	Submit(ctx context.Context, node *RemoteNode, req SubmitRequest) (string, error)

	// Ping probes the node's health endpoint.
	Ping(ctx context.Context, node *RemoteNode) error
}

// HTTPExecutor implements RemoteExecutor over the JSON wire protocol, with
// a per-node submission rate limiter.
type HTTPExecutor struct {
	client  *http.Client
	perNode rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPExecutor creates an executor that allows ratePerNode submissions
// per second (burst allowance burst) to each node, with requestTimeout per
// round trip.
func NewHTTPExecutor(ratePerNode float64, burst int, requestTimeout time.Duration) *HTTPExecutor {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if ratePerNode > 0 {
		limit = rate.Limit(ratePerNode)
	}
	return &HTTPExecutor{
		client:   &http.Client{Timeout: requestTimeout},
		perNode:  limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Submit POSTs the task to {base_url}/submit and parses the returned task ID.
func (e *HTTPExecutor) Submit(ctx context.Context, node *RemoteNode, req SubmitRequest) (string, error) {
	if err := e.limiter(node.Name).Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limiter: %v", ErrRemoteSubmitFailed, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encoding body: %v", ErrRemoteSubmitFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.BaseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrRemoteSubmitFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if node.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+node.AuthToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteSubmitFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: node %s returned status %d", ErrRemoteSubmitFailed, node.Name, resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrRemoteSubmitFailed, err)
	}
	return sr.TaskID, nil
}

// Ping GETs the node's /health endpoint.
func (e *HTTPExecutor) Ping(ctx context.Context, node *RemoteNode) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	if node.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+node.AuthToken)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node %s health returned status %d", node.Name, resp.StatusCode)
	}
	return nil
}

func (e *HTTPExecutor) limiter(nodeName string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[nodeName]
	if !ok {
		l = rate.NewLimiter(e.perNode, e.burst)
		e.limiters[nodeName] = l
	}
	return l
}
