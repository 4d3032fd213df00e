package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

// RouterHintLocal forces local execution regardless of node capabilities.
const RouterHintLocal = "local"

// SubmitSpec describes one task submission through the dispatcher.
type SubmitSpec struct {
	Name       string
	Payload    map[string]any
	Priority   pool.Priority
	Labels     []string
	Delay      time.Duration
	Context    map[string]any
	RouterHint string

	// Deadline is passed through to the local pool. Ignored for remote
	// submissions (the remote node applies its own policy).
	Deadline time.Time
}

// Dispatcher routes task submissions to the local pool or to remote nodes
// based on label capabilities and node load.
type Dispatcher struct {
	localPool *pool.Pool
	registry  *Registry
	executor  RemoteExecutor
	cfg       *config.ClusterConfig

	mu      sync.Mutex
	nodes   []*RemoteNode
	streams map[string]*streamHandle
}

// streamHandle connects a streaming handler to its consumer.
type streamHandle struct {
	taskID string
	ch     chan llm.Token
}

// NewDispatcher creates a dispatcher over localPool and registry. executor
// may be nil when no remote nodes will be added.
func NewDispatcher(localPool *pool.Pool, registry *Registry, executor RemoteExecutor, cfg *config.ClusterConfig) *Dispatcher {
	if cfg == nil {
		cfg = config.DefaultClusterConfig()
	}
	return &Dispatcher{
		localPool: localPool,
		registry:  registry,
		executor:  executor,
		cfg:       cfg,
		streams:   make(map[string]*streamHandle),
	}
}

// AddNode registers a remote node.
func (d *Dispatcher) AddNode(node *RemoteNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = append(d.nodes, node)
	slog.Info("Remote node added", "node", node.Name, "base_url", node.BaseURL, "labels", node.Labels)
}

// Nodes returns a snapshot of the registered nodes.
func (d *Dispatcher) Nodes() []*RemoteNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*RemoteNode(nil), d.nodes...)
}

// SubmitTask routes one submission. It returns a task ID usable with
// StreamResult for local streaming handlers, or an opaque remote handle.
// There is no cross-node retry; the pool's retry policy applies only to
// local execution.
func (d *Dispatcher) SubmitTask(ctx context.Context, spec SubmitSpec) (string, error) {
	var node *RemoteNode
	if spec.RouterHint != RouterHintLocal {
		node = d.pickRemote(spec.Labels)
	}
	if node == nil {
		return d.submitLocal(spec)
	}
	return d.submitRemote(ctx, node, spec)
}

// pickRemote selects the least-loaded healthy node whose labels intersect
// the task's, ordered by (inflight asc, weight desc, last_ok desc).
func (d *Dispatcher) pickRemote(labels []string) *RemoteNode {
	if len(labels) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make([]*RemoteNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		if n.Healthy() && n.hasAnyLabel(labels) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Inflight() != b.Inflight() {
			return a.Inflight() < b.Inflight()
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.lastOK.Load() > b.lastOK.Load()
	})
	return candidates[0]
}

// submitLocal runs the named handler on the local pool via the registry.
func (d *Dispatcher) submitLocal(spec SubmitSpec) (string, error) {
	unary, streaming, err := d.registry.lookup(spec.Name)
	if err != nil {
		return "", err
	}

	opts := pool.DefaultSubmitOptions()
	opts.Priority = spec.Priority
	opts.Delay = spec.Delay
	opts.Name = spec.Name
	opts.Labels = spec.Labels
	opts.Context = spec.Context
	opts.Deadline = spec.Deadline

	if unary != nil {
		return d.localPool.Submit(func(ctx context.Context) (any, error) {
			return unary(ctx, spec.Payload, spec.Context)
		}, opts)
	}

	// Streaming handler: wire its output channel before submission so
	// StreamResult can attach as soon as the task ID is known.
	handle := &streamHandle{ch: make(chan llm.Token, d.cfg.StreamBuffer)}

	// Streaming handlers own their full run; an error after partial output
	// surfaces as a terminal error token rather than a pool-level retry.
	opts.MaxRetries = 0

	taskID, err := d.localPool.Submit(func(ctx context.Context) (any, error) {
		defer close(handle.ch)
		if err := streaming(ctx, spec.Payload, spec.Context, handle.ch); err != nil {
			select {
			case handle.ch <- llm.Token{Kind: llm.KindError, Text: err.Error()}:
			case <-ctx.Done():
			}
			return nil, err
		}
		return nil, nil
	}, opts)
	if err != nil {
		return "", err
	}

	handle.taskID = taskID
	d.mu.Lock()
	d.streams[taskID] = handle
	d.mu.Unlock()
	return taskID, nil
}

// submitRemote forwards the task to node over the wire protocol.
func (d *Dispatcher) submitRemote(ctx context.Context, node *RemoteNode, spec SubmitSpec) (string, error) {
	node.inflight.Add(1)
	defer node.inflight.Add(-1)

	remoteID, err := d.executor.Submit(ctx, node, SubmitRequest{
		Name:     spec.Name,
		Payload:  spec.Payload,
		Context:  spec.Context,
		Priority: int(spec.Priority),
		Labels:   spec.Labels,
	})
	if err != nil {
		slog.Warn("Remote submit failed", "node", node.Name, "task", spec.Name, "error", err)
		return "", err
	}

	node.markOK()
	return fmt.Sprintf("remote:%s:%s", node.Name, remoteID), nil
}

// StreamResult returns the token stream of a local streaming task. The
// wall-clock timeout covers the whole stream; on expiry the returned channel
// is closed after a terminal ErrStreamTimeout token, and the underlying task
// is drained in the background so it can finish (it is not cancelled).
// Each task's stream can be consumed once.
func (d *Dispatcher) StreamResult(taskID string, timeout time.Duration) (<-chan llm.Token, error) {
	d.mu.Lock()
	handle, ok := d.streams[taskID]
	if ok {
		delete(d.streams, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchStream, taskID)
	}

	out := make(chan llm.Token, d.cfg.StreamBuffer)
	go func() {
		defer close(out)
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			select {
			case tok, ok := <-handle.ch:
				if !ok {
					return
				}
				out <- tok
			case <-timer.C:
				out <- llm.Token{Kind: llm.KindError, Text: ErrStreamTimeout.Error()}
				// Unblock the producing handler so the worker is released.
				go func() {
					for range handle.ch {
					}
				}()
				return
			}
		}
	}()
	return out, nil
}

// ProbeNodes pings every node and updates its health flag. Unreachable
// nodes are skipped by pickRemote until a later probe succeeds.
func (d *Dispatcher) ProbeNodes(ctx context.Context) {
	if d.executor == nil {
		return
	}
	for _, node := range d.Nodes() {
		err := d.executor.Ping(ctx, node)
		wasHealthy := node.Healthy()
		node.setHealthy(err == nil)
		if err != nil && wasHealthy {
			slog.Warn("Remote node unhealthy", "node", node.Name, "error", err)
		} else if err == nil && !wasHealthy {
			slog.Info("Remote node recovered", "node", node.Name)
		}
	}
}
