package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

// fakeExecutor records remote submissions in-process.
type fakeExecutor struct {
	mu      sync.Mutex
	submits []SubmitRequest
	byNode  map[string]int
	err     error
	pingErr map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{byNode: make(map[string]int), pingErr: make(map[string]error)}
}

func (f *fakeExecutor) Submit(_ context.Context, node *RemoteNode, req SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.submits = append(f.submits, req)
	f.byNode[node.Name]++
	return "rtask-1", nil
}

func (f *fakeExecutor) Ping(_ context.Context, node *RemoteNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr[node.Name]
}

func newTestDispatcher(t *testing.T, executor RemoteExecutor) (*Dispatcher, *Registry) {
	t.Helper()
	poolCfg := config.DefaultPoolConfig()
	poolCfg.CPUThreshold = 0
	poolCfg.WorkerCount = 2
	p := pool.New(poolCfg)
	p.Start()
	t.Cleanup(func() { p.Stop(true, false) })

	registry := NewRegistry()
	return NewDispatcher(p, registry, executor, config.DefaultClusterConfig()), registry
}

func TestSubmitLocalUnary(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)

	done := make(chan map[string]any, 1)
	registry.Register("echo", func(_ context.Context, payload, _ map[string]any) (any, error) {
		done <- payload
		return payload, nil
	})

	taskID, err := d.SubmitTask(context.Background(), SubmitSpec{
		Name:    "echo",
		Payload: map[string]any{"query": "hi"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	select {
	case payload := <-done:
		assert.Equal(t, "hi", payload["query"])
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestSubmitUnknownTask(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	_, err := d.SubmitTask(context.Background(), SubmitSpec{Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestStreamResultDeliversTokens(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)

	registry.RegisterStream("llm.fast", func(_ context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		out <- llm.Token{Kind: llm.KindText, Text: "Hello"}
		out <- llm.Token{Kind: llm.KindText, Text: " there"}
		return nil
	})

	taskID, err := d.SubmitTask(context.Background(), SubmitSpec{Name: "llm.fast"})
	require.NoError(t, err)

	stream, err := d.StreamResult(taskID, 5*time.Second)
	require.NoError(t, err)

	text, _, streamErr := llm.Collect(stream)
	assert.NoError(t, streamErr)
	assert.Equal(t, "Hello there", text)
}

func TestStreamResultHandlerError(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)

	registry.RegisterStream("flaky", func(_ context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		out <- llm.Token{Kind: llm.KindText, Text: "partial"}
		return errors.New("backend exploded")
	})

	taskID, err := d.SubmitTask(context.Background(), SubmitSpec{Name: "flaky"})
	require.NoError(t, err)

	stream, err := d.StreamResult(taskID, 5*time.Second)
	require.NoError(t, err)

	text, _, streamErr := llm.Collect(stream)
	assert.Equal(t, "partial", text)
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "backend exploded")
}

func TestStreamResultTimeout(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)

	release := make(chan struct{})
	registry.RegisterStream("slow", func(_ context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		out <- llm.Token{Kind: llm.KindText, Text: "one"}
		<-release
		out <- llm.Token{Kind: llm.KindText, Text: "two"}
		return nil
	})

	taskID, err := d.SubmitTask(context.Background(), SubmitSpec{Name: "slow"})
	require.NoError(t, err)

	stream, err := d.StreamResult(taskID, 200*time.Millisecond)
	require.NoError(t, err)

	text, _, streamErr := llm.Collect(stream)
	assert.Equal(t, "one", text)
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), ErrStreamTimeout.Error())

	// The underlying task is not cancelled; releasing it lets it finish.
	close(release)
}

func TestStreamResultUnknownTask(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	_, err := d.StreamResult("missing", time.Second)
	assert.ErrorIs(t, err, ErrNoSuchStream)
}

func TestRemoteRoutingPrefersLeastLoaded(t *testing.T) {
	exec := newFakeExecutor()
	d, _ := newTestDispatcher(t, exec)

	busy := &RemoteNode{Name: "busy", BaseURL: "http://busy", Labels: []string{"llm"}, Weight: 1}
	busy.inflight.Add(5)
	idle := &RemoteNode{Name: "idle", BaseURL: "http://idle", Labels: []string{"llm"}, Weight: 1}
	d.AddNode(busy)
	d.AddNode(idle)

	taskID, err := d.SubmitTask(context.Background(), SubmitSpec{
		Name:   "llm.fast",
		Labels: []string{"llm"},
	})
	require.NoError(t, err)
	assert.Contains(t, taskID, "remote:idle:")
	assert.Equal(t, 1, exec.byNode["idle"])
	assert.Zero(t, exec.byNode["busy"])
}

func TestRemoteRoutingWeightBreaksTies(t *testing.T) {
	exec := newFakeExecutor()
	d, _ := newTestDispatcher(t, exec)

	light := &RemoteNode{Name: "light", BaseURL: "http://light", Labels: []string{"exec"}, Weight: 1}
	heavy := &RemoteNode{Name: "heavy", BaseURL: "http://heavy", Labels: []string{"exec"}, Weight: 5}
	d.AddNode(light)
	d.AddNode(heavy)

	_, err := d.SubmitTask(context.Background(), SubmitSpec{
		Name:   "toolchain.execute",
		Labels: []string{"exec"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.byNode["heavy"])
}

func TestRouterHintLocalBypassesNodes(t *testing.T) {
	exec := newFakeExecutor()
	d, registry := newTestDispatcher(t, exec)
	d.AddNode(&RemoteNode{Name: "n1", BaseURL: "http://n1", Labels: []string{"llm"}})

	ran := make(chan struct{}, 1)
	registry.Register("llm.fast", func(context.Context, map[string]any, map[string]any) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})

	_, err := d.SubmitTask(context.Background(), SubmitSpec{
		Name:       "llm.fast",
		Labels:     []string{"llm"},
		RouterHint: RouterHintLocal,
	})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("local handler did not run")
	}
	assert.Empty(t, exec.submits)
}

func TestNoLabelOverlapRunsLocally(t *testing.T) {
	exec := newFakeExecutor()
	d, registry := newTestDispatcher(t, exec)
	d.AddNode(&RemoteNode{Name: "n1", BaseURL: "http://n1", Labels: []string{"gpu"}})

	ran := make(chan struct{}, 1)
	registry.Register("toolchain.execute", func(context.Context, map[string]any, map[string]any) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})

	_, err := d.SubmitTask(context.Background(), SubmitSpec{
		Name:   "toolchain.execute",
		Labels: []string{"exec"},
	})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("local fallback did not run")
	}
}

func TestRemoteSubmitFailureSurfaces(t *testing.T) {
	exec := newFakeExecutor()
	exec.err = ErrRemoteSubmitFailed
	d, _ := newTestDispatcher(t, exec)
	d.AddNode(&RemoteNode{Name: "n1", BaseURL: "http://n1", Labels: []string{"llm"}})

	_, err := d.SubmitTask(context.Background(), SubmitSpec{
		Name:   "llm.fast",
		Labels: []string{"llm"},
	})
	assert.ErrorIs(t, err, ErrRemoteSubmitFailed)
}

func TestProbeNodesMarksUnhealthy(t *testing.T) {
	exec := newFakeExecutor()
	exec.pingErr["down"] = errors.New("connection refused")
	d, _ := newTestDispatcher(t, exec)

	down := &RemoteNode{Name: "down", BaseURL: "http://down", Labels: []string{"llm"}}
	up := &RemoteNode{Name: "up", BaseURL: "http://up", Labels: []string{"llm"}}
	d.AddNode(down)
	d.AddNode(up)

	d.ProbeNodes(context.Background())
	assert.False(t, down.Healthy())
	assert.True(t, up.Healthy())

	// Unhealthy nodes are skipped by routing.
	_, err := d.SubmitTask(context.Background(), SubmitSpec{Name: "llm.fast", Labels: []string{"llm"}})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.byNode["up"])
	assert.Zero(t, exec.byNode["down"])
}
