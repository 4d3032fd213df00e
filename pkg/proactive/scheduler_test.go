package proactive

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

type schedFixture struct {
	sched    *Scheduler
	registry *dispatch.Registry
	focus    *focus.InMemoryManager

	mu        sync.Mutex
	toolchain []string // queries submitted to toolchain.execute
}

// newSchedFixture wires a scheduler whose llm.fast handler generates
// "thought" for generation prompts and score for evaluation prompts.
func newSchedFixture(t *testing.T, score string, mutate func(*config.ProactiveConfig)) *schedFixture {
	t.Helper()

	poolCfg := config.DefaultPoolConfig()
	poolCfg.CPUThreshold = 0
	poolCfg.WorkerCount = 4
	p := pool.New(poolCfg)
	p.Start()
	t.Cleanup(func() { p.Stop(true, false) })

	registry := dispatch.NewRegistry()
	d := dispatch.NewDispatcher(p, registry, nil, config.DefaultClusterConfig())

	cfg := config.DefaultProactiveConfig()
	cfg.Enabled = true
	cfg.Interval = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	fm := focus.NewInMemoryManager()
	fm.SetFocus("improve test coverage")

	f := &schedFixture{
		sched:    NewScheduler(p, d, fm, cfg),
		registry: registry,
		focus:    fm,
	}

	registry.RegisterStream("llm.fast", func(_ context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		prompt, _ := payload["prompt"].(string)
		if strings.Contains(prompt, "Rate how actionable") {
			out <- llm.Token{Kind: llm.KindText, Text: score}
		} else {
			out <- llm.Token{Kind: llm.KindText, Text: "write a property test for the heap"}
		}
		return nil
	})
	registry.RegisterStream("toolchain.execute", func(_ context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		query, _ := payload["query"].(string)
		f.mu.Lock()
		f.toolchain = append(f.toolchain, query)
		f.mu.Unlock()
		return nil
	})

	return f
}

func (f *schedFixture) toolchainCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.toolchain...)
}

func TestGenerateOnceAutoApprove(t *testing.T) {
	f := newSchedFixture(t, "0.9", func(cfg *config.ProactiveConfig) {
		cfg.AutoApprove = true
	})

	thought, err := f.sched.GenerateOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "write a property test for the heap", thought)

	// Auto-approved action is submitted to the toolchain.
	require.Eventually(t, func() bool {
		return len(f.toolchainCalls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "write a property test for the heap", f.toolchainCalls()[0])

	stats := f.sched.Stats()
	assert.Equal(t, 1, stats.TotalThoughts)
	assert.Equal(t, 1, stats.ActionsExecuted)
}

func TestGenerateOncePendingApproval(t *testing.T) {
	f := newSchedFixture(t, "0.8", nil) // auto-approve off

	_, err := f.sched.GenerateOnce(context.Background())
	require.NoError(t, err)

	pending := f.sched.PendingActions()
	require.Len(t, pending, 1)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.InDelta(t, 0.8, pending[0].Score, 0.001)
	assert.Empty(t, f.toolchainCalls())

	// Approving executes it.
	require.NoError(t, f.sched.Approve(context.Background(), pending[0].ID, "user"))
	require.Eventually(t, func() bool {
		return len(f.toolchainCalls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.sched.PendingActions())
}

func TestGenerateOnceLowScoreRejected(t *testing.T) {
	f := newSchedFixture(t, "0.2", nil)

	_, err := f.sched.GenerateOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.sched.PendingActions())
	assert.Empty(t, f.toolchainCalls())

	history := f.sched.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusRejected, history[0].Status)
	assert.Equal(t, 1, f.sched.Stats().ActionsRejected)

	// Rejection lands on the focus board.
	notes := f.focus.Notes("issues")
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0].Text, "rejected")
}

func TestRejectPendingAction(t *testing.T) {
	f := newSchedFixture(t, "0.9", nil)

	_, err := f.sched.GenerateOnce(context.Background())
	require.NoError(t, err)
	pending := f.sched.PendingActions()
	require.Len(t, pending, 1)

	require.NoError(t, f.sched.Reject(pending[0].ID, "not now"))
	assert.Empty(t, f.sched.PendingActions())
	history := f.sched.History()
	require.Len(t, history, 1)
	assert.Equal(t, "not now", history[0].Error)

	assert.Error(t, f.sched.Reject("missing", ""))
}

func TestTickLoopReschedules(t *testing.T) {
	f := newSchedFixture(t, "0.9", func(cfg *config.ProactiveConfig) {
		cfg.AutoApprove = true
		cfg.Interval = 30 * time.Millisecond
	})

	f.sched.Start()
	defer f.sched.Stop()

	// Several ticks fire and each one generates and executes an action.
	require.Eventually(t, func() bool {
		return len(f.toolchainCalls()) >= 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestOutsideWindowDefers(t *testing.T) {
	f := newSchedFixture(t, "0.9", func(cfg *config.ProactiveConfig) {
		cfg.StartHour = 9
		cfg.EndHour = 17
	})

	// Pin the clock to 20:00 local.
	f.sched.now = func() time.Time {
		return time.Date(2024, 5, 1, 20, 0, 0, 0, time.Local)
	}

	wait, outside := f.sched.outsideWindow()
	assert.True(t, outside)
	assert.Equal(t, 13*time.Hour, wait)

	// Inside the window.
	f.sched.now = func() time.Time {
		return time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	}
	_, outside = f.sched.outsideWindow()
	assert.False(t, outside)
}

func TestWindowWrapsMidnight(t *testing.T) {
	f := newSchedFixture(t, "0.9", func(cfg *config.ProactiveConfig) {
		cfg.StartHour = 22
		cfg.EndHour = 6
	})

	f.sched.now = func() time.Time {
		return time.Date(2024, 5, 1, 23, 0, 0, 0, time.Local)
	}
	_, outside := f.sched.outsideWindow()
	assert.False(t, outside)

	f.sched.now = func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	}
	wait, outside := f.sched.outsideWindow()
	assert.True(t, outside)
	assert.Equal(t, 10*time.Hour, wait)
}

func TestNoFocusSkipsGeneration(t *testing.T) {
	f := newSchedFixture(t, "0.9", func(cfg *config.ProactiveConfig) {
		cfg.AutoApprove = true
		cfg.Interval = 20 * time.Millisecond
	})
	f.focus.SetFocus("")

	f.sched.Start()
	defer f.sched.Stop()

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, f.toolchainCalls(), "no focus means no thought generation")
}

func TestParseScore(t *testing.T) {
	assert.InDelta(t, 0.75, parseScore("0.75"), 0.001)
	assert.InDelta(t, 0.5, parseScore("I'd rate this 0.5 overall."), 0.001)
	assert.InDelta(t, 1.0, parseScore("10"), 0.001) // clamped
	assert.InDelta(t, 0.0, parseScore("no number here"), 0.001)
}

func TestRegisterHandlerStreamsThought(t *testing.T) {
	f := newSchedFixture(t, "0.2", nil) // low score: evaluation side effect only
	RegisterHandler(f.registry, f.sched)

	d := f.sched.dispatcher
	taskID, err := d.SubmitTask(context.Background(), dispatch.SubmitSpec{
		Name:   TaskGenerateThought,
		Labels: []string{labelLLM},
	})
	require.NoError(t, err)

	stream, err := d.StreamResult(taskID, 5*time.Second)
	require.NoError(t, err)
	text, _, streamErr := llm.Collect(stream)
	require.NoError(t, streamErr)
	assert.Equal(t, "write a property test for the heap", text)
}
