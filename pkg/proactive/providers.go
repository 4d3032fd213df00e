package proactive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

// ContextProvider contributes key/value context to proactive prompts.
// Providers must tolerate being called from pool workers.
type ContextProvider interface {
	Name() string
	Collect() map[string]any
}

// FocusBoardProvider surfaces the focus board summary.
type FocusBoardProvider struct {
	Manager *focus.InMemoryManager
}

// Name implements ContextProvider.
func (FocusBoardProvider) Name() string { return "focus_board" }

// Collect implements ContextProvider.
func (p FocusBoardProvider) Collect() map[string]any {
	return map[string]any{"focus_board": p.Manager.Summary(5)}
}

// PoolStatsProvider surfaces worker pool load.
type PoolStatsProvider struct {
	Pool *pool.Pool
}

// Name implements ContextProvider.
func (PoolStatsProvider) Name() string { return "pool_stats" }

// Collect implements ContextProvider.
func (p PoolStatsProvider) Collect() map[string]any {
	stats := p.Pool.Stats()
	return map[string]any{
		"queue_depth":     stats.QueueDepth,
		"tasks_completed": stats.TasksCompleted,
		"tasks_failed":    stats.TasksFailed,
	}
}

// ConversationProvider surfaces the latest conversation snippet.
type ConversationProvider struct {
	Getter func() string
}

// Name implements ContextProvider.
func (ConversationProvider) Name() string { return "conversation" }

// Collect implements ContextProvider.
func (p ConversationProvider) Collect() map[string]any {
	return map[string]any{"latest_conversation": p.Getter()}
}

// renderContext flattens collected context into prompt text, one line per
// key.
func renderContext(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	// Stable output keeps prompts reproducible in tests.
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, ctx[k])
	}
	return sb.String()
}
