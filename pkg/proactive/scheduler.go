// Package proactive implements the background thought scheduler: a periodic
// pool-driven loop that generates a candidate next action from the current
// focus, scores it, and either executes it or queues it for approval.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

// Task names owned by the scheduler.
const (
	TaskTick            = "proactive.tick"
	TaskGenerateThought = "proactive.generate_thought"
)

// labelLLM matches the router's model task label so proactive work shares
// the same rate limits and concurrency caps.
const labelLLM = "llm"

// Scheduler drives the proactive tick loop on the worker pool. It obeys
// the pool's pause gate (ticks are ordinary pool tasks) plus its own
// schedule window.
type Scheduler struct {
	localPool  *pool.Pool
	dispatcher *dispatch.Dispatcher
	focusMgr   *focus.InMemoryManager
	cfg        *config.ProactiveConfig

	// now is replaceable for window tests.
	now func() time.Time

	mu        sync.Mutex
	running   bool
	providers []ContextProvider
	pending   map[string]*Action
	history   []*Action
	metrics   Metrics
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(localPool *pool.Pool, dispatcher *dispatch.Dispatcher, focusMgr *focus.InMemoryManager, cfg *config.ProactiveConfig) *Scheduler {
	if cfg == nil {
		cfg = config.DefaultProactiveConfig()
	}
	return &Scheduler{
		localPool:  localPool,
		dispatcher: dispatcher,
		focusMgr:   focusMgr,
		cfg:        cfg,
		now:        time.Now,
		pending:    make(map[string]*Action),
	}
}

// AddProvider registers a context provider consulted on every tick.
func (s *Scheduler) AddProvider(p ContextProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = append(s.providers, p)
}

// Start schedules the first tick. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	slog.Info("Proactive scheduler starting",
		"interval", s.cfg.Interval,
		"window", fmt.Sprintf("%02d-%02d", s.cfg.StartHour, s.cfg.EndHour),
		"auto_approve", s.cfg.AutoApprove)
	s.scheduleTick(s.cfg.Interval)
}

// Stop prevents further ticks from being scheduled. Ticks already queued
// become no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	slog.Info("Proactive scheduler stopped")
}

// scheduleTick submits the next tick at LOW priority with the llm label.
func (s *Scheduler) scheduleTick(delay time.Duration) {
	opts := pool.DefaultSubmitOptions()
	opts.Name = TaskTick
	opts.Priority = pool.PriorityLow
	opts.Delay = delay
	opts.Labels = []string{labelLLM}
	opts.MaxRetries = 0

	if _, err := s.localPool.Submit(func(ctx context.Context) (any, error) {
		s.tick(ctx)
		return nil, nil
	}, opts); err != nil {
		slog.Warn("Failed to schedule proactive tick", "error", err)
	}
}

// tick is one loop iteration: window check, context collection, thought
// generation, then rescheduling.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	// Outside the window: re-queue to the next window boundary instead of
	// executing.
	if wait, outside := s.outsideWindow(); outside {
		slog.Debug("Outside proactive window, deferring", "wait", wait)
		s.scheduleTick(wait)
		return
	}

	if s.focusMgr == nil || s.focusMgr.CurrentFocus() == "" {
		s.scheduleTick(s.cfg.Interval)
		return
	}

	if err := s.generateAndEvaluate(ctx); err != nil {
		slog.Warn("Proactive generation failed", "error", err)
		if s.focusMgr != nil {
			s.focusMgr.AddNote("issues", fmt.Sprintf("proactive generation failed: %v", err), nil)
		}
	}

	s.scheduleTick(s.cfg.Interval)
}

// GenerateOnce runs a single generate+evaluate cycle outside the tick loop
// (the proactive.generate_thought task). Returns the generated thought.
func (s *Scheduler) GenerateOnce(ctx context.Context) (string, error) {
	thought, err := s.generateThought(ctx)
	if err != nil {
		return "", err
	}
	s.evaluateAndRoute(ctx, thought)
	return thought, nil
}

// generateAndEvaluate produces one candidate action and routes it.
func (s *Scheduler) generateAndEvaluate(ctx context.Context) error {
	thought, err := s.generateThought(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(thought) == "" {
		return nil
	}
	s.evaluateAndRoute(ctx, thought)
	return nil
}

// generateThought asks the fast tier for one concrete next action.
func (s *Scheduler) generateThought(ctx context.Context) (string, error) {
	collected := s.collectContext()
	prompt := fmt.Sprintf(`You are working towards this focus: %s

Context:
%s
Suggest ONE concrete next action that would advance the focus. Answer with
the action alone, no preamble.`, s.focusMgr.CurrentFocus(), renderContext(collected))

	return s.callFast(ctx, prompt)
}

// evaluateAndRoute scores the thought and executes, queues, or rejects it.
func (s *Scheduler) evaluateAndRoute(ctx context.Context, thought string) {
	action := &Action{
		ID:        uuid.New().String(),
		Thought:   thought,
		Status:    StatusEvaluating,
		CreatedAt: s.now(),
	}

	score, err := s.evaluate(ctx, thought)
	if err != nil {
		slog.Warn("Action evaluation failed", "error", err)
		score = 0
	}
	action.Score = score

	s.mu.Lock()
	s.metrics.TotalThoughts++
	s.metrics.LastActivity = s.now()
	s.mu.Unlock()

	if score < s.cfg.MinScore {
		action.Status = StatusRejected
		action.Error = fmt.Sprintf("low evaluation score: %.2f", score)
		s.recordHistory(action)
		s.mu.Lock()
		s.metrics.ActionsRejected++
		s.mu.Unlock()
		if s.focusMgr != nil {
			s.focusMgr.AddNote("issues", fmt.Sprintf("action rejected (score %.2f): %s", score, clip(thought, 100)), nil)
		}
		return
	}

	if s.cfg.AutoApprove {
		action.Status = StatusApproved
		action.ApprovedBy = "auto"
		s.execute(ctx, action)
		return
	}

	action.Status = StatusPending
	s.mu.Lock()
	s.pending[action.ID] = action
	s.mu.Unlock()
	if s.focusMgr != nil {
		s.focusMgr.AddNote("next_steps", fmt.Sprintf("action pending approval: %s", clip(thought, 100)), nil)
	}
	slog.Info("Proactive action pending approval", "action_id", action.ID, "score", score)
}

// evaluate asks the fast tier for an actionability score in [0,1].
func (s *Scheduler) evaluate(ctx context.Context, thought string) (float64, error) {
	prompt := fmt.Sprintf(`Rate how actionable and valuable this next step is for the focus "%s".

Step: %s

Respond with a single number between 0 and 1.`, s.focusMgr.CurrentFocus(), thought)

	text, err := s.callFast(ctx, prompt)
	if err != nil {
		return 0, err
	}
	return parseScore(text), nil
}

// execute submits the approved action as a toolchain task.
func (s *Scheduler) execute(ctx context.Context, action *Action) {
	action.Status = StatusExecuting
	_, err := s.dispatcher.SubmitTask(ctx, dispatch.SubmitSpec{
		Name:     "toolchain.execute",
		Payload:  map[string]any{"query": action.Thought},
		Priority: pool.PriorityLow,
		Labels:   []string{"exec"},
		Context:  map[string]any{"source": "proactive", "action_id": action.ID},
	})
	if err != nil {
		action.Status = StatusFailed
		action.Error = err.Error()
		slog.Warn("Proactive action submit failed", "action_id", action.ID, "error", err)
	} else {
		action.Status = StatusCompleted
		s.mu.Lock()
		s.metrics.ActionsExecuted++
		s.mu.Unlock()
		slog.Info("Proactive action submitted", "action_id", action.ID, "score", action.Score)
	}
	s.recordHistory(action)
}

// Approve executes a pending action. approvedBy is recorded on the action.
func (s *Scheduler) Approve(ctx context.Context, actionID, approvedBy string) error {
	s.mu.Lock()
	action, ok := s.pending[actionID]
	if ok {
		delete(s.pending, actionID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pending action %s", actionID)
	}
	action.Status = StatusApproved
	action.ApprovedBy = approvedBy
	s.execute(ctx, action)
	return nil
}

// Reject discards a pending action.
func (s *Scheduler) Reject(actionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.pending[actionID]
	if !ok {
		return fmt.Errorf("unknown pending action %s", actionID)
	}
	delete(s.pending, actionID)
	action.Status = StatusRejected
	action.Error = reason
	s.metrics.ActionsRejected++
	s.appendHistoryLocked(action)
	return nil
}

// PendingActions returns the actions awaiting approval.
func (s *Scheduler) PendingActions() []*Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]*Action, 0, len(s.pending))
	for _, a := range s.pending {
		actions = append(actions, a)
	}
	return actions
}

// History returns the most recent resolved actions, newest last.
func (s *Scheduler) History() []*Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Action(nil), s.history...)
}

// Stats returns a metrics snapshot.
func (s *Scheduler) Stats() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// outsideWindow reports whether now falls outside [StartHour, EndHour) and
// how long until the window reopens.
func (s *Scheduler) outsideWindow() (time.Duration, bool) {
	start, end := s.cfg.StartHour, s.cfg.EndHour
	if start == end {
		return 0, false
	}
	now := s.now()
	h := now.Hour()

	inside := false
	if start < end {
		inside = h >= start && h < end
	} else {
		// Window wraps midnight, e.g. 22-06.
		inside = h >= start || h < end
	}
	if inside {
		return 0, false
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), start, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now), true
}

// callFast runs one llm.fast task through the dispatcher and collects its
// text.
func (s *Scheduler) callFast(ctx context.Context, prompt string) (string, error) {
	taskID, err := s.dispatcher.SubmitTask(ctx, dispatch.SubmitSpec{
		Name:     "llm.fast",
		Payload:  map[string]any{"prompt": prompt},
		Priority: pool.PriorityLow,
		Labels:   []string{labelLLM},
	})
	if err != nil {
		return "", err
	}
	stream, err := s.dispatcher.StreamResult(taskID, time.Minute)
	if err != nil {
		return "", err
	}
	text, _, streamErr := llm.Collect(stream)
	if streamErr != nil {
		return text, streamErr
	}
	return text, nil
}

func (s *Scheduler) recordHistory(action *Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistoryLocked(action)
}

func (s *Scheduler) appendHistoryLocked(action *Action) {
	s.history = append(s.history, action)
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// parseScore extracts the first number from text, clamped to [0,1],
// defaulting to 0 when there is none.
func parseScore(text string) float64 {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,;:!?")
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return 0
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RegisterHandler installs the proactive.generate_thought task over s.
func RegisterHandler(registry *dispatch.Registry, s *Scheduler) {
	registry.RegisterStream(TaskGenerateThought, func(ctx context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		thought, err := s.GenerateOnce(ctx)
		if err != nil {
			return err
		}
		select {
		case out <- llm.Token{Kind: llm.KindText, Text: thought}:
		case <-ctx.Done():
		}
		return nil
	})
}
