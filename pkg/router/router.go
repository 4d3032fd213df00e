package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/memory"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

// outBuffer bounds the merged output channel. A consumer that stops
// reading eventually blocks the merger; this is the intended flow control.
const outBuffer = 64

// Router is the streaming query router. Create with NewRouter; Run streams
// one query.
type Router struct {
	dispatcher *dispatch.Dispatcher
	cfg        *config.RouterConfig

	mem          memory.Store
	focusMgr     focus.Manager
	counselEquiv func(a, b string) bool
}

// NewRouter creates a router over dispatcher. Memory defaults to a no-op
// store; there is no focus manager until one is set.
func NewRouter(dispatcher *dispatch.Dispatcher, cfg *config.RouterConfig) *Router {
	if cfg == nil {
		cfg = config.DefaultRouterConfig()
	}
	return &Router{
		dispatcher:   dispatcher,
		cfg:          cfg,
		mem:          memory.NoopStore{},
		counselEquiv: defaultCounselEquiv,
	}
}

// SetMemoryStore sets the session memory store.
func (r *Router) SetMemoryStore(store memory.Store) {
	if store != nil {
		r.mem = store
	}
}

// SetFocusManager sets the focus manager used by the focus route and the
// triage prompt.
func (r *Router) SetFocusManager(m focus.Manager) {
	r.focusMgr = m
}

// SetCounselEquivalence sets the classifier counsel's vote mode uses to
// decide whether two answers agree.
func (r *Router) SetCounselEquivalence(equiv func(a, b string) bool) {
	if equiv != nil {
		r.counselEquiv = equiv
	}
}

// Run processes one query and returns its merged output stream. The
// sequence is lazy and single-consumer; cancelling ctx abandons the query
// and the producers drain their backend streams before exiting.
func (r *Router) Run(ctx context.Context, sessionID, query string) <-chan string {
	out := make(chan string, outBuffer)
	go r.run(ctx, sessionID, query, out)
	return out
}

// triageEvent is one message from the triage producer to the merger.
type triageEvent struct {
	kind           string // "classified" | "complete" | "error"
	classification string
	full           string
	err            error
}

// run coordinates the three producers and the continuation stages.
func (r *Router) run(ctx context.Context, sessionID, query string, out chan<- string) {
	defer close(out)

	log := slog.With("session_id", sessionID, "query_length", len(query))
	log.Info("Processing query")
	queryStart := time.Now()

	state := newQueryState()
	defer state.abort()

	r.remember(ctx, sessionID, query, "Query", map[string]any{"topic": "plan"})

	var total strings.Builder
	emit := func(chunk string) bool {
		select {
		case out <- chunk:
			total.WriteString(chunk)
			return true
		case <-ctx.Done():
			state.abort()
			return false
		}
	}

	// ── Launch the three producers ──
	triageEvents := make(chan triageEvent, 4)
	preCh := make(chan string, 16)
	preDone := make(chan string, 1)
	actCh := make(chan string, 16)

	go r.runTriage(ctx, query, state, triageEvents)
	go r.runPreamble(ctx, query, state, preCh, preDone)
	go r.runAction(ctx, query, state, actCh)

	// ── Merge loop: serialize producer output into the caller's stream ──
	var (
		fullTriage    string
		preambleText  string
		actionBuf     strings.Builder
		triageDone    bool
		preambleDone  bool
		actionDone    bool
		actionStarted bool
		markerEmitted bool
	)

	tCh, pCh, aCh := triageEvents, preCh, actCh
	for !triageDone || !preambleDone || !actionDone {
		select {
		case ev := <-tCh:
			switch ev.kind {
			case "classified":
				log.Info("Query classified", "classification", ev.classification)
				if IsActionRoute(ev.classification) {
					actionStarted = true
					if !markerEmitted {
						markerEmitted = true
						if !emit(ExecutingMarker) {
							return
						}
					}
				}
			case "complete":
				fullTriage = ev.full
				triageDone = true
				tCh = nil
			case "error":
				log.Warn("Triage failed, defaulting to simple", "error", ev.err)
				fullTriage = ClassSimple
				triageDone = true
				tCh = nil
			}

		case chunk, ok := <-pCh:
			if !ok {
				pCh = nil
				continue
			}
			if !actionStarted {
				if !emit(chunk) {
					return
				}
			}

		case text := <-preDone:
			preambleText = text
			preambleDone = true
			if pCh != nil {
				// Forward chunks already in flight unless the action took over.
				for chunk := range pCh {
					if !actionStarted && !emit(chunk) {
						return
					}
				}
				pCh = nil
			}

		case chunk, ok := <-aCh:
			if !ok {
				actionDone = true
				aCh = nil
				continue
			}
			// An action chunk can outrun the classified event; the marker
			// must still precede all action output and appear exactly once.
			if !markerEmitted {
				markerEmitted = true
				actionStarted = true
				if !emit(ExecutingMarker) {
					return
				}
			}
			actionBuf.WriteString(chunk)
			if !emit(chunk) {
				return
			}

		case <-ctx.Done():
			state.abort()
			return
		}
	}

	classification := state.classified()
	if classification == "" {
		classification = ClassSimple
	}

	r.remember(ctx, sessionID, fullTriage, "Triage", map[string]any{"topic": "triage"})

	// ── Route continuation ──
	switch {
	case state.failed():
		// Degraded query: the preamble (possibly empty) is the answer.

	case classification == ClassFocus:
		r.handleFocus(fullTriage, emit)

	case classification == ClassProactive:
		r.handleProactive(ctx, emit, log)

	case classification == ClassCounsel:
		r.runCounsel(ctx, query, emit, log)

	case IsActionRoute(classification):
		// Conclusion only when the action actually produced output.
		if strings.TrimSpace(actionBuf.String()) != "" {
			if !emit(ConclusionMarker) {
				return
			}
			r.streamConclusion(ctx, query, total.String(), emit)
		}

	case classification == ClassSimple:
		r.continueSimple(ctx, query, total.String(), emit, log)

	default:
		r.runRamp(ctx, query, classification, preambleText, &total, emit, log)
	}

	// A failure must never produce a silent empty stream.
	if strings.TrimSpace(total.String()) == "" {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			emit("[deadline exceeded]")
		} else {
			emit("I hit an error processing that — backend unavailable")
		}
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		emit("\n[deadline exceeded]")
	}

	r.remember(context.WithoutCancel(ctx), sessionID, total.String(), "Response",
		map[string]any{"topic": "response", "agent": classification})

	log.Info("Query complete",
		"classification", classification,
		"chars", total.Len(),
		"duration", time.Since(queryStart))
}

// ────────────────────────────────────────────────────────────
// Producers
// ────────────────────────────────────────────────────────────

// runTriage streams the classifier and signals the classification the
// instant its first word is complete.
func (r *Router) runTriage(ctx context.Context, query string, state *queryState, events chan<- triageEvent) {
	stream, err := r.submitStream(ctx, dispatch.SubmitSpec{
		Name:     TaskTriage,
		Payload:  map[string]any{"query": query},
		Priority: pool.PriorityHigh,
		Labels:   []string{LabelLLM},
	}, r.cfg.TriageTimeout)
	if err != nil {
		state.fail()
		events <- triageEvent{kind: "error", err: err}
		return
	}

	var buf strings.Builder
	classified := false
	for tok := range stream {
		if tok.Kind == llm.KindError {
			state.fail()
			drainAsync(stream)
			events <- triageEvent{kind: "error", err: tok.Err()}
			return
		}
		if tok.Kind != llm.KindText {
			continue
		}
		buf.WriteString(tok.Text)
		if !classified {
			if word, ok := firstWord(buf.String(), false); ok {
				classified = true
				if state.classify(word) {
					events <- triageEvent{kind: "classified", classification: word}
				}
			}
		}
	}

	if !classified {
		if word, ok := firstWord(buf.String(), true); ok {
			if state.classify(word) {
				events <- triageEvent{kind: "classified", classification: word}
			}
		} else {
			state.fail()
			events <- triageEvent{kind: "error", err: fmt.Errorf("empty triage output")}
			return
		}
	}
	events <- triageEvent{kind: "complete", full: buf.String()}
}

// runPreamble streams the fast-tier opening. It checks the stop signal
// between every forwarded chunk; once set it stops forwarding but keeps
// draining the backend stream. The full accumulated text (forwarded or
// not) is delivered on done.
func (r *Router) runPreamble(ctx context.Context, query string, state *queryState, chunks chan<- string, done chan<- string) {
	defer close(chunks)

	var buf strings.Builder
	defer func() { done <- buf.String() }()

	stream, err := r.submitStream(ctx, dispatch.SubmitSpec{
		Name:     TaskFast,
		Payload:  map[string]any{"prompt": buildPreamblePrompt(query)},
		Priority: pool.PriorityHigh,
		Labels:   []string{LabelLLM},
	}, r.cfg.PreambleTimeout)
	if err != nil {
		slog.Warn("Preamble failed", "error", err)
		return
	}

	stopped := false
	for tok := range stream {
		if tok.Kind != llm.KindText {
			if tok.Kind == llm.KindError {
				slog.Warn("Preamble stream error", "error", tok.Err())
				drainAsync(stream)
				return
			}
			continue
		}
		buf.WriteString(tok.Text)
		if !stopped {
			select {
			case <-state.stopPreamble:
				stopped = true // keep draining to release the backend
			default:
				select {
				case chunks <- tok.Text:
				case <-state.stopPreamble:
					stopped = true
				case <-state.stopAll:
					stopped = true
				}
			}
		}
	}
}

// runAction waits for the start signal and streams the tool executor. It
// exits without work when the route is not an action route.
func (r *Router) runAction(ctx context.Context, query string, state *queryState, chunks chan<- string) {
	defer close(chunks)

	select {
	case <-state.startAction:
	case <-state.skipAction:
		return
	case <-state.stopAll:
		return
	case <-ctx.Done():
		return
	}

	slog.Info("Action route executing", "classification", state.classified())

	stream, err := r.submitStream(ctx, dispatch.SubmitSpec{
		Name:     TaskToolchainExecute,
		Payload:  map[string]any{"query": query},
		Priority: pool.PriorityHigh,
		Labels:   []string{"exec"},
	}, r.cfg.ActionTimeout)
	if err != nil {
		// Fall back to forced-local execution before giving up.
		slog.Warn("Action submit failed, retrying locally", "error", err)
		stream, err = r.submitStream(ctx, dispatch.SubmitSpec{
			Name:       TaskToolchainExecute,
			Payload:    map[string]any{"query": query},
			Priority:   pool.PriorityHigh,
			Labels:     []string{"exec"},
			RouterHint: dispatch.RouterHintLocal,
		}, r.cfg.ActionTimeout)
		if err != nil {
			chunks <- fmt.Sprintf("[error: %v]", err)
			return
		}
	}

	for tok := range stream {
		switch tok.Kind {
		case llm.KindText:
			select {
			case chunks <- tok.Text:
			case <-state.stopAll:
				drainAsync(stream)
				return
			}
		case llm.KindError:
			drainAsync(stream)
			chunks <- fmt.Sprintf("[error: %v]", tok.Err())
			return
		}
	}
}

// drainAsync consumes the remainder of an abandoned stream in the
// background so the producing handler is not left blocked on a full
// channel.
func drainAsync(stream <-chan llm.Token) {
	go func() {
		for range stream {
		}
	}()
}

// ────────────────────────────────────────────────────────────
// Continuations
// ────────────────────────────────────────────────────────────

// continueSimple finishes a short, incomplete preamble for simple queries.
func (r *Router) continueSimple(ctx context.Context, query, soFar string, emit func(string) bool, log *slog.Logger) {
	if isCompleteResponse(soFar) || len(strings.TrimSpace(soFar)) >= 30 {
		return
	}
	log.Info("Preamble incomplete for simple query, continuing")
	if !emit("\n") {
		return
	}
	_, err := r.streamTask(ctx, dispatch.SubmitSpec{
		Name:     TaskFast,
		Payload:  map[string]any{"prompt": buildContinuationPrompt(query, soFar)},
		Priority: pool.PriorityNormal,
		Labels:   []string{LabelLLM},
	}, r.cfg.PreambleTimeout, false, emit)
	if err != nil {
		log.Warn("Preamble continuation failed", "error", err)
	}
}

// runRamp executes the classification's ramp stages sequentially, feeding
// each stage the prior output, then appends the conclusion.
func (r *Router) runRamp(ctx context.Context, query, classification, preambleText string, total *strings.Builder, emit func(string) bool, log *slog.Logger) {
	ramp := r.cfg.Ramp[classification]
	if len(ramp) == 0 {
		return
	}
	log.Info("Executing ramp", "classification", classification, "stages", ramp)

	if !emit("\n\n") {
		return
	}

	prior := preambleText
	for _, tier := range ramp {
		taskName := "llm." + tier
		// Reasoning and deep stages surface chain-of-thought; wrap it.
		wrapThoughts := tier == "reasoning" || tier == "deep"

		text, err := r.streamTask(ctx, dispatch.SubmitSpec{
			Name:     taskName,
			Payload:  map[string]any{"prompt": buildStagePrompt(tier, query, prior)},
			Priority: pool.PriorityNormal,
			Labels:   []string{LabelLLM},
		}, r.cfg.ContinuationTimeout, wrapThoughts, emit)
		if err != nil {
			log.Warn("Ramp stage failed", "tier", tier, "error", err)
			break
		}
		if text != "" {
			prior = text
		}
	}

	if strings.TrimSpace(total.String()) != "" {
		if !emit(ConclusionMarker) {
			return
		}
		r.streamConclusion(ctx, query, total.String(), emit)
	}
}

// streamConclusion emits the 2-3 sentence closing. Failures are dropped
// silently.
func (r *Router) streamConclusion(ctx context.Context, query, total string, emit func(string) bool) {
	_, err := r.streamTask(ctx, dispatch.SubmitSpec{
		Name:     TaskFast,
		Payload:  map[string]any{"prompt": buildConclusionPrompt(query, total)},
		Priority: pool.PriorityNormal,
		Labels:   []string{LabelLLM},
	}, r.cfg.ConclusionTimeout, false, emit)
	if err != nil {
		slog.Debug("Conclusion stage failed", "error", err)
	}
}

// ────────────────────────────────────────────────────────────
// Side-effect routes
// ────────────────────────────────────────────────────────────

// handleFocus extracts the text after "focus:" from the triage buffer and
// applies it.
func (r *Router) handleFocus(fullTriage string, emit func(string) bool) {
	if r.focusMgr == nil {
		emit("\n[no focus manager configured]\n")
		return
	}
	lower := strings.ToLower(fullTriage)
	newFocus := lower
	if idx := strings.Index(lower, "focus:"); idx >= 0 {
		newFocus = lower[idx+len("focus:"):]
	}
	newFocus = strings.TrimSpace(newFocus)
	r.focusMgr.SetFocus(newFocus)
	emit(fmt.Sprintf("\n✓ Focus changed to: %s\n", r.focusMgr.CurrentFocus()))
}

// handleProactive fires a background thought-generation task.
func (r *Router) handleProactive(ctx context.Context, emit func(string) bool, log *slog.Logger) {
	_, err := r.dispatcher.SubmitTask(ctx, dispatch.SubmitSpec{
		Name:     "proactive.generate_thought",
		Payload:  map[string]any{},
		Priority: pool.PriorityLow,
		Labels:   []string{LabelLLM},
	})
	if err != nil {
		log.Warn("Failed to submit proactive task", "error", err)
		emit(fmt.Sprintf("\n[error: %v]\n", err))
		return
	}
	emit("\n[Proactive thought generation started in background]\n")
}

// ────────────────────────────────────────────────────────────
// Stream plumbing
// ────────────────────────────────────────────────────────────

// submitStream submits a streaming task and attaches to its result stream.
func (r *Router) submitStream(ctx context.Context, spec dispatch.SubmitSpec, timeout time.Duration) (<-chan llm.Token, error) {
	taskID, err := r.dispatcher.SubmitTask(ctx, spec)
	if err != nil {
		return nil, err
	}
	return r.dispatcher.StreamResult(taskID, timeout)
}

// streamTask runs a streaming task to completion, emitting text chunks and
// (optionally) thought tokens wrapped in balanced markers. Returns the
// accumulated text.
func (r *Router) streamTask(ctx context.Context, spec dispatch.SubmitSpec, timeout time.Duration, wrapThoughts bool, emit func(string) bool) (string, error) {
	stream, err := r.submitStream(ctx, spec, timeout)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	inThought := false
	lastRepeatScan := 0
	closeThought := func() bool {
		if inThought {
			inThought = false
			return emit(thoughtClose)
		}
		return true
	}

	for tok := range stream {
		switch tok.Kind {
		case llm.KindText:
			if !closeThought() {
				drainAsync(stream)
				return buf.String(), ctx.Err()
			}
			buf.WriteString(tok.Text)
			if !emit(tok.Text) {
				drainAsync(stream)
				return buf.String(), ctx.Err()
			}
			// Periodic guard against a backend stuck repeating itself.
			if buf.Len()-lastRepeatScan >= repeatScanEvery {
				lastRepeatScan = buf.Len()
				if cut, stuck := repeatingTail(buf.String()); stuck {
					slog.Warn("Stream tail is repeating, abandoning it",
						"task", spec.Name, "text_len", buf.Len(), "kept", cut)
					drainAsync(stream)
					return buf.String()[:cut], nil
				}
			}
		case llm.KindThought:
			if !wrapThoughts {
				continue
			}
			if !inThought {
				inThought = true
				if !emit(thoughtOpen) {
					drainAsync(stream)
					return buf.String(), ctx.Err()
				}
			}
			if !emit(tok.Text) {
				drainAsync(stream)
				return buf.String(), ctx.Err()
			}
		case llm.KindError:
			closeThought()
			drainAsync(stream)
			return buf.String(), tok.Err()
		}
	}
	closeThought()
	return buf.String(), nil
}

// remember writes to the session memory store, logging failures.
func (r *Router) remember(ctx context.Context, sessionID, text, kind string, metadata map[string]any) {
	if err := r.mem.AddSessionMemory(ctx, sessionID, text, kind, metadata); err != nil {
		slog.Warn("Failed to record session memory", "session_id", sessionID, "kind", kind, "error", err)
	}
}
