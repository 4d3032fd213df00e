package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant-ai/adjutant/pkg/config"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/memory"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

type fixture struct {
	router   *Router
	registry *dispatch.Registry
	mem      *memory.RecordingStore
	focus    *focus.InMemoryManager
}

func newFixture(t *testing.T, mutate func(*config.RouterConfig)) *fixture {
	t.Helper()

	poolCfg := config.DefaultPoolConfig()
	poolCfg.Name = "router-test"
	poolCfg.WorkerCount = 8
	poolCfg.CPUThreshold = 0
	p := pool.New(poolCfg)
	p.Start()
	t.Cleanup(func() { p.Stop(true, false) })

	registry := dispatch.NewRegistry()
	d := dispatch.NewDispatcher(p, registry, nil, config.DefaultClusterConfig())

	cfg := config.DefaultRouterConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	r := NewRouter(d, cfg)
	mem := &memory.RecordingStore{}
	r.SetMemoryStore(mem)
	fm := focus.NewInMemoryManager()
	r.SetFocusManager(fm)

	return &fixture{router: r, registry: registry, mem: mem, focus: fm}
}

// textStream registers a streaming handler that plays back chunks with an
// optional per-chunk delay.
func (f *fixture) textStream(name string, delay time.Duration, chunks ...string) {
	f.registry.RegisterStream(name, func(ctx context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case out <- llm.Token{Kind: llm.KindText, Text: c}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

// collect reads the whole output stream with a generous deadline.
func collect(t *testing.T, ch <-chan string) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(30 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return sb.String()
			}
			sb.WriteString(chunk)
		case <-deadline:
			t.Fatalf("output stream did not close; got so far: %q", sb.String())
		}
	}
}

const completePreamble = "Hello! Happy to help with whatever you need today, just ask away."

func TestSimpleQueryPreambleOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "simple")
	f.textStream(TaskFast, 0, completePreamble)

	out := collect(t, f.router.Run(context.Background(), "s1", "hi"))

	assert.Equal(t, completePreamble, out)
	assert.NotContains(t, out, ExecutingMarker)
	assert.NotContains(t, out, ConclusionMarker)
	assert.Equal(t, []string{"Query", "Triage", "Response"}, f.mem.Kinds())
}

func TestSimpleShortPreambleContinues(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "simple")
	f.registry.RegisterStream(TaskFast, func(_ context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		prompt, _ := payload["prompt"].(string)
		if strings.Contains(prompt, "Continue and complete") {
			out <- llm.Token{Kind: llm.KindText, Text: "and here is the rest of the answer."}
		} else {
			out <- llm.Token{Kind: llm.KindText, Text: "Well,"}
		}
		return nil
	})

	out := collect(t, f.router.Run(context.Background(), "s1", "what is up"))

	assert.True(t, strings.HasPrefix(out, "Well,"))
	assert.Contains(t, out, "rest of the answer")
}

func TestActionRouteForm(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 20*time.Millisecond, "toolchain", " - needs tools")
	f.textStream(TaskFast, 10*time.Millisecond,
		"Running ", "that ", "now", "...", " hold ", "on ", "while ", "I ", "look ", "into ", "it ", "for ", "you ", "right ", "away ", "okay")
	f.textStream(TaskToolchainExecute, 0, "file1\n", "file2\n")

	// The conclusion also goes through llm.fast; distinguish by prompt.
	f.registry.RegisterStream(TaskFast, func(_ context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		prompt, _ := payload["prompt"].(string)
		if strings.Contains(prompt, "brief conclusion") {
			out <- llm.Token{Kind: llm.KindText, Text: "Both files listed. Anything else?"}
			return nil
		}
		for _, c := range []string{"Running ", "that ", "now", "...", " hold ", "on ", "while ", "I ", "keep ", "going ", "for ", "a ", "long ", "time ", "here ", "okay"} {
			time.Sleep(10 * time.Millisecond)
			out <- llm.Token{Kind: llm.KindText, Text: c}
		}
		return nil
	})

	out := collect(t, f.router.Run(context.Background(), "s2", "list files in /tmp"))

	// Exactly one Executing marker.
	require.Equal(t, 1, strings.Count(out, ExecutingMarker))

	// Stream form: P' · marker · A · conclusion-marker · C.
	markerIdx := strings.Index(out, ExecutingMarker)
	prefix := out[:markerIdx]
	fullPreamble := "Running that now... hold on while I keep going for a long time here okay"
	assert.True(t, strings.HasPrefix(fullPreamble, prefix),
		"text before the marker must be a prefix of the preamble, got %q", prefix)

	afterMarker := out[markerIdx+len(ExecutingMarker):]
	assert.True(t, strings.HasPrefix(afterMarker, "file1\nfile2\n"),
		"action output must directly follow the marker, got %q", afterMarker)

	require.Equal(t, 1, strings.Count(out, ConclusionMarker))
	assert.Greater(t, strings.Index(out, ConclusionMarker), markerIdx)
	assert.Contains(t, out, "Both files listed.")
}

func TestActionRouteInterruptsPreamble(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 30*time.Millisecond, "bash-agent")

	// A long slow preamble that would take ~1s if never interrupted.
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = "chunk "
	}
	f.textStream(TaskFast, 10*time.Millisecond, chunks...)
	f.textStream(TaskToolchainExecute, 0, "$ done")

	start := time.Now()
	out := collect(t, f.router.Run(context.Background(), "s2b", "run the backup script"))
	elapsed := time.Since(start)

	markerIdx := strings.Index(out, ExecutingMarker)
	require.GreaterOrEqual(t, markerIdx, 0)
	forwarded := strings.Count(out[:markerIdx], "chunk ")
	assert.Less(t, forwarded, 100, "preamble must be interrupted, not streamed in full")
	assert.Less(t, elapsed, 10*time.Second)
	assert.Contains(t, out, "$ done")
}

func TestReasoningRouteRampAndThoughts(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "reasoning")
	f.registry.RegisterStream(TaskFast, func(_ context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		prompt, _ := payload["prompt"].(string)
		if strings.Contains(prompt, "brief conclusion") {
			out <- llm.Token{Kind: llm.KindText, Text: "In short, X implies Y."}
			return nil
		}
		out <- llm.Token{Kind: llm.KindText, Text: completePreamble}
		return nil
	})
	f.textStream(TaskIntermediate, 0, "An intermediate look at the problem.")
	f.registry.RegisterStream(TaskReasoning, func(_ context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		out <- llm.Token{Kind: llm.KindThought, Text: "considering the premises"}
		out <- llm.Token{Kind: llm.KindText, Text: "Therefore X implies Y because Z."}
		out <- llm.Token{Kind: llm.KindThought, Text: "double-checking"}
		return nil
	})

	out := collect(t, f.router.Run(context.Background(), "s3", "why does X imply Y"))

	// Ordering: preamble, intermediate, reasoning, conclusion.
	pre := strings.Index(out, completePreamble)
	mid := strings.Index(out, "An intermediate look")
	deep := strings.Index(out, "Therefore X implies Y")
	conc := strings.Index(out, ConclusionMarker)
	require.True(t, pre >= 0 && mid > pre && deep > mid && conc > deep,
		"stages out of order: %q", out)

	// Thought markers are balanced and wrap the thought text.
	assert.Equal(t, strings.Count(out, "<thought>"), strings.Count(out, "</thought>"))
	assert.Contains(t, out, "considering the premises")
	thoughtOpenIdx := strings.Index(out, "<thought>")
	thoughtCloseIdx := strings.Index(out, "</thought>")
	require.True(t, thoughtOpenIdx >= 0 && thoughtCloseIdx > thoughtOpenIdx)
	assert.NotContains(t, out, ExecutingMarker)
}

func TestThoughtMarkersBalancedBeforeText(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "complex")
	f.textStream(TaskFast, 0, completePreamble)
	f.textStream(TaskIntermediate, 0, "middle stage")
	f.registry.RegisterStream(TaskDeep, func(_ context.Context, _, _ map[string]any, out chan<- llm.Token) error {
		out <- llm.Token{Kind: llm.KindThought, Text: "a"}
		out <- llm.Token{Kind: llm.KindText, Text: "one"}
		out <- llm.Token{Kind: llm.KindThought, Text: "b"}
		out <- llm.Token{Kind: llm.KindText, Text: "two"}
		return nil
	})

	out := collect(t, f.router.Run(context.Background(), "s3b", "please analyze this topic in depth for me today thanks"))

	// Walk the stream: every <thought> closes before the next plain text.
	depth := 0
	rest := out
	for {
		open := strings.Index(rest, "<thought>")
		closing := strings.Index(rest, "</thought>")
		if open < 0 && closing < 0 {
			break
		}
		if open >= 0 && (closing < 0 || open < closing) {
			depth++
			require.Equal(t, 1, depth, "nested thought markers")
			rest = rest[open+len("<thought>"):]
		} else {
			depth--
			require.Equal(t, 0, depth, "unbalanced thought markers")
			rest = rest[closing+len("</thought>"):]
		}
	}
	assert.Equal(t, 0, depth)
}

func TestTriageFailureDefaultsToSimple(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.RegisterStream(TaskTriage, func(context.Context, map[string]any, map[string]any, chan<- llm.Token) error {
		return errors.New("triage model offline")
	})
	f.textStream(TaskFast, 0, completePreamble)

	out := collect(t, f.router.Run(context.Background(), "s4", "hello there friend"))

	assert.Equal(t, completePreamble, out, "triage failure returns just the preamble")
	assert.NotContains(t, out, ExecutingMarker)
	assert.NotContains(t, out, ConclusionMarker)
}

func TestPreambleFailureStillAnswers(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "intermediate")
	f.registry.RegisterStream(TaskFast, func(context.Context, map[string]any, map[string]any, chan<- llm.Token) error {
		return errors.New("fast tier down")
	})
	f.textStream(TaskIntermediate, 0, "A full answer from the intermediate tier.")

	out := collect(t, f.router.Run(context.Background(), "s5", "explain the tradeoffs of this design please"))

	assert.Contains(t, out, "A full answer from the intermediate tier.")
}

func TestActionFailureEmitsInlineError(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "toolchain")
	f.textStream(TaskFast, 0, "On it...")
	f.registry.RegisterStream(TaskToolchainExecute, func(context.Context, map[string]any, map[string]any, chan<- llm.Token) error {
		return errors.New("sandbox unavailable")
	})

	out := collect(t, f.router.Run(context.Background(), "s6", "run the thing"))

	assert.Contains(t, out, "[error:")
	assert.Contains(t, out, "sandbox unavailable")
	assert.Contains(t, out, ExecutingMarker)
}

func TestFocusRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "focus: kubernetes reliability work")
	f.textStream(TaskFast, 0, "Sure.")

	out := collect(t, f.router.Run(context.Background(), "s7", "focus on kubernetes reliability"))

	assert.Equal(t, "kubernetes reliability work", f.focus.CurrentFocus())
	assert.Contains(t, out, "Focus changed to: kubernetes reliability work")
	assert.NotContains(t, out, ConclusionMarker)
}

func TestProactiveRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 0, "proactive")
	f.textStream(TaskFast, 0, "Thinking ahead.")

	invoked := make(chan struct{}, 1)
	f.registry.RegisterStream("proactive.generate_thought", func(context.Context, map[string]any, map[string]any, chan<- llm.Token) error {
		invoked <- struct{}{}
		return nil
	})

	out := collect(t, f.router.Run(context.Background(), "s8", "proactive"))

	assert.Contains(t, out, "[Proactive thought generation started in background]")
	select {
	case <-invoked:
	case <-time.After(5 * time.Second):
		t.Fatal("proactive task was not submitted")
	}
}

func TestCounselRace(t *testing.T) {
	f := newFixture(t, func(cfg *config.RouterConfig) {
		cfg.Counsel.Mode = "race"
		cfg.Counsel.Tiers = []string{"fast", "intermediate"}
	})
	f.textStream(TaskTriage, 0, "counsel")
	f.textStream(TaskFast, 0, "fast answer wins")
	f.textStream(TaskIntermediate, 300*time.Millisecond, "slow answer loses")

	out := collect(t, f.router.Run(context.Background(), "s9", "counsel me on this decision"))

	assert.Contains(t, out, "fast answer wins")
	assert.NotContains(t, out, "slow answer loses")
}

func TestCounselVote(t *testing.T) {
	f := newFixture(t, func(cfg *config.RouterConfig) {
		cfg.Counsel.Mode = "vote"
		cfg.Counsel.Tiers = []string{"fast", "intermediate", "deep"}
	})
	f.textStream(TaskTriage, 0, "counsel")
	f.textStream(TaskFast, 0, "blue")
	f.textStream(TaskIntermediate, 0, "blue")
	f.textStream(TaskDeep, 0, "red")

	out := collect(t, f.router.Run(context.Background(), "s10", "counsel: pick a color"))

	assert.Contains(t, out, "blue")
	assert.NotContains(t, out, "red")
}

func TestCancelledContextClosesStream(t *testing.T) {
	f := newFixture(t, nil)
	f.textStream(TaskTriage, 50*time.Millisecond, "simple")
	chunks := make([]string, 200)
	for i := range chunks {
		chunks[i] = "x"
	}
	f.textStream(TaskFast, 20*time.Millisecond, chunks...)

	ctx, cancel := context.WithCancel(context.Background())
	out := f.router.Run(ctx, "s11", "hello hello hello")

	// Read a little, then abandon the query.
	<-out
	cancel()

	closed := make(chan struct{})
	go func() {
		for range out {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("output stream did not close after cancellation")
	}
}

func TestFirstWord(t *testing.T) {
	cases := []struct {
		buf   string
		final bool
		word  string
		ok    bool
	}{
		{"toolchain - uses tools", false, "toolchain", true},
		{"  reasoning\nbecause", false, "reasoning", true},
		{"tool", false, "", false}, // incomplete until whitespace or final
		{"tool", true, "tool", true},
		{"Simple.", true, "simple", true},
		{"   ", false, "", false},
		{"", true, "", false},
	}
	for _, tc := range cases {
		word, ok := firstWord(tc.buf, tc.final)
		assert.Equal(t, tc.ok, ok, "buf=%q final=%v", tc.buf, tc.final)
		assert.Equal(t, tc.word, word, "buf=%q final=%v", tc.buf, tc.final)
	}
}

func TestIsActionQuery(t *testing.T) {
	assert.True(t, isActionQuery("list files in /tmp"))
	assert.True(t, isActionQuery("Run the backup"))
	assert.False(t, isActionQuery("why does X imply Y"))
	assert.False(t, isActionQuery(""))
}

func TestBuildPreamblePromptTiers(t *testing.T) {
	assert.Contains(t, buildPreamblePrompt("list files"), "acknowledge")
	assert.Contains(t, buildPreamblePrompt("hi"), "greeting")
	assert.Contains(t, buildPreamblePrompt("what is the capital of France"), "concise")
	assert.Contains(t, buildPreamblePrompt("please explain in detail how the scheduler interacts with the rate limiter under load"), "opening response")
}
