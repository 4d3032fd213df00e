package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

// runCounsel dispatches the query to each configured tier concurrently and
// aggregates according to the counsel mode.
func (r *Router) runCounsel(ctx context.Context, query string, emit func(string) bool, log *slog.Logger) {
	tiers := r.cfg.Counsel.Tiers
	if len(tiers) == 0 {
		tiers = []string{"fast"}
	}
	mode := r.cfg.Counsel.Mode
	if mode == "" {
		mode = "race"
	}
	log.Info("Counsel mode", "mode", mode, "tiers", tiers)

	switch mode {
	case "race":
		r.counselRace(ctx, query, tiers, emit, log)
	case "vote":
		r.counselVote(ctx, query, tiers, emit, log)
	case "merge":
		r.counselMerge(ctx, query, tiers, emit, log)
	}
}

// counselStreams opens one stream per tier. Failed submissions are dropped
// with a warning; the returned slices are parallel.
func (r *Router) counselStreams(ctx context.Context, query string, tiers []string, log *slog.Logger) ([]string, []<-chan llm.Token) {
	var names []string
	var streams []<-chan llm.Token
	for _, tier := range tiers {
		stream, err := r.submitStream(ctx, dispatch.SubmitSpec{
			Name:     "llm." + tier,
			Payload:  map[string]any{"prompt": query},
			Priority: pool.PriorityHigh,
			Labels:   []string{LabelLLM},
		}, r.cfg.ContinuationTimeout)
		if err != nil {
			log.Warn("Counsel tier unavailable", "tier", tier, "error", err)
			continue
		}
		names = append(names, tier)
		streams = append(streams, stream)
	}
	return names, streams
}

// counselRace forwards the first tier to produce any token; the losers'
// streams are drained asynchronously.
func (r *Router) counselRace(ctx context.Context, query string, tiers []string, emit func(string) bool, log *slog.Logger) {
	names, streams := r.counselStreams(ctx, query, tiers, log)
	if len(streams) == 0 {
		emit("[error: no counsel backend available]\n")
		return
	}

	var winner atomic.Int32
	winner.Store(-1)
	out := make(chan string, outBuffer)

	var wg sync.WaitGroup
	for i, stream := range streams {
		wg.Add(1)
		go func(idx int32, stream <-chan llm.Token, tier string) {
			defer wg.Done()
			for tok := range stream {
				if tok.Kind != llm.KindText {
					continue
				}
				// First token anywhere decides the winner; losers keep
				// draining to release their backends.
				if winner.CompareAndSwap(-1, idx) || winner.Load() == idx {
					out <- tok.Text
				}
			}
			if winner.Load() == idx {
				slog.Debug("Counsel race winner finished", "tier", tier)
			}
		}(int32(i), stream, names[i])
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	for chunk := range out {
		if !emit(chunk) {
			drainStrings(out)
			return
		}
	}
}

// counselVote waits for every tier, groups answers by the equivalence
// classifier, and emits the majority answer.
func (r *Router) counselVote(ctx context.Context, query string, tiers []string, emit func(string) bool, log *slog.Logger) {
	names, streams := r.counselStreams(ctx, query, tiers, log)
	if len(streams) == 0 {
		emit("[error: no counsel backend available]\n")
		return
	}

	texts := make([]string, len(streams))
	var wg sync.WaitGroup
	for i, stream := range streams {
		wg.Add(1)
		go func(i int, stream <-chan llm.Token) {
			defer wg.Done()
			text, _, err := llm.Collect(stream)
			if err != nil {
				slog.Warn("Counsel tier failed", "tier", names[i], "error", err)
			}
			texts[i] = text
		}(i, stream)
	}
	wg.Wait()

	best := ""
	bestVotes := 0
	for _, a := range texts {
		if strings.TrimSpace(a) == "" {
			continue
		}
		votes := 0
		for _, b := range texts {
			if strings.TrimSpace(b) != "" && r.counselEquiv(a, b) {
				votes++
			}
		}
		if votes > bestVotes {
			best, bestVotes = a, votes
		}
	}
	if best == "" {
		emit("[error: all counsel backends failed]\n")
		return
	}
	log.Info("Counsel vote decided", "votes", bestVotes, "candidates", len(texts))
	emit(best)
}

// counselMerge concatenates every tier's answer with separators.
func (r *Router) counselMerge(ctx context.Context, query string, tiers []string, emit func(string) bool, log *slog.Logger) {
	names, streams := r.counselStreams(ctx, query, tiers, log)
	if len(streams) == 0 {
		emit("[error: no counsel backend available]\n")
		return
	}

	texts := make([]string, len(streams))
	var wg sync.WaitGroup
	for i, stream := range streams {
		wg.Add(1)
		go func(i int, stream <-chan llm.Token) {
			defer wg.Done()
			texts[i], _, _ = llm.Collect(stream)
		}(i, stream)
	}
	wg.Wait()

	first := true
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if !first {
			if !emit("\n\n---\n\n") {
				return
			}
		}
		first = false
		if !emit(fmt.Sprintf("[%s] %s", names[i], text)) {
			return
		}
	}
}

// defaultCounselEquiv treats answers as equivalent when their normalized
// forms match.
func defaultCounselEquiv(a, b string) bool {
	normalize := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return normalize(a) == normalize(b)
}

// drainStrings consumes the remainder of an abandoned string channel in
// the background.
func drainStrings(ch <-chan string) {
	go func() {
		for range ch {
		}
	}()
}
