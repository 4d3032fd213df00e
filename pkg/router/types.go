// Package router fans a user query across a triage classifier, a fast
// preamble model, and a speculative action executor running concurrently,
// and merges their token streams into one ordered output with well-defined
// interruption semantics.
package router

import (
	"strings"
	"sync"
)

// Transition markers emitted into the output stream.
const (
	ExecutingMarker  = "\n\n--- Executing ---\n"
	ConclusionMarker = "\n\n--- Conclusion ---\n"
)

// Thought wrapping markers. Every opening marker is matched by a closing
// one before any non-thought text is emitted.
const (
	thoughtOpen  = "\n<thought>"
	thoughtClose = "</thought>\n"
)

// Classifications the triage stream may produce.
const (
	ClassSimple       = "simple"
	ClassIntermediate = "intermediate"
	ClassComplex      = "complex"
	ClassReasoning    = "reasoning"
	ClassToolchain    = "toolchain"
	ClassBashAgent    = "bash-agent"
	ClassPythonAgent  = "python-agent"
	ClassSchedAgent   = "scheduling-agent"
	ClassIdeaAgent    = "idea-agent"
	ClassCounsel      = "counsel"
	ClassFocus        = "focus"
	ClassProactive    = "proactive"
)

// actionRoutes are the classifications that interrupt the preamble and hand
// the stream to the tool executor.
var actionRoutes = map[string]bool{
	ClassToolchain:     true,
	ClassBashAgent:     true,
	ClassPythonAgent:   true,
	ClassSchedAgent:    true,
	ClassIdeaAgent:     true,
	"toolchain-expert": true,
}

// IsActionRoute reports whether classification hands the stream to the
// action executor.
func IsActionRoute(classification string) bool {
	return actionRoutes[classification]
}

// queryState is the per-query coordination state shared by the three
// producers and the merger. The one-shot channels are closed, never sent on.
type queryState struct {
	mu             sync.Mutex
	classification string
	triageFailed   bool

	stopPreamble chan struct{} // closed when the preamble must stop forwarding
	startAction  chan struct{} // closed when the action producer should fire
	skipAction   chan struct{} // closed when the action producer should exit idle
	stopAll      chan struct{} // closed when the caller abandons the query
}

func newQueryState() *queryState {
	return &queryState{
		stopPreamble: make(chan struct{}),
		startAction:  make(chan struct{}),
		skipAction:   make(chan struct{}),
		stopAll:      make(chan struct{}),
	}
}

// classify records the classification once and, in the same critical
// section, fires the preamble stop and action start (or skip) signals.
// Returns true on the first call.
func (q *queryState) classify(classification string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.classification != "" {
		return false
	}
	q.classification = classification
	if IsActionRoute(classification) {
		closeOnce(q.stopPreamble)
		closeOnce(q.startAction)
	} else {
		closeOnce(q.skipAction)
	}
	return true
}

// fail marks triage as failed. The route degrades to "simple": the action
// producer is released without work and the preamble runs to completion.
func (q *queryState) fail() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.triageFailed = true
	closeOnce(q.skipAction)
}

func (q *queryState) failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.triageFailed
}

// abort stops every producer: preamble forwarding halts, the action
// producer exits, and the merger drains.
func (q *queryState) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	closeOnce(q.stopPreamble)
	closeOnce(q.skipAction)
	closeOnce(q.stopAll)
}

func (q *queryState) classified() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.classification
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// firstWord extracts the first whitespace-delimited word of buf, lowercased
// with trailing punctuation stripped. ok is true only when the word is
// complete: followed by whitespace, or final is set.
func firstWord(buf string, final bool) (word string, ok bool) {
	trimmed := strings.TrimLeft(buf, " \t\r\n")
	if trimmed == "" {
		return "", false
	}
	if idx := strings.IndexAny(trimmed, " \t\r\n"); idx >= 0 {
		word = trimmed[:idx]
	} else if final {
		word = trimmed
	} else {
		return "", false
	}
	word = strings.ToLower(strings.TrimRight(word, ".,:;!?"))
	if word == "" {
		return "", false
	}
	return word, true
}
