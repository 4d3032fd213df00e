package router

import (
	"fmt"
	"strings"
)

// actionVerbs trigger the acknowledgement-only preamble when one of them is
// the query's first word.
var actionVerbs = map[string]bool{
	"get": true, "find": true, "search": true, "look": true, "check": true,
	"show": true, "create": true, "make": true, "write": true,
	"generate": true, "build": true, "run": true, "execute": true,
	"do": true, "perform": true, "calculate": true, "list": true,
	"display": true, "fetch": true, "retrieve": true, "pull": true,
}

// isActionQuery reports whether the lowercased query starts with an action
// verb.
func isActionQuery(query string) bool {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return false
	}
	return actionVerbs[fields[0]]
}

// buildPreamblePrompt builds the action-aware preamble prompt. Action-like
// queries get a one-sentence acknowledgement; short queries a natural
// reply; long queries an opening that can be continued.
func buildPreamblePrompt(query string) string {
	wordCount := len(strings.Fields(query))

	switch {
	case isActionQuery(query):
		return fmt.Sprintf(`Briefly acknowledge that you're working on this request. Keep it to 1 sentence.
Do NOT provide instructions or explanations - just confirm you're taking action.

Query: %s

Example responses:
- "I'll get that information for you..."
- "Looking that up now..."
- "Running the command..."
`, query)

	case wordCount <= 3:
		return fmt.Sprintf(`Respond naturally to this query. If it's a greeting, respond warmly and ask how you can help.

Query: %s`, query)

	case wordCount <= 10:
		return fmt.Sprintf(`Provide a concise, complete response to this query:

Query: %s`, query)

	default:
		return fmt.Sprintf(`Provide an opening response to this query. Start by acknowledging the question and providing initial context. This may be followed by deeper analysis.

Query: %s`, query)
	}
}

// isCompleteResponse reports whether text reads as a finished reply: long
// enough and ending in sentence punctuation.
func isCompleteResponse(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 20 {
		return false
	}
	last := text[len(text)-1]
	return (last == '.' || last == '!' || last == '?') && len(text) > 50
}

// buildContinuationPrompt asks the fast tier to finish an incomplete
// preamble.
func buildContinuationPrompt(query, partial string) string {
	return fmt.Sprintf(`Continue and complete this response naturally:

User: %s

Response so far: %s

Continue from where it left off and finish the answer.`, query, partial)
}

// buildStagePrompt feeds the prior stage's output into the next ramp tier.
func buildStagePrompt(tier, query, prior string) string {
	var ask string
	switch tier {
	case "intermediate":
		ask = "Provide intermediate-level analysis for"
	case "deep":
		ask = "Provide comprehensive analysis for"
	case "reasoning":
		ask = "Apply deep reasoning to"
	default:
		ask = "Continue the analysis for"
	}
	return fmt.Sprintf(`Building on this introduction:
%s

%s: %s`, prior, ask, query)
}

// buildConclusionPrompt asks for a 2-3 sentence closing over the full
// response. Long responses are truncated to keep the prompt bounded.
func buildConclusionPrompt(query, total string) string {
	const maxContext = 2000
	truncated := total
	suffix := ""
	if len(truncated) > maxContext {
		truncated = truncated[:maxContext]
		suffix = "..."
	}
	return fmt.Sprintf(`Provide a brief conclusion (2-3 sentences) for this interaction:

Query: %s
Response: %s%s`, query, truncated, suffix)
}
