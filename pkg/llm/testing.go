package llm

import (
	"context"
	"strings"
	"time"
)

// ScriptedBackend is a deterministic Backend for tests. Each call to Stream
// picks the first script whose Match substring occurs in the prompt (or the
// first script with an empty Match) and plays its tokens back with the
// configured delay between chunks.
type ScriptedBackend struct {
	Scripts []Script

	// Delay between tokens. Zero means tokens are delivered as fast as the
	// consumer reads them.
	Delay time.Duration
}

// Script is one canned response.
type Script struct {
	// Match selects this script when it is a substring of the prompt.
	// Empty matches any prompt.
	Match string

	// Tokens are played back in order.
	Tokens []Token

	// Err, when set, makes Stream fail immediately instead of streaming.
	Err error
}

// TextScript builds a Script that streams the given chunks as text tokens.
func TextScript(match string, chunks ...string) Script {
	toks := make([]Token, len(chunks))
	for i, c := range chunks {
		toks[i] = Token{Kind: KindText, Text: c}
	}
	return Script{Match: match, Tokens: toks}
}

// Stream implements Backend.
func (b *ScriptedBackend) Stream(ctx context.Context, prompt string, _ Params) (<-chan Token, error) {
	script := b.pick(prompt)
	if script.Err != nil {
		return nil, script.Err
	}

	ch := make(chan Token, tokenChanCap)
	go func() {
		defer close(ch)
		for _, tok := range script.Tokens {
			if b.Delay > 0 {
				select {
				case <-time.After(b.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (b *ScriptedBackend) pick(prompt string) Script {
	for _, s := range b.Scripts {
		if s.Match == "" || strings.Contains(prompt, s.Match) {
			return s
		}
	}
	return Script{}
}

// Collect drains a token stream into its text, thought text, and first error.
// Intended for tests and non-streaming callers.
func Collect(stream <-chan Token) (text, thoughts string, err error) {
	var textBuf, thoughtBuf strings.Builder
	for tok := range stream {
		switch tok.Kind {
		case KindText:
			textBuf.WriteString(tok.Text)
		case KindThought:
			thoughtBuf.WriteString(tok.Text)
		case KindError:
			if err == nil {
				err = tok.Err()
			}
		}
	}
	return textBuf.String(), thoughtBuf.String(), err
}
