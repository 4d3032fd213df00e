// Package toolchain provides the built-in executors behind the
// toolchain.execute task: the tool-tier model executor used by default,
// and a config-gated shell executor.
package toolchain

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/adjutant-ai/adjutant/pkg/llm"
)

// LLMExecutor carries out a request by streaming the backend's tool tier.
type LLMExecutor struct {
	Backend llm.Backend
}

// Execute implements router.ToolchainExecutor.
func (e LLMExecutor) Execute(ctx context.Context, query string, out chan<- llm.Token) error {
	prompt := fmt.Sprintf(`Carry out this request step by step, reporting each action and its result as you go:

Request: %s`, query)

	stream, err := e.Backend.Stream(ctx, prompt, llm.Params{Tier: llm.TierTool})
	if err != nil {
		return fmt.Errorf("%w: %v", llm.ErrBackendUnavailable, err)
	}
	for tok := range stream {
		select {
		case out <- tok:
		case <-ctx.Done():
			for range stream {
			}
			return ctx.Err()
		}
	}
	return nil
}

// ShellExecutor runs the request as a shell command and streams combined
// stdout/stderr line by line. It must only be wired when the operator has
// explicitly enabled shell mode in configuration.
type ShellExecutor struct {
	// Shell is the interpreter invoked with -c, e.g. "/bin/sh".
	Shell string

	// Timeout bounds one command. Zero means the task context's limit.
	Timeout time.Duration
}

// Execute implements router.ToolchainExecutor.
func (e ShellExecutor) Execute(ctx context.Context, query string, out chan<- llm.Token) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	slog.Info("Executing shell command", "shell", shell, "query_length", len(query))

	cmd := exec.CommandContext(ctx, shell, "-c", query)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	go func() {
		err := cmd.Run()
		_ = pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case out <- llm.Token{Kind: llm.KindText, Text: scanner.Text() + "\n"}:
		case <-ctx.Done():
			_ = pr.CloseWithError(ctx.Err())
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
