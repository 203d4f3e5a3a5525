package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout applies to tools without an explicit timeout.
const DefaultTimeout = 30 * time.Second

const maxLoggedInput = 200

// Executor runs a tool. It may return a Result, an Outcome or any raw value.
type Executor func(ctx context.Context, input json.RawMessage) (any, error)

// Invocation describes one call in flight.
type Invocation struct {
	ToolName  string
	Input     json.RawMessage
	StartedAt time.Time
}

// Wrapped is an executor with a deadline, logging and error normalisation.
type Wrapped struct {
	name    string
	exec    Executor
	timeout time.Duration
	logger  *slog.Logger
}

type WrapOption func(*Wrapped)

func WithTimeout(d time.Duration) WrapOption {
	return func(w *Wrapped) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithLogger enables start/finish logging. A nil logger disables it.
func WithLogger(l *slog.Logger) WrapOption {
	return func(w *Wrapped) { w.logger = l }
}

func Wrap(name string, exec Executor, opts ...WrapOption) *Wrapped {
	w := &Wrapped{name: name, exec: exec, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wrapped) Name() string { return w.name }

func (w *Wrapped) Timeout() time.Duration { return w.timeout }

type callResult struct {
	value any
	err   error
}

// Call runs the tool and always returns an Outcome. The executor keeps
// running after a timeout or a cancelled ctx; its result is then dropped.
func (w *Wrapped) Call(ctx context.Context, input json.RawMessage) Outcome {
	inv := Invocation{ToolName: w.name, Input: input, StartedAt: time.Now()}
	w.logStart(inv)

	done := make(chan callResult, 1)
	execCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("tool %q panicked: %v", w.name, r)}
			}
		}()
		v, err := w.exec(execCtx, input)
		done <- callResult{value: v, err: err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	var out Outcome
	select {
	case res := <-done:
		out = normalize(w.name, res.value, res.err, inv.StartedAt)
	case <-timer.C:
		out = normalize(w.name, nil, fmt.Errorf("tool %q timed out after %dms", w.name, w.timeout.Milliseconds()), inv.StartedAt)
	case <-ctx.Done():
		out = normalize(w.name, nil, fmt.Errorf("tool %q cancelled: %w", w.name, ctx.Err()), inv.StartedAt)
	}
	w.logFinish(out)
	return out
}

func (w *Wrapped) logStart(inv Invocation) {
	if w.logger == nil {
		return
	}
	input := string(inv.Input)
	if len(input) > maxLoggedInput {
		input = input[:maxLoggedInput] + "..."
	}
	w.logger.Info("tool started", "tool", inv.ToolName, "input", input)
}

func (w *Wrapped) logFinish(out Outcome) {
	if w.logger == nil {
		return
	}
	if out.OK() {
		w.logger.Info("tool completed", "tool", out.ToolName, "elapsed_ms", out.ExecutionTimeMs())
		return
	}
	w.logger.Warn("tool failed", "tool", out.ToolName, "elapsed_ms", out.ExecutionTimeMs(), "error", out.Error())
}
