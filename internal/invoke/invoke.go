// Package invoke executes routed targets and reports what they cost.
//
// A target is either an LLM chat-completions endpoint or a tool on an MCP
// server; both take the assembled stage input and return a text artifact.
// Failures are classified for the runner: ErrTransient marks outages worth
// retrying, ErrFatal marks requests that will fail the same way every time.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/router"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// ErrTransient marks failures that a retry may clear: rate limits, 5xx
// responses, network and transport errors.
var ErrTransient = errors.New("invoke: transient failure")

// ErrFatal marks failures that retrying cannot fix: rejected requests,
// tool-level errors, unroutable targets.
var ErrFatal = errors.New("invoke: fatal failure")

func transientf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatal)...)
}

// Input is the assembled payload for one stage attempt. Prompt carries the
// rendered text for model targets and doubles as the "input" argument for
// tool targets that receive no explicit Arguments.
type Input struct {
	System    string
	Prompt    string
	Arguments map[string]any
}

// Result is one successful invocation: the artifact produced and the
// actual cost the budget will be charged.
type Result struct {
	Artifact     string
	Cost         model.Micros
	InputTokens  int
	OutputTokens int
}

// Invoker executes one target.
type Invoker interface {
	Invoke(ctx context.Context, target router.Target, input Input) (Result, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, target router.Target, input Input) (Result, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, target router.Target, input Input) (Result, error) {
	return f(ctx, target, input)
}

// Mux dispatches by target kind and owns the invocation metrics, so every
// backend is measured at the same point.
type Mux struct {
	model  Invoker
	tool   Invoker
	logger *slog.Logger

	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewMux creates a dispatcher over the model and tool backends. A nil
// backend rejects its kind with ErrFatal, which keeps a deployment without
// MCP connectivity honest instead of hanging.
func NewMux(modelInvoker, toolInvoker Invoker, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("tsumugi/invoke")
	duration, _ := meter.Float64Histogram("tsumugi.invoke.duration",
		metric.WithDescription("Time to invoke a target in milliseconds"),
		metric.WithUnit("ms"),
	)
	failures, _ := meter.Int64Counter("tsumugi.invoke.failures",
		metric.WithDescription("Invocations that returned an error"),
	)
	return &Mux{
		model:    modelInvoker,
		tool:     toolInvoker,
		logger:   logger,
		duration: duration,
		failures: failures,
	}
}

// Invoke implements Invoker.
func (m *Mux) Invoke(ctx context.Context, target router.Target, input Input) (Result, error) {
	var backend Invoker
	switch target.Kind {
	case router.KindModel:
		backend = m.model
	case router.KindMCPTool:
		backend = m.tool
	default:
		return Result{}, fatalf("invoke: unknown target kind %q", target.Kind)
	}
	if backend == nil {
		return Result{}, fatalf("invoke: no backend for target kind %q", target.Kind)
	}

	start := time.Now()
	res, err := backend.Invoke(ctx, target, input)
	elapsed := time.Since(start)
	m.duration.Record(ctx, float64(elapsed.Milliseconds()))
	if err != nil {
		m.failures.Add(ctx, 1)
		return Result{}, err
	}
	m.logger.Debug("invoke: target answered",
		"target", target.Name(), "cost_micros", int64(res.Cost),
		"input_tokens", res.InputTokens, "output_tokens", res.OutputTokens,
		"duration_ms", elapsed.Milliseconds())
	return res, nil
}
