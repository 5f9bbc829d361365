// Package router maps stage task types to invocation targets under budget
// control.
//
// The routing table is configuration, not state: an ordered candidate list
// per task type, loaded from YAML and validated once. Routing walks the
// candidates in order and settles on the first one whose estimated cost the
// budget accepts, so cheaper or local fallbacks are expressed simply by
// listing them later.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// ErrUnknownTaskType is returned when the table has no route for a task
// type. Skills are checked against the table before a run starts, so
// hitting this mid-run means the table was swapped underneath the run.
var ErrUnknownTaskType = errors.New("router: unknown task type")

// ErrDenied is returned when every candidate's reservation was refused.
// It wraps budget.ErrDenied, so callers may branch on either sentinel.
var ErrDenied = fmt.Errorf("router: all candidates denied: %w", budget.ErrDenied)

// TargetKind discriminates how a target is invoked.
type TargetKind string

const (
	// KindModel targets an LLM chat-completions endpoint.
	KindModel TargetKind = "model"
	// KindMCPTool targets a tool exposed by an MCP server.
	KindMCPTool TargetKind = "mcp_tool"
)

// TokenRates is per-1k-token pricing in micro-USD, used to turn a model
// response's token usage into an actual cost. The zero value means the
// target is free to invoke, which is normal for local models.
type TokenRates struct {
	InputPer1K  model.Micros `json:"input_per_1k_micros"`
	OutputPer1K model.Micros `json:"output_per_1k_micros"`
}

// Target is one resolved invocation destination. Model is set for
// KindModel targets, Tool for KindMCPTool; Provider keys the budget
// ledger either way. A zero Timeout defers to the stage or runner default.
type Target struct {
	TaskType      string        `json:"task_type"`
	Kind          TargetKind    `json:"kind"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model,omitempty"`
	Tool          string        `json:"tool,omitempty"`
	Endpoint      string        `json:"endpoint"`
	EstimatedCost model.Micros  `json:"estimated_cost_micros"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Rates         TokenRates    `json:"rates,omitempty"`
}

// Name returns "provider/model" or "provider/tool" for logs and records.
func (t Target) Name() string {
	if t.Kind == KindMCPTool {
		return t.Provider + "/" + t.Tool
	}
	return t.Provider + "/" + t.Model
}

// Table is an immutable routing table: task type to ordered candidates.
type Table struct {
	routes map[string][]Target
}

// tableSpec is the YAML wire shape. Candidates decode into specs first so
// validation can tell a missing cost from an explicit zero.
type tableSpec struct {
	Routes map[string][]candidateSpec `yaml:"routes"`
}

type candidateSpec struct {
	Kind                string     `yaml:"kind"`
	Provider            string     `yaml:"provider"`
	Model               string     `yaml:"model"`
	Tool                string     `yaml:"tool"`
	Endpoint            string     `yaml:"endpoint"`
	EstimatedCostMicros *int64     `yaml:"estimated_cost_micros"`
	Timeout             Duration   `yaml:"timeout"`
	Rates               *ratesSpec `yaml:"rates"`
}

type ratesSpec struct {
	InputPer1KMicros  int64 `yaml:"input_per_1k_micros"`
	OutputPer1KMicros int64 `yaml:"output_per_1k_micros"`
}

// Duration decodes YAML duration strings like "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("router: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("router: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ValidationError describes why a routing table is malformed.
type ValidationError struct {
	TaskType string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("router: invalid route %q: %s", e.TaskType, e.Reason)
}

// Parse decodes and validates a routing table from YAML.
func Parse(data []byte) (*Table, error) {
	var spec tableSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("router: parse routing table: %w", err)
	}
	if len(spec.Routes) == 0 {
		return nil, errors.New("router: routing table has no routes")
	}

	routes := make(map[string][]Target, len(spec.Routes))
	for taskType, candidates := range spec.Routes {
		targets, err := buildRoute(taskType, candidates)
		if err != nil {
			return nil, err
		}
		routes[taskType] = targets
	}
	return &Table{routes: routes}, nil
}

func buildRoute(taskType string, candidates []candidateSpec) ([]Target, error) {
	fail := func(format string, args ...any) error {
		return &ValidationError{TaskType: taskType, Reason: fmt.Sprintf(format, args...)}
	}

	if taskType == "" {
		return nil, fail("task type name is empty")
	}
	if len(candidates) == 0 {
		return nil, fail("at least one candidate is required")
	}

	targets := make([]Target, 0, len(candidates))
	for i, c := range candidates {
		switch TargetKind(c.Kind) {
		case KindModel:
			if c.Model == "" {
				return nil, fail("candidate %d: model is required for kind %q", i, c.Kind)
			}
			if c.Tool != "" {
				return nil, fail("candidate %d: tool is set but kind is %q", i, c.Kind)
			}
		case KindMCPTool:
			if c.Tool == "" {
				return nil, fail("candidate %d: tool is required for kind %q", i, c.Kind)
			}
			if c.Model != "" {
				return nil, fail("candidate %d: model is set but kind is %q", i, c.Kind)
			}
			if c.Rates != nil {
				return nil, fail("candidate %d: rates apply only to model targets", i)
			}
		case "":
			return nil, fail("candidate %d: kind is required", i)
		default:
			return nil, fail("candidate %d: unknown kind %q", i, c.Kind)
		}
		if c.Provider == "" {
			return nil, fail("candidate %d: provider is required", i)
		}
		if c.Endpoint == "" {
			return nil, fail("candidate %d: endpoint is required", i)
		}
		if c.EstimatedCostMicros == nil {
			return nil, fail("candidate %d (%s): estimated_cost_micros is required", i, c.Provider)
		}
		if *c.EstimatedCostMicros < 0 {
			return nil, fail("candidate %d (%s): estimated_cost_micros must not be negative", i, c.Provider)
		}
		if c.Timeout < 0 {
			return nil, fail("candidate %d (%s): timeout must not be negative", i, c.Provider)
		}

		target := Target{
			TaskType:      taskType,
			Kind:          TargetKind(c.Kind),
			Provider:      c.Provider,
			Model:         c.Model,
			Tool:          c.Tool,
			Endpoint:      c.Endpoint,
			EstimatedCost: model.Micros(*c.EstimatedCostMicros),
			Timeout:       time.Duration(c.Timeout),
		}
		if c.Rates != nil {
			if c.Rates.InputPer1KMicros < 0 || c.Rates.OutputPer1KMicros < 0 {
				return nil, fail("candidate %d (%s): rates must not be negative", i, c.Provider)
			}
			target.Rates = TokenRates{
				InputPer1K:  model.Micros(c.Rates.InputPer1KMicros),
				OutputPer1K: model.Micros(c.Rates.OutputPer1KMicros),
			}
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// Load reads and validates the routing table at path.
func Load(path string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("router: read routing table: %w", err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("router: load %s: %w", path, err)
	}
	logger.Info("router: routing table loaded", "path", path, "task_types", len(table.routes))
	return table, nil
}

// Candidates returns a copy of the ordered candidate list for a task type.
func (t *Table) Candidates(taskType string) ([]Target, bool) {
	targets, ok := t.routes[taskType]
	if !ok {
		return nil, false
	}
	return append([]Target(nil), targets...), true
}

// HasRoute reports whether the table routes a task type. Skill validation
// uses it to reject definitions that would block at their first stage.
func (t *Table) HasRoute(taskType string) bool {
	_, ok := t.routes[taskType]
	return ok
}

// TaskTypes returns the sorted task types the table routes.
func (t *Table) TaskTypes() []string {
	types := make([]string, 0, len(t.routes))
	for taskType := range t.routes {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

// BudgetReserver places spend holds. *budget.Manager satisfies it.
type BudgetReserver interface {
	Reserve(ctx context.Context, tenant model.Tenant, provider string, estimate model.Micros, runID *uuid.UUID) (model.Reservation, error)
}

// Router resolves task types to targets, gated by budget reservations.
// It holds no state of its own; every Route call delegates admission to
// the budget ledger.
type Router struct {
	table  *Table
	budget BudgetReserver
	logger *slog.Logger

	routed  metric.Int64Counter
	denials metric.Int64Counter
}

// New creates a router over a loaded table.
func New(table *Table, budget BudgetReserver, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("tsumugi/router")
	routed, _ := meter.Int64Counter("tsumugi.router.routed",
		metric.WithDescription("Route calls that resolved a target"),
	)
	denials, _ := meter.Int64Counter("tsumugi.router.denials",
		metric.WithDescription("Route calls where every candidate was denied"),
	)
	return &Router{
		table:   table,
		budget:  budget,
		logger:  logger,
		routed:  routed,
		denials: denials,
	}
}

// Table returns the routing table, for callers that validate task types
// without routing.
func (r *Router) Table() *Table {
	return r.table
}

// Route resolves a task type to the first candidate whose estimated cost
// the budget accepts, returning the target together with the held
// reservation. The caller owns the reservation: commit it with the actual
// cost after invoking, or release it.
//
// A denial from every candidate returns ErrDenied; the run is blocked, not
// failed, because headroom returns when the period rolls over. Reservation
// failures other than denial abort the walk immediately.
func (r *Router) Route(ctx context.Context, taskType string, tenant model.Tenant, runID *uuid.UUID) (Target, model.Reservation, error) {
	candidates, ok := r.table.Candidates(taskType)
	if !ok {
		return Target{}, model.Reservation{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	for _, candidate := range candidates {
		res, err := r.budget.Reserve(ctx, tenant, candidate.Provider, candidate.EstimatedCost, runID)
		if err != nil {
			if errors.Is(err, budget.ErrDenied) {
				r.logger.Debug("router: candidate denied",
					"task_type", taskType, "target", candidate.Name(),
					"estimate_micros", int64(candidate.EstimatedCost), "tenant_id", tenant.ID)
				continue
			}
			return Target{}, model.Reservation{}, fmt.Errorf("router: reserve for %s: %w", candidate.Name(), err)
		}
		r.routed.Add(ctx, 1)
		r.logger.Debug("router: routed",
			"task_type", taskType, "target", candidate.Name(),
			"reservation_id", res.ID, "tenant_id", tenant.ID)
		return candidate, res, nil
	}

	r.denials.Add(ctx, 1)
	r.logger.Info("router: no candidate affordable",
		"task_type", taskType, "candidates", len(candidates), "tenant_id", tenant.ID)
	return Target{}, model.Reservation{}, fmt.Errorf("router: task type %q: %w", taskType, ErrDenied)
}
