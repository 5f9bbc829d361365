package router_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/router"
)

const validTable = `
routes:
  longform_generation:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 20000
      timeout: 60s
      rates:
        input_per_1k_micros: 150
        output_per_1k_micros: 600
    - kind: model
      provider: ollama
      model: llama3.1:8b
      endpoint: http://localhost:11434/v1
      estimated_cost_micros: 0
      timeout: 120s
  enrich_crm:
    - kind: mcp_tool
      provider: hubspot
      tool: crm_contact_lookup
      endpoint: https://mcp.example.com/hubspot
      estimated_cost_micros: 5000
      timeout: 30s
`

func TestParse_HappyPath(t *testing.T) {
	table, err := router.Parse([]byte(validTable))
	require.NoError(t, err)

	gen, ok := table.Candidates("longform_generation")
	require.True(t, ok)
	require.Len(t, gen, 2)
	assert.Equal(t, router.KindModel, gen[0].Kind)
	assert.Equal(t, "openai/gpt-4o-mini", gen[0].Name())
	assert.Equal(t, "longform_generation", gen[0].TaskType)
	assert.Equal(t, model.Micros(20000), gen[0].EstimatedCost)
	assert.Equal(t, 60*time.Second, gen[0].Timeout)
	assert.Equal(t, model.Micros(150), gen[0].Rates.InputPer1K)
	assert.Equal(t, model.Micros(600), gen[0].Rates.OutputPer1K)

	assert.Equal(t, "ollama", gen[1].Provider, "candidate order must match the file")
	assert.Equal(t, model.Micros(0), gen[1].EstimatedCost, "explicit zero cost is valid for free targets")
	assert.Equal(t, router.TokenRates{}, gen[1].Rates)

	crm, ok := table.Candidates("enrich_crm")
	require.True(t, ok)
	require.Len(t, crm, 1)
	assert.Equal(t, router.KindMCPTool, crm[0].Kind)
	assert.Equal(t, "hubspot/crm_contact_lookup", crm[0].Name())
	assert.Empty(t, crm[0].Model)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := router.Parse([]byte("routes: [broken"))
	require.Error(t, err)
}

func TestParse_EmptyTable(t *testing.T) {
	for _, src := range []string{"", "routes: {}"} {
		_, err := router.Parse([]byte(src))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no routes")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing kind",
			yaml: `
routes:
  draft:
    - provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
`,
			want: "kind is required",
		},
		{
			name: "unknown kind",
			yaml: `
routes:
  draft:
    - kind: cron_job
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
`,
			want: `unknown kind "cron_job"`,
		},
		{
			name: "model kind without model",
			yaml: `
routes:
  draft:
    - kind: model
      provider: openai
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
`,
			want: "model is required",
		},
		{
			name: "tool set on model kind",
			yaml: `
routes:
  draft:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      tool: crm_contact_lookup
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
`,
			want: "tool is set",
		},
		{
			name: "mcp kind without tool",
			yaml: `
routes:
  enrich:
    - kind: mcp_tool
      provider: hubspot
      endpoint: https://mcp.example.com/hubspot
      estimated_cost_micros: 100
`,
			want: "tool is required",
		},
		{
			name: "model set on mcp kind",
			yaml: `
routes:
  enrich:
    - kind: mcp_tool
      provider: hubspot
      tool: crm_contact_lookup
      model: gpt-4o-mini
      endpoint: https://mcp.example.com/hubspot
      estimated_cost_micros: 100
`,
			want: "model is set",
		},
		{
			name: "rates on mcp kind",
			yaml: `
routes:
  enrich:
    - kind: mcp_tool
      provider: hubspot
      tool: crm_contact_lookup
      endpoint: https://mcp.example.com/hubspot
      estimated_cost_micros: 100
      rates:
        input_per_1k_micros: 10
`,
			want: "rates apply only to model targets",
		},
		{
			name: "missing provider",
			yaml: `
routes:
  draft:
    - kind: model
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
`,
			want: "provider is required",
		},
		{
			name: "missing endpoint",
			yaml: `
routes:
  draft:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      estimated_cost_micros: 100
`,
			want: "endpoint is required",
		},
		{
			name: "missing estimated cost",
			yaml: `
routes:
  draft:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
`,
			want: "estimated_cost_micros is required",
		},
		{
			name: "negative estimated cost",
			yaml: `
routes:
  draft:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: -5
`,
			want: "must not be negative",
		},
		{
			name: "negative rates",
			yaml: `
routes:
  draft:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
      rates:
        input_per_1k_micros: -1
`,
			want: "rates must not be negative",
		},
		{
			name: "no candidates",
			yaml: `
routes:
  draft: []
`,
			want: "at least one candidate",
		},
		{
			name: "empty task type name",
			yaml: `
routes:
  "":
    - kind: model
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
`,
			want: "task type name is empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)

			var verr *router.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	src := `
routes:
  draft:
    - kind: model
      provider: openai
      model: gpt-4o-mini
      endpoint: https://api.openai.com/v1
      estimated_cost_micros: 100
      timeout: soon
`
	_, err := router.Parse([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid duration "soon"`)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validTable), 0o600))

	table, err := router.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"enrich_crm", "longform_generation"}, table.TaskTypes())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := router.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read routing table")
}

func TestHasRoute(t *testing.T) {
	table, err := router.Parse([]byte(validTable))
	require.NoError(t, err)
	assert.True(t, table.HasRoute("enrich_crm"))
	assert.False(t, table.HasRoute("translate"))
}

func TestCandidates_CopyIsolated(t *testing.T) {
	table, err := router.Parse([]byte(validTable))
	require.NoError(t, err)

	first, ok := table.Candidates("longform_generation")
	require.True(t, ok)
	first[0].Provider = "mutated"

	again, ok := table.Candidates("longform_generation")
	require.True(t, ok)
	assert.Equal(t, "openai", again[0].Provider, "table candidates must be isolated from callers")
}

type reserveCall struct {
	provider string
	estimate model.Micros
	runID    *uuid.UUID
}

// fakeReserver grants every reservation except for providers listed in
// deny (budget.ErrDenied) or fail (hard error).
type fakeReserver struct {
	deny  map[string]bool
	fail  map[string]error
	calls []reserveCall
}

func (f *fakeReserver) Reserve(_ context.Context, tenant model.Tenant, provider string, estimate model.Micros, runID *uuid.UUID) (model.Reservation, error) {
	f.calls = append(f.calls, reserveCall{provider: provider, estimate: estimate, runID: runID})
	if err := f.fail[provider]; err != nil {
		return model.Reservation{}, err
	}
	if f.deny[provider] {
		return model.Reservation{}, fmt.Errorf("budget: %s estimate %d exceeds headroom 0 in 2026-08-25: %w",
			provider, int64(estimate), budget.ErrDenied)
	}
	return model.Reservation{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Provider: provider,
		Period:   "2026-08-25",
		Amount:   estimate,
		State:    model.ReservationHeld,
		RunID:    runID,
	}, nil
}

func newTestRouter(t *testing.T, reserver *fakeReserver) *router.Router {
	t.Helper()
	table, err := router.Parse([]byte(validTable))
	require.NoError(t, err)
	return router.New(table, reserver, nil)
}

func TestRoute_FirstCandidateWins(t *testing.T) {
	reserver := &fakeReserver{}
	r := newTestRouter(t, reserver)
	tenant := model.Tenant{ID: uuid.New()}

	target, res, err := r.Route(context.Background(), "longform_generation", tenant, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", target.Provider)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, model.Micros(20000), res.Amount)
	require.Len(t, reserver.calls, 1, "later candidates must not be reserved")
}

func TestRoute_FallsThroughDenial(t *testing.T) {
	reserver := &fakeReserver{deny: map[string]bool{"openai": true}}
	r := newTestRouter(t, reserver)

	target, res, err := r.Route(context.Background(), "longform_generation", model.Tenant{ID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama", target.Provider)
	assert.Equal(t, model.Micros(0), res.Amount)

	require.Len(t, reserver.calls, 2)
	assert.Equal(t, "openai", reserver.calls[0].provider)
	assert.Equal(t, model.Micros(20000), reserver.calls[0].estimate)
	assert.Equal(t, "ollama", reserver.calls[1].provider)
}

func TestRoute_AllDenied(t *testing.T) {
	reserver := &fakeReserver{deny: map[string]bool{"openai": true, "ollama": true}}
	r := newTestRouter(t, reserver)

	_, res, err := r.Route(context.Background(), "longform_generation", model.Tenant{ID: uuid.New()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrDenied)
	assert.ErrorIs(t, err, budget.ErrDenied, "denial must stay branchable on the budget sentinel")
	assert.Zero(t, res)
	require.Len(t, reserver.calls, 2, "every candidate gets a chance before denial")
}

func TestRoute_UnknownTaskType(t *testing.T) {
	reserver := &fakeReserver{}
	r := newTestRouter(t, reserver)

	_, _, err := r.Route(context.Background(), "translate", model.Tenant{ID: uuid.New()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrUnknownTaskType)
	assert.Empty(t, reserver.calls)
}

func TestRoute_ReserveFailureAborts(t *testing.T) {
	reserver := &fakeReserver{fail: map[string]error{"openai": fmt.Errorf("budget: reserve: connection refused")}}
	r := newTestRouter(t, reserver)

	_, _, err := r.Route(context.Background(), "longform_generation", model.Tenant{ID: uuid.New()}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, router.ErrDenied)
	require.Len(t, reserver.calls, 1, "a ledger failure must not cascade into more reservation attempts")
}

func TestRoute_ThreadsRunID(t *testing.T) {
	reserver := &fakeReserver{}
	r := newTestRouter(t, reserver)
	runID := uuid.New()

	_, res, err := r.Route(context.Background(), "enrich_crm", model.Tenant{ID: uuid.New()}, &runID)
	require.NoError(t, err)
	require.NotNil(t, res.RunID)
	assert.Equal(t, runID, *res.RunID)
	require.Len(t, reserver.calls, 1)
	assert.Equal(t, &runID, reserver.calls[0].runID)
}
