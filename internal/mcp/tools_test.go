package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/embedding"
	"github.com/ashita-ai/tsumugi/internal/invoke"
	"github.com/ashita-ai/tsumugi/internal/knowledge"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/quality"
	"github.com/ashita-ai/tsumugi/internal/router"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

var (
	testDB        *storage.DB
	testRunner    *runner.Service
	testKnowledge *knowledge.Service
	testServer    *Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	table, err := router.Parse([]byte(`
routes:
  draft_post:
    - kind: model
      provider: alpha
      model: gpt-4o-mini
      endpoint: http://unused.invalid/v1
      estimated_cost_micros: 20000
  qa_post:
    - kind: model
      provider: bravo
      model: gpt-4o-mini
      endpoint: http://unused.invalid/v1
      estimated_cost_micros: 10000
`))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: parse routes: %v\n", err)
		return 1
	}

	catalog := skill.NewCatalog(logger)
	defs := []skill.Definition{
		{
			Name:        "linkedin-post",
			Version:     "1.2.0",
			Description: "Draft and QA a post",
			Stages: []skill.StageSpec{
				{Name: "draft", TaskType: "draft_post", Prompt: "Draft a post about {{topic}}."},
				{Name: "qa", TaskType: "qa_post", Prompt: "Check the draft.",
					InputFrom:  []string{"draft"},
					Evaluation: &skill.EvalSpec{Dimensions: []string{"grade"}}},
			},
		},
		{
			Name:    "one-shot",
			Version: "0.3.1",
			Stages: []skill.StageSpec{
				{Name: "draft", TaskType: "draft_post", Prompt: "Draft a post about {{topic}}."},
			},
		},
	}
	for _, def := range defs {
		if err := catalog.Add(def); err != nil {
			fmt.Fprintf(os.Stderr, "mcp test: add skill: %v\n", err)
			return 1
		}
	}

	registry := quality.NewRegistry()
	registry.Register("grade", quality.ScorerFunc(
		func(_ context.Context, a quality.Artifact) (float64, error) {
			var v float64
			if _, err := fmt.Sscanf(a.Content, "score:%f", &v); err != nil {
				return 0, fmt.Errorf("artifact carries no score: %w", err)
			}
			return v, nil
		}))

	mgr := budget.NewManager(testDB, logger, budget.PeriodDay, 1_000_000)
	testRunner = runner.New(runner.Config{
		DB:      testDB,
		Catalog: catalog,
		Router:  router.New(table, mgr, logger),
		Budget:  mgr,
		// The scripted invoker always answers with a releasable artifact.
		Invoker: invoke.Func(func(ctx context.Context, _ router.Target, _ invoke.Input) (invoke.Result, error) {
			return invoke.Result{Artifact: "score:0.95 default artifact", Cost: 10}, nil
		}),
		Evaluator: quality.NewEvaluator(registry, logger),
		Profiles: quality.ProfileSet{
			Default: "standard",
			Profiles: map[string]quality.WeightProfile{
				"standard": {
					Name:             "standard",
					Weights:          map[string]float64{"grade": 1.0},
					ReleaseThreshold: 0.8,
					ReviseThreshold:  0.5,
				},
			},
		},
		Ledger:       ledger.New(testDB, logger, nil),
		Logger:       logger,
		StageTimeout: 5 * time.Second,
		RetryBase:    time.Millisecond,
		MaxAttempts:  3,
	})
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		testRunner.Shutdown(sdCtx)
	}()

	testKnowledge = knowledge.New(testDB, embedding.NewNoopProvider(1024), nil, logger)
	testServer = New(testDB, testRunner, testKnowledge, catalog, ledger.New(testDB, logger, nil), logger, "test")

	return m.Run()
}

// tenantCtx creates a fresh tenant and returns a context carrying its
// service claims, the way the HTTP auth middleware would.
func tenantCtx(t *testing.T) (context.Context, model.Tenant) {
	t.Helper()
	tenant, err := testDB.CreateTenant(context.Background(), model.Tenant{
		Name: "mcp-tenant-" + uuid.NewString()[:8],
	})
	require.NoError(t, err)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{
		TenantID: tenant.ID,
		Role:     model.RoleService,
		APIKeyID: uuid.New(),
	})
	return ctx, tenant
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a tool result.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

// startRun launches a skill through the tool handler and returns the run ID.
func startRun(t *testing.T, ctx context.Context, skillName string, inputs string) uuid.UUID {
	t.Helper()
	args := map[string]any{"skill": skillName}
	if inputs != "" {
		args["inputs"] = inputs
	}
	result, err := testServer.handleStartRun(ctx, toolRequest("start_run", args))
	require.NoError(t, err)
	require.False(t, result.IsError, "start_run should succeed: %s", parseToolText(t, result))

	var resp struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Equal(t, "pending", resp.Status)

	id, err := uuid.Parse(resp.RunID)
	require.NoError(t, err)
	return id
}

// waitTerminal polls until the run leaves its executing states.
func waitTerminal(t *testing.T, tenantID, runID uuid.UUID) model.Run {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		got, err := testDB.GetRun(ctx, tenantID, runID)
		return err == nil && (got.Status.Terminal() || got.Status == model.RunStatusBlocked)
	}, 10*time.Second, 20*time.Millisecond)

	run, err := testDB.GetRun(ctx, tenantID, runID)
	require.NoError(t, err)
	return run
}

// ---------- start_run ----------

func TestHandleStartRun(t *testing.T) {
	ctx, tenant := tenantCtx(t)

	result, err := testServer.handleStartRun(ctx, toolRequest("start_run", map[string]any{
		"skill":  "linkedin-post",
		"inputs": `{"topic": "vector databases"}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "expected successful start: %s", parseToolText(t, result))

	var resp struct {
		RunID        string `json:"run_id"`
		Status       string `json:"status"`
		Skill        string `json:"skill"`
		SkillVersion string `json:"skill_version"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "linkedin-post", resp.Skill)
	assert.Equal(t, "1.2.0", resp.SkillVersion)

	runID, err := uuid.Parse(resp.RunID)
	require.NoError(t, err)

	run := waitTerminal(t, tenant.ID, runID)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinalOutput)
	assert.Contains(t, *run.FinalOutput, "default artifact")
}

func TestHandleStartRun_Validation(t *testing.T) {
	ctx, _ := tenantCtx(t)

	tests := []struct {
		name    string
		args    map[string]any
		errText string
	}{
		{
			name:    "missing skill",
			args:    map[string]any{},
			errText: "skill is required",
		},
		{
			name:    "unknown skill",
			args:    map[string]any{"skill": "no-such-skill"},
			errText: "unknown skill",
		},
		{
			name:    "malformed inputs",
			args:    map[string]any{"skill": "one-shot", "inputs": "not json"},
			errText: "inputs must be a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := testServer.handleStartRun(ctx, toolRequest("start_run", tt.args))
			require.NoError(t, err, "handler should not return a go error, only a tool error")
			require.True(t, result.IsError, "expected tool error for %s", tt.name)
			assert.Contains(t, parseToolText(t, result), tt.errText)
		})
	}
}

func TestHandleStartRun_NoClaims(t *testing.T) {
	result, err := testServer.handleStartRun(context.Background(),
		toolRequest("start_run", map[string]any{"skill": "one-shot"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "authentication required")
}

// ---------- get_run ----------

func TestHandleGetRun(t *testing.T) {
	ctx, tenant := tenantCtx(t)

	runID := startRun(t, ctx, "linkedin-post", `{"topic": "observability"}`)
	waitTerminal(t, tenant.ID, runID)

	result, err := testServer.handleGetRun(ctx, toolRequest("get_run", map[string]any{
		"run_id": runID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "expected successful get: %s", parseToolText(t, result))

	var resp struct {
		Run struct {
			ID          string `json:"id"`
			Skill       string `json:"skill"`
			Status      string `json:"status"`
			FinalOutput string `json:"final_output"`
		} `json:"run"`
		Records []map[string]any `json:"records"`
		Summary string           `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))

	assert.Equal(t, runID.String(), resp.Run.ID)
	assert.Equal(t, "linkedin-post", resp.Run.Skill)
	assert.Equal(t, "completed", resp.Run.Status)
	assert.Contains(t, resp.Run.FinalOutput, "default artifact")
	assert.Contains(t, resp.Summary, "Run completed")

	// Both stages released; records carry outcomes but no chain hashes.
	require.NotEmpty(t, resp.Records)
	for _, rec := range resp.Records {
		assert.NotEmpty(t, rec["stage"])
		assert.NotEmpty(t, rec["outcome"])
		_, hasHash := rec["record_hash"]
		assert.False(t, hasHash, "compact records should not expose chain hashes")
	}
}

func TestHandleGetRun_Errors(t *testing.T) {
	ctx, _ := tenantCtx(t)

	t.Run("malformed id", func(t *testing.T) {
		result, err := testServer.handleGetRun(ctx, toolRequest("get_run", map[string]any{
			"run_id": "not-a-uuid",
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "run_id must be a UUID")
	})

	t.Run("unknown run", func(t *testing.T) {
		result, err := testServer.handleGetRun(ctx, toolRequest("get_run", map[string]any{
			"run_id": uuid.NewString(),
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "run not found")
	})
}

func TestHandleGetRun_TenantIsolation(t *testing.T) {
	ctxA, tenantA := tenantCtx(t)
	ctxB, _ := tenantCtx(t)

	runID := startRun(t, ctxA, "one-shot", "")
	waitTerminal(t, tenantA.ID, runID)

	// Tenant B cannot see tenant A's run, not even its existence.
	result, err := testServer.handleGetRun(ctxB, toolRequest("get_run", map[string]any{
		"run_id": runID.String(),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "run not found")
}

// ---------- resume_run ----------

func TestHandleResumeRun_CompletedIsIdempotent(t *testing.T) {
	ctx, tenant := tenantCtx(t)

	runID := startRun(t, ctx, "one-shot", "")
	run := waitTerminal(t, tenant.ID, runID)
	require.Equal(t, model.RunStatusCompleted, run.Status)

	// Resume without inspecting first: succeeds, but carries the nudge.
	result, err := testServer.handleResumeRun(ctx, toolRequest("resume_run", map[string]any{
		"run_id": runID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "resuming a completed run should not error")

	var resp struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, runID.String(), resp.RunID)
	assert.Equal(t, "completed", resp.Status)

	require.Len(t, result.Content, 2, "expected the inspect-before-resume nudge")
	nudge, ok := result.Content[1].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, nudge.Text, "get_run was not called")

	// Inspect, then resume again: the nudge disappears.
	_, err = testServer.handleGetRun(ctx, toolRequest("get_run", map[string]any{
		"run_id": runID.String(),
	}))
	require.NoError(t, err)

	result, err = testServer.handleResumeRun(ctx, toolRequest("resume_run", map[string]any{
		"run_id": runID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Len(t, result.Content, 1, "inspected runs resume without the nudge")
}

func TestHandleResumeRun_Errors(t *testing.T) {
	ctx, _ := tenantCtx(t)

	t.Run("malformed id", func(t *testing.T) {
		result, err := testServer.handleResumeRun(ctx, toolRequest("resume_run", map[string]any{
			"run_id": "nope",
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "run_id must be a UUID")
	})

	t.Run("unknown run", func(t *testing.T) {
		result, err := testServer.handleResumeRun(ctx, toolRequest("resume_run", map[string]any{
			"run_id": uuid.NewString(),
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "run not found")
	})

	t.Run("aborted run refuses", func(t *testing.T) {
		ctx, tenant := tenantCtx(t)
		run, err := testDB.CreateRun(context.Background(), model.Run{
			TenantID:  tenant.ID,
			SkillName: "one-shot",
		})
		require.NoError(t, err)
		require.NoError(t, testRunner.Abort(context.Background(), tenant.ID, run.ID))

		result, err := testServer.handleResumeRun(ctx, toolRequest("resume_run", map[string]any{
			"run_id": run.ID.String(),
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "not resumable")
	})
}

// ---------- search_knowledge ----------

func TestHandleSearchKnowledge(t *testing.T) {
	ctx, tenant := tenantCtx(t)

	tenantID := tenant.ID
	_, err := testKnowledge.Ingest(context.Background(), &tenantID, "style-guide",
		"Always open posts with a bergamot anecdote. Bergamot sells.")
	require.NoError(t, err)

	result, err := testServer.handleSearchKnowledge(ctx, toolRequest("search_knowledge", map[string]any{
		"query": "bergamot",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "expected successful search: %s", parseToolText(t, result))

	var resp struct {
		Query   string           `json:"query"`
		Count   int              `json:"count"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "bergamot", resp.Query)
	require.NotZero(t, resp.Count, "lexical fallback should match the ingested chunk")
	assert.Equal(t, "style-guide", resp.Results[0]["source"])
	assert.Equal(t, "tenant", resp.Results[0]["scope"])
	assert.Contains(t, resp.Results[0]["content"], "bergamot")
}

func TestHandleSearchKnowledge_Validation(t *testing.T) {
	ctx, _ := tenantCtx(t)

	result, err := testServer.handleSearchKnowledge(ctx, toolRequest("search_knowledge", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "query is required")

	result, err = testServer.handleSearchKnowledge(context.Background(),
		toolRequest("search_knowledge", map[string]any{"query": "anything"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "authentication required")
}
