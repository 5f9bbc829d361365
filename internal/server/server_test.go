package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/authz"
	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/embedding"
	"github.com/ashita-ai/tsumugi/internal/invoke"
	"github.com/ashita-ai/tsumugi/internal/knowledge"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/mcp"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/quality"
	"github.com/ashita-ai/tsumugi/internal/router"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/server"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

var (
	testDB     *storage.DB
	testRunner *runner.Service
	testBudget *budget.Manager
	testSrv    *httptest.Server

	operatorToken string
	serviceToken  string
	serviceRawKey string
	serviceTenant model.Tenant
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
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "server test: parse routes: %v\n", err)
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
			fmt.Fprintf(os.Stderr, "server test: add skill: %v\n", err)
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

	testBudget = budget.NewManager(testDB, logger, budget.PeriodDay, 1_000_000)
	led := ledger.New(testDB, logger, nil)
	testRunner = runner.New(runner.Config{
		DB:      testDB,
		Catalog: catalog,
		Router:  router.New(table, testBudget, logger),
		Budget:  testBudget,
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
		Ledger:       led,
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

	knowledgeSvc := knowledge.New(testDB, embedding.NewNoopProvider(1024), nil, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt manager: %v\n", err)
		return 1
	}
	verifier := authz.NewKeyVerifier(testDB, time.Minute, logger)
	mcpSrv := mcp.New(testDB, testRunner, knowledgeSvc, catalog, led, logger, "test")

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              jwtMgr,
		Runner:              testRunner,
		Ledger:              led,
		Budget:              testBudget,
		Knowledge:           knowledgeSvc,
		Catalog:             catalog,
		Logger:              logger,
		Verifier:            verifier,
		MCPServer:           mcpSrv.MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.0.3\ninfo:\n  title: Tsumugi API\n"),
	})
	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	// The first operator key cannot come from the API; seed it directly,
	// the way the genkey tool bootstraps a deployment.
	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: generate operator key: %v\n", err)
		return 1
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: hash operator key: %v\n", err)
		return 1
	}
	if _, _, err := testDB.CreateTenantAndKeyTx(ctx,
		model.Tenant{Name: "control-plane"},
		model.APIKey{Prefix: prefix, KeyHash: hash, Role: model.RoleOperator, Label: "bootstrap"},
	); err != nil {
		fmt.Fprintf(os.Stderr, "server test: seed operator: %v\n", err)
		return 1
	}
	operatorToken = getToken(rawKey)

	// Every other tenant goes through the API, operator-onboarded like a
	// real client would be.
	created, _, err := createTenant("acme-content", model.RoleService)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: onboard tenant: %v\n", err)
		return 1
	}
	serviceTenant = created.Tenant
	serviceRawKey = created.Key.RawKey
	serviceToken = getToken(serviceRawKey)

	return m.Run()
}

// getToken exchanges a raw API key for a JWT. Panics on failure: without
// tokens no test can run.
func getToken(rawKey string) string {
	body, err := json.Marshal(model.AuthTokenRequest{APIKey: rawKey})
	if err != nil {
		panic(fmt.Sprintf("marshal token request: %v", err))
	}
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("get token: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		panic(fmt.Sprintf("get token: status %d: %s", resp.StatusCode, data))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		panic(fmt.Sprintf("decode token response: %v", err))
	}
	return result.Data.Token
}

// authedRequest performs an HTTP request with a bearer token and an
// optional JSON body.
func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// decodeData unmarshals the data field of a response envelope into v and
// closes the body.
func decodeData(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", data)
	require.NoError(t, json.Unmarshal(envelope.Data, v), "data: %s", envelope.Data)
}

// decodeError unmarshals the error field of an error envelope and closes
// the body.
func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var envelope struct {
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

// createTenant onboards a tenant through the API with the operator token
// and returns the response carrying its one-time bootstrap key.
func createTenant(name string, role model.KeyRole) (model.CreateTenantResponse, int, error) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/tenants", operatorToken,
		model.CreateTenantRequest{Name: name, KeyRole: role})
	if err != nil {
		return model.CreateTenantResponse{}, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return model.CreateTenantResponse{}, resp.StatusCode, fmt.Errorf("create tenant: status %d: %s", resp.StatusCode, data)
	}
	var result struct {
		Data model.CreateTenantResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.CreateTenantResponse{}, resp.StatusCode, err
	}
	return result.Data, resp.StatusCode, nil
}

// startRun posts a run and returns its ID after asserting the 202.
func startRun(t *testing.T, token, skillName string, inputs map[string]string) uuid.UUID {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/runs", token,
		model.StartRunRequest{Skill: skillName, Inputs: inputs})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started model.StartRunResponse
	decodeData(t, resp, &started)
	require.NotEqual(t, uuid.Nil, started.RunID)
	return started.RunID
}

// getRun fetches a run without failing the test, for use inside polling
// loops. A non-200 comes back as the status code with a zero run.
func getRun(token string, runID uuid.UUID) (model.Run, int, error) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+runID.String(), token, nil)
	if err != nil {
		return model.Run{}, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return model.Run{}, resp.StatusCode, nil
	}
	var result struct {
		Data model.Run `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.Run{}, resp.StatusCode, err
	}
	return result.Data, resp.StatusCode, nil
}

// waitRun polls until the run reaches the wanted status and returns that
// snapshot. Scheduling is asynchronous, so every lifecycle test polls.
func waitRun(t *testing.T, token string, runID uuid.UUID, want model.RunStatus) model.Run {
	t.Helper()
	var last model.Run
	require.Eventually(t, func() bool {
		run, status, err := getRun(token, runID)
		if err != nil || status != http.StatusOK {
			return false
		}
		last = run
		return run.Status == want
	}, 10*time.Second, 20*time.Millisecond, "run %s never reached %s", runID, want)
	return last
}

// runRecords fetches the run's ledger trail.
func runRecords(t *testing.T, token string, runID uuid.UUID) model.RunRecordsResponse {
	t.Helper()
	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+runID.String()+"/records", token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records model.RunRecordsResponse
	decodeData(t, resp, &records)
	return records
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "test", health.Version)
	assert.Empty(t, health.Qdrant, "no searcher configured")
}

func TestOpenAPISpec(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "openapi: 3.0.3")
}

func TestAuthFlow(t *testing.T) {
	token := getToken(serviceRawKey)
	assert.NotEmpty(t, token)

	// Malformed key format.
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json",
		strings.NewReader(`{"api_key": "not-a-tsumugi-key"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Well-formed but unknown key.
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json",
		strings.NewReader(`{"api_key": "tsu_00000000_00000000000000000000000000000000"}`))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/runs")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("GET", testSrv.URL+"/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestOperatorOnlyEndpoints(t *testing.T) {
	// A service key cannot onboard tenants.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/tenants", serviceToken,
		model.CreateTenantRequest{Name: "should-fail"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeForbidden, detail.Code)

	// Nor list them.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/tenants", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	// The operator can.
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/tenants", operatorToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var tenants []model.Tenant
	decodeData(t, resp3, &tenants)
	assert.NotEmpty(t, tenants)
}

func TestTenantOnboarding(t *testing.T) {
	created, _, err := createTenant("onboarding-co", "")
	require.NoError(t, err)
	assert.Equal(t, model.TenantActive, created.Tenant.Status)
	assert.Equal(t, model.RoleService, created.Key.Role, "key role defaults to service")
	assert.Equal(t, "bootstrap", created.Key.Label)
	assert.True(t, strings.HasPrefix(created.Key.RawKey, "tsu_"))

	// The bootstrap key works immediately.
	token := getToken(created.Key.RawKey)
	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs", token, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Invalid bootstrap role is rejected.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/tenants", operatorToken,
		model.CreateTenantRequest{Name: "bad-role-co", KeyRole: "superuser"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	detail := decodeError(t, resp2)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)

	// Empty name is rejected.
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/tenants", operatorToken,
		model.CreateTenantRequest{Name: "   "})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestKeyLifecycle(t *testing.T) {
	created, _, err := createTenant("key-rotation-co", model.RoleService)
	require.NoError(t, err)
	tenantID := created.Tenant.ID.String()

	// Mint a second key.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/tenants/"+tenantID+"/keys", operatorToken,
		model.CreateKeyRequest{Label: "staging"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var minted model.APIKeyWithRawKey
	decodeData(t, resp, &minted)
	assert.Equal(t, "staging", minted.Label)
	assert.NotEmpty(t, minted.RawKey)

	// Listing shows both keys but never a hash or raw key.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/tenants/"+tenantID+"/keys", operatorToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	body, err := io.ReadAll(resp2.Body)
	_ = resp2.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "key_hash")
	assert.NotContains(t, string(body), "raw_key")
	var listed struct {
		Data []model.APIKey `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Len(t, listed.Data, 2)

	// A token minted from the key authenticates until the key is revoked.
	mintedToken := getToken(minted.RawKey)
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/runs", mintedToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	keyURL := testSrv.URL + "/v1/tenants/" + tenantID + "/keys/" + minted.ID.String()
	resp4, err := authedRequest("DELETE", keyURL, operatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp4.StatusCode)

	// Revoking again conflicts.
	resp5, err := authedRequest("DELETE", keyURL, operatorToken, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp5.StatusCode)
	detail := decodeError(t, resp5)
	assert.Equal(t, model.ErrCodeConflict, detail.Code)

	// The outstanding token dies with its key.
	resp6, err := authedRequest("GET", testSrv.URL+"/v1/runs", mintedToken, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp6.StatusCode)
	detail6 := decodeError(t, resp6)
	assert.Contains(t, detail6.Message, "revoked")
}

func TestArchiveTenant(t *testing.T) {
	created, _, err := createTenant("sunset-co", model.RoleService)
	require.NoError(t, err)
	tenantID := created.Tenant.ID.String()
	token := getToken(created.Key.RawKey)

	resp, err := authedRequest("POST", testSrv.URL+"/v1/tenants/"+tenantID+"/archive", operatorToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var archived model.Tenant
	decodeData(t, resp, &archived)
	assert.Equal(t, model.TenantArchived, archived.Status)

	// Archiving twice conflicts.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/tenants/"+tenantID+"/archive", operatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	// No new keys for an archived tenant.
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/tenants/"+tenantID+"/keys", operatorToken,
		model.CreateKeyRequest{})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp3.StatusCode)

	// Archiving revoked the tenant's keys, so its tokens stop working.
	resp4, err := authedRequest("POST", testSrv.URL+"/v1/runs", token,
		model.StartRunRequest{Skill: "one-shot"})
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp4.StatusCode)

	// Unknown tenant is a 404, not a conflict.
	resp5, err := authedRequest("POST", testSrv.URL+"/v1/tenants/"+uuid.NewString()+"/archive", operatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp5.StatusCode)
}

func TestStartRunCompletes(t *testing.T) {
	runID := startRun(t, serviceToken, "linkedin-post", map[string]string{"topic": "go testing"})

	run := waitRun(t, serviceToken, runID, model.RunStatusCompleted)
	assert.Equal(t, "linkedin-post", run.SkillName)
	assert.Equal(t, "1.2.0", run.SkillVersion)
	require.NotNil(t, run.FinalOutput)
	assert.Contains(t, *run.FinalOutput, "default artifact")
	assert.Nil(t, run.Failure)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.EndedAt)

	records := runRecords(t, serviceToken, runID)
	assert.Equal(t, "verified", records.Chain)
	require.Len(t, records.Records, 2)
	assert.Equal(t, "draft", records.Records[0].StageName)
	assert.Equal(t, "qa", records.Records[1].StageName)
	assert.Less(t, records.Records[0].Seq, records.Records[1].Seq)
	for _, rec := range records.Records {
		assert.Equal(t, model.StageOutcomeReleased, rec.Outcome)
		assert.NotEmpty(t, rec.RecordHash)
	}
	// Only the qa stage declares an evaluation.
	assert.Nil(t, records.Records[0].Evaluation)
	require.NotNil(t, records.Records[1].Evaluation)
	assert.InDelta(t, 0.95, records.Records[1].Evaluation.AggregateScore, 0.001)
	require.NotNil(t, records.Records[1].Decision)
	assert.Equal(t, model.ReleaseRelease, records.Records[1].Decision.Outcome)
}

func TestStartRunValidation(t *testing.T) {
	// Missing skill.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/runs", serviceToken,
		model.StartRunRequest{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)

	// Unknown skill.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/runs", serviceToken,
		model.StartRunRequest{Skill: "no-such-skill"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	detail2 := decodeError(t, resp2)
	assert.Equal(t, model.ErrCodeInvalidSkill, detail2.Code)

	// Malformed body.
	req, err := http.NewRequest("POST", testSrv.URL+"/v1/runs", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	req.Header.Set("Content-Type", "application/json")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestGetRunErrors(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs/not-a-uuid", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+uuid.NewString(), serviceToken, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	detail := decodeError(t, resp2)
	assert.Equal(t, model.ErrCodeNotFound, detail.Code)
}

func TestListRuns(t *testing.T) {
	runID := startRun(t, serviceToken, "one-shot", map[string]string{"topic": "listing"})
	waitRun(t, serviceToken, runID, model.RunStatusCompleted)

	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs?status=completed", serviceToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed model.RunListResponse
	decodeData(t, resp, &listed)
	assert.NotEmpty(t, listed.Runs)
	for _, run := range listed.Runs {
		assert.Equal(t, model.RunStatusCompleted, run.Status)
	}

	// Pagination caps the page, not the total.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/runs?limit=1", serviceToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var page model.RunListResponse
	decodeData(t, resp2, &page)
	assert.Len(t, page.Runs, 1)
	assert.Equal(t, 1, page.Limit)
	assert.GreaterOrEqual(t, page.Total, 2)

	// Unknown status filter is a 400.
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/runs?status=napping", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestRunTenantIsolation(t *testing.T) {
	runID := startRun(t, serviceToken, "one-shot", map[string]string{"topic": "secret"})
	waitRun(t, serviceToken, runID, model.RunStatusCompleted)

	other, _, err := createTenant("nosy-co", model.RoleService)
	require.NoError(t, err)
	otherToken := getToken(other.Key.RawKey)

	// Another tenant cannot see the run, its records, or resume it.
	_, status, err := getRun(otherToken, runID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+runID.String()+"/records", otherToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+runID.String()+"/resume", otherToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestResumeAndAbortConflicts(t *testing.T) {
	runID := startRun(t, serviceToken, "one-shot", map[string]string{"topic": "conflicts"})
	waitRun(t, serviceToken, runID, model.RunStatusCompleted)

	// Resuming a completed run replies 202 with the unchanged status
	// instead of re-executing anything.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+runID.String()+"/resume", serviceToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var resumed model.StartRunResponse
	decodeData(t, resp, &resumed)
	assert.Equal(t, runID, resumed.RunID)
	assert.Equal(t, model.RunStatusCompleted, resumed.Status)

	// Aborting a terminal run conflicts.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+runID.String()+"/abort", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	// Unknown run on both.
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+uuid.NewString()+"/resume", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+uuid.NewString()+"/abort", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func TestBlockedRunResumesAfterHeadroomReturns(t *testing.T) {
	ctx := context.Background()
	created, _, err := createTenant("budget-capped-co", model.RoleService)
	require.NoError(t, err)
	token := getToken(created.Key.RawKey)

	// Hold most of alpha's period budget so the draft estimate (20000)
	// cannot fit in the remaining headroom.
	hold, err := testBudget.Reserve(ctx, created.Tenant, "alpha", 990_000, nil)
	require.NoError(t, err)

	runID := startRun(t, token, "linkedin-post", map[string]string{"topic": "austerity"})

	// A blocked run is a plain 200: blocked is a resumable state, not a
	// request error.
	run := waitRun(t, token, runID, model.RunStatusBlocked)
	require.NotNil(t, run.Failure)
	assert.Equal(t, "budget_denied", run.Failure.Code)
	assert.Equal(t, "draft", run.Failure.Stage)
	assert.Contains(t, run.Failure.Reason, "alpha")

	records := runRecords(t, token, runID)
	require.Len(t, records.Records, 1)
	assert.Equal(t, model.StageOutcomeBlocked, records.Records[0].Outcome)

	// Resuming without headroom just blocks again at the same stage. The
	// status poll would pass before the executor even ran, so wait for
	// the second blocked record instead.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+runID.String()+"/resume", token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var resumed model.StartRunResponse
	decodeData(t, resp, &resumed)
	assert.Equal(t, model.RunStatusBlocked, resumed.Status, "resume replies with the pre-resume snapshot")

	countRecords := func() int {
		r, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+runID.String()+"/records", token, nil)
		if err != nil {
			return -1
		}
		defer func() { _ = r.Body.Close() }()
		if r.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, r.Body)
			return -1
		}
		var result struct {
			Data model.RunRecordsResponse `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
			return -1
		}
		return len(result.Data.Records)
	}
	require.Eventually(t, func() bool { return countRecords() == 2 },
		10*time.Second, 20*time.Millisecond, "re-blocked record never appeared")

	// Headroom returns, the run picks up from its checkpoint.
	require.NoError(t, testBudget.Release(ctx, hold))
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/runs/"+runID.String()+"/resume", token, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp2.StatusCode)

	final := waitRun(t, token, runID, model.RunStatusCompleted)
	assert.Nil(t, final.Failure, "completing clears the blocked reason")

	records = runRecords(t, token, runID)
	assert.Equal(t, "verified", records.Chain, "blocked records are part of the chain")
	require.Len(t, records.Records, 4)
	assert.Equal(t, model.StageOutcomeBlocked, records.Records[0].Outcome)
	assert.Equal(t, model.StageOutcomeBlocked, records.Records[1].Outcome)
	assert.Equal(t, model.StageOutcomeReleased, records.Records[2].Outcome)
	assert.Equal(t, model.StageOutcomeReleased, records.Records[3].Outcome)
}

func TestBudgetUsageEndpoint(t *testing.T) {
	created, _, err := createTenant("spend-watcher-co", model.RoleService)
	require.NoError(t, err)
	token := getToken(created.Key.RawKey)

	runID := startRun(t, token, "linkedin-post", map[string]string{"topic": "spend"})
	waitRun(t, token, runID, model.RunStatusCompleted)

	resp, err := authedRequest("GET", testSrv.URL+"/v1/budget", token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage model.BudgetUsageResponse
	decodeData(t, resp, &usage)
	assert.Equal(t, created.Tenant.ID, usage.TenantID)
	assert.Equal(t, testBudget.CurrentPeriod(), usage.Period)

	spent := make(map[string]model.Micros)
	for _, entry := range usage.Entries {
		assert.Zero(t, entry.Reserved, "settled runs hold nothing")
		spent[entry.Provider] = entry.Spent
	}
	// One committed invocation per provider at actual cost 10.
	assert.Equal(t, model.Micros(10), spent["alpha"])
	assert.Equal(t, model.Micros(10), spent["bravo"])
}

func TestIdempotentStartRun(t *testing.T) {
	post := func(key, topic string) (*http.Response, error) {
		body, err := json.Marshal(model.StartRunRequest{
			Skill:  "one-shot",
			Inputs: map[string]string{"topic": topic},
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest("POST", testSrv.URL+"/v1/runs", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+serviceToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		return http.DefaultClient.Do(req)
	}

	key := "retry-" + uuid.NewString()
	resp, err := post(key, "networks flaking")
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first model.StartRunResponse
	decodeData(t, resp, &first)
	waitRun(t, serviceToken, first.RunID, model.RunStatusCompleted)

	// A retried POST with the same key replays the original 202 instead
	// of starting a second paid run.
	resp2, err := post(key, "networks flaking")
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp2.StatusCode)
	var replayed model.StartRunResponse
	decodeData(t, resp2, &replayed)
	assert.Equal(t, first.RunID, replayed.RunID)

	// The same key with a different payload is an error, never a replay.
	resp3, err := post(key, "different topic entirely")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp3.StatusCode)
	detail := decodeError(t, resp3)
	assert.Equal(t, model.ErrCodeConflict, detail.Code)
}

func TestKnowledgeLifecycle(t *testing.T) {
	ingest := model.IngestRequest{
		Source: "style-guide",
		Text:   "Open every post with a question. Close with bergamot tea recommendations.",
	}
	resp, err := authedRequest("POST", testSrv.URL+"/v1/knowledge", serviceToken, ingest)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result knowledge.IngestResult
	decodeData(t, resp, &result)
	assert.Equal(t, "style-guide", result.Source)
	assert.GreaterOrEqual(t, result.Chunks, 1)

	// The source shows up in the listing.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/knowledge", serviceToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var sources []model.SourceSummary
	decodeData(t, resp2, &sources)
	found := false
	for _, s := range sources {
		if s.Source == "style-guide" {
			found = true
		}
	}
	assert.True(t, found, "ingested source missing from listing")

	// Lexical retrieval finds it.
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/knowledge/search", serviceToken,
		model.SearchRequest{Query: "bergamot", K: 5})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var search model.SearchResponse
	decodeData(t, resp3, &search)
	require.NotEmpty(t, search.Items)
	assert.Contains(t, search.Items[0].Content, "bergamot")

	// Empty query is rejected.
	resp4, err := authedRequest("POST", testSrv.URL+"/v1/knowledge/search", serviceToken,
		model.SearchRequest{})
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)

	// Delete supersedes, and a second delete finds nothing.
	resp5, err := authedRequest("DELETE", testSrv.URL+"/v1/knowledge/style-guide", serviceToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp5.StatusCode)
	var deleted struct {
		Source     string `json:"source"`
		Superseded int    `json:"superseded"`
	}
	decodeData(t, resp5, &deleted)
	assert.GreaterOrEqual(t, deleted.Superseded, 1)

	resp6, err := authedRequest("DELETE", testSrv.URL+"/v1/knowledge/style-guide", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp6.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp6.StatusCode)
}

func TestSharedKnowledgeRequiresOperator(t *testing.T) {
	shared := model.IngestRequest{
		Source: "platform-tone",
		Text:   "All tenants address readers directly. Avoid passive constructions.",
		Shared: true,
	}

	// Service keys cannot write the shared pool.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/knowledge", serviceToken, shared)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeForbidden, detail.Code)

	// Operators can.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/knowledge", operatorToken, shared)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	// Shared items reach every tenant's retrieval.
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/knowledge/search", serviceToken,
		model.SearchRequest{Query: "passive constructions", K: 5})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var search model.SearchResponse
	decodeData(t, resp3, &search)
	require.NotEmpty(t, search.Items)
	assert.Nil(t, search.Items[0].TenantID, "shared items carry no tenant")

	// Deleting from the shared pool is operator-only too.
	resp4, err := authedRequest("DELETE", testSrv.URL+"/v1/knowledge/platform-tone?shared=true", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp4.StatusCode)

	resp5, err := authedRequest("DELETE", testSrv.URL+"/v1/knowledge/platform-tone?shared=true", operatorToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp5.StatusCode)
}

func TestSSESubscribeNoBroker(t *testing.T) {
	// When the broker is nil (LISTEN/NOTIFY not configured), the event
	// stream returns 503 rather than silently hanging.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/runs/"+uuid.NewString()+"/events", serviceToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// newMCPClient creates an MCP client that connects to the test server's
// /mcp endpoint with the given bearer token for authentication.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func mcpInit(t *testing.T, c *mcpclient.Client) mcplib.InitializeResult {
	t.Helper()
	result, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return *result
}

// mcpText extracts the first TextContent from a tool result.
func mcpText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent in tool result")
	return ""
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()

	initResult := mcpInit(t, c)
	assert.Equal(t, "tsumugi", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()
	mcpInit(t, c)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 4)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["start_run"], "expected start_run tool")
	assert.True(t, toolNames["get_run"], "expected get_run tool")
	assert.True(t, toolNames["resume_run"], "expected resume_run tool")
	assert.True(t, toolNames["search_knowledge"], "expected search_knowledge tool")
}

func TestMCPRunFlow(t *testing.T) {
	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()
	mcpInit(t, c)
	ctx := context.Background()

	startResult, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "start_run",
			Arguments: map[string]any{
				"skill":  "one-shot",
				"inputs": `{"topic": "mcp over http"}`,
			},
		},
	})
	require.NoError(t, err)
	require.False(t, startResult.IsError, "start_run returned error: %v", startResult.Content)

	var started struct {
		RunID  uuid.UUID `json:"run_id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(mcpText(t, startResult)), &started))
	require.NotEqual(t, uuid.Nil, started.RunID)

	// The tool shares the HTTP surface's runs: polling over HTTP sees it.
	waitRun(t, serviceToken, started.RunID, model.RunStatusCompleted)

	getResult, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "get_run",
			Arguments: map[string]any{"run_id": started.RunID.String()},
		},
	})
	require.NoError(t, err)
	require.False(t, getResult.IsError, "get_run returned error: %v", getResult.Content)
	assert.Contains(t, mcpText(t, getResult), "Run completed")
}

func TestMCPSearchKnowledge(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/knowledge", serviceToken, model.IngestRequest{
		Source: "mcp-notes",
		Text:   "Sessions resume with yuzu citrus metaphors when drafts stall.",
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()
	mcpInit(t, c)

	searchResult, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "search_knowledge",
			Arguments: map[string]any{"query": "yuzu", "limit": 5},
		},
	})
	require.NoError(t, err)
	require.False(t, searchResult.IsError, "search_knowledge returned error: %v", searchResult.Content)
	assert.Contains(t, mcpText(t, searchResult), "yuzu")
}

func TestMCPResources(t *testing.T) {
	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()
	mcpInit(t, c)
	ctx := context.Background()

	resourcesResult, err := c.ListResources(ctx, mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(resourcesResult.Resources), 2, "expected at least skills and runs/recent")

	result, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "tsumugi://skills"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Contents)
	text, ok := result.Contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, "linkedin-post")

	result2, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "tsumugi://runs/recent"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result2.Contents)
}

func TestMCPPrompts(t *testing.T) {
	c := newMCPClient(t, serviceToken)
	defer func() { _ = c.Close() }()
	mcpInit(t, c)
	ctx := context.Background()

	promptsResult, err := c.ListPrompts(ctx, mcplib.ListPromptsRequest{})
	require.NoError(t, err)
	assert.Len(t, promptsResult.Prompts, 3, "expected 3 prompts")

	promptNames := make(map[string]bool)
	for _, p := range promptsResult.Prompts {
		promptNames[p.Name] = true
	}
	assert.True(t, promptNames["run-skill"], "expected run-skill prompt")
	assert.True(t, promptNames["unblock-run"], "expected unblock-run prompt")
	assert.True(t, promptNames["pipeline-setup"], "expected pipeline-setup prompt")

	// pipeline-setup needs no arguments.
	setupResult, err := c.GetPrompt(ctx, mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "pipeline-setup"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, setupResult.Messages)
	if tc, ok := setupResult.Messages[0].Content.(mcplib.TextContent); ok {
		assert.Contains(t, tc.Text, "Ground, Launch, Poll, Resume")
	}

	// run-skill takes the skill name.
	runResult, err := c.GetPrompt(ctx, mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "run-skill",
			Arguments: map[string]string{"skill": "linkedin-post"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, runResult.Messages)
}

func TestMCPUnauthenticated(t *testing.T) {
	resp, err := http.Post(testSrv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
