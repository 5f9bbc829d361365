package invoke_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/internal/invoke"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/router"
)

func modelTarget(endpoint string) router.Target {
	return router.Target{
		TaskType:      "longform_generation",
		Kind:          router.KindModel,
		Provider:      "testprov",
		Model:         "gpt-4o-mini",
		Endpoint:      endpoint,
		EstimatedCost: 20000,
		Rates:         router.TokenRates{InputPer1K: 150, OutputPer1K: 600},
	}
}

// chatHandler records the last request and answers with a fixed completion.
type chatHandler struct {
	lastPath string
	lastAuth string
	lastBody map[string]any
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lastPath = r.URL.Path
	h.lastAuth = r.Header.Get("Authorization")
	_ = json.NewDecoder(r.Body).Decode(&h.lastBody)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": "drafted post"}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 2000, "completion_tokens": 500},
	})
}

func TestHTTPInvoke_Success(t *testing.T) {
	handler := &chatHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	inv := invoke.NewHTTPInvoker(map[string]string{"testprov": "sk-test"})
	res, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{
		System: "You draft LinkedIn posts.",
		Prompt: "Write about Go generics.",
	})
	require.NoError(t, err)

	assert.Equal(t, "drafted post", res.Artifact)
	// 2000 * 150 / 1000 + 500 * 600 / 1000 = 300 + 300.
	assert.Equal(t, model.Micros(600), res.Cost)
	assert.Equal(t, 2000, res.InputTokens)
	assert.Equal(t, 500, res.OutputTokens)

	assert.Equal(t, "/chat/completions", handler.lastPath)
	assert.Equal(t, "Bearer sk-test", handler.lastAuth)
	assert.Equal(t, "gpt-4o-mini", handler.lastBody["model"])
	messages, ok := handler.lastBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first, ok := messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "system", first["role"])
}

func TestHTTPInvoke_NoSystemMessage(t *testing.T) {
	handler := &chatHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{Prompt: "hello"})
	require.NoError(t, err)

	messages, ok := handler.lastBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	only, ok := messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", only["role"])
}

func TestHTTPInvoke_NoAuthHeaderWithoutKey(t *testing.T) {
	handler := &chatHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	target := modelTarget(srv.URL)
	target.Provider = "localllm"

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), target, invoke.Input{Prompt: "hello"})
	require.NoError(t, err)
	assert.Empty(t, handler.lastAuth, "local endpoints must not receive a bearer header")
}

func TestHTTPInvoke_EnvKeyFallback(t *testing.T) {
	t.Setenv("TESTPROV_API_KEY", "sk-env")
	handler := &chatHandler{}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-env", handler.lastAuth)
}

func TestHTTPInvoke_StatusClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, transient: true},
		{name: "server error", status: http.StatusInternalServerError, body: "oops", transient: true},
		{name: "bad gateway", status: http.StatusBadGateway, body: "oops", transient: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"model not found"}}`, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, transient: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			inv := invoke.NewHTTPInvoker(nil)
			_, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{Prompt: "x"})
			require.Error(t, err)
			if tc.transient {
				assert.ErrorIs(t, err, invoke.ErrTransient)
			} else {
				assert.ErrorIs(t, err, invoke.ErrFatal)
			}
		})
	}
}

func TestHTTPInvoke_ErrorMessageSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestHTTPInvoke_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":0}}`))
	}))
	defer srv.Close()

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoke.ErrFatal)
}

func TestHTTPInvoke_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>load balancer error</html>"))
	}))
	defer srv.Close()

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), modelTarget(srv.URL), invoke.Input{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoke.ErrTransient)
}

func TestHTTPInvoke_DeadlineNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(ctx, modelTarget(srv.URL), invoke.Input{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, invoke.ErrTransient, "deadline classification belongs to the caller")
}

func TestHTTPInvoke_ConnectionRefused(t *testing.T) {
	inv := invoke.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), modelTarget("http://localhost:16336"), invoke.Input{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoke.ErrTransient)
}

func newMCPTestServer(t *testing.T) string {
	t.Helper()
	s := mcpserver.NewMCPServer("test-tools", "1.0", mcpserver.WithToolCapabilities(true))

	s.AddTool(
		mcplib.NewTool("echo_tool",
			mcplib.WithDescription("Echoes its input back."),
			mcplib.WithString("input", mcplib.Required()),
		),
		func(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			return mcplib.NewToolResultText("echoed: " + request.GetString("input", "")), nil
		},
	)
	s.AddTool(
		mcplib.NewTool("failing_tool",
			mcplib.WithDescription("Always reports a tool-level error."),
		),
		func(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			return mcplib.NewToolResultError("upstream record not found"), nil
		},
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(s))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/mcp"
}

func toolTarget(endpoint, tool string) router.Target {
	return router.Target{
		TaskType:      "enrich_crm",
		Kind:          router.KindMCPTool,
		Provider:      "hubspot",
		Tool:          tool,
		Endpoint:      endpoint,
		EstimatedCost: 5000,
	}
}

func TestMCPInvoke_Success(t *testing.T) {
	endpoint := newMCPTestServer(t)
	inv := invoke.NewMCPInvoker(nil, nil)
	defer inv.Close()

	res, err := inv.Invoke(context.Background(), toolTarget(endpoint, "echo_tool"), invoke.Input{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echoed: hello", res.Artifact)
	assert.Equal(t, model.Micros(5000), res.Cost, "tool calls cost their flat estimate")
}

func TestMCPInvoke_ReusesConnection(t *testing.T) {
	endpoint := newMCPTestServer(t)
	inv := invoke.NewMCPInvoker(nil, nil)
	defer inv.Close()

	for _, prompt := range []string{"one", "two"} {
		res, err := inv.Invoke(context.Background(), toolTarget(endpoint, "echo_tool"), invoke.Input{Prompt: prompt})
		require.NoError(t, err)
		assert.Equal(t, "echoed: "+prompt, res.Artifact)
	}
}

func TestMCPInvoke_ExplicitArgumentsWin(t *testing.T) {
	endpoint := newMCPTestServer(t)
	inv := invoke.NewMCPInvoker(nil, nil)
	defer inv.Close()

	res, err := inv.Invoke(context.Background(), toolTarget(endpoint, "echo_tool"), invoke.Input{
		Prompt:    "ignored",
		Arguments: map[string]any{"input": "explicit"},
	})
	require.NoError(t, err)
	assert.Equal(t, "echoed: explicit", res.Artifact)
}

func TestMCPInvoke_ToolErrorIsFatal(t *testing.T) {
	endpoint := newMCPTestServer(t)
	inv := invoke.NewMCPInvoker(nil, nil)
	defer inv.Close()

	_, err := inv.Invoke(context.Background(), toolTarget(endpoint, "failing_tool"), invoke.Input{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoke.ErrFatal)
	assert.Contains(t, err.Error(), "upstream record not found")
}

func TestMCPInvoke_UnreachableIsTransient(t *testing.T) {
	inv := invoke.NewMCPInvoker(nil, nil)
	defer inv.Close()

	target := toolTarget("http://localhost:16337/mcp", "echo_tool")
	for range 2 {
		_, err := inv.Invoke(context.Background(), target, invoke.Input{Prompt: "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, invoke.ErrTransient, "a failed dial must not poison later attempts")
	}
}

func TestMux_DispatchesByKind(t *testing.T) {
	var modelCalls, toolCalls int
	mux := invoke.NewMux(
		invoke.Func(func(_ context.Context, _ router.Target, _ invoke.Input) (invoke.Result, error) {
			modelCalls++
			return invoke.Result{Artifact: "from model"}, nil
		}),
		invoke.Func(func(_ context.Context, _ router.Target, _ invoke.Input) (invoke.Result, error) {
			toolCalls++
			return invoke.Result{Artifact: "from tool"}, nil
		}),
		nil,
	)

	res, err := mux.Invoke(context.Background(), router.Target{Kind: router.KindModel}, invoke.Input{})
	require.NoError(t, err)
	assert.Equal(t, "from model", res.Artifact)

	res, err = mux.Invoke(context.Background(), router.Target{Kind: router.KindMCPTool}, invoke.Input{})
	require.NoError(t, err)
	assert.Equal(t, "from tool", res.Artifact)

	assert.Equal(t, 1, modelCalls)
	assert.Equal(t, 1, toolCalls)
}

func TestMux_UnknownKind(t *testing.T) {
	mux := invoke.NewMux(nil, nil, nil)
	_, err := mux.Invoke(context.Background(), router.Target{Kind: "cron_job"}, invoke.Input{})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoke.ErrFatal)
}

func TestMux_NilBackend(t *testing.T) {
	mux := invoke.NewMux(
		invoke.Func(func(_ context.Context, _ router.Target, _ invoke.Input) (invoke.Result, error) {
			return invoke.Result{}, nil
		}),
		nil,
		nil,
	)
	_, err := mux.Invoke(context.Background(), router.Target{Kind: router.KindMCPTool}, invoke.Input{})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoke.ErrFatal)
}
