package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsumugi/internal/router"
)

// MCPInvoker calls tools on MCP servers over the streamable HTTP
// transport. Connections are dialed lazily and cached per endpoint; a
// transport failure drops the cached connection so the next attempt
// redials, which pairs with the runner's transient retry.
//
// Tool calls are priced flat: the target's estimated cost is the actual
// cost, so commit always equals reserve for tool targets.
type MCPInvoker struct {
	tokens map[string]string
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*mcpConn
}

type mcpConn struct {
	once   sync.Once
	client *mcpclient.Client
	err    error
}

// NewMCPInvoker creates a tool invoker. tokens maps provider names to
// bearer credentials for their MCP servers; providers missing from the
// map fall back to the PROVIDER_MCP_TOKEN environment variable.
func NewMCPInvoker(tokens map[string]string, logger *slog.Logger) *MCPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPInvoker{
		tokens: tokens,
		logger: logger,
		conns:  make(map[string]*mcpConn),
	}
}

func (m *MCPInvoker) tokenFor(provider string) string {
	if token, ok := m.tokens[provider]; ok {
		return token
	}
	return os.Getenv(strings.ToUpper(provider) + "_MCP_TOKEN")
}

// client returns the initialized connection for a target's endpoint,
// dialing on first use. A failed dial is not cached: the entry is dropped
// so the next call starts over.
func (m *MCPInvoker) client(ctx context.Context, target router.Target) (*mcpclient.Client, error) {
	m.mu.Lock()
	entry, ok := m.conns[target.Endpoint]
	if !ok {
		entry = &mcpConn{}
		m.conns[target.Endpoint] = entry
	}
	m.mu.Unlock()

	entry.once.Do(func() {
		var opts []mcptransport.StreamableHTTPCOption
		if token := m.tokenFor(target.Provider); token != "" {
			opts = append(opts, mcptransport.WithHTTPHeaders(map[string]string{
				"Authorization": "Bearer " + token,
			}))
		}
		c, err := mcpclient.NewStreamableHttpClient(target.Endpoint, opts...)
		if err != nil {
			entry.err = fmt.Errorf("connect %s: %w", target.Endpoint, err)
			return
		}
		initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
			Params: mcplib.InitializeParams{
				ClientInfo: mcplib.Implementation{Name: "tsumugi", Version: "1.0"},
			},
		})
		if err != nil {
			_ = c.Close()
			entry.err = fmt.Errorf("initialize %s: %w", target.Endpoint, err)
			return
		}
		m.logger.Debug("invoke: mcp server connected",
			"endpoint", target.Endpoint, "server", initResult.ServerInfo.Name,
			"server_version", initResult.ServerInfo.Version)
		entry.client = c
	})

	if entry.err != nil {
		m.invalidate(target.Endpoint, entry)
		return nil, transientf("invoke: %s: %v", target.Name(), entry.err)
	}
	return entry.client, nil
}

// invalidate drops a cached connection so the next call redials.
func (m *MCPInvoker) invalidate(endpoint string, entry *mcpConn) {
	m.mu.Lock()
	if m.conns[endpoint] == entry {
		delete(m.conns, endpoint)
	}
	m.mu.Unlock()
	if entry.client != nil {
		_ = entry.client.Close()
	}
}

// Invoke implements Invoker: one tool call. A transport error is
// transient and drops the connection; a tool-level error (IsError) is
// fatal, because the server understood the call and rejected it.
func (m *MCPInvoker) Invoke(ctx context.Context, target router.Target, input Input) (Result, error) {
	c, err := m.client(ctx, target)
	if err != nil {
		return Result{}, err
	}

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      target.Tool,
			Arguments: toolArguments(input),
		},
	})
	if err != nil {
		m.mu.Lock()
		entry := m.conns[target.Endpoint]
		m.mu.Unlock()
		if entry != nil && entry.client == c {
			m.invalidate(target.Endpoint, entry)
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("invoke: %s: %w", target.Name(), err)
		}
		return Result{}, transientf("invoke: %s: call tool: %v", target.Name(), err)
	}

	text := textContent(result)
	if result.IsError {
		return Result{}, fatalf("invoke: %s: tool error: %s", target.Name(), text)
	}
	return Result{Artifact: text, Cost: target.EstimatedCost}, nil
}

// Close closes every cached connection. Used at shutdown; in-flight calls
// on closed connections fail transiently.
func (m *MCPInvoker) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*mcpConn)
	m.mu.Unlock()
	for _, entry := range conns {
		if entry.client != nil {
			_ = entry.client.Close()
		}
	}
}

// toolArguments builds the CallTool argument map: explicit arguments win,
// and the rendered prompt rides along as "input" unless the caller set one.
func toolArguments(input Input) map[string]any {
	args := make(map[string]any, len(input.Arguments)+1)
	for k, v := range input.Arguments {
		args[k] = v
	}
	if _, ok := args["input"]; !ok && input.Prompt != "" {
		args["input"] = input.Prompt
	}
	return args
}

// textContent concatenates the text parts of a tool result.
func textContent(result *mcplib.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
