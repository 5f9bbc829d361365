package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

func (s *Server) registerTools() {
	// start_run — launch a skill pipeline for the calling tenant.
	s.mcpServer.AddTool(
		mcplib.NewTool("start_run",
			mcplib.WithDescription(`Launch a skill run. A skill is a multi-stage content pipeline (for
example draft, then QA, then publish); each stage calls a model or tool,
is quality-scored, and spends from your tenant's provider budgets.

WHEN TO USE: When you need the pipeline to produce an artifact — a blog
post, a summary, a report — rather than producing it yourself. Read the
tsumugi://skills resource first to see which skills exist and what
inputs they expect.

Execution is asynchronous. The run starts in status "pending"; poll
get_run with the returned run_id until the status is "completed",
"failed", "aborted" or "blocked". A blocked run is paused on budget, not
dead: see the resume_run tool.

WHAT YOU GET BACK:
- run_id: UUID to poll with get_run
- status: always "pending" on success
- skill / skill_version: what the run is executing

EXAMPLE: start_run with skill="blog_post" and
inputs="{\"topic\": \"vector databases\", \"audience\": \"engineers\"}"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("skill",
				mcplib.Description("Name of the skill to run. Must exist in the catalog; read tsumugi://skills for the list."),
				mcplib.Required(),
			),
			mcplib.WithString("inputs",
				mcplib.Description("Run inputs as a JSON object string, e.g. {\"topic\": \"...\"}. The skill's first stage sees these verbatim. Omit for skills that need no inputs."),
			),
		),
		s.handleStartRun,
	)

	// get_run — inspect a run's state and its stage-by-stage record trail.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_run",
			mcplib.WithDescription(`Inspect a run: current status, final output when completed, and the
stage-by-stage record trail with outcomes, scores and costs.

WHEN TO USE: After start_run, to follow progress. Before resume_run, to
see why a run stopped. Poll until the status is terminal ("completed",
"failed", "aborted") or "blocked".

WHAT YOU GET BACK:
- run: compact run state (status, final_output, failure when present)
- records: one entry per stage attempt — outcome (released / revise /
  rejected / blocked / failed), quality score, model used, cost in
  micro-USD
- summary: one-line synthesis of where the run stands

HOW TO READ IT: "released" means the stage's artifact passed its quality
gate. "revise" means it is being retried with feedback. "rejected" means
a quality floor failed hard and the run stopped. "blocked" means a
provider budget ran out mid-run; the run resumes from its checkpoint.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the run, as returned by start_run"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// resume_run — pick a blocked or interrupted run back up.
	s.mcpServer.AddTool(
		mcplib.NewTool("resume_run",
			mcplib.WithDescription(`Resume a blocked or interrupted run from its checkpoint. Stages that
already released an artifact are never re-executed, so resuming is safe
to repeat; a completed run is returned unchanged.

IMPORTANT: Call get_run FIRST. A run blocks when a provider budget ran
out; resuming before the budget period rolls over (or before an operator
raises the tenant limit) just blocks again at the same stage.

WHEN TO USE: After get_run shows status "blocked" and you have reason to
believe there is budget headroom again — the period rolled over, or the
limit was raised.

WHAT YOU GET BACK:
- run_id and the run's pre-resume status snapshot. Execution continues
  asynchronously; poll get_run for the outcome.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("UUID of the blocked run to resume"),
				mcplib.Required(),
			),
		),
		s.handleResumeRun,
	)

	// search_knowledge — semantic search over the tenant knowledge pool.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_knowledge",
			mcplib.WithDescription(`Search the tenant knowledge pool by semantic similarity. The pool holds
ingested reference material — style guides, product docs, prior work —
chunked and embedded. Results cover your tenant's items plus the shared
pool; never another tenant's.

WHEN TO USE: Before start_run, to gather grounding material worth
passing as run inputs. Skills produce better artifacts when their inputs
carry relevant context instead of a bare topic.

WHAT YOU GET BACK:
- results: matching chunks with source, content and similarity score
- count: how many matched

EXAMPLE: Before starting a blog_post run about caching, call
search_knowledge with query="caching strategy guidance" and feed the
best chunks into the run's inputs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language query to search for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of chunks to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleSearchKnowledge,
	)
}

func (s *Server) handleStartRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required: no tenant claims in context"), nil
	}

	skillName := request.GetString("skill", "")
	if skillName == "" {
		return errorResult("skill is required"), nil
	}

	var inputs map[string]any
	if raw := request.GetString("inputs", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return errorResult(fmt.Sprintf("inputs must be a JSON object: %v", err)), nil
		}
	}

	run, err := s.runner.StartRun(ctx, claims.TenantID, skillName, inputs)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrInvalidSkill):
			return errorResult(fmt.Sprintf("unknown skill %q: read the tsumugi://skills resource for the catalog", skillName)), nil
		case errors.Is(err, runner.ErrTenantNotFound):
			return errorResult("tenant not found or archived"), nil
		default:
			return errorResult(fmt.Sprintf("start run: %v", err)), nil
		}
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id":        run.ID,
		"status":        run.Status,
		"skill":         run.SkillName,
		"skill_version": run.SkillVersion,
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required: no tenant claims in context"), nil
	}

	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.db.GetRun(ctx, claims.TenantID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return errorResult(fmt.Sprintf("get run: %v", err)), nil
	}

	records, err := s.ledger.Query(ctx, claims.TenantID, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("load stage records: %v", err)), nil
	}

	// Remember that this caller looked at the run. resume_run uses this
	// to detect the inspect-before-resume workflow.
	s.inspects.Record(claims.TenantID.String(), runID.String())

	compacted := make([]map[string]any, len(records))
	for i, rec := range records {
		compacted[i] = compactRecord(rec)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"run":     compactRun(run),
		"records": compacted,
		"summary": runSummary(run, records),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleResumeRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required: no tenant claims in context"), nil
	}

	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.runner.ResumeRunAsync(ctx, claims.TenantID, runID)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrRunNotFound):
			return errorResult(fmt.Sprintf("run not found: %s", runID)), nil
		case errors.Is(err, runner.ErrRunNotResumable):
			return errorResult(fmt.Sprintf("run is not resumable: %v", err)), nil
		case errors.Is(err, runner.ErrTenantNotFound):
			return errorResult("tenant not found or archived"), nil
		default:
			return errorResult(fmt.Sprintf("resume run: %v", err)), nil
		}
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})

	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(resultData)},
	}

	// Nudge: if the caller never inspected this run recently, remind them.
	// The resume still proceeds; this is advisory, not a gate.
	if !s.inspects.WasInspected(claims.TenantID.String(), runID.String()) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: get_run was not called for this run recently. A run blocks when a " +
				"provider budget runs out, and resuming before the budget period rolls over " +
				"just blocks again at the same stage. Next time, call get_run first to see " +
				"which stage blocked and why.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleSearchKnowledge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required: no tenant claims in context"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)

	tenantID := claims.TenantID
	items, err := s.knowledge.Retrieve(ctx, &tenantID, query, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	results := make([]map[string]any, len(items))
	for i, item := range items {
		results[i] = compactItem(item)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
