package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-skill — guides the agent through launching and following a run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-skill",
			mcplib.WithPromptDescription("Launch a skill run with grounded inputs and follow it to completion"),
			mcplib.WithArgument("skill",
				mcplib.ArgumentDescription("The skill to run (see the tsumugi://skills resource for the catalog)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunSkillPrompt,
	)

	// unblock-run — guides the agent through diagnosing and resuming a blocked run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("unblock-run",
			mcplib.WithPromptDescription("Diagnose why a run blocked and resume it safely"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The UUID of the blocked run"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleUnblockRunPrompt,
	)

	// pipeline-setup — full system prompt snippet explaining the run workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("pipeline-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the skill-run workflow (ground, launch, poll, resume)"),
		),
		s.handlePipelineSetupPrompt,
	)
}

func (s *Server) handleRunSkillPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	skillName := request.Params.Arguments["skill"]
	if skillName == "" {
		return nil, fmt.Errorf("skill argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Run the %s skill end to end", skillName),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`To run the %s skill, follow these steps:

1. READ the tsumugi://skills resource and find %q. Note its stages and
   what the first stage's inputs should carry.

2. GROUND your inputs: call search_knowledge with a query describing the
   material you need. Fold the most relevant chunks into the run inputs —
   a run fed real context produces better artifacts than a bare topic.

3. LAUNCH: call start_run with skill=%q and your inputs as a JSON object.
   Keep the returned run_id.

4. POLL: call get_run with the run_id until the status is terminal
   ("completed", "failed", "aborted") or "blocked".

5. INTERPRET the result:
   - completed: the final_output field holds the released artifact.
   - blocked: a provider budget ran out. Use the unblock-run prompt.
   - failed with stage_rejected: a quality floor failed hard. Revise the
     inputs before starting a new run; resuming will not help.`, skillName, skillName, skillName),
				},
			},
		},
	}, nil
}

func (s *Server) handleUnblockRunPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Unblock run %s", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Run %s is blocked. Work through this before resuming:

1. CALL get_run with run_id=%q and read the failure fields. A blocked
   run carries failure_code "budget_denied" with the stage that hit the
   provider's spending limit.

2. DECIDE whether headroom exists again:
   - Budgets roll over on a fixed period boundary (day by default). If
     the period has rolled over since the run blocked, resume now.
   - If not, either wait for the rollover or ask an operator to raise
     the tenant's limit for that provider.

3. CALL resume_run with run_id=%q. The run restarts from its checkpoint:
   stages that already released an artifact are never re-executed and
   never re-billed.

4. POLL get_run until the status is terminal. If it blocks again at the
   same stage, the headroom was not there yet — do not retry in a loop.`, runID, runID, runID),
				},
			},
		},
	}, nil
}

func (s *Server) handlePipelineSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Skill-run workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Tsumugi, a pipeline runtime that executes multi-stage
content skills under per-tenant spending budgets. Each stage calls a model
or tool, its artifact is quality-scored, and a release policy decides
whether the artifact ships, gets revised, or stops the run. Every stage
attempt lands in an append-only, hash-chained ledger.

## The Pattern: Ground, Launch, Poll, Resume

### Ground
Call search_knowledge before launching. The knowledge pool holds the
tenant's reference material; fold relevant chunks into your run inputs so
stages work from real context.

### Launch
Call start_run with a skill from the tsumugi://skills resource. Execution
is asynchronous and the run starts "pending".

### Poll
Call get_run until the status settles. Statuses:
- pending / running: still executing, keep polling
- completed: done — final_output holds the released artifact
- blocked: paused on budget, resumable
- failed / aborted: terminal — read the failure fields
- completed runs never change; polling one is free of side effects

### Resume
A blocked run means a provider budget ran out mid-run. Call get_run to
see which stage blocked, wait for the budget period to roll over (or for
an operator to raise the limit), then call resume_run. Checkpointing
guarantees stages that already released are never re-executed or
re-billed.

## Available Tools

- start_run: launch a skill pipeline (async, returns a run_id)
- get_run: inspect status, stage records, scores and costs (use to poll)
- resume_run: pick a blocked or interrupted run back up (inspect first)
- search_knowledge: semantic search over the tenant knowledge pool

## Resources

- tsumugi://skills: the skill catalog — stages, task types, quality gates
- tsumugi://runs/recent: your tenant's latest runs
- tsumugi://runs/{id}/records: full audit trail with hash-chain verdict

## Stage Outcomes

Each get_run record carries one outcome:
- released: artifact passed its quality gate and shipped to the next stage
- revise: artifact scored below release but above reject; retried with feedback
- rejected: a hard quality floor failed — the run stops, fix the inputs
- blocked: budget denied the stage before invocation
- failed: the provider call itself failed after retries

## Costs

All costs are integer micro-USD (1,000,000 = one dollar). Budgets cap
spending per provider per period; a denial blocks the run rather than
failing it, so no work is lost while you wait for headroom.`,
				},
			},
		},
	}, nil
}
