package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsumugi/internal/auth"
)

func (s *Server) registerResources() {
	// tsumugi://skills — the skill catalog: what can be run and with what.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tsumugi://skills",
			"Skill Catalog",
			mcplib.WithResourceDescription("All runnable skills with their stages, task types and quality gates"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSkills,
	)

	// tsumugi://runs/recent — the calling tenant's most recent runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tsumugi://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("The calling tenant's most recent runs, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// tsumugi://runs/{id}/records — full audit trail for one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tsumugi://runs/{id}/records",
			"Run Records",
			mcplib.WithTemplateDescription("Full hash-chained ledger trail for a run, with the chain verification verdict"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunRecords,
	)
}

func (s *Server) handleSkills(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	skills := make([]map[string]any, 0, s.catalog.Len())
	for _, name := range s.catalog.Names() {
		def, ok := s.catalog.Get(name)
		if !ok {
			continue
		}
		skills = append(skills, compactSkill(def))
	}

	data, err := json.MarshalIndent(map[string]any{"skills": skills}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal skills: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tsumugi://skills",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: recent runs: authentication required")
	}

	runs, total, err := s.db.ListRuns(ctx, claims.TenantID, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	compacted := make([]map[string]any, len(runs))
	for i, run := range runs {
		compacted[i] = compactRun(run)
	}

	data, err := json.MarshalIndent(map[string]any{
		"runs":  compacted,
		"total": total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tsumugi://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunRecords(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: run records: authentication required")
	}

	runID, err := parseRunRecordsURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	// Tenant scoping happens here: reading records requires owning the run.
	if _, err := s.db.GetRun(ctx, claims.TenantID, runID); err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}

	records, err := s.ledger.Query(ctx, claims.TenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run records: %w", err)
	}

	chain := "verified"
	if err := s.ledger.VerifyRunChain(ctx, claims.TenantID, runID); err != nil {
		chain = err.Error()
	}

	data, err := json.MarshalIndent(map[string]any{
		"run_id":  runID,
		"records": records,
		"chain":   chain,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal records: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunRecordsURI extracts the run ID from tsumugi://runs/{id}/records.
func parseRunRecordsURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "tsumugi://runs/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run records URI: %s", uri)
	}
	idPart, ok := strings.CutSuffix(rest, "/records")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run records URI: %s", uri)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: run records URI needs a run UUID, got %q", idPart)
	}
	return id, nil
}
