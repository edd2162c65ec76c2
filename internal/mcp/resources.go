package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"healnerd://about",
			"healnerd About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, configured model and heal settings."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"healnerd://runs/last/facts{?predicate,limit}",
			"Last Run Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Read the newest facts of the most recent run (optionally filtered by predicate)."),
		),
		s.handleLastRunFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"llm": map[string]interface{}{
			"provider": s.cfg.LLM.Provider,
			"model":    s.cfg.LLM.Model,
		},
		"heal": map[string]interface{}{
			"mode":         s.cfg.Heal.Mode,
			"max_attempts": s.cfg.Heal.MaxAttempts,
			"min_score":    s.cfg.Heal.GetMinScore(),
		},
		"notes": []string{
			"plan-scenario only plans; run-requirement plans and runs; replay-scenario never calls the model.",
			"Every run writes test_scenario.json, test_scenario.healed.json, run_log.jsonl and index.html.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleLastRunFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	engine := s.runs.LastFacts()
	if engine == nil {
		return nil, fmt.Errorf("no run has been executed yet")
	}

	predicate := argString(request.Params.Arguments["predicate"])
	limit := asInt(argString(request.Params.Arguments["limit"]))
	if limit <= 0 {
		limit = 25
	}

	var facts interface{}
	if predicate != "" {
		facts = recentFacts(engine, predicate, limit)
	} else {
		all := engine.Facts()
		if len(all) > limit {
			all = all[len(all)-limit:]
		}
		facts = all
	}

	return jsonContents(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"facts":     facts,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
