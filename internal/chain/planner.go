// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chain implements the fixed three-step LLM-assisted search
// pipeline: plan a search term, execute the document search, present the
// results. It is the simpler alternative to the full agent loop.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	ilog "github.com/tombee/sapassist/internal/log"
	"github.com/tombee/sapassist/internal/mcp"
	"github.com/tombee/sapassist/internal/retrieval"
	"github.com/tombee/sapassist/pkg/llm"
)

const (
	// resultLimit is the fixed number of documents fetched in step 2.
	resultLimit = 5

	// errorAnswer is the user-facing message when the pipeline fails.
	errorAnswer = "Entschuldigung, bei der Dokumentensuche ist ein Fehler aufgetreten. Bitte versuchen Sie es erneut."

	// noResultsAnswer is returned when the search finds nothing.
	noResultsAnswer = "Zu Ihrer Anfrage wurden leider keine passenden Dokumente gefunden."
)

// suchbegriffRe is the primary extraction for the planning reply.
var suchbegriffRe = regexp.MustCompile(`(?im)^\s*SUCHBEGRIFF:\s*(.+)$`)

// Executor runs tool calls; *mcp.Registry satisfies it.
type Executor interface {
	ExecuteTool(ctx context.Context, call mcp.ToolCall) mcp.ToolResult
}

// Step records one pipeline stage for the trace.
type Step struct {
	// Name is the stage: plan, execute, or present.
	Name string

	// Detail is a short human-readable outcome.
	Detail string

	// Duration is the stage's wall time.
	Duration time.Duration
}

// Result is the pipeline outcome. Answer is always populated; a failed
// pipeline carries the user-facing error text and an empty trace.
type Result struct {
	// Answer is the user-facing response text.
	Answer string

	// SearchTerm is the term extracted in the planning step.
	SearchTerm string

	// Steps is the stage trace.
	Steps []Step

	// ToolCalls lists the tool invocations that ran.
	ToolCalls []mcp.ToolCall
}

// Planner is the three-step pipeline.
type Planner struct {
	provider llm.Provider
	executor Executor
	server   string
	logger   *slog.Logger
}

// NewPlanner builds a planner that searches on the named document server.
func NewPlanner(provider llm.Provider, executor Executor, server string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		provider: provider,
		executor: executor,
		server:   server,
		logger:   logger,
	}
}

// Run executes the pipeline for one user query. It never returns an
// error: every failure is converted into a user-facing answer.
func (p *Planner) Run(ctx context.Context, query string) *Result {
	result := &Result{}

	term, planStep, err := p.plan(ctx, query)
	if err != nil {
		p.logger.Warn("planning step failed", "error", err)
		result.Answer = errorAnswer
		return result
	}
	result.SearchTerm = term
	result.Steps = append(result.Steps, planStep)

	search, execStep, call, err := p.execute(ctx, term)
	if err != nil {
		p.logger.Warn("execute step failed", "error", err)
		result.Answer = errorAnswer
		return result
	}
	result.Steps = append(result.Steps, execStep)
	result.ToolCalls = append(result.ToolCalls, call)

	answer, presentStep := p.present(ctx, query, term, search)
	result.Steps = append(result.Steps, presentStep)
	result.Answer = answer
	return result
}

// plan asks the LLM for a single search term.
func (p *Planner) plan(ctx context.Context, query string) (string, Step, error) {
	start := time.Now()

	temp := 0.1
	maxTokens := 100
	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: planSystemPrompt},
			{Role: llm.MessageRoleUser, Content: query},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", Step{}, fmt.Errorf("plan completion failed: %w", err)
	}

	term := extractSearchTerm(resp.Content)
	if term == "" {
		return "", Step{}, fmt.Errorf("no search term in planning reply")
	}

	p.logger.Debug("search term planned", "term", term)
	return term, Step{
		Name:     "plan",
		Detail:   fmt.Sprintf("Suchbegriff: %s", term),
		Duration: time.Since(start),
	}, nil
}

// extractSearchTerm pulls the term from the planning reply. The marker
// line is primary; a capitalized-word scan and the first line are the
// fallbacks.
func extractSearchTerm(reply string) string {
	if m := suchbegriffRe.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(strings.Trim(m[1], `"'`))
	}

	for _, field := range strings.Fields(reply) {
		word := strings.Trim(field, `.,!?;:"'`)
		runes := []rune(word)
		if len(runes) >= 3 && unicode.IsUpper(runes[0]) {
			return word
		}
	}

	if line, _, _ := strings.Cut(strings.TrimSpace(reply), "\n"); line != "" {
		return strings.TrimSpace(line)
	}
	return ""
}

// execute runs the document search with the planned term.
func (p *Planner) execute(ctx context.Context, term string) (*retrieval.SearchResponse, Step, mcp.ToolCall, error) {
	start := time.Now()

	call := mcp.ToolCall{
		Server: p.server,
		Tool:   "searchDocuments",
		Arguments: map[string]interface{}{
			"query": term,
			"limit": resultLimit,
		},
	}
	result := p.executor.ExecuteTool(ctx, call)
	if !result.Success {
		return nil, Step{}, call, fmt.Errorf("document search failed: %s", result.Error)
	}
	p.logger.Debug("document search executed",
		ilog.ServerKey, p.server,
		ilog.DurationKey, time.Since(start))

	search := asSearchResponse(result.Result)
	return search, Step{
		Name:     "execute",
		Detail:   fmt.Sprintf("%d Dokumente gefunden", len(search.Results)),
		Duration: time.Since(start),
	}, call, nil
}

// asSearchResponse normalizes the tool result payload.
func asSearchResponse(v interface{}) *retrieval.SearchResponse {
	if sr, ok := v.(*retrieval.SearchResponse); ok {
		return sr
	}
	return &retrieval.SearchResponse{}
}

// present renders the results through the LLM; on failure it degrades to
// a plain enumeration instead of propagating the error.
func (p *Planner) present(ctx context.Context, query, term string, search *retrieval.SearchResponse) (string, Step) {
	start := time.Now()

	if len(search.Results) == 0 {
		return noResultsAnswer, Step{
			Name:     "present",
			Detail:   "keine Ergebnisse",
			Duration: time.Since(start),
		}
	}

	rendered := renderResults(search.Results)
	temp := 0.3
	maxTokens := 1000
	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: presentSystemPrompt},
			{Role: llm.MessageRoleUser, Content: fmt.Sprintf(
				"Frage: %s\nSuchbegriff: %s\n\nGefundene Dokumente:\n%s",
				query, term, rendered)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		p.logger.Warn("present step degraded to plain listing", "error", err)
		return fmt.Sprintf("Gefundene Dokumente zu %q:\n%s", term, rendered), Step{
			Name:     "present",
			Detail:   "LLM-Aufbereitung fehlgeschlagen, einfache Liste",
			Duration: time.Since(start),
		}
	}

	return resp.Content, Step{
		Name:     "present",
		Detail:   fmt.Sprintf("%d Ergebnisse aufbereitet", len(search.Results)),
		Duration: time.Since(start),
	}
}

// renderResults formats every hit with title, source, relevance, and a
// content preview.
func renderResults(results []retrieval.SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s, Relevanz %.0f%%)\n", i+1, r.Title, r.Source, r.Score*100)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", preview(r.Snippet, 200))
		}
	}
	return b.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const planSystemPrompt = `Du bist ein Suchassistent. Extrahiere aus der Frage des Benutzers den besten einzelnen Suchbegriff für eine Dokumentensuche.

Antworte mit genau einer Zeile im Format:
SUCHBEGRIFF: <begriff>`

const presentSystemPrompt = `Du bist ein Assistent, der Suchergebnisse präsentiert. Zähle jedes einzelne gefundene Dokument mit Titel und Relevanz auf. Fasse nicht vage zusammen; nenne alle Ergebnisse.`
