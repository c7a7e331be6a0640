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

// Package agent implements the bounded think→act→analyze→refine loop over
// the document search tool. Three independent LLM round-trips (think,
// analyze, final answer) each carry their own parse-failure fallback, so
// a misbehaving model degrades the loop instead of breaking it.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	ilog "github.com/tombee/sapassist/internal/log"
	"github.com/tombee/sapassist/internal/mcp"
	"github.com/tombee/sapassist/internal/retrieval"
	"github.com/tombee/sapassist/pkg/llm"
)

// maxIterations caps the loop. Reaching the cap forces completion; it is
// a warning condition, not an error.
const maxIterations = 5

// Action is a loop decision.
type Action string

const (
	// ActionSearch runs one document search with the chosen query.
	ActionSearch Action = "search"
	// ActionRefine updates the working query without a tool call.
	ActionRefine Action = "refine"
	// ActionComplete ends the loop immediately.
	ActionComplete Action = "complete"
)

// Executor runs tool calls; *mcp.Registry satisfies it.
type Executor interface {
	ExecuteTool(ctx context.Context, call mcp.ToolCall) mcp.ToolResult
}

// Step records one loop iteration for the trace.
type Step struct {
	// Iteration is 1-based.
	Iteration int

	// Action is what the iteration did.
	Action Action

	// Reasoning is the model's stated rationale, or the fallback note.
	Reasoning string

	// Query is the working query at this iteration.
	Query string

	// ResultCount is the number of documents after this iteration.
	ResultCount int

	// Satisfied reports the analyze verdict, when one ran.
	Satisfied bool

	// Duration is the iteration's wall time.
	Duration time.Duration
}

// Result is the loop outcome.
type Result struct {
	// RunID identifies this run in logs and traces.
	RunID string

	// Answer is the user-facing response.
	Answer string

	// Steps holds one entry per executed iteration.
	Steps []Step

	// Iterations is the number of iterations that ran.
	Iterations int

	// ForcedCompletion is set when the iteration cap ended the loop.
	ForcedCompletion bool

	// ToolCalls lists the tool invocations that ran.
	ToolCalls []mcp.ToolCall
}

// decision is the think step's structured reply.
type decision struct {
	Action      string `json:"action"`
	Reasoning   string `json:"reasoning"`
	SearchQuery string `json:"searchQuery,omitempty"`
}

// analysis is the analyze step's structured reply.
type analysis struct {
	Satisfied  bool   `json:"satisfied"`
	Reason     string `json:"reason"`
	Conclusion string `json:"conclusion,omitempty"`
}

// Loop drives the agent over a document-search server.
type Loop struct {
	provider llm.Provider
	executor Executor
	server   string
	logger   *slog.Logger
}

// NewLoop builds a loop searching on the named document server.
func NewLoop(provider llm.Provider, executor Executor, server string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		executor: executor,
		server:   server,
		logger:   logger,
	}
}

// Run executes the loop for one user query. It never returns an error;
// every failure degrades into the final answer.
func (l *Loop) Run(ctx context.Context, query string) *Result {
	runID := uuid.New().String()
	logger := l.logger.With(ilog.RunIDKey, runID)
	logger.Info("agent run started")

	result := &Result{RunID: runID}
	workingQuery := query
	var lastSearch *retrieval.SearchResponse

	for iteration := 1; iteration <= maxIterations; iteration++ {
		start := time.Now()
		dec := l.think(ctx, logger, query, workingQuery, iteration, result.Steps, resultCount(lastSearch))

		step := Step{
			Iteration: iteration,
			Action:    Action(dec.Action),
			Reasoning: dec.Reasoning,
			Query:     workingQuery,
		}

		switch Action(dec.Action) {
		case ActionSearch:
			if dec.SearchQuery != "" {
				workingQuery = dec.SearchQuery
			}
			step.Query = workingQuery

			call := mcp.ToolCall{
				Server:    l.server,
				Tool:      "searchDocuments",
				Arguments: map[string]interface{}{"query": workingQuery, "limit": 5},
			}
			toolResult := l.executor.ExecuteTool(ctx, call)
			result.ToolCalls = append(result.ToolCalls, call)
			if toolResult.Success {
				lastSearch = asSearchResponse(toolResult.Result)
			} else {
				logger.Warn("search tool failed", "error", toolResult.Error)
			}
			step.ResultCount = resultCount(lastSearch)

			verdict := l.analyze(ctx, logger, query, workingQuery, lastSearch)
			step.Satisfied = verdict.Satisfied
			step.Duration = time.Since(start)
			result.Steps = append(result.Steps, step)
			result.Iterations = iteration

			if verdict.Satisfied {
				logger.Info("agent satisfied", "iteration", iteration, "reason", verdict.Reason)
				result.Answer = l.finalAnswer(ctx, logger, query, result.Steps, lastSearch)
				return result
			}

		case ActionRefine:
			if dec.SearchQuery != "" {
				workingQuery = dec.SearchQuery
			}
			step.Query = workingQuery
			step.ResultCount = resultCount(lastSearch)
			step.Duration = time.Since(start)
			result.Steps = append(result.Steps, step)
			result.Iterations = iteration

		case ActionComplete:
			step.ResultCount = resultCount(lastSearch)
			step.Duration = time.Since(start)
			result.Steps = append(result.Steps, step)
			result.Iterations = iteration
			result.Answer = l.finalAnswer(ctx, logger, query, result.Steps, lastSearch)
			return result

		default:
			// Unknown action from the model: treat as refine without a
			// query change so the iteration still counts.
			step.Action = ActionRefine
			step.Reasoning = fmt.Sprintf("unbekannte Aktion %q, fahre fort", dec.Action)
			step.ResultCount = resultCount(lastSearch)
			step.Duration = time.Since(start)
			result.Steps = append(result.Steps, step)
			result.Iterations = iteration
		}
	}

	// Iteration cap reached.
	logger.Warn("agent loop hit iteration cap, forcing completion",
		"iterations", maxIterations)
	result.ForcedCompletion = true
	result.Answer = l.finalAnswer(ctx, logger, query, result.Steps, lastSearch)
	return result
}

// think asks the model for the next action. Parse failures fall back to
// search on the first iteration and complete once any results exist.
func (l *Loop) think(ctx context.Context, logger *slog.Logger, query, workingQuery string, iteration int, steps []Step, results int) decision {
	fallback := decision{
		Action:      string(ActionSearch),
		Reasoning:   "Standardaktion: Suche starten",
		SearchQuery: workingQuery,
	}
	if iteration > 1 && results > 0 {
		fallback = decision{
			Action:    string(ActionComplete),
			Reasoning: "Standardaktion: Ergebnisse vorhanden, abschließen",
		}
	}

	temp := 0.2
	maxTokens := 300
	resp, err := l.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: thinkSystemPrompt},
			{Role: llm.MessageRoleUser, Content: renderThinkPrompt(query, workingQuery, iteration, steps, results)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Metadata:    map[string]string{"step": "think"},
	})
	if err != nil {
		logger.Warn("think call failed, using fallback", "error", err)
		return fallback
	}

	var dec decision
	if err := llm.DecodeDecision(resp.Content, &dec); err != nil || dec.Action == "" {
		logger.Warn("think reply unparsable, using fallback", "error", err)
		return fallback
	}
	return dec
}

// analyze judges the current result set. Parse failures fall back to
// satisfied iff any results exist.
func (l *Loop) analyze(ctx context.Context, logger *slog.Logger, query, workingQuery string, search *retrieval.SearchResponse) analysis {
	count := resultCount(search)
	fallback := analysis{
		Satisfied: count > 0,
		Reason:    fmt.Sprintf("Standardbewertung: %d Ergebnisse", count),
	}

	temp := 0.1
	maxTokens := 300
	resp, err := l.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: analyzeSystemPrompt},
			{Role: llm.MessageRoleUser, Content: renderAnalyzePrompt(query, workingQuery, search)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Metadata:    map[string]string{"step": "analyze"},
	})
	if err != nil {
		logger.Warn("analyze call failed, using fallback", "error", err)
		return fallback
	}

	var verdict analysis
	if err := llm.DecodeDecision(resp.Content, &verdict); err != nil {
		logger.Warn("analyze reply unparsable, using fallback", "error", err)
		return fallback
	}
	return verdict
}

// finalAnswer synthesizes the user-facing reply from the run history.
// Failure degrades to a minimal templated summary.
func (l *Loop) finalAnswer(ctx context.Context, logger *slog.Logger, query string, steps []Step, search *retrieval.SearchResponse) string {
	count := resultCount(search)

	temp := 0.3
	maxTokens := 1000
	resp, err := l.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: answerSystemPrompt},
			{Role: llm.MessageRoleUser, Content: renderAnswerPrompt(query, steps, search)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Metadata:    map[string]string{"step": "final-answer"},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		logger.Warn("final answer degraded to templated summary", "error", err)
		return fmt.Sprintf("Ich habe %d Dokumente zu %q gefunden.", count, query)
	}
	return resp.Content
}

func resultCount(search *retrieval.SearchResponse) int {
	if search == nil {
		return 0
	}
	return len(search.Results)
}

func asSearchResponse(v interface{}) *retrieval.SearchResponse {
	if sr, ok := v.(*retrieval.SearchResponse); ok {
		return sr
	}
	return &retrieval.SearchResponse{}
}

func renderThinkPrompt(query, workingQuery string, iteration int, steps []Step, results int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frage des Benutzers: %s\n", query)
	fmt.Fprintf(&b, "Aktuelle Suchanfrage: %s\n", workingQuery)
	fmt.Fprintf(&b, "Iteration: %d von %d\n", iteration, maxIterations)
	fmt.Fprintf(&b, "Bisherige Ergebnisse: %d\n", results)
	if len(steps) > 0 {
		b.WriteString("Bisherige Schritte:\n")
		for _, s := range steps {
			fmt.Fprintf(&b, "- Iteration %d: %s (%d Ergebnisse)\n", s.Iteration, s.Action, s.ResultCount)
		}
	}
	return b.String()
}

func renderAnalyzePrompt(query, workingQuery string, search *retrieval.SearchResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frage: %s\nSuchanfrage: %s\n", query, workingQuery)
	if search == nil || len(search.Results) == 0 {
		b.WriteString("Keine Ergebnisse gefunden.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%d Ergebnisse:\n", len(search.Results))
	for i, r := range search.Results {
		fmt.Fprintf(&b, "%d. %s (Relevanz %.0f%%)\n", i+1, r.Title, r.Score*100)
	}
	return b.String()
}

func renderAnswerPrompt(query string, steps []Step, search *retrieval.SearchResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frage: %s\n\nSuchverlauf:\n", query)
	for _, s := range steps {
		fmt.Fprintf(&b, "- Iteration %d: %s, Anfrage %q, %d Ergebnisse\n",
			s.Iteration, s.Action, s.Query, s.ResultCount)
	}
	if search != nil && len(search.Results) > 0 {
		b.WriteString("\nGefundene Dokumente:\n")
		for i, r := range search.Results {
			fmt.Fprintf(&b, "%d. %s (%s, Relevanz %.0f%%)\n", i+1, r.Title, r.Source, r.Score*100)
			if r.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", r.Snippet)
			}
		}
	}
	return b.String()
}

const thinkSystemPrompt = `Du steuerst eine iterative Dokumentensuche. Antworte mit einem JSON-Objekt:
{"action": "search" | "refine" | "complete", "reasoning": "...", "searchQuery": "..."}

- "search": führe eine Suche mit searchQuery aus
- "refine": verbessere nur die Suchanfrage, ohne zu suchen
- "complete": beende die Suche`

const analyzeSystemPrompt = `Du bewertest Suchergebnisse. Antworte mit einem JSON-Objekt:
{"satisfied": true | false, "reason": "...", "conclusion": "..."}`

const answerSystemPrompt = `Du bist ein hilfreicher Assistent. Formuliere aus dem Suchverlauf und den gefundenen Dokumenten eine klare Antwort auf die Frage des Benutzers. Nenne die gefundenen Dokumente einzeln.`
