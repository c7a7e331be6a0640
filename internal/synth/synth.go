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

// Package synth turns tool-call traces into conversational text. Formatting
// is parse-safe: payloads the formatter does not recognize render as a
// generic success line rather than failing the response.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	ilog "github.com/tombee/sapassist/internal/log"
	"github.com/tombee/sapassist/internal/match"
	"github.com/tombee/sapassist/internal/mcp"
	"github.com/tombee/sapassist/internal/retrieval"
	"github.com/tombee/sapassist/pkg/llm"
)

const maxSnippet = 200

// Synthesizer composes user-facing replies from tool results, optionally
// refining them through the LLM provider. A nil provider is valid; replies
// then come straight from the deterministic formatter.
type Synthesizer struct {
	provider llm.Provider
	logger   *slog.Logger
}

// New builds a synthesizer. provider may be nil.
func New(provider llm.Provider, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{provider: provider, logger: logger}
}

// Respond produces a reply for the utterance from the executed tool calls.
// With a provider configured the formatted results are handed to the model
// for a conversational rewrite; any provider failure degrades to the
// formatted text.
func (s *Synthesizer) Respond(ctx context.Context, utterance string, trace []match.ExecutedCall) string {
	formatted := s.FormatTrace(trace)
	if s.provider == nil {
		return formatted
	}

	temp := 0.4
	maxTokens := 1000
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: synthSystemPrompt},
			{Role: llm.MessageRoleUser, Content: renderSynthPrompt(utterance, formatted)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		s.logger.Warn("synthesis degraded to formatted results", "error", err)
		return formatted
	}
	return resp.Content
}

// Stream streams the reply token by token. Provider failures degrade to a
// single chunk carrying the formatted results, so callers always get a
// usable stream.
func (s *Synthesizer) Stream(ctx context.Context, utterance string, trace []match.ExecutedCall) <-chan llm.StreamChunk {
	formatted := s.FormatTrace(trace)
	if s.provider == nil {
		return singleChunk(formatted)
	}

	temp := 0.4
	maxTokens := 1000
	ch, err := s.provider.Stream(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: synthSystemPrompt},
			{Role: llm.MessageRoleUser, Content: renderSynthPrompt(utterance, formatted)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		s.logger.Warn("streaming synthesis degraded to formatted results", "error", err)
		return singleChunk(formatted)
	}
	return ch
}

// FormatTrace renders the executed calls deterministically, one block per
// call, successes first by strategy order.
func (s *Synthesizer) FormatTrace(trace []match.ExecutedCall) string {
	if len(trace) == 0 {
		return "Ich konnte kein passendes Werkzeug für Ihre Anfrage finden."
	}

	var blocks []string
	for _, ec := range trace {
		blocks = append(blocks, s.formatResult(ec.Call, ec.Result))
	}
	return strings.Join(blocks, "\n\n")
}

// formatResult renders one tool result by tool identity.
func (s *Synthesizer) formatResult(call mcp.ToolCall, result mcp.ToolResult) string {
	if !result.Success {
		if result.Error != "" {
			return result.Error
		}
		return fmt.Sprintf("Die Ausführung von '%s' ist fehlgeschlagen.", call.Tool)
	}

	switch call.Tool {
	case "searchDocuments":
		if sr, ok := result.Result.(*retrieval.SearchResponse); ok {
			return formatSearchResults(sr)
		}
	case "getDocumentContext":
		if cr, ok := result.Result.(*retrieval.ContextResponse); ok {
			return formatContext(cr)
		}
	case "getDocumentStats":
		if st, ok := result.Result.(*retrieval.StatsResponse); ok {
			return fmt.Sprintf("Die Dokumentenbasis enthält %d Dokumente in %d Abschnitten.", st.Documents, st.Chunks)
		}
	case "tableContents":
		if text := formatTableContents(call, result.Result); text != "" {
			return text
		}
	case "search-services", "discover-entities", "get-schema", "execute-operation":
		if text := formatCatalogPayload(call.Tool, result.Result); text != "" {
			return text
		}
	}

	s.logger.Debug("no formatter for tool result, using generic text",
		ilog.ToolKey, call.Tool)
	return fmt.Sprintf("Das Werkzeug '%s' wurde erfolgreich ausgeführt.", call.Tool)
}

func formatSearchResults(sr *retrieval.SearchResponse) string {
	if len(sr.Results) == 0 {
		return "Zu Ihrer Anfrage wurden keine passenden Dokumente gefunden."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Ich habe %d passende Dokumente gefunden:\n", len(sr.Results))
	for i, r := range sr.Results {
		fmt.Fprintf(&b, "%d. %s (%s, Relevanz %.0f%%)\n", i+1, r.Title, r.Source, r.Score*100)
		if r.Snippet != "" {
			snippet := r.Snippet
			if len(snippet) > maxSnippet {
				snippet = snippet[:maxSnippet] + "..."
			}
			fmt.Fprintf(&b, "   %s\n", snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatContext(cr *retrieval.ContextResponse) string {
	if len(cr.Chunks) == 0 {
		return "Zu Ihrer Anfrage wurde kein Dokumentenkontext gefunden."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Relevanter Kontext zu %q:\n", cr.Query)
	for _, chunk := range cr.Chunks {
		fmt.Fprintf(&b, "- %s\n", chunk)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatTableContents renders an ABAP table payload. The server returns a
// map with "rows" (list of column→value maps); anything else yields "".
func formatTableContents(call mcp.ToolCall, payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	rows, ok := m["rows"].([]interface{})
	if !ok {
		return ""
	}

	table, _ := call.Arguments["ddicEntityName"].(string)
	if table == "" {
		table = "Tabelle"
	}
	if len(rows) == 0 {
		return fmt.Sprintf("Die Tabelle %s enthält keine Einträge.", table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Inhalt der Tabelle %s (%d Einträge):\n", table, len(rows))
	for i, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]string, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, fmt.Sprintf("%s=%v", k, row[k]))
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(fields, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatCatalogPayload renders simulated SAP catalog results. Shapes follow
// SimulatedCatalog.Execute: search-services yields a service list, the
// others maps keyed by serviceId/entitySet.
func formatCatalogPayload(tool string, payload interface{}) string {
	switch tool {
	case "search-services":
		services, ok := payload.([]map[string]interface{})
		if !ok {
			return ""
		}
		if len(services) == 0 {
			return "Es wurden keine passenden SAP-Services gefunden."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Gefundene SAP-Services (%d):\n", len(services))
		for _, svc := range services {
			fmt.Fprintf(&b, "- %v: %v\n", svc["id"], svc["description"])
		}
		return strings.TrimRight(b.String(), "\n")
	case "discover-entities":
		m, ok := payload.(map[string]interface{})
		if !ok {
			return ""
		}
		entities, ok := m["entities"].([]string)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Der Service %v bietet folgende Entitäten: %s",
			m["serviceId"], strings.Join(entities, ", "))
	case "get-schema":
		m, ok := payload.(map[string]interface{})
		if !ok {
			return ""
		}
		if name, ok := m["entitySet"].(string); ok {
			return fmt.Sprintf("Das Schema der Entität %s wurde ermittelt.", name)
		}
	case "execute-operation":
		if _, ok := payload.(map[string]interface{}); ok {
			return "Die Operation wurde simuliert ausgeführt (keine Echtdaten)."
		}
	}
	return ""
}

func renderSynthPrompt(utterance, formatted string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frage des Benutzers: %s\n\nErgebnisse der Werkzeuge:\n%s\n", utterance, formatted)
	return b.String()
}

func singleChunk(content string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{Content: content, FinishReason: llm.FinishReasonStop}
	close(ch)
	return ch
}

const synthSystemPrompt = `Du bist ein hilfreicher Assistent für Geschäftsanwendungen. Formuliere aus den Werkzeugergebnissen eine klare, freundliche Antwort auf Deutsch. Erfinde keine Daten, die nicht in den Ergebnissen stehen.`
