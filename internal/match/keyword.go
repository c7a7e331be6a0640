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

package match

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/tombee/sapassist/internal/mcp"
)

// Candidate is one ranked tool-call proposal from a strategy.
type Candidate struct {
	// Call is the proposed tool invocation.
	Call mcp.ToolCall

	// Priority ranks candidates; higher executes first.
	Priority int
}

// Strategy proposes tool calls for an utterance. Implementations must not
// execute anything themselves.
type Strategy interface {
	// Name identifies the strategy in logs and traces.
	Name() string

	// Match returns ranked candidates, best first. An empty slice means
	// the strategy has nothing to offer for this utterance.
	Match(ctx context.Context, utterance string) []Candidate
}

// KeywordMatcher is the fast first-pass selector: a static priority-ranked
// keyword table mapping utterance substrings to tool calls.
type KeywordMatcher struct {
	tables *Tables
	status StatusSource
	logger *slog.Logger
}

// StatusSource reports which servers can currently serve calls.
type StatusSource interface {
	AllServersWithStatus(ctx context.Context) []mcp.ServerStatus
}

// NewKeywordMatcher builds the matcher over the given tables.
func NewKeywordMatcher(tables *Tables, status StatusSource, logger *slog.Logger) *KeywordMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordMatcher{tables: tables, status: status, logger: logger}
}

// Name implements Strategy.
func (m *KeywordMatcher) Name() string { return "keyword" }

// Match scans the keyword table. A server participates only when one of
// its server-level keywords appears in the lowercased utterance and it is
// currently active; its tools then match on their own keyword sets.
func (m *KeywordMatcher) Match(ctx context.Context, utterance string) []Candidate {
	lower := strings.ToLower(utterance)
	active := activeServers(ctx, m.status)

	var candidates []Candidate
	for _, srv := range m.tables.snapshotServers() {
		if !active[srv.Server] {
			continue
		}
		if !anySubstring(lower, srv.Keywords) {
			continue
		}
		for _, tool := range srv.Tools {
			if !anySubstring(lower, tool.Keywords) {
				continue
			}
			candidates = append(candidates, Candidate{
				Call: mcp.ToolCall{
					Server:    srv.Server,
					Tool:      tool.Tool,
					Arguments: buildArguments(tool, utterance),
				},
				Priority: tool.Priority,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	m.logger.Debug("keyword match",
		"utterance_len", len(utterance),
		"candidates", len(candidates))
	return candidates
}

func anySubstring(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// activeServers returns the set of servers that can serve calls now.
func activeServers(ctx context.Context, status StatusSource) map[string]bool {
	out := make(map[string]bool)
	if status == nil {
		return out
	}
	for _, s := range status.AllServersWithStatus(ctx) {
		if s.Running && !s.Disabled {
			out[s.Name] = true
		}
	}
	return out
}
