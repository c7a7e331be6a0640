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
	"strings"
	"time"

	ilog "github.com/tombee/sapassist/internal/log"
	"github.com/tombee/sapassist/internal/mcp"
)

// defaultWarmup delays domain matching after startup so tool servers
// finish their initialize handshakes before the first resolution.
const defaultWarmup = 2 * time.Second

// DomainMatcher maps business concepts (invoicing, sales, customers,
// documents) to candidate tables and operations, then resolves the first
// operation an active server can serve. Document search outranks SAP
// table access regardless of the domain's own operation order.
type DomainMatcher struct {
	tables  *Tables
	status  StatusSource
	logger  *slog.Logger
	readyAt time.Time
}

// DomainMatcherOption configures a DomainMatcher.
type DomainMatcherOption func(*DomainMatcher)

// WithWarmup overrides the startup warm-up period.
func WithWarmup(d time.Duration) DomainMatcherOption {
	return func(m *DomainMatcher) {
		m.readyAt = time.Now().Add(d)
	}
}

// NewDomainMatcher builds the matcher over the given tables.
func NewDomainMatcher(tables *Tables, status StatusSource, logger *slog.Logger, opts ...DomainMatcherOption) *DomainMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &DomainMatcher{
		tables:  tables,
		status:  status,
		logger:  logger,
		readyAt: time.Now().Add(defaultWarmup),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements Strategy.
func (m *DomainMatcher) Name() string { return "domain" }

// ResolveTables returns the candidate table set for an utterance: the
// tables of every domain whose concepts match, highest-priority domain
// first.
func (m *DomainMatcher) ResolveTables(utterance string) []string {
	var tables []string
	for _, d := range m.matchedDomains(utterance) {
		tables = append(tables, d.Tables...)
	}
	return tables
}

// matchedDomains returns every domain with a matching concept, sorted by
// descending priority.
func (m *DomainMatcher) matchedDomains(utterance string) []Domain {
	lower := strings.ToLower(utterance)
	var matched []Domain
	for _, d := range m.tables.snapshotDomains() {
		if anySubstring(lower, d.Concepts) {
			matched = append(matched, d)
		}
	}
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j].Priority > matched[j-1].Priority; j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}
	return matched
}

// Match resolves the highest-priority matching domain to a single tool
// call on an active server.
func (m *DomainMatcher) Match(ctx context.Context, utterance string) []Candidate {
	if time.Now().Before(m.readyAt) {
		m.logger.Debug("domain matcher still in warm-up")
		return nil
	}

	matched := m.matchedDomains(utterance)
	if len(matched) == 0 {
		return nil
	}
	winner := matched[0]
	active := activeServers(ctx, m.status)
	kinds := serverKinds(ctx, m.status)

	for _, op := range orderedOperations(winner.Operations) {
		if call, ok := m.resolveOperation(op, winner, utterance, active, kinds); ok {
			m.logger.Debug("domain match",
				"domain", winner.Name,
				"operation", string(op),
				ilog.ServerKey, call.Server)
			return []Candidate{{Call: call, Priority: winner.Priority}}
		}
	}
	return nil
}

// orderedOperations applies the fixed preference: document search first,
// then the domain's own order for the rest.
func orderedOperations(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op == OpDocumentSearch {
			out = append(out, op)
		}
	}
	for _, op := range ops {
		if op != OpDocumentSearch {
			out = append(out, op)
		}
	}
	return out
}

// resolveOperation finds an active server that serves the operation.
func (m *DomainMatcher) resolveOperation(op Operation, d Domain, utterance string, active map[string]bool, kinds map[string]mcp.ServerKind) (mcp.ToolCall, bool) {
	switch op {
	case OpDocumentSearch:
		for name := range active {
			if kinds[name] != mcp.KindDocumentRetrieval {
				continue
			}
			args := map[string]interface{}{"limit": 5}
			if q := ExtractSearchQuery(utterance); q != "" {
				args["query"] = q
			}
			return mcp.ToolCall{Server: name, Tool: "searchDocuments", Arguments: args}, true
		}
	case OpTableContents:
		if len(d.Tables) == 0 {
			return mcp.ToolCall{}, false
		}
		for name := range active {
			if kinds[name] != mcp.KindAbapSystem {
				continue
			}
			table := d.Tables[0]
			if t := ExtractTableName(utterance); t != "" && contains(d.Tables, t) {
				table = t
			}
			return mcp.ToolCall{
				Server: name,
				Tool:   "tableContents",
				Arguments: map[string]interface{}{
					"ddicEntityName": table,
					"rowNumber":      ExtractRowCount(utterance, 10),
				},
			}, true
		}
	case OpObjectSearch:
		for name := range active {
			if kinds[name] != mcp.KindAbapSystem {
				continue
			}
			args := map[string]interface{}{}
			if q := ExtractSearchQuery(utterance); q != "" {
				args["query"] = q
			}
			return mcp.ToolCall{Server: name, Tool: "searchObject", Arguments: args}, true
		}
	}
	return mcp.ToolCall{}, false
}

// serverKinds returns the resolved kind per configured server.
func serverKinds(ctx context.Context, status StatusSource) map[string]mcp.ServerKind {
	out := make(map[string]mcp.ServerKind)
	if status == nil {
		return out
	}
	for _, s := range status.AllServersWithStatus(ctx) {
		out[s.Name] = s.Kind
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
