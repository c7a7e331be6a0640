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

// Package match selects tool calls from free-text utterances without
// involving an LLM. Two independent strategies exist: a keyword matcher
// over a priority-ranked table, and a domain matcher over business
// concepts. Both are driven by declarative tables that can be loaded from
// YAML or extended at runtime.
package match

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ExtractKind names the argument-extraction routine a tool entry uses.
type ExtractKind string

const (
	// ExtractNone applies only the static default arguments.
	ExtractNone ExtractKind = ""
	// ExtractTableAndRows pulls a DDIC table name and row count.
	ExtractTableAndRows ExtractKind = "table-and-rows"
	// ExtractDocumentQuery applies the layered search-query heuristics.
	ExtractDocumentQuery ExtractKind = "document-query"
	// ExtractObjectQuery pulls a repository object name.
	ExtractObjectQuery ExtractKind = "object-query"
)

// ToolEntry is one keyword-matched tool on a server.
type ToolEntry struct {
	// Tool is the tool name on the server.
	Tool string `yaml:"tool"`

	// Keywords match as substrings of the lowercased utterance.
	Keywords []string `yaml:"keywords"`

	// Priority ranks matches; higher runs first.
	Priority int `yaml:"priority"`

	// Arguments are static defaults, overlaid by extraction.
	Arguments map[string]interface{} `yaml:"arguments,omitempty"`

	// Extract names the argument-extraction routine.
	Extract ExtractKind `yaml:"extract,omitempty"`
}

// ServerEntry groups the keyword-matched tools of one server.
type ServerEntry struct {
	// Server is the tool-server name.
	Server string `yaml:"server"`

	// Keywords gate the server: one must appear in the utterance before
	// any of its tools are considered.
	Keywords []string `yaml:"keywords"`

	// Tools are the matchable tools, each with its own keyword set.
	Tools []ToolEntry `yaml:"tools"`
}

// Operation names an abstract capability a domain can resolve to.
type Operation string

const (
	// OpDocumentSearch searches the document store.
	OpDocumentSearch Operation = "document-search"
	// OpTableContents reads rows from a business table.
	OpTableContents Operation = "table-contents"
	// OpObjectSearch searches repository objects.
	OpObjectSearch Operation = "object-search"
)

// Domain maps business concepts to candidate tables and operations.
type Domain struct {
	// Name identifies the domain.
	Name string `yaml:"name"`

	// Priority picks the winning domain when several concepts match.
	Priority int `yaml:"priority"`

	// Concepts match as substrings of the lowercased utterance.
	Concepts []string `yaml:"concepts"`

	// Tables are candidate DDIC tables, most relevant first.
	Tables []string `yaml:"tables,omitempty"`

	// Operations are tried in the listed order; within the overall
	// match the document-search operation always outranks SAP ones.
	Operations []Operation `yaml:"operations"`
}

// Tables is the full declarative matcher configuration.
type Tables struct {
	mu sync.RWMutex

	// Servers is the keyword-matcher table.
	Servers []ServerEntry `yaml:"servers"`

	// Domains is the domain-matcher table.
	Domains []Domain `yaml:"domains"`
}

// tablesFile is the YAML envelope for a tables file.
type tablesFile struct {
	Matching struct {
		Servers []ServerEntry `yaml:"servers"`
		Domains []Domain      `yaml:"domains"`
	} `yaml:"matching"`
}

// LoadTables reads matcher tables from a YAML file, falling back to the
// compiled-in defaults when the file does not exist.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return DefaultTables(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTables(), nil
		}
		return nil, fmt.Errorf("failed to read matcher tables: %w", err)
	}

	var file tablesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse matcher tables: %w", err)
	}

	t := &Tables{
		Servers: file.Matching.Servers,
		Domains: file.Matching.Domains,
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tables) validate() error {
	for _, srv := range t.Servers {
		if srv.Server == "" {
			return fmt.Errorf("matcher table: server name is required")
		}
		for _, tool := range srv.Tools {
			if tool.Tool == "" {
				return fmt.Errorf("matcher table: server %s has a tool without a name", srv.Server)
			}
		}
	}
	for _, d := range t.Domains {
		if d.Name == "" {
			return fmt.Errorf("matcher table: domain name is required")
		}
		if len(d.Concepts) == 0 {
			return fmt.Errorf("matcher table: domain %s has no concepts", d.Name)
		}
	}
	return nil
}

// AddServerMapping registers a keyword mapping at runtime. Mappings do
// not survive a restart.
func (t *Tables) AddServerMapping(entry ServerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.Servers {
		if t.Servers[i].Server == entry.Server {
			t.Servers[i].Keywords = append(t.Servers[i].Keywords, entry.Keywords...)
			t.Servers[i].Tools = append(t.Servers[i].Tools, entry.Tools...)
			return
		}
	}
	t.Servers = append(t.Servers, entry)
}

// AddDomain registers a domain mapping at runtime.
func (t *Tables) AddDomain(d Domain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Domains = append(t.Domains, d)
}

// snapshotServers returns a stable copy of the server table.
func (t *Tables) snapshotServers() []ServerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ServerEntry, len(t.Servers))
	copy(out, t.Servers)
	return out
}

// snapshotDomains returns a stable copy of the domain table.
func (t *Tables) snapshotDomains() []Domain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Domain, len(t.Domains))
	copy(out, t.Domains)
	return out
}

// DefaultTables returns the compiled-in matcher configuration covering
// the standard server set.
func DefaultTables() *Tables {
	return &Tables{
		Servers: []ServerEntry{
			{
				Server: "mcp-abap-abap-adt-api",
				Keywords: []string{
					"tabelle", "sap", "abap", "einträge", "eintraege",
					"vbak", "vbrk", "vbap", "kna1", "daten aus",
				},
				Tools: []ToolEntry{
					{
						Tool: "tableContents",
						Keywords: []string{
							"tabelle", "einträge", "eintraege", "inhalt",
							"zeilen", "vbak", "vbrk", "vbap", "kna1",
						},
						Priority:  8,
						Arguments: map[string]interface{}{"rowNumber": 10},
						Extract:   ExtractTableAndRows,
					},
					{
						Tool: "searchObject",
						Keywords: []string{
							"programm", "report", "objekt", "funktionsbaustein",
						},
						Priority: 6,
						Extract:  ExtractObjectQuery,
					},
				},
			},
			{
				Server: "document-retrieval",
				Keywords: []string{
					"dokument", "unterlagen", "richtlinie", "anleitung",
					"urlaub", "such", "handbuch", "prozess",
				},
				Tools: []ToolEntry{
					{
						Tool: "searchDocuments",
						Keywords: []string{
							"dokument", "such", "urlaub", "richtlinie",
							"anleitung", "handbuch", "unterlagen",
						},
						Priority:  7,
						Arguments: map[string]interface{}{"limit": 5},
						Extract:   ExtractDocumentQuery,
					},
				},
			},
			{
				Server:   "sap-catalog",
				Keywords: []string{"service", "odata", "schnittstelle", "api"},
				Tools: []ToolEntry{
					{
						Tool:     "search-services",
						Keywords: []string{"service", "odata", "api"},
						Priority: 5,
						Extract:  ExtractDocumentQuery,
					},
				},
			},
		},
		Domains: []Domain{
			{
				Name:     "invoicing",
				Priority: 9,
				Concepts: []string{"rechnung", "invoice", "faktura", "billing", "abrechnung"},
				Tables:   []string{"VBRK", "VBRP"},
				Operations: []Operation{
					OpTableContents,
				},
			},
			{
				Name:     "sales",
				Priority: 8,
				Concepts: []string{"auftrag", "aufträge", "order", "verkauf", "sales", "bestellung"},
				Tables:   []string{"VBAK", "VBAP"},
				Operations: []Operation{
					OpTableContents,
				},
			},
			{
				Name:     "customers",
				Priority: 7,
				Concepts: []string{"kunde", "kunden", "customer", "debitor", "geschäftspartner"},
				Tables:   []string{"KNA1", "KNVV"},
				Operations: []Operation{
					OpTableContents, OpObjectSearch,
				},
			},
			{
				Name:     "documents",
				Priority: 6,
				Concepts: []string{
					"dokument", "dokumente", "richtlinie", "anleitung",
					"urlaub", "handbuch", "prozess", "unterlagen",
				},
				Operations: []Operation{
					OpDocumentSearch,
				},
			},
		},
	}
}
