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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/sapassist/internal/mcp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStatus reports a fixed server set as running.
type stubStatus struct {
	statuses []mcp.ServerStatus
}

func (s *stubStatus) AllServersWithStatus(_ context.Context) []mcp.ServerStatus {
	return s.statuses
}

func allActive() *stubStatus {
	return &stubStatus{statuses: []mcp.ServerStatus{
		{Name: "mcp-abap-abap-adt-api", Kind: mcp.KindAbapSystem, Running: true},
		{Name: "document-retrieval", Kind: mcp.KindDocumentRetrieval, Running: true},
		{Name: "sap-catalog", Kind: mcp.KindSimulatedSapCatalog, Running: true},
	}}
}

func TestKeywordMatcherTableContents(t *testing.T) {
	m := NewKeywordMatcher(DefaultTables(), allActive(), discardLogger())

	candidates := m.Match(context.Background(), "Zeige die ersten 5 Einträge aus der Tabelle VBAK")
	if len(candidates) == 0 {
		t.Fatal("no candidates")
	}

	top := candidates[0]
	if top.Call.Server != "mcp-abap-abap-adt-api" || top.Call.Tool != "tableContents" {
		t.Fatalf("top = %s/%s", top.Call.Server, top.Call.Tool)
	}
	if got := top.Call.Arguments["ddicEntityName"]; got != "VBAK" {
		t.Errorf("ddicEntityName = %v, want VBAK", got)
	}
	if got := top.Call.Arguments["rowNumber"]; got != 5 {
		t.Errorf("rowNumber = %v, want 5", got)
	}
}

func TestKeywordMatcherInactiveServerSkipped(t *testing.T) {
	status := &stubStatus{statuses: []mcp.ServerStatus{
		{Name: "mcp-abap-abap-adt-api", Kind: mcp.KindAbapSystem, Running: false},
	}}
	m := NewKeywordMatcher(DefaultTables(), status, discardLogger())

	candidates := m.Match(context.Background(), "Tabelle VBAK Einträge")
	if len(candidates) != 0 {
		t.Errorf("candidates = %d from inactive server, want 0", len(candidates))
	}
}

func TestKeywordMatcherPriorityOrder(t *testing.T) {
	m := NewKeywordMatcher(DefaultTables(), allActive(), discardLogger())

	// Both the ABAP table tool (priority 8) and the document search
	// (priority 7) match this utterance.
	candidates := m.Match(context.Background(),
		"Suche Dokumente zur Tabelle VBAK")
	if len(candidates) < 2 {
		t.Fatalf("candidates = %d, want >= 2", len(candidates))
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Priority > candidates[i-1].Priority {
			t.Errorf("candidates not sorted by priority: %d before %d",
				candidates[i-1].Priority, candidates[i].Priority)
		}
	}
}

func TestKeywordMatcherNoMatch(t *testing.T) {
	m := NewKeywordMatcher(DefaultTables(), allActive(), discardLogger())
	if c := m.Match(context.Background(), "Hallo, wie geht es dir?"); len(c) != 0 {
		t.Errorf("candidates = %d for small talk, want 0", len(c))
	}
}

func TestDomainMatcherRechnungResolvesVBRK(t *testing.T) {
	m := NewDomainMatcher(DefaultTables(), allActive(), discardLogger(), WithWarmup(0))

	tables := m.ResolveTables("Zeige mir die letzte Rechnung")
	found := false
	for _, table := range tables {
		if table == "VBRK" {
			found = true
		}
	}
	if !found {
		t.Errorf("tables = %v, want VBRK included", tables)
	}

	candidates := m.Match(context.Background(), "Zeige mir die letzte Rechnung")
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	call := candidates[0].Call
	if call.Tool != "tableContents" || call.Arguments["ddicEntityName"] != "VBRK" {
		t.Errorf("call = %s %v", call.Tool, call.Arguments)
	}
}

func TestDomainMatcherWarmup(t *testing.T) {
	m := NewDomainMatcher(DefaultTables(), allActive(), discardLogger())
	// Default warm-up has not elapsed.
	if c := m.Match(context.Background(), "Zeige mir die letzte Rechnung"); c != nil {
		t.Errorf("candidates during warm-up = %v, want nil", c)
	}
}

func TestDomainMatcherDocumentSearchPreferred(t *testing.T) {
	tables := DefaultTables()
	tables.AddDomain(Domain{
		Name:     "hr",
		Priority: 10,
		Concepts: []string{"gehaltsabrechnung"},
		Tables:   []string{"PA0008"},
		Operations: []Operation{
			OpTableContents, OpDocumentSearch,
		},
	})
	m := NewDomainMatcher(tables, allActive(), discardLogger(), WithWarmup(0))

	candidates := m.Match(context.Background(), "Wo finde ich meine Gehaltsabrechnung?")
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	// Document search outranks table access even though the domain lists
	// table-contents first.
	if candidates[0].Call.Tool != "searchDocuments" {
		t.Errorf("tool = %s, want searchDocuments", candidates[0].Call.Tool)
	}
}

func TestDomainMatcherFallsBackToSapWhenNoDocumentServer(t *testing.T) {
	status := &stubStatus{statuses: []mcp.ServerStatus{
		{Name: "mcp-abap-abap-adt-api", Kind: mcp.KindAbapSystem, Running: true},
	}}
	tables := DefaultTables()
	tables.AddDomain(Domain{
		Name:     "hr",
		Priority: 10,
		Concepts: []string{"gehaltsabrechnung"},
		Tables:   []string{"PA0008"},
		Operations: []Operation{
			OpDocumentSearch, OpTableContents,
		},
	})
	m := NewDomainMatcher(tables, status, discardLogger(), WithWarmup(0))

	candidates := m.Match(context.Background(), "Zeige die Gehaltsabrechnung")
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	call := candidates[0].Call
	if call.Tool != "tableContents" || call.Arguments["ddicEntityName"] != "PA0008" {
		t.Errorf("call = %s %v", call.Tool, call.Arguments)
	}
}

func TestDomainMatcherHighestPriorityWins(t *testing.T) {
	m := NewDomainMatcher(DefaultTables(), allActive(), discardLogger(), WithWarmup(0))

	// "Rechnung" (invoicing, priority 9) and "Kunde" (customers,
	// priority 7) both match; invoicing wins.
	candidates := m.Match(context.Background(), "Rechnung für den Kunden anzeigen")
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	if got := candidates[0].Call.Arguments["ddicEntityName"]; got != "VBRK" {
		t.Errorf("ddicEntityName = %v, want VBRK from invoicing domain", got)
	}
}

func TestExtractSearchQueryQuoted(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`Suche nach "Fitzer"`, "Fitzer"},
		{`'"Fitzer"'`, "Fitzer"},
		{`Finde Informationen über "Urlaubsantrag stellen"`, "Urlaubsantrag stellen"},
	}
	for _, tt := range tests {
		if got := ExtractSearchQuery(tt.input); got != tt.want {
			t.Errorf("ExtractSearchQuery(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestExtractSearchQueryLayered(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"search phrase", "Suche nach Urlaubsrichtlinie", "Urlaubsrichtlinie"},
		{"proper noun", "Was weißt du über Herrn Fitzer und seine Projekte", "Herrn Fitzer Projekte"},
		{"stop word leftover", "wie beantrage ich urlaub", "beantrage urlaub"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSearchQuery(tt.input); got != tt.want {
				t.Errorf("ExtractSearchQuery(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExtractTableName(t *testing.T) {
	if got := ExtractTableName("die ersten 5 Einträge aus VBAK"); got != "VBAK" {
		t.Errorf("table = %q, want VBAK", got)
	}
	if got := ExtractTableName("zeige mir die Daten"); got != "" {
		t.Errorf("table = %q, want empty", got)
	}
}

func TestExtractRowCount(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"die ersten 5 Einträge", 5},
		{"top 20 aus VBAK", 20},
		{"25 Zeilen bitte", 25},
		{"alle Daten", 10},
	}
	for _, tt := range tests {
		if got := ExtractRowCount(tt.input, 10); got != tt.want {
			t.Errorf("ExtractRowCount(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestLoadTablesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matching.yaml")
	content := `matching:
  servers:
    - server: custom-server
      keywords: [spezial]
      tools:
        - tool: customTool
          keywords: [spezial]
          priority: 9
  domains:
    - name: logistics
      priority: 5
      concepts: [lieferung, versand]
      tables: [LIKP]
      operations: [table-contents]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	if len(tables.Servers) != 1 || tables.Servers[0].Server != "custom-server" {
		t.Errorf("servers = %+v", tables.Servers)
	}
	if len(tables.Domains) != 1 || tables.Domains[0].Tables[0] != "LIKP" {
		t.Errorf("domains = %+v", tables.Domains)
	}
}

func TestLoadTablesMissingFileUsesDefaults(t *testing.T) {
	tables, err := LoadTables(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	if len(tables.Domains) == 0 {
		t.Error("defaults carry no domains")
	}
}

func TestAddServerMappingMergesExisting(t *testing.T) {
	tables := DefaultTables()
	before := len(tables.Servers)

	tables.AddServerMapping(ServerEntry{
		Server:   "mcp-abap-abap-adt-api",
		Keywords: []string{"lagerbestand"},
		Tools: []ToolEntry{
			{Tool: "stockLevels", Keywords: []string{"lagerbestand"}, Priority: 7},
		},
	})

	if len(tables.Servers) != before {
		t.Errorf("server count changed on merge: %d -> %d", before, len(tables.Servers))
	}

	m := NewKeywordMatcher(tables, allActive(), discardLogger())
	candidates := m.Match(context.Background(), "Wie ist der Lagerbestand?")
	found := false
	for _, c := range candidates {
		if c.Call.Tool == "stockLevels" {
			found = true
		}
	}
	if !found {
		t.Error("runtime-added mapping not matched")
	}
}
