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

// abapsim is a small stdio MCP server that simulates an ABAP system. It
// exposes login, tableContents and searchObject with canned SAP-flavored
// data so the supervisor has a realistic child process to spawn in demos
// and integration tests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const version = "1.0.0"

func main() {
	// Logs go to stderr; stdout carries the stdio protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s := server.NewMCPServer("abapsim", version)
	registerTools(s, logger)

	logger.Info("starting simulated ABAP MCP server", slog.String("version", version))
	if err := server.ServeStdio(s); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func registerTools(s *server.MCPServer, logger *slog.Logger) {
	s.AddTool(mcp.Tool{
		Name:        "login",
		Description: "Authenticate against the simulated ABAP system. Always succeeds.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, handleLogin)

	s.AddTool(mcp.Tool{
		Name:        "tableContents",
		Description: "Read rows from a DDIC table (VBAK, VBAP, VBRK, VBRP, KNA1 are populated).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"ddicEntityName": map[string]interface{}{
					"type":        "string",
					"description": "DDIC table name, e.g. VBAK",
				},
				"rowNumber": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of rows to return (default: 10)",
					"default":     10,
				},
			},
			Required: []string{"ddicEntityName"},
		},
	}, handleTableContents)

	s.AddTool(mcp.Tool{
		Name:        "searchObject",
		Description: "Search repository objects (programs, tables, function modules) by name fragment.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Name fragment to search for",
				},
			},
			Required: []string{"query"},
		},
	}, handleSearchObject)

	logger.Debug("tools registered", "count", 3)
}

func handleLogin(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse(map[string]interface{}{
		"status": "connected",
		"client": "100",
		"user":   "DEMO_USER",
	})
}

func handleTableContents(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments format"), nil
	}
	table, _ := args["ddicEntityName"].(string)
	table = strings.ToUpper(strings.TrimSpace(table))
	if table == "" {
		return mcp.NewToolResultError("ddicEntityName is required"), nil
	}

	limit := 10
	if n, ok := args["rowNumber"].(float64); ok && n > 0 {
		limit = int(n)
	}

	rows, ok := tableData[table]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("table '%s' does not exist in the simulated system", table)), nil
	}
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return jsonResponse(map[string]interface{}{
		"table": table,
		"rows":  rows,
		"total": len(rows),
	})
}

func handleSearchObject(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments format"), nil
	}
	query, _ := args["query"].(string)
	query = strings.ToUpper(strings.TrimSpace(query))
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	matches := make([]map[string]string, 0)
	for _, obj := range repositoryObjects {
		if strings.Contains(obj["name"], query) || strings.Contains(strings.ToUpper(obj["description"]), query) {
			matches = append(matches, obj)
		}
	}
	return jsonResponse(map[string]interface{}{
		"query":   query,
		"objects": matches,
		"total":   len(matches),
	})
}

func jsonResponse(payload interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding response: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
	}, nil
}

// tableData holds a few rows per populated DDIC table, enough for demo
// conversations about sales orders, billing documents and customers.
var tableData = map[string][]map[string]string{
	"VBAK": {
		{"VBELN": "0000012345", "ERDAT": "20250812", "AUART": "TA", "NETWR": "1500.00", "WAERK": "EUR", "KUNNR": "0000100001"},
		{"VBELN": "0000012346", "ERDAT": "20250813", "AUART": "TA", "NETWR": "820.50", "WAERK": "EUR", "KUNNR": "0000100002"},
		{"VBELN": "0000012347", "ERDAT": "20250815", "AUART": "ZOR", "NETWR": "12890.00", "WAERK": "EUR", "KUNNR": "0000100003"},
	},
	"VBAP": {
		{"VBELN": "0000012345", "POSNR": "000010", "MATNR": "MAT-4711", "KWMENG": "10", "NETPR": "150.00"},
		{"VBELN": "0000012345", "POSNR": "000020", "MATNR": "MAT-4712", "KWMENG": "5", "NETPR": "60.00"},
		{"VBELN": "0000012346", "POSNR": "000010", "MATNR": "MAT-9001", "KWMENG": "1", "NETPR": "820.50"},
	},
	"VBRK": {
		{"VBELN": "0000090001", "FKART": "F2", "FKDAT": "20250820", "NETWR": "1500.00", "WAERK": "EUR", "KUNAG": "0000100001"},
		{"VBELN": "0000090002", "FKART": "F2", "FKDAT": "20250822", "NETWR": "820.50", "WAERK": "EUR", "KUNAG": "0000100002"},
	},
	"VBRP": {
		{"VBELN": "0000090001", "POSNR": "000010", "MATNR": "MAT-4711", "FKIMG": "10", "NETWR": "1500.00"},
	},
	"KNA1": {
		{"KUNNR": "0000100001", "NAME1": "Müller GmbH", "ORT01": "Hamburg", "LAND1": "DE"},
		{"KUNNR": "0000100002", "NAME1": "Fitzer AG", "ORT01": "München", "LAND1": "DE"},
		{"KUNNR": "0000100003", "NAME1": "Nordwind Handels KG", "ORT01": "Bremen", "LAND1": "DE"},
	},
}

var repositoryObjects = []map[string]string{
	{"name": "VBAK", "type": "TABL", "description": "Verkaufsbeleg: Kopfdaten"},
	{"name": "VBAP", "type": "TABL", "description": "Verkaufsbeleg: Positionsdaten"},
	{"name": "VBRK", "type": "TABL", "description": "Faktura: Kopfdaten"},
	{"name": "VBRP", "type": "TABL", "description": "Faktura: Positionsdaten"},
	{"name": "KNA1", "type": "TABL", "description": "Kundenstamm allgemeiner Teil"},
	{"name": "SAPMV45A", "type": "PROG", "description": "Verkaufsbelege anlegen und ändern"},
	{"name": "RV_INVOICE_CREATE", "type": "FUNC", "description": "Faktura anlegen"},
}
