// Package mcp implements the Model Context Protocol integration for
// sapassist.
//
// MCP (Model Context Protocol) defines a standard way for LLMs to interact
// with external tools and data sources. This package supervises tool-server
// child processes speaking newline-delimited JSON-RPC over stdio, maintains
// the catalog of configured servers with cached tool/resource discovery,
// and exposes a single ExecuteTool façade that dispatches by server kind
// (live process, document-retrieval HTTP, simulated SAP catalog).
package mcp

import (
	"encoding/json"
)

// ToolDescriptor describes one tool exposed by a tool server.
// Maps to the MCP protocol's Tool schema.
type ToolDescriptor struct {
	// Name is the unique identifier for this tool
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description"`

	// InputSchema defines the expected input parameters using JSON Schema
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ResourceDescriptor describes one resource exposed by a tool server.
type ResourceDescriptor struct {
	// URI is the unique identifier for this resource
	URI string `json:"uri"`

	// Name is a human-readable name
	Name string `json:"name"`

	// Description explains what this resource contains
	Description string `json:"description,omitempty"`

	// MimeType indicates the content type
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCall identifies one tool invocation: which server, which tool, and
// the argument map. Value object, constructed per invocation; the core
// never persists it.
type ToolCall struct {
	// Server is the tool server to invoke
	Server string `json:"server"`

	// Tool is the tool name on that server
	Tool string `json:"tool"`

	// Arguments contains the input parameters for the tool
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult is the outcome of exactly one ExecuteTool invocation.
// Expected failure modes (unknown server/tool, disconnection, timeout)
// are reported here, never as a panic or error return from ExecuteTool.
type ToolResult struct {
	// Success indicates whether the tool call completed
	Success bool `json:"success"`

	// Result carries the tool's payload on success
	Result interface{} `json:"result,omitempty"`

	// Error carries a human-readable message on failure
	Error string `json:"error,omitempty"`
}

// ContentItem represents a piece of content in an MCP tool response.
type ContentItem struct {
	// Type is the content type (text, image, resource)
	Type string `json:"type"`

	// Text is the text content (for type="text")
	Text string `json:"text,omitempty"`

	// Data is the base64-encoded data (for type="image")
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type for binary content
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallResponse represents the raw result of an MCP tool execution.
type ToolCallResponse struct {
	// Content contains the tool's output
	Content []ContentItem `json:"content"`

	// IsError indicates if the tool execution failed
	IsError bool `json:"isError,omitempty"`
}

// ResourceContent represents the content of an MCP resource.
type ResourceContent struct {
	// URI is the resource identifier
	URI string `json:"uri"`

	// MimeType indicates the content type
	MimeType string `json:"mimeType,omitempty"`

	// Text is the text content (for text resources)
	Text string `json:"text,omitempty"`

	// Blob is the base64-encoded binary content (for binary resources)
	Blob string `json:"blob,omitempty"`
}

// ServerKind classifies a configured tool server. The kind is resolved
// exactly once at configuration-load time; dispatch never re-inspects the
// server name at call time.
type ServerKind string

const (
	// KindGeneric is a plain stdio tool server with no special handling.
	KindGeneric ServerKind = "generic"

	// KindDocumentRetrieval is backed by the document-retrieval HTTP API;
	// tool calls bypass the stdio protocol entirely.
	KindDocumentRetrieval ServerKind = "document-retrieval"

	// KindAbapSystem is an ABAP ADT bridge; every tool call is preceded by
	// an implicit login call.
	KindAbapSystem ServerKind = "abap"

	// KindSimulatedSapCatalog answers a fixed set of catalog tools with
	// illustrative payloads. Demo stand-in, not a real integration.
	KindSimulatedSapCatalog ServerKind = "sap-catalog"
)

// ServerStatus summarizes one catalog entry for administrative listing.
type ServerStatus struct {
	// Name is the server's unique key
	Name string `json:"name"`

	// Kind is the resolved server kind
	Kind ServerKind `json:"kind"`

	// Running indicates whether a live process is attached
	Running bool `json:"running"`

	// Disabled mirrors the configuration flag
	Disabled bool `json:"disabled,omitempty"`

	// ToolCount is the number of known tools (cached or synthesized)
	ToolCount int `json:"toolCount"`
}
