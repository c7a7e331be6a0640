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

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ilog "github.com/tombee/sapassist/internal/log"
)

// DocumentClient is the HTTP document-retrieval backend. Servers of kind
// document-retrieval route their tool calls here instead of to a child
// process.
type DocumentClient interface {
	SearchDocuments(ctx context.Context, query string, limit int) (interface{}, error)
	GetContext(ctx context.Context, query string) (interface{}, error)
	GetStats(ctx context.Context) (interface{}, error)
	TestEmbedding(ctx context.Context) (interface{}, error)
}

// Recorder receives tool-call telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordToolCall(server, tool, outcome string, duration time.Duration)
}

// Registry is the single façade the matching and agent layers talk to. It
// owns the server catalog, dispatches tool calls according to server kind,
// and caches discovery results.
type Registry struct {
	supervisor *Supervisor
	documents  DocumentClient
	simulated  *SimulatedCatalog
	logger     *slog.Logger
	recorder   Recorder

	mu      sync.RWMutex
	servers map[string]ServerConfig

	cacheMu       sync.RWMutex
	toolCache     map[string][]ToolDescriptor
	resourceCache map[string][]ResourceDescriptor

	loginMu sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDocumentClient wires the HTTP document-retrieval backend.
func WithDocumentClient(dc DocumentClient) RegistryOption {
	return func(r *Registry) {
		r.documents = dc
	}
}

// WithRecorder wires a telemetry recorder.
func WithRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// NewRegistry builds a registry over the supervisor from the resolved
// server configuration.
func NewRegistry(sup *Supervisor, cfg *ServersConfig, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		supervisor:    sup,
		simulated:     NewSimulatedCatalog(),
		logger:        logger,
		servers:       make(map[string]ServerConfig),
		toolCache:     make(map[string][]ToolDescriptor),
		resourceCache: make(map[string][]ResourceDescriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load(cfg)
	return r
}

// load replaces the catalog from a configuration snapshot.
func (r *Registry) load(cfg *ServersConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]ServerConfig, len(cfg.Servers))
	for name, entry := range cfg.Servers {
		r.servers[name] = entry.ToServerConfig(name)
	}
}

// Reload replaces the catalog with a fresh configuration: every running
// process is stopped, the discovery caches are dropped, and the enabled
// servers of the new catalog are started. In-flight calls against the old
// processes fail with disconnection errors.
func (r *Registry) Reload(ctx context.Context, cfg *ServersConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.supervisor.StopAll()
	r.load(cfg)
	r.InvalidateCache("")
	r.StartAll(ctx)
	r.logger.Info("server catalog reloaded", "servers", len(cfg.Servers))
	return nil
}

// lookupConfig returns the configuration for a known server.
func (r *Registry) lookupConfig(name string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[name]
	return cfg, ok
}

// ServerNames returns the names of all configured servers, sorted.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllServersWithStatus returns a status row per configured server.
func (r *Registry) AllServersWithStatus(ctx context.Context) []ServerStatus {
	names := r.ServerNames()
	statuses := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		cfg, _ := r.lookupConfig(name)
		status := ServerStatus{
			Name:     name,
			Kind:     cfg.Kind,
			Disabled: cfg.Disabled,
			Running:  r.isLive(cfg),
		}
		if status.Running {
			if tools, err := r.GetTools(ctx, name); err == nil {
				status.ToolCount = len(tools)
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// isLive reports whether a server can serve calls right now. Servers that
// are not process-backed are live whenever they are enabled.
func (r *Registry) isLive(cfg ServerConfig) bool {
	if cfg.Disabled {
		return false
	}
	switch cfg.Kind {
	case KindDocumentRetrieval:
		return r.documents != nil
	case KindSimulatedSapCatalog:
		if cfg.Command == "" {
			return true
		}
	}
	return r.supervisor.IsRunning(cfg.Name)
}

// StartAll starts every enabled process-backed server. Failures are logged
// per server and do not stop the rest.
func (r *Registry) StartAll(ctx context.Context) {
	for _, name := range r.ServerNames() {
		cfg, _ := r.lookupConfig(name)
		if cfg.Disabled || !r.processBacked(cfg) {
			continue
		}
		if err := r.supervisor.StartServer(ctx, cfg); err != nil {
			r.logger.Warn("failed to start server", ilog.ServerKey, name, "error", err)
		}
	}
}

// StartServer starts a single configured server.
func (r *Registry) StartServer(ctx context.Context, name string) error {
	cfg, ok := r.lookupConfig(name)
	if !ok {
		return ErrServerNotFound(name)
	}
	if !r.processBacked(cfg) {
		return nil
	}
	return r.supervisor.StartServer(ctx, cfg)
}

// StopServer stops a single server and drops its discovery caches.
func (r *Registry) StopServer(name string) error {
	if _, ok := r.lookupConfig(name); !ok {
		return ErrServerNotFound(name)
	}
	r.InvalidateCache(name)
	return r.supervisor.StopServer(name)
}

// StopAll stops every running server.
func (r *Registry) StopAll() {
	r.supervisor.StopAll()
	r.InvalidateCache("")
}

// processBacked reports whether calls to this server go through a spawned
// child process.
func (r *Registry) processBacked(cfg ServerConfig) bool {
	switch cfg.Kind {
	case KindDocumentRetrieval:
		return false
	case KindSimulatedSapCatalog:
		return cfg.Command != ""
	}
	return true
}

// GetTools returns the tool catalog for a server. Live discovery results
// are cached until invalidated; when discovery is unavailable, the
// kind-specific synthesized list stands in.
func (r *Registry) GetTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	cfg, ok := r.lookupConfig(server)
	if !ok {
		return nil, ErrServerNotFound(server)
	}

	r.cacheMu.RLock()
	cached, hit := r.toolCache[server]
	r.cacheMu.RUnlock()
	if hit {
		return cached, nil
	}

	if r.processBacked(cfg) && r.supervisor.IsRunning(server) {
		tools, err := r.supervisor.ListTools(ctx, server)
		if err == nil {
			r.cacheMu.Lock()
			r.toolCache[server] = tools
			r.cacheMu.Unlock()
			return tools, nil
		}
		r.logger.Warn("tool discovery failed, using synthesized catalog",
			ilog.ServerKey, server, "error", err)
	}

	return synthesizedTools(cfg.Kind), nil
}

// GetResources returns the resource catalog for a server, degrading to the
// synthesized list when live discovery is unavailable.
func (r *Registry) GetResources(ctx context.Context, server string) ([]ResourceDescriptor, error) {
	cfg, ok := r.lookupConfig(server)
	if !ok {
		return nil, ErrServerNotFound(server)
	}

	r.cacheMu.RLock()
	cached, hit := r.resourceCache[server]
	r.cacheMu.RUnlock()
	if hit {
		return cached, nil
	}

	if r.processBacked(cfg) && r.supervisor.IsRunning(server) {
		resources, err := r.supervisor.ListResources(ctx, server)
		if err == nil {
			r.cacheMu.Lock()
			r.resourceCache[server] = resources
			r.cacheMu.Unlock()
			return resources, nil
		}
		r.logger.Warn("resource discovery failed, using synthesized catalog",
			ilog.ServerKey, server, "error", err)
	}

	return synthesizedResources(cfg.Kind), nil
}

// ReadResource reads a resource from a process-backed server.
func (r *Registry) ReadResource(ctx context.Context, server, uri string) ([]ResourceContent, error) {
	cfg, ok := r.lookupConfig(server)
	if !ok {
		return nil, ErrServerNotFound(server)
	}
	if !r.processBacked(cfg) {
		return nil, ErrToolNotFound(server, uri)
	}
	return r.supervisor.ReadResource(ctx, server, uri)
}

// InvalidateCache drops the discovery caches for one server, or for all
// servers when the name is empty.
func (r *Registry) InvalidateCache(server string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if server == "" {
		r.toolCache = make(map[string][]ToolDescriptor)
		r.resourceCache = make(map[string][]ResourceDescriptor)
		return
	}
	delete(r.toolCache, server)
	delete(r.resourceCache, server)
}

// ExecuteTool runs one tool call and always returns a ToolResult; failures
// are reported in the result rather than raised. Dispatch is by the
// server's resolved kind.
func (r *Registry) ExecuteTool(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()
	result := r.executeTool(ctx, call)
	outcome := "success"
	if !result.Success {
		outcome = "error"
	}
	if r.recorder != nil {
		r.recorder.RecordToolCall(call.Server, call.Tool, outcome, time.Since(start))
	}
	r.logger.Debug("tool executed",
		ilog.ServerKey, call.Server,
		ilog.ToolKey, call.Tool,
		"outcome", outcome,
		ilog.DurationKey, time.Since(start))
	return result
}

func (r *Registry) executeTool(ctx context.Context, call ToolCall) ToolResult {
	cfg, ok := r.lookupConfig(call.Server)
	if !ok {
		return failure(fmt.Sprintf("server '%s' not found", call.Server))
	}
	if cfg.Disabled {
		return failure(fmt.Sprintf("server '%s' is disabled", call.Server))
	}
	if !r.knownTool(ctx, call.Server, cfg, call.Tool) {
		return failure(fmt.Sprintf("tool '%s' not found on server '%s'", call.Tool, call.Server))
	}

	switch cfg.Kind {
	case KindDocumentRetrieval:
		return r.executeDocumentTool(ctx, call)
	case KindSimulatedSapCatalog:
		if cfg.Command == "" {
			return r.simulated.Execute(call.Tool, call.Arguments)
		}
		return r.executeProcessTool(ctx, call)
	case KindAbapSystem:
		return r.executeAbapTool(ctx, call)
	default:
		if !r.supervisor.IsRunning(call.Server) {
			// Demo servers without a live process answer with an echo so
			// the conversation flow keeps working.
			return ToolResult{
				Success: true,
				Result: map[string]interface{}{
					"message":   fmt.Sprintf("Tool '%s' auf Server '%s' erfolgreich ausgeführt (simuliert)", call.Tool, call.Server),
					"simulated": true,
					"arguments": call.Arguments,
				},
			}
		}
		return r.executeProcessTool(ctx, call)
	}
}

// knownTool checks the tool name against the (cached or synthesized)
// catalog. An empty catalog means discovery is unavailable and nothing can
// be rejected up front.
func (r *Registry) knownTool(ctx context.Context, server string, cfg ServerConfig, tool string) bool {
	tools, err := r.GetTools(ctx, server)
	if err != nil || len(tools) == 0 {
		return true
	}
	for _, t := range tools {
		if t.Name == tool {
			return true
		}
	}
	return false
}

// executeProcessTool dispatches a call to a supervised child process.
func (r *Registry) executeProcessTool(ctx context.Context, call ToolCall) ToolResult {
	resp, err := r.supervisor.CallTool(ctx, call.Server, call.Tool, call.Arguments)
	if err != nil {
		return failure(err.Error())
	}
	if resp.IsError {
		return failure(flattenContent(resp.Content))
	}
	return ToolResult{Success: true, Result: flattenContent(resp.Content)}
}

// executeAbapTool logs in before every call. A failed login surfaces the
// localized unreachable message instead of the raw error.
func (r *Registry) executeAbapTool(ctx context.Context, call ToolCall) ToolResult {
	if call.Tool != "login" {
		r.loginMu.Lock()
		resp, err := r.supervisor.CallTool(ctx, call.Server, "login", map[string]interface{}{})
		r.loginMu.Unlock()
		if err != nil || (resp != nil && resp.IsError) {
			r.logger.Warn("abap login failed",
				ilog.ServerKey, call.Server,
				"error", err)
			return failure(ErrSystemUnreachable(call.Server).Message)
		}
	}
	return r.executeProcessTool(ctx, call)
}

// executeDocumentTool routes document-retrieval tools to the HTTP backend.
func (r *Registry) executeDocumentTool(ctx context.Context, call ToolCall) ToolResult {
	if r.documents == nil {
		return failure(fmt.Sprintf("server '%s' has no document backend configured", call.Server))
	}

	var (
		result interface{}
		err    error
	)
	switch call.Tool {
	case "searchDocuments":
		query, _ := call.Arguments["query"].(string)
		limit := intArg(call.Arguments, "limit", 5)
		result, err = r.documents.SearchDocuments(ctx, query, limit)
	case "getDocumentContext":
		query, _ := call.Arguments["query"].(string)
		result, err = r.documents.GetContext(ctx, query)
	case "getDocumentStats":
		result, err = r.documents.GetStats(ctx)
	case "testEmbedding":
		result, err = r.documents.TestEmbedding(ctx)
	default:
		return failure(fmt.Sprintf("tool '%s' not found on server '%s'", call.Tool, call.Server))
	}
	if err != nil {
		return failure(err.Error())
	}
	return ToolResult{Success: true, Result: result}
}

func failure(msg string) ToolResult {
	return ToolResult{Success: false, Error: msg}
}

// flattenContent joins the text items of a tool response into one string.
func flattenContent(items []ContentItem) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) == 1 {
		return items[0].Text
	}
	var out string
	for i, item := range items {
		if i > 0 {
			out += "\n"
		}
		out += item.Text
	}
	return out
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
