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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	ilog "github.com/tombee/sapassist/internal/log"
)

const (
	// defaultRequestTimeout bounds every in-flight JSON-RPC request.
	defaultRequestTimeout = 30 * time.Second

	// settleDelay gives a freshly spawned child a moment to set up its
	// stdio before the initialize handshake begins.
	settleDelay = 500 * time.Millisecond

	// initAttempts is the number of initialize handshake attempts before
	// the server is declared failed.
	initAttempts = 3

	// initBackoff is the fixed wait between initialize attempts.
	initBackoff = 1 * time.Second

	// maxRebuffers bounds how many times an unparsable line is folded
	// back into the read buffer before being discarded.
	maxRebuffers = 3
)

// Supervisor owns the child processes that back tool servers. It spawns
// them, runs the initialize handshake, multiplexes JSON-RPC requests over
// their stdio, and tears them down. All methods are safe for concurrent
// use.
type Supervisor struct {
	mu      sync.Mutex
	servers map[string]*serverProcess
	logger  *slog.Logger

	requestTimeout time.Duration
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.requestTimeout = d
	}
}

// NewSupervisor creates a supervisor with no running servers.
func NewSupervisor(logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		servers:        make(map[string]*serverProcess),
		logger:         logger,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// serverProcess is one running child and its protocol state.
type serverProcess struct {
	name   string
	config ServerConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes frames on the stdin pipe; concurrent writes
	// larger than PIPE_BUF could otherwise interleave mid-line.
	writeMu sync.Mutex

	mu            sync.Mutex
	pending       map[int64]chan *rpcResponse
	nextID        int64
	buf           []byte
	rebufferCount int
	closed        bool

	requestTimeout time.Duration
	done           chan struct{}
}

// StartServer spawns the configured command, waits for it to settle, and
// runs the initialize handshake. It is an error to start a server that is
// already running or disabled.
func (s *Supervisor) StartServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Disabled {
		return ErrServerDisabled(cfg.Name)
	}

	s.mu.Lock()
	if _, exists := s.servers[cfg.Name]; exists {
		s.mu.Unlock()
		return ErrServerAlreadyRunning(cfg.Name)
	}
	// Reserve the slot so concurrent starts of the same name fail fast.
	s.servers[cfg.Name] = nil
	s.mu.Unlock()

	proc, err := s.spawn(cfg)
	if err != nil {
		s.mu.Lock()
		delete(s.servers, cfg.Name)
		s.mu.Unlock()
		return err
	}

	if err := s.initialize(ctx, proc); err != nil {
		proc.shutdown()
		s.mu.Lock()
		delete(s.servers, cfg.Name)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.servers[cfg.Name] = proc
	s.mu.Unlock()

	s.logger.Info("tool server started",
		ilog.ServerKey, cfg.Name,
		"kind", string(cfg.Kind),
		"command", cfg.Command)
	return nil
}

// spawn starts the child process and wires up its stdio.
func (s *Supervisor) spawn(cfg ServerConfig) (*serverProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, ErrServerStartFailed(cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ErrServerStartFailed(cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, ErrServerStartFailed(cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, ErrServerStartFailed(cfg.Name, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = s.requestTimeout
	}

	proc := &serverProcess{
		name:           cfg.Name,
		config:         cfg,
		logger:         s.logger.With(ilog.ServerKey, cfg.Name),
		cmd:            cmd,
		stdin:          stdin,
		pending:        make(map[int64]chan *rpcResponse),
		requestTimeout: timeout,
		done:           make(chan struct{}),
	}

	go proc.readLoop(stdout)
	go proc.drainStderr(stderr)
	go proc.waitExit()

	return proc, nil
}

// initialize runs the MCP initialize handshake with fixed backoff between
// attempts. The settle delay before the first attempt lets slow
// interpreters (npx, python) come up.
func (s *Supervisor) initialize(ctx context.Context, proc *serverProcess) error {
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	case <-proc.done:
		return ErrInitFailed(proc.name, initAttempts, fmt.Errorf("server exited during startup"))
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo: clientInfo{
			Name:    "sapassist",
			Version: "1.0.0",
		},
	}

	var lastErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		result, err := proc.sendRequest(ctx, methodInitialize, params)
		if err == nil {
			var initRes initializeResult
			if err := json.Unmarshal(result, &initRes); err != nil {
				lastErr = fmt.Errorf("invalid initialize result: %w", err)
			} else {
				proc.logger.Debug("initialize handshake complete",
					"protocol_version", initRes.ProtocolVersion,
					"server_name", initRes.ServerInfo.Name)
				// The initialized notification carries no ID and expects
				// no response.
				if err := proc.sendNotification(notifInitialized); err != nil {
					return ErrInitFailed(proc.name, attempt, err)
				}
				return nil
			}
		} else {
			lastErr = err
		}

		proc.logger.Warn("initialize attempt failed",
			"attempt", attempt,
			"error", lastErr)

		if attempt < initAttempts {
			select {
			case <-time.After(initBackoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-proc.done:
				return ErrInitFailed(proc.name, attempt, fmt.Errorf("server exited during handshake"))
			}
		}
	}

	return ErrInitFailed(proc.name, initAttempts, lastErr)
}

// StopServer stops a running server. Stopping a server that is not
// running is a no-op.
func (s *Supervisor) StopServer(name string) error {
	s.mu.Lock()
	proc := s.servers[name]
	delete(s.servers, name)
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	proc.shutdown()
	s.logger.Info("tool server stopped", ilog.ServerKey, name)
	return nil
}

// StopAll stops every running server.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*serverProcess, 0, len(s.servers))
	for name, proc := range s.servers {
		if proc != nil {
			procs = append(procs, proc)
		}
		delete(s.servers, name)
	}
	s.mu.Unlock()

	for _, proc := range procs {
		proc.shutdown()
	}
}

// IsRunning reports whether a server is running.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servers[name] != nil
}

// RunningServers returns the names of all running servers.
func (s *Supervisor) RunningServers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.servers))
	for name, proc := range s.servers {
		if proc != nil {
			names = append(names, name)
		}
	}
	return names
}

// lookup returns the process for a running server.
func (s *Supervisor) lookup(name string) (*serverProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := s.servers[name]
	if proc == nil {
		return nil, ErrServerNotRunning(name)
	}
	return proc, nil
}

// CallTool invokes a tool on a running server.
func (s *Supervisor) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*ToolCallResponse, error) {
	proc, err := s.lookup(server)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := proc.sendRequest(ctx, methodToolsCall, toolsCallParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var response ToolCallResponse
	if err := json.Unmarshal(result, &response); err != nil {
		return nil, ErrProtocol(server, fmt.Errorf("invalid tools/call result: %w", err))
	}

	proc.logger.Debug("tool call complete",
		ilog.ToolKey, tool,
		ilog.DurationKey, time.Since(start),
		"is_error", response.IsError)
	return &response, nil
}

// ListTools queries a running server for its tool catalog.
func (s *Supervisor) ListTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	proc, err := s.lookup(server)
	if err != nil {
		return nil, err
	}

	result, err := proc.sendRequest(ctx, methodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}

	var listRes toolsListResult
	if err := json.Unmarshal(result, &listRes); err != nil {
		return nil, ErrProtocol(server, fmt.Errorf("invalid tools/list result: %w", err))
	}
	return listRes.Tools, nil
}

// ListResources queries a running server for its resource catalog.
// Servers without resource support answer with a method-not-found error;
// that degrades to an empty list rather than a failure.
func (s *Supervisor) ListResources(ctx context.Context, server string) ([]ResourceDescriptor, error) {
	proc, err := s.lookup(server)
	if err != nil {
		return nil, err
	}

	result, err := proc.sendRequest(ctx, methodResourcesList, struct{}{})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeMethodNotFound {
			return nil, nil
		}
		return nil, err
	}

	var listRes resourcesListResult
	if err := json.Unmarshal(result, &listRes); err != nil {
		return nil, ErrProtocol(server, fmt.Errorf("invalid resources/list result: %w", err))
	}
	return listRes.Resources, nil
}

// ReadResource reads a resource from a running server.
func (s *Supervisor) ReadResource(ctx context.Context, server, uri string) ([]ResourceContent, error) {
	proc, err := s.lookup(server)
	if err != nil {
		return nil, err
	}

	result, err := proc.sendRequest(ctx, methodResourcesRead, resourcesReadParams{URI: uri})
	if err != nil {
		return nil, err
	}

	var readRes resourcesReadResult
	if err := json.Unmarshal(result, &readRes); err != nil {
		return nil, ErrProtocol(server, fmt.Errorf("invalid resources/read result: %w", err))
	}
	return readRes.Contents, nil
}

// sendRequest registers a pending entry, writes the request line, and
// waits for the matching response, the per-server timeout, or context
// cancellation.
func (p *serverProcess) sendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDisconnected(p.name)
	}
	p.nextID++
	id := p.nextID
	ch := make(chan *rpcResponse, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	req := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		p.removePending(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		p.removePending(id)
		return nil, ErrDisconnected(p.name)
	}

	timeout := p.requestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected(p.name)
		}
		if resp.Error != nil {
			return nil, ErrProtocol(p.name, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		p.removePending(id)
		return nil, ErrRequestTimeout(p.name, method, timeout)
	case <-ctx.Done():
		p.removePending(id)
		return nil, ctx.Err()
	}
}

// sendNotification writes a request with no ID; no response is expected.
func (p *serverProcess) sendNotification(method string) error {
	req := rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		return ErrDisconnected(p.name)
	}
	return nil
}

func (p *serverProcess) removePending(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// readLoop consumes the child's stdout until EOF.
func (p *serverProcess) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			p.handleData(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// handleData appends a chunk to the partial-line buffer and dispatches
// every complete newline-terminated message found in it. A trailing
// partial line stays buffered for the next chunk.
func (p *serverProcess) handleData(data []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, p.buf[:idx])
		p.buf = p.buf[idx+1:]
		lines = append(lines, line)
	}
	p.mu.Unlock()

	for i := 0; i < len(lines); i++ {
		if p.handleLine(lines[i], i == len(lines)-1) {
			continue
		}
		// A failed parse mid-batch joins its fragment onto the next
		// line, so reassembly never reorders it behind messages that
		// arrived later.
		joined := make([]byte, 0, len(lines[i])+len(lines[i+1]))
		joined = append(joined, lines[i]...)
		joined = append(joined, lines[i+1]...)
		lines[i+1] = joined
	}
}

// handleLine parses a single message and resolves its pending request.
// A line that fails to parse may be the head of a message whose tail has
// not arrived yet: the last line of a batch is folded back into the
// buffer, an earlier one reports false so the caller joins it to its
// successor. After maxRebuffers consecutive failures the line is
// discarded.
func (p *serverProcess) handleLine(line []byte, last bool) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return true
	}

	var resp rpcResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		p.mu.Lock()
		p.rebufferCount++
		if p.rebufferCount >= maxRebuffers {
			p.rebufferCount = 0
			p.mu.Unlock()
			p.logger.Warn("discarding unparsable message",
				"bytes", len(trimmed),
				"error", err)
			return true
		}
		if !last {
			p.mu.Unlock()
			return false
		}
		// Fold the fragment back without its newline so the next chunk
		// joins it; a message split by a stray newline reassembles on
		// the following parse.
		requeued := make([]byte, 0, len(line)+len(p.buf))
		requeued = append(requeued, line...)
		requeued = append(requeued, p.buf...)
		p.buf = requeued
		p.mu.Unlock()
		return true
	}

	p.mu.Lock()
	p.rebufferCount = 0
	p.mu.Unlock()

	// Server-initiated notifications carry a method and no ID.
	if resp.ID == nil {
		if resp.Method != "" {
			p.logger.Debug("server notification", "method", resp.Method)
		}
		return true
	}

	p.mu.Lock()
	ch, ok := p.pending[*resp.ID]
	if ok {
		delete(p.pending, *resp.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("response for unknown request id", "id", *resp.ID)
		return true
	}
	ch <- &resp
	return true
}

// drainStderr forwards the child's stderr to debug logs line by line.
func (p *serverProcess) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// waitExit reaps the child and rejects every pending request the moment
// the process dies, so callers fail immediately instead of waiting out
// their timeouts.
func (p *serverProcess) waitExit() {
	err := p.cmd.Wait()
	p.rejectAllPending()
	close(p.done)
	if err != nil {
		p.logger.Warn("tool server exited", "error", err)
	} else {
		p.logger.Debug("tool server exited")
	}
}

// rejectAllPending closes every pending channel; blocked sendRequest
// callers observe the close and return a disconnect error.
func (p *serverProcess) rejectAllPending() {
	p.mu.Lock()
	p.closed = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

// shutdown closes stdin to signal the child, then escalates to SIGKILL if
// it does not exit promptly. Safe to call more than once.
func (p *serverProcess) shutdown() {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	if !alreadyClosed {
		p.stdin.Close()
	}

	select {
	case <-p.done:
		return
	case <-time.After(2 * time.Second):
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
	}
}
