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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestProc builds a serverProcess with no real child behind it, so
// tests can drive handleData directly.
func newTestProc() *serverProcess {
	return &serverProcess{
		name:           "test",
		logger:         discardLogger(),
		stdin:          nopWriteCloser{io.Discard},
		pending:        make(map[int64]chan *rpcResponse),
		requestTimeout: 2 * time.Second,
		done:           make(chan struct{}),
	}
}

// register a pending request without going through sendRequest.
func registerPending(p *serverProcess, id int64) chan *rpcResponse {
	ch := make(chan *rpcResponse, 1)
	p.mu.Lock()
	p.pending[id] = ch
	if id > p.nextID {
		p.nextID = id
	}
	p.mu.Unlock()
	return ch
}

func TestHandleDataSingleMessage(t *testing.T) {
	p := newTestProc()
	ch := registerPending(p, 1)

	p.handleData([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}` + "\n"))

	select {
	case resp := <-ch:
		if resp.Error != nil {
			t.Fatalf("unexpected error: %v", resp.Error)
		}
		if string(resp.Result) != `{"ok":true}` {
			t.Errorf("result = %s, want {\"ok\":true}", resp.Result)
		}
	default:
		t.Fatal("pending request was not resolved")
	}
}

func TestHandleDataSplitAcrossChunks(t *testing.T) {
	p := newTestProc()
	ch := registerPending(p, 7)

	msg := `{"jsonrpc":"2.0","id":7,"result":{"value":"split"}}` + "\n"
	// Feed one byte at a time; only the final newline completes the message.
	for i := 0; i < len(msg); i++ {
		p.handleData([]byte{msg[i]})
		if i < len(msg)-1 {
			select {
			case <-ch:
				t.Fatalf("resolved early at byte %d", i)
			default:
			}
		}
	}

	select {
	case resp := <-ch:
		if string(resp.Result) != `{"value":"split"}` {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("pending request was not resolved after final chunk")
	}
}

func TestHandleDataMultipleMessagesOneChunk(t *testing.T) {
	p := newTestProc()
	ch1 := registerPending(p, 1)
	ch2 := registerPending(p, 2)

	p.handleData([]byte(
		`{"jsonrpc":"2.0","id":1,"result":{"n":1}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"result":{"n":2}}` + "\n"))

	for i, ch := range []chan *rpcResponse{ch1, ch2} {
		select {
		case <-ch:
		default:
			t.Errorf("request %d was not resolved", i+1)
		}
	}
}

func TestHandleDataResolvesExactlyOnce(t *testing.T) {
	p := newTestProc()
	ch := registerPending(p, 3)

	line := `{"jsonrpc":"2.0","id":3,"result":{}}` + "\n"
	p.handleData([]byte(line))
	// A duplicate response for the same ID must be ignored.
	p.handleData([]byte(line))

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Errorf("pending resolved %d times, want exactly once", count)
	}
}

func TestHandleDataEmbeddedNewlineReassembles(t *testing.T) {
	p := newTestProc()
	ch := registerPending(p, 4)

	// A message whose serialized form was split by a stray newline: the
	// first fragment fails to parse and is folded back, the second
	// completes it.
	p.handleData([]byte(`{"jsonrpc":"2.0","id":4,` + "\n"))
	select {
	case <-ch:
		t.Fatal("resolved on unparsable fragment")
	default:
	}

	p.handleData([]byte(`"result":{"joined":true}}` + "\n"))

	select {
	case resp := <-ch:
		if string(resp.Result) != `{"joined":true}` {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("fragments did not reassemble")
	}
}

func TestHandleDataDiscardsAfterRebufferLimit(t *testing.T) {
	p := newTestProc()

	// Three consecutive parse failures on the same accumulating garbage
	// discard it; a valid message afterwards still parses.
	p.handleData([]byte("not json\n"))
	p.handleData([]byte("still not json\n"))
	p.handleData([]byte("nope\n"))

	p.mu.Lock()
	buffered := len(p.buf)
	p.mu.Unlock()
	if buffered != 0 {
		t.Errorf("buffer holds %d bytes after discard, want 0", buffered)
	}

	ch := registerPending(p, 5)
	p.handleData([]byte(`{"jsonrpc":"2.0","id":5,"result":{}}` + "\n"))
	select {
	case <-ch:
	default:
		t.Fatal("valid message after discard was not dispatched")
	}
}

func TestHandleDataIgnoresNotificationsAndUnknownIDs(t *testing.T) {
	p := newTestProc()
	ch := registerPending(p, 1)

	// Server-initiated notification (no ID) and a response to an ID we
	// never issued both leave the pending table alone.
	p.handleData([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}` + "\n"))
	p.handleData([]byte(`{"jsonrpc":"2.0","id":99,"result":{}}` + "\n"))

	select {
	case <-ch:
		t.Fatal("pending request resolved by unrelated traffic")
	default:
	}
}

func TestRejectAllPendingUnblocksCallers(t *testing.T) {
	p := newTestProc()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.sendRequest(context.Background(), methodToolsList, struct{}{})
		errCh <- err
	}()

	// Give sendRequest time to register its pending entry.
	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.pending)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sendRequest never registered a pending entry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.rejectAllPending()

	select {
	case err := <-errCh:
		var mcpErr *Error
		if !errors.As(err, &mcpErr) || mcpErr.Code != CodeDisconnected {
			t.Errorf("error = %v, want DISCONNECTED", err)
		}
	case <-time.After(time.Second):
		t.Fatal("caller still blocked after rejectAllPending")
	}
}

func TestSendRequestAfterCloseFailsFast(t *testing.T) {
	p := newTestProc()
	p.rejectAllPending()

	start := time.Now()
	_, err := p.sendRequest(context.Background(), methodToolsList, struct{}{})
	if err == nil {
		t.Fatal("expected error from closed process")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("closed-process request took %s, want immediate failure", elapsed)
	}
}

// fakeServerScript is a shell MCP server that answers the initialize
// handshake and then responds to requests per the body script.
func fakeServerScript(body string) string {
	return `read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"1.0"}}}'
read line
` + body
}

func startFakeServer(t *testing.T, sup *Supervisor, name, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake server requires sh")
	}

	cfg := ServerConfig{
		Name:    name,
		Command: "sh",
		Args:    []string{"-c", fakeServerScript(body)},
		Timeout: 5 * time.Second,
		Kind:    KindGeneric,
	}
	if err := sup.StartServer(context.Background(), cfg); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(func() { sup.StopServer(name) })
}

func TestStartServerHandshake(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	startFakeServer(t, sup, "fake", "read line\n")

	if !sup.IsRunning("fake") {
		t.Error("server not reported as running after handshake")
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	startFakeServer(t, sup, "fake", `read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"hello"}],"isError":false}}'
read line
`)

	resp, err := sup.CallTool(context.Background(), "fake", "echo", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if resp.IsError {
		t.Error("isError = true, want false")
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestListToolsRoundTrip(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	startFakeServer(t, sup, "fake", `read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"Echo a message"}]}}'
read line
`)

	tools, err := sup.ListTools(context.Background(), "fake")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestListResourcesDegradesToEmpty(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	startFakeServer(t, sup, "fake", `read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"method not found"}}'
read line
`)

	resources, err := sup.ListResources(context.Background(), "fake")
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 0 {
		t.Errorf("resources = %+v, want empty", resources)
	}
}

func TestCrashMidFlightRejectsImmediately(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	// The server exits as soon as the tool call arrives, without answering.
	startFakeServer(t, sup, "fake", `read line
exit 1
`)

	start := time.Now()
	_, err := sup.CallTool(context.Background(), "fake", "echo", nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error from crashed server")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != CodeDisconnected {
		t.Errorf("error = %v, want DISCONNECTED", err)
	}
	// Rejection happens on process exit, not on the 5s request timeout.
	if elapsed > 2*time.Second {
		t.Errorf("rejection took %s, want immediate", elapsed)
	}
}

func TestRequestTimeout(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	if runtime.GOOS == "windows" {
		t.Skip("fake server requires sh")
	}

	cfg := ServerConfig{
		Name:    "slow",
		Command: "sh",
		Args:    []string{"-c", fakeServerScript("sleep 30\n")},
		Timeout: 1 * time.Second,
		Kind:    KindGeneric,
	}
	if err := sup.StartServer(context.Background(), cfg); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer sup.StopServer("slow")

	_, err := sup.CallTool(context.Background(), "slow", "echo", nil)
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != CodeTimeout {
		t.Errorf("error = %v, want TIMEOUT", err)
	}
}

func TestStopServerIdempotent(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	startFakeServer(t, sup, "fake", "read line\n")

	if err := sup.StopServer("fake"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := sup.StopServer("fake"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := sup.StopServer("never-started"); err != nil {
		t.Fatalf("stop of unknown server: %v", err)
	}
	if sup.IsRunning("fake") {
		t.Error("server still reported running after stop")
	}
}

func TestStartServerRejectsDuplicate(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	startFakeServer(t, sup, "fake", "read line\n")

	err := sup.StartServer(context.Background(), ServerConfig{
		Name:    "fake",
		Command: "sh",
		Args:    []string{"-c", "read line"},
	})
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != CodeAlreadyRunning {
		t.Errorf("error = %v, want ALREADY_RUNNING", err)
	}
}

func TestStartServerRejectsDisabled(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	err := sup.StartServer(context.Background(), ServerConfig{
		Name:     "off",
		Command:  "sh",
		Disabled: true,
	})
	if err == nil {
		t.Fatal("expected error for disabled server")
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("error = %v, want mention of disabled", err)
	}
}

func TestCallToolUnknownServer(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	_, err := sup.CallTool(context.Background(), "ghost", "echo", nil)
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != CodeNotRunning {
		t.Errorf("error = %v, want NOT_RUNNING", err)
	}
}

func TestInitFailureAfterRetries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake server requires sh")
	}
	sup := NewSupervisor(discardLogger())

	// The child consumes requests but never answers, so every initialize
	// attempt times out.
	err := sup.StartServer(context.Background(), ServerConfig{
		Name:    "mute",
		Command: "sh",
		Args:    []string{"-c", "while read line; do :; done"},
		Timeout: 200 * time.Millisecond,
	})
	if err == nil {
		sup.StopServer("mute")
		t.Fatal("expected initialize failure")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != CodeInitFailed {
		t.Errorf("error = %v, want INIT_FAILED", err)
	}
	if sup.IsRunning("mute") {
		t.Error("failed server still registered as running")
	}
}

func TestRPCResponseDecoding(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantID  int64
		wantErr bool
	}{
		{
			name:   "result",
			input:  `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			wantID: 1,
		},
		{
			name:    "error",
			input:   `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"method not found"}}`,
			wantID:  2,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp rpcResponse
			if err := json.Unmarshal([]byte(tt.input), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.ID == nil || *resp.ID != tt.wantID {
				t.Errorf("id = %v, want %d", resp.ID, tt.wantID)
			}
			if (resp.Error != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", resp.Error, tt.wantErr)
			}
		})
	}
}

// splitWriter writes every frame in two halves with a scheduling point in
// between, so unserialized concurrent writers interleave mid-line.
type splitWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *splitWriter) Write(p []byte) (int, error) {
	half := len(p) / 2
	w.mu.Lock()
	w.buf.Write(p[:half])
	w.mu.Unlock()
	runtime.Gosched()
	w.mu.Lock()
	w.buf.Write(p[half:])
	w.mu.Unlock()
	return len(p), nil
}

func (w *splitWriter) Close() error { return nil }

func TestConcurrentWritesKeepFramesIntact(t *testing.T) {
	out := &splitWriter{}
	p := newTestProc()
	p.stdin = out

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.sendNotification(notifInitialized); err != nil {
				t.Errorf("sendNotification: %v", err)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(out.buf.String(), "\n"), "\n")
	if len(lines) != 32 {
		t.Fatalf("lines = %d, want 32", len(lines))
	}
	for i, line := range lines {
		var msg rpcRequest
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("line %d corrupt: %v\n%s", i, err, line)
		}
		if msg.Method != notifInitialized {
			t.Errorf("line %d method = %q", i, msg.Method)
		}
	}
}

func TestHandleDataMidBatchFragmentKeepsOrder(t *testing.T) {
	p := newTestProc()
	ch6 := registerPending(p, 6)
	ch7 := registerPending(p, 7)

	// One chunk carrying a message split by a stray newline plus a
	// complete message behind it: the fragment must rejoin its tail, not
	// queue up behind the later message.
	data := `{"jsonrpc":"2.0","id":6,` + "\n" +
		`"result":{"joined":true}}` + "\n" +
		`{"jsonrpc":"2.0","id":7,"result":{}}` + "\n"
	p.handleData([]byte(data))

	select {
	case resp := <-ch6:
		if string(resp.Result) != `{"joined":true}` {
			t.Errorf("result = %s", resp.Result)
		}
	default:
		t.Fatal("split message did not reassemble within the batch")
	}

	select {
	case <-ch7:
	default:
		t.Fatal("message after the fragment was not dispatched")
	}

	p.mu.Lock()
	buffered := len(p.buf)
	p.mu.Unlock()
	if buffered != 0 {
		t.Errorf("buffer holds %d bytes, want 0", buffered)
	}
}
