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

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/tombee/sapassist/pkg/errors"
)

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicProvider("")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	var cfgErr *apperrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error type = %T", err)
	}
}

func TestAnthropicComplete(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		fmt.Fprint(w, `{
			"id": "msg_1",
			"content": [{"type": "text", "text": "Hallo!"}],
			"model": "claude-3-5-haiku-20241022",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: MessageRoleSystem, Content: "Du bist ein Assistent."},
			{Role: MessageRoleUser, Content: "Hallo"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hallo!" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != FinishReasonStop {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
	// System messages collapse into the top-level system field.
	if gotReq.System != "Du bist ein Assistent." {
		t.Errorf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
}

func TestAnthropicCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "rate_limit_error", "message": "rate limited"}}`)
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: MessageRoleUser, Content: "x"}},
	})
	var provErr *apperrors.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error type = %T", err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", provErr.StatusCode)
	}
	if !provErr.IsRetryable() {
		t.Error("429 should be retryable")
	}
}

func TestAnthropicCompleteEmptyMessages(t *testing.T) {
	p, err := NewAnthropicProvider("test-key")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`event: message_start`,
			`data: {"type": "message_start"}`,
			``,
			`event: content_block_delta`,
			`data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": "Hal"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type": "content_block_delta", "delta": {"type": "text_delta", "text": "lo!"}}`,
			``,
			`event: message_delta`,
			`data: {"type": "message_delta", "delta": {"stop_reason": "end_turn"}, "usage": {"input_tokens": 8, "output_tokens": 2}}`,
			``,
			`event: message_stop`,
			`data: {"type": "message_stop"}`,
			``,
		}
		fmt.Fprint(w, strings.Join(events, "\n"))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ch, err := p.Stream(context.Background(), CompletionRequest{
		Messages: []Message{{Role: MessageRoleUser, Content: "Hallo"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	var finish FinishReason
	var usage *TokenUsage
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		text.WriteString(chunk.Content)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if text.String() != "Hallo!" {
		t.Errorf("streamed text = %q", text.String())
	}
	if finish != FinishReasonStop {
		t.Errorf("finish reason = %q", finish)
	}
	if usage == nil || usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\": \"error\", \"error\": {\"type\": \"overloaded_error\", \"message\": \"overloaded\"}}\n\n")
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ch, err := p.Stream(context.Background(), CompletionRequest{
		Messages: []Message{{Role: MessageRoleUser, Content: "x"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var streamErr error
	for chunk := range ch {
		if chunk.Error != nil {
			streamErr = chunk.Error
		}
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "overloaded") {
		t.Errorf("stream error = %v", streamErr)
	}
}
