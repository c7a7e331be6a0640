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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/sapassist/pkg/errors"
	"github.com/tombee/sapassist/pkg/httpclient"
)

const (
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	// anthropicDefaultModel handles requests that leave Model empty.
	anthropicDefaultModel = "claude-3-5-haiku-20241022"

	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// AnthropicOption customizes the provider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicBaseURL overrides the API endpoint, mainly for tests.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithAnthropicModel sets the default model for requests that leave
// Model empty.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// NewAnthropicProvider builds a provider. The API key comes from secure
// configuration, never from command-line arguments.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "llm.anthropic.api_key",
			Reason: "API key is required for the Anthropic provider",
		}
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "sapassist-anthropic/1.0"
	// The retry wrapper owns retries; the transport must not double them.
	cfg.RetryAttempts = 0

	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}

	p := &AnthropicProvider{
		apiKey:     apiKey,
		baseURL:    anthropicAPIBaseURL,
		model:      anthropicDefaultModel,
		httpClient: client,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends a synchronous request to the Messages API.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	body, err := json.Marshal(p.buildAPIRequest(req, false))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("marshaling request: %v", err),
			RequestID: requestID,
		}
	}

	resp, err := p.post(ctx, body, requestID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("reading response: %v", err),
			RequestID:  requestID,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp.StatusCode, respBody, requestID)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("parsing response: %v", err),
			RequestID: requestID,
		}
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:      content.String(),
		FinishReason: mapAnthropicStopReason(apiResp.StopReason),
		Usage: TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Model:     apiResp.Model,
		RequestID: requestID,
		Created:   time.Now(),
	}, nil
}

// Stream sends a streaming request and relays SSE text deltas.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:   "messages",
			Message: "completion request must have at least one message",
		}
	}

	body, err := json.Marshal(p.buildAPIRequest(req, true))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("marshaling request: %v", err),
			RequestID: requestID,
		}
	}

	resp, err := p.post(ctx, body, requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.apiError(resp.StatusCode, respBody, requestID)
	}

	chunks := make(chan StreamChunk, 10)
	go p.processStream(ctx, resp, chunks, requestID)
	return chunks, nil
}

func (p *AnthropicProvider) post(ctx context.Context, body []byte, requestID string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("creating request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "anthropic",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}
	return resp, nil
}

func (p *AnthropicProvider) apiError(status int, body []byte, requestID string) error {
	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &errors.ProviderError{
			Provider:   "anthropic",
			StatusCode: status,
			Message:    errResp.Error.Message,
			RequestID:  requestID,
		}
	}
	return &errors.ProviderError{
		Provider:   "anthropic",
		StatusCode: status,
		Message:    fmt.Sprintf("API request failed with status %d", status),
		RequestID:  requestID,
	}
}

// buildAPIRequest converts a CompletionRequest to the Messages API shape.
// System messages collapse into the top-level system field.
func (p *AnthropicProvider) buildAPIRequest(req CompletionRequest, stream bool) *anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system strings.Builder
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		switch msg.Role {
		case MessageRoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case MessageRoleUser:
			messages = append(messages, anthropicMessage{Role: "user", Content: msg.Content})
		case MessageRoleAssistant:
			messages = append(messages, anthropicMessage{Role: "assistant", Content: msg.Content})
		}
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return &anthropicRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		System:        system.String(),
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
}

// processStream reads the SSE stream and forwards text deltas.
func (p *AnthropicProvider) processStream(ctx context.Context, resp *http.Response, chunks chan<- StreamChunk, requestID string) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var usage *TokenUsage

	for {
		select {
		case <-ctx.Done():
			chunks <- StreamChunk{Error: ctx.Err(), FinishReason: FinishReasonError}
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			chunks <- StreamChunk{
				Error:        fmt.Errorf("stream read: %w", err),
				FinishReason: FinishReasonError,
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Malformed events are skipped, not fatal.
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				chunks <- StreamChunk{Content: event.Delta.Text}
			}
		case "message_delta":
			if event.Usage != nil {
				usage = &TokenUsage{
					InputTokens:  event.Usage.InputTokens,
					OutputTokens: event.Usage.OutputTokens,
					TotalTokens:  event.Usage.InputTokens + event.Usage.OutputTokens,
				}
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				chunks <- StreamChunk{
					FinishReason: mapAnthropicStopReason(event.Delta.StopReason),
					Usage:        usage,
				}
			}
		case "message_stop":
			return
		case "error":
			msg := "unknown streaming error"
			if event.Error != nil && event.Error.Message != "" {
				msg = event.Error.Message
			}
			chunks <- StreamChunk{
				Error: &errors.ProviderError{
					Provider:  "anthropic",
					Message:   msg,
					RequestID: requestID,
				},
				FinishReason: FinishReasonError,
			}
			return
		}
	}
}

func mapAnthropicStopReason(stopReason string) FinishReason {
	switch stopReason {
	case "max_tokens":
		return FinishReasonLength
	default:
		return FinishReasonStop
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
