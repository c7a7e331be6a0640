// Package llm provides abstractions for Large Language Model providers.
// The planning, analysis, and synthesis steps of the assistant all consume
// this provider-agnostic interface; provider-specific wire protocols live
// behind it.
package llm

import (
	"context"
	"time"
)

// Provider defines the interface that all LLM providers must implement.
// Supports both streaming and non-streaming completions.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g., "anthropic").
	Name() string

	// Complete sends a synchronous completion request and returns the full
	// response. Blocks until the LLM response is complete.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream sends a streaming completion request and returns a channel of
	// chunks. The caller must consume all chunks until the channel closes.
	// Errors during streaming are sent as a StreamChunk with Error set.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Messages is the conversation history including the current prompt.
	Messages []Message

	// Model specifies which model to use. Empty selects the provider default.
	Model string

	// Temperature controls randomness (0.0 = deterministic, 1.0 = creative).
	Temperature *float64

	// MaxTokens limits the response length. If nil, uses provider default.
	MaxTokens *int

	// StopSequences are strings that halt generation when encountered.
	StopSequences []string

	// Metadata contains request tracking information (run IDs, etc).
	Metadata map[string]string
}

// Message represents a single message in a conversation.
type Message struct {
	// Role indicates who sent this message (system, user, assistant).
	Role MessageRole

	// Content is the text content of the message.
	Content string
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	// MessageRoleSystem indicates a system message (context, instructions).
	MessageRoleSystem MessageRole = "system"

	// MessageRoleUser indicates a message from the user.
	MessageRoleUser MessageRole = "user"

	// MessageRoleAssistant indicates a message from the LLM.
	MessageRoleAssistant MessageRole = "assistant"
)

// CompletionResponse contains the full response from a non-streaming completion.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string

	// FinishReason explains why generation stopped.
	FinishReason FinishReason

	// Usage contains token consumption information.
	Usage TokenUsage

	// Model is the actual model ID that handled this request.
	Model string

	// RequestID is the unique identifier for this request (for tracing).
	RequestID string

	// Created is the timestamp when this response was generated.
	Created time.Time
}

// StreamChunk represents a single piece of a streaming response.
type StreamChunk struct {
	// Content is the incremental text added in this chunk.
	Content string

	// FinishReason is set on the final chunk to indicate why streaming stopped.
	FinishReason FinishReason

	// Usage is set on the final chunk with token consumption stats.
	Usage *TokenUsage

	// Error contains any error that occurred during streaming.
	// When set, this is the final chunk and the stream will close.
	Error error
}

// FinishReason indicates why completion generation stopped.
type FinishReason string

const (
	// FinishReasonStop indicates natural completion.
	FinishReasonStop FinishReason = "stop"

	// FinishReasonLength indicates the max-tokens limit was reached.
	FinishReasonLength FinishReason = "length"

	// FinishReasonError indicates an error occurred.
	FinishReasonError FinishReason = "error"
)

// TokenUsage tracks token consumption for cost accounting.
type TokenUsage struct {
	// InputTokens is the number of tokens in the input (prompt).
	InputTokens int

	// OutputTokens is the number of tokens in the output (completion).
	OutputTokens int

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int
}

// Add accumulates usage from another request.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
