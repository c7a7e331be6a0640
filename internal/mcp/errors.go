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
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a category of MCP error.
type ErrorCode string

const (
	// CodeNotFound indicates a server or tool was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeAlreadyRunning indicates a server is already running.
	CodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	// CodeNotRunning indicates a server is not running.
	CodeNotRunning ErrorCode = "NOT_RUNNING"
	// CodeStartFailed indicates a server process failed to start.
	CodeStartFailed ErrorCode = "START_FAILED"
	// CodeInitFailed indicates the initialize handshake was exhausted.
	CodeInitFailed ErrorCode = "INIT_FAILED"
	// CodeDisconnected indicates the server process exited with requests in flight.
	CodeDisconnected ErrorCode = "DISCONNECTED"
	// CodeTimeout indicates a request did not receive a response in time.
	CodeTimeout ErrorCode = "TIMEOUT"
	// CodeProtocol indicates a malformed JSON-RPC message.
	CodeProtocol ErrorCode = "PROTOCOL"
	// CodeValidation indicates a validation error.
	CodeValidation ErrorCode = "VALIDATION"
	// CodeConfig indicates a configuration error.
	CodeConfig ErrorCode = "CONFIG"
	// CodeUnreachable indicates a backend business system could not be reached.
	CodeUnreachable ErrorCode = "UNREACHABLE"
)

// Error is the structured error type for the MCP layer. It carries a code
// for programmatic handling and suggestions for the user surface.
type Error struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(e.Message)

	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	return strings.ToLower(string(e.Code))
}

// IsRetryable implements pkg/errors.ErrorClassifier.
// Only transient conditions are retryable.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeTimeout, CodeDisconnected, CodeUnreachable:
		return true
	default:
		return false
	}
}

// IsUserVisible implements pkg/errors.UserVisibleError.
// MCP errors are always user-visible.
func (e *Error) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *Error) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *Error) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

// NewError creates a new Error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// ErrServerNotFound creates an error for when a server is not found.
func ErrServerNotFound(name string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("server '%s' not found", name)).
		WithSuggestions(
			"Check the server name: sapassist mcp list",
			fmt.Sprintf("Register the server in servers.yaml under servers.%s", name),
		)
}

// ErrToolNotFound creates an error for when a tool is not found on a server.
func ErrToolNotFound(server, tool string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("tool '%s' not found on server '%s'", tool, server)).
		WithSuggestions(
			fmt.Sprintf("List the server's tools: sapassist mcp status %s", server),
		)
}

// ErrServerDisabled creates an error for an attempt to start a disabled server.
func ErrServerDisabled(name string) *Error {
	return NewError(CodeValidation, fmt.Sprintf("server '%s' is disabled", name)).
		WithSuggestions(
			fmt.Sprintf("Enable it by removing 'disabled: true' from servers.%s in servers.yaml", name),
		)
}

// ErrServerAlreadyRunning creates an error for a duplicate start.
func ErrServerAlreadyRunning(name string) *Error {
	return NewError(CodeAlreadyRunning, fmt.Sprintf("server '%s' is already running", name))
}

// ErrServerStartFailed creates an error for a process that could not spawn.
func ErrServerStartFailed(name string, cause error) *Error {
	return NewError(CodeStartFailed, fmt.Sprintf("failed to start server '%s'", name)).
		WithCause(cause).
		WithSuggestions(
			"Verify the command exists and is executable",
		)
}

// ErrProtocol creates an error for a malformed or error-bearing response.
func ErrProtocol(name string, cause error) *Error {
	return NewError(CodeProtocol, fmt.Sprintf("protocol error from server '%s'", name)).
		WithCause(cause)
}

// ErrServerNotRunning creates an error for when a server has no live process.
func ErrServerNotRunning(name string) *Error {
	return NewError(CodeNotRunning, fmt.Sprintf("server '%s' is not running", name)).
		WithSuggestions(
			fmt.Sprintf("Start the server: sapassist mcp start %s", name),
		)
}

// ErrDisconnected creates an error for a request whose server process died
// while the request was in flight.
func ErrDisconnected(name string) *Error {
	return NewError(CodeDisconnected, fmt.Sprintf("server '%s' disconnected", name)).
		WithDetail("the tool server process exited before responding").
		WithSuggestions(
			fmt.Sprintf("Restart the server: sapassist mcp start %s", name),
			"Check the server's stderr output in the logs",
		)
}

// ErrRequestTimeout creates an error for a request that exceeded the
// per-request timeout.
func ErrRequestTimeout(name, method string, timeout time.Duration) *Error {
	return NewError(CodeTimeout, fmt.Sprintf("request to server '%s' timed out", name)).
		WithDetail(fmt.Sprintf("no response to %s within %s", method, timeout))
}

// ErrInitFailed creates an error for an exhausted initialize handshake.
func ErrInitFailed(name string, attempts int, cause error) *Error {
	return NewError(CodeInitFailed, fmt.Sprintf("server '%s' failed to initialize", name)).
		WithDetail(fmt.Sprintf("initialize handshake failed after %d attempts", attempts)).
		WithCause(cause).
		WithSuggestions(
			"Verify the launch command starts an MCP server speaking JSON-RPC over stdio",
		)
}

// ErrSystemUnreachable creates the localized error surfaced when the ABAP
// backend cannot be reached. The message is shown to end users verbatim.
func ErrSystemUnreachable(name string) *Error {
	return NewError(CodeUnreachable,
		"Das SAP-System ist derzeit nicht erreichbar. Bitte versuchen Sie es später erneut.").
		WithDetail(fmt.Sprintf("login to '%s' failed", name)).
		WithSuggestions(
			"Check the SAP system connection parameters and network reachability",
		)
}
