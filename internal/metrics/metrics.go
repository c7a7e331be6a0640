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

// Package metrics exposes prometheus instrumentation for tool execution
// and LLM usage. The Recorder satisfies the registry's telemetry hook.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/sapassist/pkg/llm"
)

// Recorder collects tool-call and LLM counters. It implements the
// mcp.Recorder interface.
type Recorder struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	llmTokens    *prometheus.CounterVec
	llmRequests  *prometheus.CounterVec
}

// NewRecorder builds a recorder with its own registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sapassist",
			Name:      "tool_calls_total",
			Help:      "Tool executions by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sapassist",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool execution latency by server and tool.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"server", "tool"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sapassist",
			Name:      "llm_tokens_total",
			Help:      "LLM token consumption by provider and direction.",
		}, []string{"provider", "direction"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sapassist",
			Name:      "llm_requests_total",
			Help:      "LLM requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	registry.MustRegister(r.toolCalls, r.toolDuration, r.llmTokens, r.llmRequests)
	return r
}

// RecordToolCall counts one tool execution and observes its latency.
// outcome is "success" or "error".
func (r *Recorder) RecordToolCall(server, tool, outcome string, duration time.Duration) {
	r.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	r.toolDuration.WithLabelValues(server, tool).Observe(duration.Seconds())
}

// RecordLLMUsage counts one LLM request and its token consumption.
func (r *Recorder) RecordLLMUsage(provider string, usage llm.TokenUsage, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.llmRequests.WithLabelValues(provider, outcome).Inc()
	r.llmTokens.WithLabelValues(provider, "input").Add(float64(usage.InputTokens))
	r.llmTokens.WithLabelValues(provider, "output").Add(float64(usage.OutputTokens))
}

// Handler serves the recorder's registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
