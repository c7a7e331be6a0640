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

package match

import (
	"context"
	"log/slog"

	ilog "github.com/tombee/sapassist/internal/log"
	"github.com/tombee/sapassist/internal/mcp"
)

// maxExecutedPerStrategy caps how many of a strategy's candidates run.
const maxExecutedPerStrategy = 2

// shortCircuitPriority stops further candidate execution once a candidate
// at or above this priority succeeds.
const shortCircuitPriority = 8

// Executor runs tool calls. *mcp.Registry satisfies it.
type Executor interface {
	ExecuteTool(ctx context.Context, call mcp.ToolCall) mcp.ToolResult
}

// ExecutedCall is one tool invocation made by the chain, with its result
// and provenance.
type ExecutedCall struct {
	// Strategy names the strategy that proposed the call.
	Strategy string

	// Call is the invocation that ran.
	Call mcp.ToolCall

	// Priority is the candidate's rank at proposal time.
	Priority int

	// Result is the outcome.
	Result mcp.ToolResult
}

// Chain evaluates strategies in order: each strategy's top candidates are
// executed, and the chain stops at the first strategy that produced at
// least one executed call. A strategy with zero executed calls hands over
// to the next one; an empty final trace means the utterance proceeds
// without tool augmentation.
type Chain struct {
	strategies []Strategy
	executor   Executor
	logger     *slog.Logger
}

// NewChain builds a chain over the given strategies, tried in order.
func NewChain(executor Executor, logger *slog.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: strategies, executor: executor, logger: logger}
}

// Run evaluates the chain for one utterance and returns the executed-call
// trace, possibly empty.
func (c *Chain) Run(ctx context.Context, utterance string) []ExecutedCall {
	for _, strategy := range c.strategies {
		executed := c.runStrategy(ctx, strategy, utterance)
		if len(executed) > 0 {
			return executed
		}
		c.logger.Debug("strategy yielded no executed tools, falling back",
			ilog.StrategyKey, strategy.Name())
	}
	return nil
}

// runStrategy executes the top candidates of one strategy. Execution
// short-circuits when a high-priority candidate succeeds.
func (c *Chain) runStrategy(ctx context.Context, strategy Strategy, utterance string) []ExecutedCall {
	candidates := strategy.Match(ctx, utterance)
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > maxExecutedPerStrategy {
		candidates = candidates[:maxExecutedPerStrategy]
	}

	var executed []ExecutedCall
	for _, cand := range candidates {
		result := c.executor.ExecuteTool(ctx, cand.Call)
		executed = append(executed, ExecutedCall{
			Strategy: strategy.Name(),
			Call:     cand.Call,
			Priority: cand.Priority,
			Result:   result,
		})
		if result.Success && cand.Priority >= shortCircuitPriority {
			break
		}
	}
	return executed
}
