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

package commands

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/sapassist/internal/chain"
	"github.com/tombee/sapassist/internal/match"
	"github.com/tombee/sapassist/internal/synth"
)

// timeRound keeps printed durations readable.
const timeRound = time.Millisecond

func newChatCommand(flags *rootFlags) *cobra.Command {
	var (
		useChain  bool
		stream    bool
		showTrace bool
	)

	cmd := &cobra.Command{
		Use:   "chat <question>",
		Short: "Answer a question using the strategy chain",
		Long: `Answer a question by matching it against the configured tool servers.

The keyword matcher runs first; if it selects no tool the domain matcher
takes over. With --chain the LLM-backed planner (plan → search → present)
is used instead of the heuristic matchers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			a.registry.StartAll(ctx)
			utterance := strings.Join(args, " ")

			if useChain {
				provider, err := a.requireProvider()
				if err != nil {
					return err
				}
				server, err := a.documentServer(ctx)
				if err != nil {
					return err
				}
				planner := chain.NewPlanner(provider, a.registry, server, a.logger)
				result := planner.Run(ctx, utterance)
				cmd.Println(result.Answer)
				if showTrace {
					printChainTrace(cmd, result)
				}
				return nil
			}

			keyword := match.NewKeywordMatcher(a.tables, a.registry, a.logger)
			domain := match.NewDomainMatcher(a.tables, a.registry, a.logger, match.WithWarmup(0))
			strategies := match.NewChain(a.registry, a.logger, keyword, domain)

			trace := strategies.Run(ctx, utterance)
			synthesizer := synth.New(a.provider, a.logger)

			if stream {
				for chunk := range synthesizer.Stream(ctx, utterance, trace) {
					if chunk.Error != nil {
						return chunk.Error
					}
					cmd.Print(chunk.Content)
				}
				cmd.Println()
			} else {
				cmd.Println(synthesizer.Respond(ctx, utterance, trace))
			}

			if showTrace {
				printMatchTrace(cmd, trace)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&useChain, "chain", false, "use the LLM planner instead of the heuristic matchers")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the answer as it is generated")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print the tool-call trace after the answer")

	return cmd
}

func printMatchTrace(cmd *cobra.Command, trace []match.ExecutedCall) {
	if len(trace) == 0 {
		cmd.Println("\n(no tool executed)")
		return
	}
	cmd.Println("\nTool calls:")
	for i, ec := range trace {
		outcome := "ok"
		if !ec.Result.Success {
			outcome = "failed: " + ec.Result.Error
		}
		cmd.Printf("%d. [%s] %s/%s (priority %d) — %s\n",
			i+1, ec.Strategy, ec.Call.Server, ec.Call.Tool, ec.Priority, outcome)
	}
}

func printChainTrace(cmd *cobra.Command, result *chain.Result) {
	if result.SearchTerm != "" {
		cmd.Printf("\nSearch term: %s\n", result.SearchTerm)
	}
	if len(result.Steps) > 0 {
		cmd.Println("Steps:")
		for _, step := range result.Steps {
			cmd.Printf("- %s: %s (%s)\n", step.Name, step.Detail, step.Duration.Round(timeRound))
		}
	}
	for _, call := range result.ToolCalls {
		cmd.Printf("Tool call: %s/%s %v\n", call.Server, call.Tool, call.Arguments)
	}
}
