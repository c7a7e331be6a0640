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

	"github.com/spf13/cobra"

	"github.com/tombee/sapassist/internal/agent"
)

func newAgentCommand(flags *rootFlags) *cobra.Command {
	var showTrace bool

	cmd := &cobra.Command{
		Use:   "agent <question>",
		Short: "Answer a question using the iterative agent loop",
		Long: `Run the bounded agent loop: the model decides per iteration whether
to search, refine the query, or complete, capped at five iterations.
Requires a configured LLM provider and a document-retrieval server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			provider, err := a.requireProvider()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a.registry.StartAll(ctx)
			server, err := a.documentServer(ctx)
			if err != nil {
				return err
			}

			loop := agent.NewLoop(provider, a.registry, server, a.logger)
			result := loop.Run(ctx, strings.Join(args, " "))

			cmd.Println(result.Answer)
			if showTrace {
				cmd.Printf("\nRun %s, %d iteration(s)", result.RunID, result.Iterations)
				if result.ForcedCompletion {
					cmd.Print(" (iteration cap reached)")
				}
				cmd.Println()
				for _, step := range result.Steps {
					cmd.Printf("%d. %s %q — %d result(s), %s\n",
						step.Iteration, step.Action, step.Query,
						step.ResultCount, step.Duration.Round(timeRound))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showTrace, "trace", false, "print the iteration trace after the answer")

	return cmd
}
