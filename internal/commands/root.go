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
	"github.com/spf13/cobra"
)

// VersionInfo carries build metadata injected via ldflags.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// rootFlags holds the persistent flag values shared by all commands.
type rootFlags struct {
	configPath string
}

// NewRootCommand builds the sapassist command tree.
func NewRootCommand(info VersionInfo) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "sapassist",
		Short: "Business chat assistant over MCP tool servers",
		Long: `sapassist answers business questions by routing them to MCP tool
servers: document retrieval, ABAP table access, and a simulated SAP
service catalog.

Commands:
  chat      Answer a question using the keyword/domain strategy chain
  agent     Answer a question using the iterative agent loop
  mcp       Manage configured MCP tool servers
  serve     Run the tool servers in the foreground
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.yaml (default: XDG config dir)")

	cmd.AddCommand(newChatCommand(flags))
	cmd.AddCommand(newAgentCommand(flags))
	cmd.AddCommand(newMCPCommand(flags))
	cmd.AddCommand(newServeCommand(flags))
	cmd.AddCommand(newVersionCommand(info))

	return cmd
}
