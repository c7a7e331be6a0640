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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/sapassist/internal/mcp"
)

func newMCPCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage configured MCP tool servers",
		Long: `Manage the tool servers listed in servers.yaml.

Commands:
  list     List all configured servers with status
  status   Show tools and resources of one server
  start    Start one server (or all enabled servers)
  stop     Stop one server (or all running servers)
  reload   Re-read servers.yaml and restart the catalog`,
	}

	cmd.AddCommand(newMCPListCommand(flags))
	cmd.AddCommand(newMCPStatusCommand(flags))
	cmd.AddCommand(newMCPStartCommand(flags))
	cmd.AddCommand(newMCPStopCommand(flags))
	cmd.AddCommand(newMCPReloadCommand(flags))

	return cmd
}

func newMCPListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configured servers with status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			statuses := a.registry.AllServersWithStatus(cmd.Context())
			if len(statuses) == 0 {
				cmd.Printf("No servers configured in %s\n", a.serversPath)
				return nil
			}

			cmd.Printf("%-28s %-20s %-10s %s\n", "NAME", "KIND", "STATE", "TOOLS")
			for _, st := range statuses {
				state := "stopped"
				switch {
				case st.Disabled:
					state = "disabled"
				case st.Running:
					state = "running"
				}
				cmd.Printf("%-28s %-20s %-10s %d\n", st.Name, st.Kind, state, st.ToolCount)
			}
			return nil
		},
	}
}

func newMCPStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <server>",
		Short: "Show tools and resources of one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			name := args[0]
			ctx := cmd.Context()

			tools, err := a.registry.GetTools(ctx, name)
			if err != nil {
				return err
			}
			resources, _ := a.registry.GetResources(ctx, name)

			cmd.Printf("Server: %s\n\nTools (%d):\n", name, len(tools))
			for _, tool := range tools {
				if tool.Description != "" {
					cmd.Printf("  %-24s %s\n", tool.Name, tool.Description)
				} else {
					cmd.Printf("  %s\n", tool.Name)
				}
			}
			if len(resources) > 0 {
				cmd.Printf("\nResources (%d):\n", len(resources))
				for _, res := range resources {
					cmd.Printf("  %s\n", res.URI)
				}
			}
			return nil
		},
	}
}

func newMCPStartCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start [server]",
		Short: "Start one server, or all enabled servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if len(args) == 1 {
				if err := a.registry.StartServer(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Server %s started\n", args[0])
				return nil
			}
			a.registry.StartAll(ctx)
			cmd.Println("All enabled servers started")
			return nil
		},
	}
}

func newMCPStopCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [server]",
		Short: "Stop one server, or all running servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				if err := a.registry.StopServer(args[0]); err != nil {
					return err
				}
				cmd.Printf("Server %s stopped\n", args[0])
				return nil
			}
			a.registry.StopAll()
			cmd.Println("All servers stopped")
			return nil
		},
	}
}

func newMCPReloadCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read servers.yaml and restart the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			cfg, err := mcp.LoadServersConfig(a.serversPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", a.serversPath, err)
			}
			if err := a.registry.Reload(cmd.Context(), cfg); err != nil {
				return err
			}
			cmd.Printf("Reloaded %d server(s) from %s\n", len(cfg.Servers), a.serversPath)
			return nil
		},
	}
}
