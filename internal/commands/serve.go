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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/sapassist/internal/mcp"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool servers in the foreground",
		Long: `Start all enabled tool servers and keep them running until
interrupted. Changes to servers.yaml are picked up automatically.
Prometheus metrics are served on the metrics address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			a.registry.StartAll(ctx)

			watcher, err := mcp.NewConfigWatcher(mcp.ConfigWatcherConfig{
				Registry:   a.registry,
				ConfigPath: a.serversPath,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			defer watcher.Close()

			srv := &http.Server{
				Addr:              metricsAddr,
				Handler:           metricsMux(a),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server failed", "error", err)
				}
			}()

			a.logger.Info("serving", "metrics_addr", metricsAddr, "servers_file", a.serversPath)
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("metrics server shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9472", "address for the prometheus metrics endpoint")

	return cmd
}

func metricsMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
