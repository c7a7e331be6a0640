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

// Package commands implements the sapassist command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/sapassist/internal/config"
	ilog "github.com/tombee/sapassist/internal/log"
	"github.com/tombee/sapassist/internal/match"
	"github.com/tombee/sapassist/internal/mcp"
	"github.com/tombee/sapassist/internal/metrics"
	"github.com/tombee/sapassist/internal/retrieval"
	"github.com/tombee/sapassist/pkg/llm"
)

// app bundles the wired components behind every command.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	supervisor  *mcp.Supervisor
	registry    *mcp.Registry
	recorder    *metrics.Recorder
	provider    llm.Provider
	tables      *match.Tables
	serversPath string
}

// newApp loads configuration and wires the supervisor, registry, matcher
// tables and (when an API key is available) the LLM provider.
func newApp(configPath string) (*app, error) {
	logger := ilog.New(ilog.FromEnv())

	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	serversPath, err := cfg.ServersPath()
	if err != nil {
		return nil, err
	}
	serversCfg, err := mcp.LoadServersConfig(serversPath)
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder()
	supervisor := mcp.NewSupervisor(logger)

	opts := []mcp.RegistryOption{mcp.WithRecorder(recorder)}
	if cfg.Retrieval.BaseURL != "" {
		docs, err := retrieval.NewClient(retrieval.Config{
			BaseURL:  cfg.Retrieval.BaseURL,
			Token:    cfg.Retrieval.Token,
			Username: cfg.Retrieval.Username,
			Password: cfg.Retrieval.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("building document-retrieval client: %w", err)
		}
		opts = append(opts, mcp.WithDocumentClient(docs))
	}

	registry := mcp.NewRegistry(supervisor, serversCfg, logger, opts...)

	tables, err := match.LoadTables(cfg.MatchingFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		supervisor:  supervisor,
		registry:    registry,
		recorder:    recorder,
		tables:      tables,
		serversPath: serversPath,
	}

	if key := cfg.APIKey(); key != "" {
		anthropic, err := llm.NewAnthropicProvider(key, llm.WithAnthropicModel(cfg.LLM.Model))
		if err != nil {
			return nil, err
		}
		// Limiter sits inside the retry wrapper so every attempt waits
		// for a slot; the recorder counts logical requests outermost.
		limited := llm.NewRateLimitedProvider(anthropic, cfg.ProviderRPS(), 1)
		a.provider = recorder.InstrumentProvider(
			llm.NewRetryableProvider(limited, llm.DefaultRetryConfig()))
	}

	return a, nil
}

// close stops all supervised server processes.
func (a *app) close() {
	a.supervisor.StopAll()
}

// requireProvider fails with guidance when no LLM provider is configured.
func (a *app) requireProvider() (llm.Provider, error) {
	if a.provider == nil {
		return nil, fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY (or the variable named by llm.api_key_env)")
	}
	return a.provider, nil
}

// documentServer returns the first configured document-retrieval server
// name, for the planner and agent paths.
func (a *app) documentServer(ctx context.Context) (string, error) {
	for _, st := range a.registry.AllServersWithStatus(ctx) {
		if st.Kind == mcp.KindDocumentRetrieval && !st.Disabled {
			return st.Name, nil
		}
	}
	return "", fmt.Errorf("no document-retrieval server configured in %s", a.serversPath)
}
