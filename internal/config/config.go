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

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tombee/sapassist/pkg/errors"
)

// Config is the application configuration loaded from config.yaml in the
// sapassist config directory. All sections are optional; zero values fall
// back to defaults or to environment variables.
type Config struct {
	// LLM configures the language model provider.
	LLM LLMConfig `yaml:"llm"`

	// Retrieval configures the document-retrieval backend.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// ServersFile overrides the path to servers.yaml. Empty uses the
	// config directory default.
	ServersFile string `yaml:"servers_file"`

	// MatchingFile overrides the path to the matching tables. Empty uses
	// the built-in defaults.
	MatchingFile string `yaml:"matching_file"`
}

// LLMConfig selects and configures the LLM provider.
type LLMConfig struct {
	// Provider names the provider implementation. Only "anthropic" is
	// built in; empty disables LLM-backed strategies.
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Default: ANTHROPIC_API_KEY. The key itself never lives in the file.
	APIKeyEnv string `yaml:"api_key_env"`

	// RequestsPerSecond caps outgoing provider requests. Zero uses the
	// default of 2 req/s; negative disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// defaultRequestsPerSecond keeps agent and planner bursts inside typical
// provider rate limits.
const defaultRequestsPerSecond = 2.0

// ProviderRPS resolves the provider request rate: 0 means the default,
// negative disables limiting.
func (c *Config) ProviderRPS() float64 {
	switch {
	case c.LLM.RequestsPerSecond < 0:
		return 0
	case c.LLM.RequestsPerSecond == 0:
		return defaultRequestsPerSecond
	default:
		return c.LLM.RequestsPerSecond
	}
}

// RetrievalConfig configures the document-retrieval HTTP backend.
type RetrievalConfig struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads config.yaml from the given path. A missing file yields an
// empty config, not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &errors.ConfigError{
			Key:    path,
			Reason: "reading config file",
			Cause:  err,
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{
			Key:    path,
			Reason: fmt.Sprintf("parsing YAML: %v", err),
			Cause:  err,
		}
	}
	return cfg, nil
}

// DefaultPath returns the default config.yaml location.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ServersPath resolves the servers.yaml location, honoring the override.
func (c *Config) ServersPath() (string, error) {
	if c.ServersFile != "" {
		return c.ServersFile, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "servers.yaml"), nil
}

// APIKey resolves the LLM API key from the configured environment
// variable. Empty means no key available.
func (c *Config) APIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = "ANTHROPIC_API_KEY"
	}
	return os.Getenv(envVar)
}
