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
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/sapassist/internal/config"
)

// ServerNameRegex validates tool server names.
// Names must start with a letter and contain only letters, numbers,
// hyphens, and underscores. Maximum length is 64 characters.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// ServersConfig represents the tool-server configuration file.
// Stored at ~/.config/sapassist/servers.yaml
type ServersConfig struct {
	// Servers is a map of server name to configuration.
	Servers map[string]*ServerEntry `yaml:"servers,omitempty"`

	// Defaults provides default values for server configuration.
	Defaults ServerDefaults `yaml:"defaults,omitempty"`
}

// ServerEntry represents a single tool-server configuration entry.
type ServerEntry struct {
	// Command is the executable to run (e.g., "npx", "python").
	Command string `yaml:"command,omitempty"`

	// Args are command-line arguments.
	Args []string `yaml:"args,omitempty"`

	// Env are environment variables in KEY=VALUE format, overlaid on the
	// parent process environment.
	Env []string `yaml:"env,omitempty"`

	// Timeout is the default timeout for tool calls in seconds.
	// Defaults to 30 seconds if not specified.
	Timeout int `yaml:"timeout,omitempty"`

	// Disabled excludes the server from startup and matching. Disabled
	// servers still appear in administrative listings.
	Disabled bool `yaml:"disabled,omitempty"`

	// Kind overrides server-kind inference. Valid values: "generic",
	// "document-retrieval", "abap", "sap-catalog". When empty, the kind
	// is inferred from the server name at load time.
	Kind ServerKind `yaml:"kind,omitempty"`
}

// ServerDefaults provides default values for server configuration.
type ServerDefaults struct {
	// Timeout is the default timeout in seconds (default: 30).
	Timeout int `yaml:"timeout,omitempty"`
}

// ServerConfig is the resolved runtime configuration for one server.
// Kind is resolved exactly once here; nothing downstream inspects the
// server name again.
type ServerConfig struct {
	Name     string
	Command  string
	Args     []string
	Env      []string
	Timeout  time.Duration
	Kind     ServerKind
	Disabled bool
}

// ServersConfigPath returns the path to the tool-server configuration file.
func ServersConfigPath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "servers.yaml"), nil
}

// LoadServersConfig loads the tool-server configuration from the given
// path, or from the default location when path is empty.
// Returns an empty config if the file doesn't exist.
func LoadServersConfig(path string) (*ServersConfig, error) {
	if path == "" {
		var err error
		path, err = ServersConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ServersConfig{
				Servers:  make(map[string]*ServerEntry),
				Defaults: ServerDefaults{Timeout: 30},
			}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerEntry)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// SaveServersConfig saves the tool-server configuration to disk.
func SaveServersConfig(cfg *ServersConfig, path string) error {
	if path == "" {
		var err error
		path, err = ServersConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to temp file first, then rename (atomic operation)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

// applyDefaults applies default values to server entries.
func (c *ServersConfig) applyDefaults() {
	timeout := c.Defaults.Timeout
	if timeout == 0 {
		timeout = 30
	}
	c.Defaults.Timeout = timeout

	for _, entry := range c.Servers {
		if entry.Timeout == 0 {
			entry.Timeout = timeout
		}
	}
}

// Validate validates the entire configuration.
func (c *ServersConfig) Validate() error {
	for name, entry := range c.Servers {
		if err := ValidateServerName(name); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}

// Validate validates a single server entry.
func (e *ServerEntry) Validate() error {
	if e.Command == "" && e.Kind != KindDocumentRetrieval && e.Kind != KindSimulatedSapCatalog {
		return fmt.Errorf("command is required")
	}

	if e.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	if e.Kind != "" {
		switch e.Kind {
		case KindGeneric, KindDocumentRetrieval, KindAbapSystem, KindSimulatedSapCatalog:
			// Valid
		default:
			return fmt.Errorf("invalid kind: %s", e.Kind)
		}
	}

	for i, arg := range e.Args {
		if err := ValidateArg(arg); err != nil {
			return fmt.Errorf("args[%d]: %w", i, err)
		}
	}

	for i, env := range e.Env {
		if err := ValidateEnv(env); err != nil {
			return fmt.Errorf("env[%d]: %w", i, err)
		}
	}

	return nil
}

// ToServerConfig converts a ServerEntry to a runtime ServerConfig,
// resolving the server kind.
func (e *ServerEntry) ToServerConfig(name string) ServerConfig {
	kind := e.Kind
	if kind == "" {
		kind = inferKind(name)
	}

	return ServerConfig{
		Name:     name,
		Command:  e.Command,
		Args:     e.Args,
		Env:      e.Env,
		Timeout:  time.Duration(e.Timeout) * time.Second,
		Kind:     kind,
		Disabled: e.Disabled,
	}
}

// inferKind infers the server kind from its name. Runs once at
// configuration load; explicit `kind:` entries override it.
func inferKind(name string) ServerKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "document") || strings.Contains(lower, "retrieval"):
		return KindDocumentRetrieval
	case strings.Contains(lower, "abap"):
		return KindAbapSystem
	case strings.Contains(lower, "sap"):
		return KindSimulatedSapCatalog
	default:
		return KindGeneric
	}
}

// ValidateServerName validates a tool server name.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("server name exceeds 64 character limit")
	}
	if !ServerNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name: must start with a letter and contain only letters, numbers, hyphens, and underscores")
	}
	return nil
}

// shellInjectionPatterns are patterns that could indicate shell injection attempts.
var shellInjectionPatterns = []string{
	";", "&&", "||", "|", "`", "$(", "${", "\n", "\r",
}

// ValidateArg validates a command argument for shell injection.
func ValidateArg(arg string) error {
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(arg, pattern) {
			return fmt.Errorf("argument contains potentially unsafe pattern %q", pattern)
		}
	}
	return nil
}

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateEnv validates an environment variable.
func ValidateEnv(env string) error {
	parts := strings.SplitN(env, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("environment variable must be in KEY=VALUE format")
	}

	key := parts[0]
	if key == "" {
		return fmt.Errorf("environment variable key is required")
	}

	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid environment variable key: %s", key)
	}

	// ${VAR} is allowed for runtime substitution; other shell metacharacters
	// are not.
	value := parts[1]
	for _, pattern := range shellInjectionPatterns {
		if pattern == "${" {
			continue
		}
		if strings.Contains(value, pattern) {
			return fmt.Errorf("environment value contains potentially unsafe pattern %q", pattern)
		}
	}

	return nil
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH", "API_KEY",
}

// IsSensitiveEnvKey returns true if the key appears to contain sensitive data.
func IsSensitiveEnvKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv redacts sensitive values from an environment variable list.
func RedactEnv(envs []string) []string {
	result := make([]string, len(envs))
	for i, env := range envs {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && IsSensitiveEnvKey(parts[0]) {
			result[i] = parts[0] + "=***REDACTED***"
		} else {
			result[i] = env
		}
	}
	return result
}

// synthesizedTools returns the server-kind-specific default tool list used
// as a fallback until live discovery replaces it.
func synthesizedTools(kind ServerKind) []ToolDescriptor {
	objectSchema := []byte(`{"type":"object"}`)

	switch kind {
	case KindAbapSystem:
		return []ToolDescriptor{
			{Name: "login", Description: "Authenticate against the ABAP system", InputSchema: objectSchema},
			{Name: "tableContents", Description: "Read rows from a DDIC table", InputSchema: objectSchema},
			{Name: "searchObject", Description: "Search repository objects by name", InputSchema: objectSchema},
		}
	case KindDocumentRetrieval:
		return []ToolDescriptor{
			{Name: "searchDocuments", Description: "Semantic search over the document store", InputSchema: objectSchema},
			{Name: "getDocumentContext", Description: "Fetch context chunks for a query", InputSchema: objectSchema},
			{Name: "getDocumentStats", Description: "Document store statistics", InputSchema: objectSchema},
			{Name: "testEmbedding", Description: "Check embedding service health", InputSchema: objectSchema},
		}
	case KindSimulatedSapCatalog:
		return []ToolDescriptor{
			{Name: "search-services", Description: "Search available OData services", InputSchema: objectSchema},
			{Name: "discover-entities", Description: "Discover entity sets of a service", InputSchema: objectSchema},
			{Name: "get-schema", Description: "Get the schema of an entity set", InputSchema: objectSchema},
			{Name: "execute-operation", Description: "Execute an OData operation", InputSchema: objectSchema},
		}
	default:
		return nil
	}
}

// synthesizedResources returns the server-kind-specific default resource list.
func synthesizedResources(kind ServerKind) []ResourceDescriptor {
	switch kind {
	case KindDocumentRetrieval:
		return []ResourceDescriptor{
			{URI: "documents://stats", Name: "Document store statistics"},
		}
	default:
		return nil
	}
}
