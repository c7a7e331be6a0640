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

// Package config resolves configuration file locations following the XDG
// base directory specification.
package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the XDG config directory for sapassist.
// On Unix and macOS: ~/.config/sapassist
// Respects the XDG_CONFIG_HOME environment variable.
func ConfigDir() (string, error) {
	var base string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	configDir := filepath.Join(base, "sapassist")

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}

	return configDir, nil
}

// StateDir returns the XDG state directory for sapassist.
// Used for runtime state that should survive restarts (e.g., server state).
// Respects the XDG_STATE_HOME environment variable.
func StateDir() (string, error) {
	var base string

	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}

	stateDir := filepath.Join(base, "sapassist")

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return "", err
	}

	return stateDir, nil
}
