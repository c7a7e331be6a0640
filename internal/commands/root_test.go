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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() VersionInfo {
	return VersionInfo{Version: "1.2.3", Commit: "abc1234", BuildDate: "2025-08-30"}
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand(testInfo())

	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"chat", "agent", "mcp", "serve", "version"} {
		assert.True(t, names[name], "missing subcommand %q", name)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand(testInfo())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "sapassist version 1.2.3")
	assert.Contains(t, out.String(), "abc1234")
}

func TestVersionCommandJSON(t *testing.T) {
	root := NewRootCommand(testInfo())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--json"})

	require.NoError(t, root.Execute())

	var info struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildDate string `json:"build_date"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &info), "output not JSON: %s", out.String())
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "2025-08-30", info.BuildDate)
}

func TestMCPListAgainstTempConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	root := NewRootCommand(testInfo())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"mcp", "list"})

	require.NoError(t, root.Execute())
	// Empty servers.yaml yields the empty-catalog message.
	assert.Contains(t, out.String(), "No servers configured")
}

func TestChatRequiresArgument(t *testing.T) {
	root := NewRootCommand(testInfo())
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"chat"})

	require.Error(t, root.Execute())
}
