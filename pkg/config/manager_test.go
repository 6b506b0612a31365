// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/opguard/pkg/config/testutil"
)

type testConfig struct {
	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Storage struct {
		Backend string `mapstructure:"backend"`
		Redis   struct {
			Addr             string        `mapstructure:"addr"`
			OperationTimeout time.Duration `mapstructure:"operation_timeout"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`
	Cleanup struct {
		BatchSize int `mapstructure:"batch_size"`
	} `mapstructure:"cleanup"`
}

func TestHierarchicalPrecedence(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.SetEnv("OPGUARD_SERVER_PORT", "9300")
	box.SetEnv("OPGUARD_CLEANUP_BATCH_SIZE", "200")

	box.WriteFile("opguard.yaml", `
server:
  port: "9000"
storage:
  backend: memory
  redis:
    addr: localhost:6379
    operation_timeout: 1s
cleanup:
  batch_size: 10
`)
	box.WriteFile("opguard.prod.yaml", `
server:
  port: "9100"
storage:
  backend: redis
  redis:
    operation_timeout: 3s
`)
	box.WriteYAML("opguard.override.yaml", map[string]any{
		"server":  map[string]any{"port": "9200"},
		"cleanup": map[string]any{"batch_size": 100},
	})

	m := NewManager(Options{
		WorkDir:            box.Dir,
		ConfigBaseName:     "opguard",
		EnvironmentName:    "prod",
		OverrideFilename:   "opguard.override.yaml",
		EnvPrefix:          "OPGUARD",
		EnableAutomaticEnv: true,
	})
	m.SetDefaults(map[string]interface{}{
		"server":  map[string]interface{}{"port": "8080"},
		"cleanup": map[string]interface{}{"batch_size": 1},
	})
	require.NoError(t, m.Load())

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))

	// defaults(8080) < base(9000) < env(9100) < override(9200) < envvars(9300)
	assert.Equal(t, "9300", cfg.Server.Port)
	assert.Equal(t, 200, cfg.Cleanup.BatchSize)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.Storage.Redis.OperationTimeout)
	assert.Len(t, m.LoadedFiles(), 3)
}

func TestMissingFilesAreIgnored(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.WriteFile("opguard.yaml", `server: { port: "8000" }`)

	opts := DefaultOptions()
	opts.WorkDir = box.Dir
	opts.EnvironmentName = "prod"
	m := NewManager(opts)
	require.NoError(t, m.Load())

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, []string{filepath.Join(box.Dir, "opguard.yaml")}, m.LoadedFiles())
}

func TestExplicitConfigFile(t *testing.T) {
	box := testutil.NewSandbox(t)
	path := box.WriteFile("conf/custom.yaml", `storage: { backend: redis }`)
	box.WriteFile("opguard.yaml", `storage: { backend: memory }`)

	opts := DefaultOptions()
	opts.WorkDir = box.Dir
	opts.ConfigFile = path
	m := NewManager(opts)
	require.NoError(t, m.Load())
	assert.Equal(t, "redis", m.Get("storage.backend"))

	opts.ConfigFile = filepath.Join(box.Dir, "missing.yaml")
	assert.Error(t, NewManager(opts).Load())

	opts.ConfigFile = "conf/custom.yaml"
	m = NewManager(opts)
	require.NoError(t, m.Load())
	assert.Equal(t, []string{path}, m.LoadedFiles(), "relative names resolve against WorkDir")
}

func TestBrokenFileLeavesSettingsUntouched(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.WriteFile("opguard.yaml", "server: [unclosed")

	opts := DefaultOptions()
	opts.WorkDir = box.Dir
	m := NewManager(opts)
	m.SetDefault("server.port", "8080")

	require.Error(t, m.Load())
	assert.Equal(t, "8080", m.Get("server.port"))
}

func TestSetOverridesEverything(t *testing.T) {
	box := testutil.NewSandbox(t)
	box.SetEnv("OPGUARD_SERVER_PORT", "9300")

	opts := DefaultOptions()
	opts.WorkDir = box.Dir
	m := NewManager(opts)
	m.SetDefault("server.port", "8080")
	m.Set("server.port", "7000")
	require.NoError(t, m.Load())

	var cfg testConfig
	require.NoError(t, m.Unmarshal(&cfg))
	assert.Equal(t, "7000", cfg.Server.Port)
}

func TestUnmarshalNilTarget(t *testing.T) {
	m := NewManager(DefaultOptions())
	assert.Error(t, m.Unmarshal(nil))
}
