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

// Package config loads layered configuration files and environment variables
// through viper.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// source is one file layer. Optional sources are skipped when absent.
type source struct {
	name     string
	path     string
	required bool
}

type setting struct {
	key   string
	value interface{}
}

// Options configures the Manager.
type Options struct {
	// WorkDir resolves relative file names.
	WorkDir string
	// ConfigFile replaces the base file and must exist.
	ConfigFile string
	// ConfigBaseName names the files: <base>.yaml, <base>.<env>.yaml.
	ConfigBaseName string
	// ConfigType is yaml, json or toml.
	ConfigType      string
	EnvironmentName string
	// OverrideFilename defaults to <base>.override.<ext>.
	OverrideFilename string
	// EnvPrefix prefixes environment variables; "server.address" is read
	// from <PREFIX>_SERVER_ADDRESS.
	EnvPrefix          string
	EnableAutomaticEnv bool
}

// DefaultOptions reads opguard*.yaml from the current directory and binds
// OPGUARD_* variables.
func DefaultOptions() Options {
	return Options{
		WorkDir:            ".",
		ConfigBaseName:     "opguard",
		ConfigType:         "yaml",
		OverrideFilename:   "opguard.override.yaml",
		EnvPrefix:          "OPGUARD",
		EnableAutomaticEnv: true,
	}
}

// Manager merges configuration layers into one viper instance. Precedence,
// lowest first: defaults, base file (or ConfigFile), environment file,
// override file, environment variables.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	options Options
	loaded  []string

	// defaults and overrides are replayed into the fresh viper every Load
	// builds, so keys removed from a file disappear on reload.
	defaults  []setting
	overrides []setting
}

// NewManager fills unset options from DefaultOptions, except the environment
// binding which stays as given.
func NewManager(options Options) *Manager {
	d := DefaultOptions()
	if options.ConfigType == "" {
		options.ConfigType = d.ConfigType
	}
	if options.ConfigBaseName == "" {
		options.ConfigBaseName = d.ConfigBaseName
	}
	if options.WorkDir == "" {
		options.WorkDir = d.WorkDir
	}

	m := &Manager{options: options}
	m.v = m.newViper()
	return m
}

func (m *Manager) newViper() *viper.Viper {
	v := viper.New()
	if m.options.EnableAutomaticEnv {
		v.SetEnvPrefix(m.options.EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	for _, d := range m.defaults {
		v.SetDefault(d.key, d.value)
	}
	for _, o := range m.overrides {
		v.Set(o.key, o.value)
	}
	return v
}

// SetDefault sets a default value for the given key. Environment variables
// only reach Unmarshal for keys viper knows about, so every key a caller
// wants overridable from the environment needs a default.
func (m *Manager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = append(m.defaults, setting{key: key, value: value})
	m.v.SetDefault(key, value)
}

// SetDefaults sets a nested map of defaults, joining keys with dots.
func (m *Manager) SetDefaults(defaults map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range flatten("", defaults, nil) {
		m.defaults = append(m.defaults, d)
		m.v.SetDefault(d.key, d.value)
	}
}

func flatten(prefix string, values map[string]interface{}, out []setting) []setting {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			out = flatten(key, nested, out)
			continue
		}
		out = append(out, setting{key: key, value: val})
	}
	return out
}

// Set overrides a key above every layer. Flags use it.
func (m *Manager) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, setting{key: key, value: value})
	m.v.Set(key, value)
}

// Load merges the file layers over the defaults into fresh settings and swaps
// them in. A file that fails to parse aborts the load and leaves earlier
// settings as they were. Load may be called again to pick up file changes.
// Environment variables are consulted on every read.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.newViper()
	var loaded []string
	for _, src := range m.sources() {
		ok, err := m.merge(next, src)
		if err != nil {
			return fmt.Errorf("load %s config: %w", src.name, err)
		}
		if ok {
			loaded = append(loaded, src.path)
		}
	}
	m.v, m.loaded = next, loaded
	return nil
}

// Paths returns every file Load reads, present or not, in merge order.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srcs := m.sources()
	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, src.path)
	}
	return out
}

// LoadedFiles returns the files merged by the last Load, in merge order.
func (m *Manager) LoadedFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loaded...)
}

// Unmarshal decodes the merged settings into target using mapstructure tags.
func (m *Manager) Unmarshal(target interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if target == nil {
		return errors.New("config: nil unmarshal target")
	}
	return m.v.Unmarshal(target)
}

// Get returns the effective value of a dotted key.
func (m *Manager) Get(key string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

// AllSettings returns the effective settings as a nested map.
func (m *Manager) AllSettings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.AllSettings()
}

func (m *Manager) sources() []source {
	o := m.options
	ext := m.ext()
	out := make([]source, 0, 3)

	if o.ConfigFile != "" {
		out = append(out, source{name: "explicit", path: m.resolve(o.ConfigFile), required: true})
	} else {
		out = append(out, source{name: "base", path: m.resolve(o.ConfigBaseName + "." + ext)})
	}
	if o.EnvironmentName != "" {
		env := strings.ToLower(o.EnvironmentName)
		out = append(out, source{name: env, path: m.resolve(o.ConfigBaseName + "." + env + "." + ext)})
	}
	override := o.OverrideFilename
	if override == "" {
		override = o.ConfigBaseName + ".override." + ext
	}
	return append(out, source{name: "override", path: m.resolve(override)})
}

func (m *Manager) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(m.options.WorkDir, name)
}

func (m *Manager) ext() string {
	switch t := strings.ToLower(m.options.ConfigType); t {
	case "json", "toml":
		return t
	default:
		return "yaml"
	}
}

// merge reads src into a scratch viper so a broken file cannot leave half
// its keys behind, then folds it into v.
func (m *Manager) merge(v *viper.Viper, src source) (bool, error) {
	content, err := os.ReadFile(src.path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !src.required:
		return false, nil
	case err != nil:
		return false, err
	}

	scratch := viper.New()
	scratch.SetConfigType(m.ext())
	if err := scratch.ReadConfig(bytes.NewReader(content)); err != nil {
		return false, fmt.Errorf("parse %s: %w", src.path, err)
	}
	if err := v.MergeConfigMap(scratch.AllSettings()); err != nil {
		return false, err
	}
	return true, nil
}
