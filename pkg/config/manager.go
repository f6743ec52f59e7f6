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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Layer is one configuration source in the precedence chain.
//
// Precedence (low → high): Defaults < Base < EnvironmentFile < OverrideFile < EnvironmentVariables
type Layer int

const (
	// DefaultsLayer holds values registered with SetDefault/SetDefaults.
	DefaultsLayer Layer = iota
	// BaseLayer is the committed file, e.g. enrollsaga.yaml.
	BaseLayer
	// EnvironmentFileLayer is the per-environment file, e.g. enrollsaga.prod.yaml.
	EnvironmentFileLayer
	// OverrideFileLayer is an operator-local file, e.g. enrollsaga.override.yaml.
	OverrideFileLayer
	// EnvironmentVariablesLayer is ENROLLSAGA_* variables.
	EnvironmentVariablesLayer
)

// Validator is implemented by configuration structs that can check themselves after decoding.
type Validator interface {
	Validate() error
}

// Options configures the Manager.
type Options struct {
	WorkDir            string
	ConfigBaseName     string
	ConfigType         string
	EnvironmentName    string
	OverrideFilename   string
	EnvPrefix          string
	EnableAutomaticEnv bool
}

// DefaultOptions returns the options used by enrollctl.
func DefaultOptions() Options {
	return Options{
		WorkDir:            ".",
		ConfigBaseName:     "enrollsaga",
		ConfigType:         "yaml",
		OverrideFilename:   "enrollsaga.override.yaml",
		EnvPrefix:          "ENROLLSAGA",
		EnableAutomaticEnv: true,
	}
}

// Manager loads layered configuration into a private viper instance.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	options Options
	loaded  []string
}

// NewManager creates a new Manager with the given options.
func NewManager(options Options) *Manager {
	if options.ConfigType == "" {
		options.ConfigType = "yaml"
	}
	if options.ConfigBaseName == "" {
		options.ConfigBaseName = "enrollsaga"
	}
	if options.WorkDir == "" {
		options.WorkDir = "."
	}

	v := viper.New()
	if options.EnableAutomaticEnv {
		if options.EnvPrefix != "" {
			v.SetEnvPrefix(options.EnvPrefix)
		}
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return &Manager{v: v, options: options}
}

// SetDefault sets a default value for the given key.
func (m *Manager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.SetDefault(key, value)
}

// SetDefaults registers every leaf of a nested settings map as a default.
// Environment variables only bind to keys viper knows about, so every key
// a config struct reads should be registered here.
func (m *Manager) SetDefaults(settings map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setDefaults(m.v, "", settings)
}

func setDefaults(v *viper.Viper, prefix string, settings map[string]interface{}) {
	for k, val := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load merges the file layers in precedence order. Missing files are skipped.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loaded = m.loaded[:0]
	layers := []Layer{BaseLayer, EnvironmentFileLayer, OverrideFileLayer}
	for _, layer := range layers {
		if layer == EnvironmentFileLayer && m.options.EnvironmentName == "" {
			continue
		}
		path := m.filePathFor(layer)
		ok, err := m.mergeFileIfExists(path)
		if err != nil {
			return fmt.Errorf("load %s config: %w", layer, err)
		}
		if ok {
			m.loaded = append(m.loaded, path)
		}
	}
	return nil
}

// LoadedFiles returns the files merged by the last Load, lowest precedence first.
func (m *Manager) LoadedFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loaded...)
}

// Unmarshal binds the merged settings into target and validates it when it implements Validator.
func (m *Manager) Unmarshal(target interface{}) error {
	if target == nil {
		return errors.New("target must not be nil")
	}
	m.mu.RLock()
	err := m.v.Unmarshal(target)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if v, ok := target.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// Get returns a value by key from merged configuration.
func (m *Manager) Get(key string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

// Set overrides a key with the highest precedence, e.g. from a CLI flag.
func (m *Manager) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.Set(key, value)
}

// String names the layer for error messages.
func (l Layer) String() string {
	switch l {
	case DefaultsLayer:
		return "defaults"
	case BaseLayer:
		return "base"
	case EnvironmentFileLayer:
		return "environment"
	case OverrideFileLayer:
		return "override"
	case EnvironmentVariablesLayer:
		return "env-vars"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

func (m *Manager) filePathFor(layer Layer) string {
	dir := m.options.WorkDir
	base := m.options.ConfigBaseName
	ext := m.normalizedConfigExt()
	switch layer {
	case BaseLayer:
		return filepath.Join(dir, fmt.Sprintf("%s.%s", base, ext))
	case EnvironmentFileLayer:
		return filepath.Join(dir, fmt.Sprintf("%s.%s.%s", base, strings.ToLower(m.options.EnvironmentName), ext))
	case OverrideFileLayer:
		name := m.options.OverrideFilename
		if name == "" {
			name = fmt.Sprintf("%s.override.%s", base, ext)
		}
		return filepath.Join(dir, name)
	default:
		return ""
	}
}

func (m *Manager) normalizedConfigExt() string {
	switch t := strings.ToLower(m.options.ConfigType); t {
	case "yaml", "json", "toml":
		return t
	default:
		return "yaml"
	}
}

// mergeFileIfExists parses the file into a scratch viper first so a parse
// error leaves the merged settings untouched.
func (m *Manager) mergeFileIfExists(path string) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	tmp := viper.New()
	tmp.SetConfigType(m.normalizedConfigExt())
	if err := tmp.ReadConfig(bytes.NewReader(content)); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := m.v.MergeConfigMap(tmp.AllSettings()); err != nil {
		return false, err
	}
	return true, nil
}
