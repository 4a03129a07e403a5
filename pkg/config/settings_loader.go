package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const settingsDirName = ".dodai"

// Source yields the current settings. SettingsLoader is the file-backed
// implementation; StaticSource serves embedded hosts and tests.
type Source interface {
	Load() (*Settings, error)
}

// StaticSource returns a fixed settings value.
type StaticSource struct {
	Settings *Settings
}

// Load returns a defensive copy of the configured settings.
func (s StaticSource) Load() (*Settings, error) {
	if s.Settings == nil {
		return nil, nil
	}
	return cloneSettings(s.Settings), nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (*Settings, error)

// Load calls fn.
func (fn SourceFunc) Load() (*Settings, error) { return fn() }

// SettingsLoader composes settings using the layered precedence model.
// Order (low -> high): defaults < project < local < runtime overrides < managed.
type SettingsLoader struct {
	ProjectRoot      string
	RuntimeOverrides *Settings
	// ManagedPath points at an administrator policy file. Empty skips the layer.
	ManagedPath string
	// LookupEnv resolves API keys from the environment; defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Logger    *slog.Logger
}

// Load resolves and merges settings across all layers.
func (l *SettingsLoader) Load() (*Settings, error) {
	if strings.TrimSpace(l.ProjectRoot) == "" {
		return nil, errors.New("project root is required for settings loading")
	}
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	logger := l.logger()

	merged := GetDefaultSettings()
	layers := []struct {
		name  string
		paths []string
	}{
		{name: "project", paths: settingsCandidates(root, "settings")},
		{name: "local", paths: settingsCandidates(root, "settings.local")},
	}
	for _, layer := range layers {
		if err := applySettingsLayer(logger, &merged, layer.name, layer.paths...); err != nil {
			return nil, err
		}
	}

	if l.RuntimeOverrides != nil {
		logger.Debug("applying runtime overrides")
		if next := MergeSettings(&merged, l.RuntimeOverrides); next != nil {
			merged = *next
		}
	}

	if l.ManagedPath != "" {
		if err := applySettingsLayer(logger, &merged, "managed", l.ManagedPath); err != nil {
			return nil, err
		}
	}

	lookup := l.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	applyEnvDefaults(&merged, lookup)
	return &merged, nil
}

// Paths lists every file the loader may read, for watchers.
func (l *SettingsLoader) Paths() []string {
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		root = l.ProjectRoot
	}
	paths := append(settingsCandidates(root, "settings"), settingsCandidates(root, "settings.local")...)
	if l.ManagedPath != "" {
		paths = append(paths, l.ManagedPath)
	}
	return paths
}

// SettingsDir returns the directory holding project settings.
func (l *SettingsLoader) SettingsDir() string {
	return filepath.Join(l.ProjectRoot, settingsDirName)
}

func (l *SettingsLoader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger.With("component", "settings")
	}
	return slog.Default().With("component", "settings")
}

func settingsCandidates(root, base string) []string {
	dir := filepath.Join(root, settingsDirName)
	return []string{
		filepath.Join(dir, base+".json"),
		filepath.Join(dir, base+".yaml"),
		filepath.Join(dir, base+".yml"),
	}
}

// loadSettingsFile decodes a JSON or YAML settings file. Missing files return (nil, nil).
func loadSettingsFile(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return &s, nil
}

// applySettingsLayer merges the first existing candidate file into dst.
func applySettingsLayer(logger *slog.Logger, dst *Settings, name string, paths ...string) error {
	for _, path := range paths {
		cfg, err := loadSettingsFile(path)
		if err != nil {
			return fmt.Errorf("load %s settings: %w", name, err)
		}
		if cfg == nil {
			continue
		}
		logger.Debug("applying settings layer", "layer", name, "path", path)
		if next := MergeSettings(dst, cfg); next != nil {
			*dst = *next
		}
		return nil
	}
	logger.Debug("settings layer not found", "layer", name)
	return nil
}

func applyEnvDefaults(s *Settings, lookup func(string) (string, bool)) {
	if s.Model == nil || strings.TrimSpace(s.Model.APIKey) != "" {
		return
	}
	key := "ANTHROPIC_API_KEY"
	if strings.EqualFold(s.Model.Provider, "openai") {
		key = "OPENAI_API_KEY"
	}
	if v, ok := lookup(key); ok {
		s.Model.APIKey = strings.TrimSpace(v)
	}
}
