// Package bootstrap finds the manifests of executors registered on this machine.
package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/morezero/capabilities-executor/pkg/executor"
)

const logPrefix = "bootstrap:loader"

// DefaultDir is where executors register their manifests: the executors
// directory under the user configuration directory.
func DefaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "capabilities-executor", "executors")
}

// LoadManifests reads the *.json, *.yaml and *.yml manifest files of each
// directory, keyed by file stem. The first directory to provide an id wins.
// Missing directories are skipped; unreadable or invalid files are logged
// and skipped.
func LoadManifests(dirs ...string) (map[string]*executor.Manifest, error) {
	out := make(map[string]*executor.Manifest)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug(fmt.Sprintf("%s - Manifest directory %s does not exist", logPrefix, dir))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read manifest dir %s: %w", logPrefix, dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && isManifestFile(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			id := strings.TrimSuffix(name, filepath.Ext(name))
			if _, ok := out[id]; ok {
				continue
			}
			path := filepath.Join(dir, name)
			m, err := LoadManifestFile(path)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - Skipping %s: %v", logPrefix, path, err))
				continue
			}
			out[id] = m
		}
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d manifests", logPrefix, len(out)))
	return out, nil
}

func isManifestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadManifestFile decodes one manifest file, as YAML when its extension
// says so and as JSON otherwise.
func LoadManifestFile(path string) (*executor.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", logPrefix, path, err)
	}
	var m executor.Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, path, err)
	}
	return &m, nil
}

// WriteManifest registers a manifest in dir as <id>.json, creating dir if needed.
func WriteManifest(dir, id string, m *executor.Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%s - failed to create %s: %w", logPrefix, dir, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%s - failed to encode manifest %s: %w", logPrefix, id, err)
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%s - failed to write %s: %w", logPrefix, path, err)
	}
	slog.Info(fmt.Sprintf("%s - Registered %s at %s", logPrefix, id, path))
	return path, nil
}
