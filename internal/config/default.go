package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed defaults/automsg.yaml
var defaultYAML []byte

// DefaultYAML returns the embedded default config.
func DefaultYAML() []byte { return append([]byte(nil), defaultYAML...) }

// EnsureDefault writes the default config to path when no file exists there.
// JSON paths get the same content converted to indented JSON. It reports
// whether a file was written.
func EnsureDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	data := DefaultYAML()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		j, err := defaultAsJSON()
		if err != nil {
			return false, err
		}
		data = j
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create config dir: %w", err)
		}
	}
	// O_EXCL: never clobber a file created concurrently.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

func defaultAsJSON() ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(defaultYAML, &v); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	return marshalIndent(normalizeYAML(v))
}
