package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const appName = "docqa"

// xdgDir resolves an XDG base directory, falling back to a path under the
// home directory.
func xdgDir(env string, homeRel ...string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(append([]string{home}, homeRel...)...), true
}

func defaultDataDir() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		return appName + "-data"
	}
	return filepath.Join(dir, appName)
}

// FilePath is where SetKey persists values.
func FilePath() string {
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, appName, "config.json")
}

// fileBackend keeps the config file as raw JSON values keyed by dotted name,
// so a value is only interpreted when a typed getter asks for it.
type fileBackend struct {
	path   string
	values map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(FilePath())
}

// newFileBackend reads path if it exists. An unreadable or corrupt file is
// reported and treated as empty.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]json.RawMessage{}}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := json.Unmarshal(raw, &b.values); err != nil {
			slog.Warn("config file corrupt, using defaults", "path", path, "error", err)
			b.values = map[string]json.RawMessage{}
		}
	}
	return b
}

// flush writes the file through a temp file and rename so a crash never
// leaves it half written.
func (b *fileBackend) flush() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	b.values[key] = raw
	return b.flush()
}

// GetString returns strings as-is and any other JSON scalar as its literal
// text, which is how floats are read back.
func (b *fileBackend) GetString(key string) (string, bool, error) {
	raw, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	return string(bytes.TrimSpace(raw)), true, nil
}

// GetInt accepts a JSON integer or a quoted one.
func (b *fileBackend) GetInt(key string) (int, bool, error) {
	raw, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, true, fmt.Errorf("%s: %s is not an integer", key, raw)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

func (b *fileBackend) SetString(key, val string) error        { return b.put(key, val) }
func (b *fileBackend) SetInt(key string, val int) error       { return b.put(key, val) }
func (b *fileBackend) SetFloat(key string, val float64) error { return b.put(key, val) }

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.flush()
}
