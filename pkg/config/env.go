// Credentials live in a KEY=VALUE file next to the data directory so
// API keys never have to be written into the main config file.

package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadEnvConfig reads env.config (KEY=VALUE). A missing file yields an empty map.
func ReadEnvConfig(path string) map[string]string {
	values := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return values
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key != "" {
			values[key] = value
		}
	}
	return values
}

// WriteEnvConfig writes env.config (KEY=VALUE) with owner-only permissions
func WriteEnvConfig(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(f, "%s=%s\n", k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// MergeEnvConfig reads existing config, merges updates, and writes back.
// An empty value removes the key.
func MergeEnvConfig(path string, updates map[string]string) error {
	values := ReadEnvConfig(path)
	for k, v := range updates {
		if v == "" {
			delete(values, k)
			continue
		}
		values[k] = v
	}
	return WriteEnvConfig(path, values)
}

// ApplyEnvConfig exports entries from path into the process environment.
// Variables already set in the environment win. Returns the keys applied.
func ApplyEnvConfig(path string) []string {
	var applied []string
	for k, v := range ReadEnvConfig(path) {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err == nil {
			applied = append(applied, k)
		}
	}
	sort.Strings(applied)
	return applied
}
