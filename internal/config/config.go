// Package config reads and writes the local files of rfusync: connection
// settings, recently used permalinks and DXF import correspondences.
//
// All files are JSON, indented with four spaces, and live in Dir unless a
// path is given explicitly.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// File names inside the configuration directory.
const (
	SettingsFile   = "config.json"
	PermalinksFile = "permalinks.json"
	DXFParamsFile  = "dxf_params.json"
	JournalFile    = "rfusync.db"
)

// Dir returns the configuration directory, $RFUSYNC_HOME when set.
func Dir() (string, error) {
	if d := os.Getenv("RFUSYNC_HOME"); d != "" {
		return d, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "rfusync"), nil
}

// API holds the connection settings.
type API struct {
	URL       string `json:"url,omitempty"`
	URLRFU    string `json:"url_rfu,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	User      string `json:"user,omitempty"`
	Token     string `json:"token,omitempty"`
	// HTTPTimeout is in seconds. Zero waits forever.
	HTTPTimeout int `json:"http_timeout,omitempty"`
}

// Timeout returns HTTPTimeout as a duration.
func (a API) Timeout() time.Duration { return time.Duration(a.HTTPTimeout) * time.Second }

// Settings is the content of config.json.
type Settings struct {
	API API `json:"api"`
}

// LoadSettings reads path. A missing file yields empty settings. A
// password left by older versions is removed from the file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if _, found := raw["api"]["password"]; found {
		if err := SaveSettings(path, &s); err != nil {
			return nil, fmt.Errorf("scrub password: %w", err)
		}
	}
	return &s, nil
}

// SaveSettings writes s to path with owner-only permissions.
func SaveSettings(path string, s *Settings) error {
	return writeJSON(path, s, 0o600)
}

// Login remembers the user and token.
func (s *Settings) Login(user, token string) {
	s.API.User, s.API.Token = user, token
}

// Logout forgets the user and token.
func (s *Settings) Logout() {
	s.API.User, s.API.Token = "", ""
}

func writeJSON(path string, v any, perm os.FileMode) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
