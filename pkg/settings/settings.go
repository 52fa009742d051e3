// Package settings persists client preferences as a flat JSON document
// in the user's data directory. Unknown keys are preserved, missing keys
// fall back to defaults, and a corrupt file resets to defaults rather
// than failing startup.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known keys.
const (
	KeyDisplayName  = "display_name"
	KeyServerHost   = "server_host"
	KeyServerPort   = "server_port"
	KeyInputDevice  = "input_device"
	KeyOutputDevice = "output_device"
	KeyPTTEnabled   = "ptt_enabled"
	KeyVOXEnabled   = "vox_enabled"
	KeyMicMuted     = "mic_muted"
	KeySpkMuted     = "spk_muted"
	KeyMicGain      = "mic_gain"
	KeyVOXThreshold = "vox_threshold"
)

func defaults() map[string]any {
	return map[string]any{
		KeyDisplayName:  "",
		KeyServerHost:   "",
		KeyServerPort:   50443,
		KeyInputDevice:  "",
		KeyOutputDevice: "",
		KeyPTTEnabled:   false,
		KeyVOXEnabled:   false,
		KeyMicMuted:     false,
		KeySpkMuted:     false,
		KeyMicGain:      2.0,
		KeyVOXThreshold: 0.01,
	}
}

// Store is a concurrency-safe settings document bound to a file.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]any
}

// DefaultPath is where the client keeps its settings.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".packhowl", "settings.json")
	}
	return filepath.Join(home, ".packhowl", "settings.json")
}

// Load reads the settings file. A missing or unreadable file yields
// defaults; saved values overlay them.
func Load(path string) *Store {
	s := &Store{path: path, values: defaults()}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var saved map[string]any
	if err := json.Unmarshal(data, &saved); err != nil {
		return s
	}
	for k, v := range saved {
		s.values[k] = v
	}
	return s
}

// Save writes the document atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.values, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}

// Set updates a key in memory; call Save to persist.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func (s *Store) get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// String returns the key as a string, or fallback when absent or mistyped.
func (s *Store) String(key, fallback string) string {
	if v, ok := s.get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// Bool returns the key as a bool, or fallback when absent or mistyped.
func (s *Store) Bool(key string, fallback bool) bool {
	if v, ok := s.get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Float returns the key as a float64. JSON numbers always decode as
// float64, so saved ints are covered too.
func (s *Store) Float(key string, fallback float64) float64 {
	if v, ok := s.get(key); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

// Int returns the key as an int, or fallback when absent or mistyped.
func (s *Store) Int(key string, fallback int) int {
	if v, ok := s.get(key); ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}
