package version

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// cacheTTL is how long a successful check is reused.
const cacheTTL = 6 * time.Hour

// CacheEntry is the last successful release check.
type CacheEntry struct {
	LatestVersion  string    `json:"latest_version"`
	CurrentVersion string    `json:"current_version"`
	CheckedAt      time.Time `json:"checked_at"`
	HasUpdate      bool      `json:"has_update"`
}

func cachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "festdb", "version_cache.json")
}

// LoadCache reads the cached check.
func LoadCache() (*CacheEntry, error) {
	data, err := os.ReadFile(cachePath())
	if err != nil {
		return nil, err
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// SaveCache writes e, creating the config directory if needed.
func SaveCache(e *CacheEntry) error {
	path := cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// IsCacheValid reports whether e was made for currentVersion within the TTL.
func IsCacheValid(e *CacheEntry, currentVersion string) bool {
	if e == nil || e.CurrentVersion != currentVersion {
		return false
	}
	return time.Since(e.CheckedAt) < cacheTTL
}
