package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrProviderNotFound indicates a lookup for an unknown provider id.
var ErrProviderNotFound = errors.New("config: provider not found")

// ModelAlias is a user-declared child model: a display name plus the raw
// identifiers that should be recognized as this model.
type ModelAlias struct {
	Name    string   `json:"name"`
	Matches []string `json:"matches,omitempty"`
}

// ProviderConfig is the persisted configuration for one provider.
type ProviderConfig struct {
	ProviderID          string                `json:"provider_id"`
	APIKey              string                `json:"api_key,omitempty"`
	Type                string                `json:"type,omitempty"` // quota-based | pay-as-you-go
	BaseURL             string                `json:"base_url,omitempty"`
	AuthSource          string                `json:"auth_source,omitempty"` // env | discovered | oauth | ...
	AccountName         string                `json:"account_name,omitempty"`
	MonthlyBudgetUSD    float64               `json:"monthly_budget_usd,omitempty"`
	EnableNotifications bool                  `json:"enable_notifications"`
	Models              map[string]ModelAlias `json:"models,omitempty"`
}

// Preferences holds user-level settings that are not per-provider.
type Preferences struct {
	NotifyThresholdPercent float64 `json:"notify_threshold_percent"`
	PrivacyMode            bool    `json:"privacy_mode"`
}

// document is the on-disk layout of the config file.
type document struct {
	Providers   []ProviderConfig `json:"providers"`
	Preferences Preferences      `json:"preferences"`
}

// Store persists provider configurations and preferences as a single JSON
// document, written atomically. One writer at a time; readers get copies.
type Store struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]ProviderConfig // lowercase id -> config
	prefs     Preferences
}

// NewStore loads (or initializes) the config document at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:      path,
		logger:    logger,
		providers: make(map[string]ProviderConfig),
		prefs:     defaultPreferences(),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultPreferences() Preferences {
	return Preferences{NotifyThresholdPercent: 90}
}

// reload reads the document from disk, replacing in-memory state.
// A missing file is not an error; it leaves the store empty.
func (s *Store) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}

	providers := make(map[string]ProviderConfig, len(doc.Providers))
	for _, pc := range doc.Providers {
		if pc.ProviderID == "" {
			continue
		}
		providers[strings.ToLower(pc.ProviderID)] = pc
	}
	s.providers = providers
	s.prefs = doc.Preferences
	if s.prefs.NotifyThresholdPercent <= 0 {
		s.prefs.NotifyThresholdPercent = defaultPreferences().NotifyThresholdPercent
	}
	return nil
}

// saveLocked writes the document atomically (temp file + rename) with
// owner-only permissions. Caller holds s.mu.
func (s *Store) saveLocked() error {
	doc := document{
		Providers:   s.listLocked(),
		Preferences: s.prefs,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

func (s *Store) listLocked() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(s.providers))
	for _, pc := range s.providers {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// List returns all provider configurations, sorted by id.
func (s *Store) List() []ProviderConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Get returns the configuration for a provider id.
func (s *Store) Get(providerID string) (ProviderConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.providers[strings.ToLower(providerID)]
	return pc, ok
}

// Preferences returns a copy of the current preferences.
func (s *Store) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// SetPreferences replaces the preferences and persists the document.
func (s *Store) SetPreferences(prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefs.NotifyThresholdPercent <= 0 {
		prefs.NotifyThresholdPercent = defaultPreferences().NotifyThresholdPercent
	}
	s.prefs = prefs
	return s.saveLocked()
}

// Upsert inserts or replaces one provider configuration and persists.
func (s *Store) Upsert(pc ProviderConfig) error {
	if pc.ProviderID == "" {
		return fmt.Errorf("config: provider id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[strings.ToLower(pc.ProviderID)] = pc
	return s.saveLocked()
}

// Delete removes one provider configuration and persists.
func (s *Store) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(providerID)
	if _, ok := s.providers[key]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	delete(s.providers, key)
	return s.saveLocked()
}

// MergeDiscovered folds discovery output into the store: new providers are
// added, and existing entries only gain fields they were missing. A
// discovered key never overwrites a user-entered one.
func (s *Store) MergeDiscovered(discovered []ProviderConfig) (added int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, dc := range discovered {
		if dc.ProviderID == "" {
			continue
		}
		key := strings.ToLower(dc.ProviderID)
		existing, ok := s.providers[key]
		if !ok {
			s.providers[key] = dc
			added++
			changed = true
			continue
		}
		if existing.APIKey == "" && dc.APIKey != "" {
			existing.APIKey = dc.APIKey
			if existing.AuthSource == "" {
				existing.AuthSource = dc.AuthSource
			}
			changed = true
		}
		if existing.AccountName == "" && dc.AccountName != "" {
			existing.AccountName = dc.AccountName
			changed = true
		}
		if existing.Type == "" && dc.Type != "" {
			existing.Type = dc.Type
			changed = true
		}
		s.providers[key] = existing
	}

	if !changed {
		return added, nil
	}
	return added, s.saveLocked()
}

// Watch reloads the store when the config file changes on disk, until the
// context is cancelled. External edits (a front-end writing the file
// directly) become visible without restarting the agent.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}

	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch registered on the file itself.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warn("Config reload failed", "error", err)
				} else {
					s.logger.Info("Config reloaded", "path", s.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// MaskSecret deterministically masks a credential for display: first four
// and last three characters survive, everything else is elided.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) < 8 {
		return "***...***"
	}
	return secret[:4] + "***...***" + secret[len(secret)-3:]
}
