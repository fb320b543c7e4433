// Package discovery scans the local machine for provider credentials:
// environment variables, well-known auth files, and a user manifest.
// Discovery never touches the network.
package discovery

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quotawatch/quotawatch/internal/config"
)

// envTable maps environment variable names to provider ids. Multiple names
// can feed the same provider; first match wins.
var envTable = []struct {
	envVar     string
	providerID string
}{
	{"ANTHROPIC_API_KEY", "anthropic"},
	{"CLAUDE_API_KEY", "anthropic"},
	{"OPENAI_API_KEY", "openai"},
	{"OPENAI_ADMIN_KEY", "openai"},
	{"GEMINI_API_KEY", "gemini"},
	{"GOOGLE_API_KEY", "gemini"},
	{"ZAI_API_KEY", "zai"},
	{"Z_AI_API_KEY", "zai"},
	{"CURSOR_API_KEY", "cursor"},
}

// wellKnownProviderIDs are seeded with empty keys so the registry always
// surfaces them, configured or not.
var wellKnownProviderIDs = []string{
	"anthropic", "codex", "gemini", "windsurf", "cursor", "openai", "zai",
}

// authFileProbe describes one known on-disk credential file and how to pull
// a key and identity out of it.
type authFileProbe struct {
	providerID string
	relPath    []string // joined under the home directory
	extract    func(data []byte) (apiKey, accountName string)
}

// Discovery scans for candidate provider configurations.
type Discovery struct {
	homeDir      string
	manifestPath string
	lookupEnv    func(string) string
	logger       *slog.Logger
}

// Option configures a Discovery.
type Option func(*Discovery)

// WithHomeDir overrides the scanned home directory (for testing).
func WithHomeDir(dir string) Option {
	return func(d *Discovery) { d.homeDir = dir }
}

// WithManifestPath sets the user providers manifest location.
func WithManifestPath(path string) Option {
	return func(d *Discovery) { d.manifestPath = path }
}

// WithEnvLookup replaces environment lookup (for testing).
func WithEnvLookup(lookup func(string) string) Option {
	return func(d *Discovery) { d.lookupEnv = lookup }
}

// New creates a Discovery rooted at the current user's home directory.
func New(logger *slog.Logger, opts ...Option) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	home, _ := os.UserHomeDir()
	d := &Discovery{
		homeDir:   home,
		lookupEnv: os.Getenv,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover returns candidate configurations. Sources in order, later sources
// never overwriting a non-empty key from an earlier one: well-known seeds,
// environment variables, known auth files, and the user manifest.
// Idempotent; safe to call on every startup and on demand.
func (d *Discovery) Discover() []config.ProviderConfig {
	found := make(map[string]config.ProviderConfig)

	for _, id := range wellKnownProviderIDs {
		found[id] = config.ProviderConfig{ProviderID: id}
	}

	for _, entry := range envTable {
		value := strings.TrimSpace(d.lookupEnv(entry.envVar))
		if value == "" {
			continue
		}
		cfg := found[entry.providerID]
		if cfg.ProviderID == "" {
			cfg.ProviderID = entry.providerID
		}
		if cfg.APIKey == "" {
			cfg.APIKey = value
			cfg.AuthSource = "env"
		}
		found[entry.providerID] = cfg
	}

	for _, probe := range d.authFileProbes() {
		path := filepath.Join(append([]string{d.homeDir}, probe.relPath...)...)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		apiKey, accountName := probe.extract(data)
		if apiKey == "" && accountName == "" {
			continue
		}
		cfg := found[probe.providerID]
		if cfg.ProviderID == "" {
			cfg.ProviderID = probe.providerID
		}
		if cfg.APIKey == "" && apiKey != "" {
			cfg.APIKey = apiKey
			cfg.AuthSource = "discovered"
		}
		if cfg.AccountName == "" {
			cfg.AccountName = accountName
		}
		found[probe.providerID] = cfg
	}

	for _, mc := range d.manifestConfigs() {
		id := strings.ToLower(mc.ProviderID)
		existing, ok := found[id]
		if !ok {
			found[id] = mc
			continue
		}
		if existing.APIKey == "" && mc.APIKey != "" {
			existing.APIKey = mc.APIKey
			existing.AuthSource = mc.AuthSource
		}
		if existing.AccountName == "" {
			existing.AccountName = mc.AccountName
		}
		if existing.BaseURL == "" {
			existing.BaseURL = mc.BaseURL
		}
		found[id] = existing
	}

	out := make([]config.ProviderConfig, 0, len(found))
	for _, cfg := range found {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// authFileProbes lists the known on-disk credential files.
func (d *Discovery) authFileProbes() []authFileProbe {
	return []authFileProbe{
		{
			providerID: "anthropic",
			relPath:    []string{".claude", ".credentials.json"},
			extract: func(data []byte) (string, string) {
				var creds struct {
					ClaudeAiOauth struct {
						AccessToken      string `json:"accessToken"`
						SubscriptionType string `json:"subscriptionType"`
					} `json:"claudeAiOauth"`
				}
				if err := json.Unmarshal(data, &creds); err != nil {
					return "", ""
				}
				// The access token is short-lived; its presence marks the
				// provider as signed in, the probe re-reads the file itself.
				if creds.ClaudeAiOauth.AccessToken == "" {
					return "", ""
				}
				return "", creds.ClaudeAiOauth.SubscriptionType
			},
		},
		{
			providerID: "codex",
			relPath:    []string{".codex", "auth.json"},
			extract: func(data []byte) (string, string) {
				var auth struct {
					OpenAIAPIKey string `json:"OPENAI_API_KEY"`
					Tokens       struct {
						AccountID string `json:"account_id"`
					} `json:"tokens"`
				}
				if err := json.Unmarshal(data, &auth); err != nil {
					return "", ""
				}
				return strings.TrimSpace(auth.OpenAIAPIKey), auth.Tokens.AccountID
			},
		},
		{
			providerID: "gemini",
			relPath:    []string{".gemini", "accounts.json"},
			extract: func(data []byte) (string, string) {
				var accounts struct {
					Email string `json:"email"`
				}
				if err := json.Unmarshal(data, &accounts); err == nil && accounts.Email != "" {
					return "", accounts.Email
				}
				var list []struct {
					Email string `json:"email"`
				}
				if err := json.Unmarshal(data, &list); err == nil {
					for _, acct := range list {
						if acct.Email != "" {
							return "", acct.Email
						}
					}
				}
				return "", ""
			},
		},
		{
			providerID: "zai",
			relPath:    []string{".roo", "settings", "provider_profiles.json"},
			extract:    extractRooZaiKey,
		},
	}
}

// extractRooZaiKey traverses the Roo Code settings document, which embeds
// each provider profile as a JSON-encoded string inside the outer JSON.
func extractRooZaiKey(data []byte) (string, string) {
	var outer struct {
		APIConfigs map[string]json.RawMessage `json:"apiConfigs"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return "", ""
	}

	for _, raw := range outer.APIConfigs {
		inner := raw
		// A profile may be double-encoded: a JSON string whose content is
		// itself a JSON object.
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			inner = []byte(asString)
		}

		var profile struct {
			APIProvider string `json:"apiProvider"`
			ZaiAPIKey   string `json:"zaiApiKey"`
			APIKey      string `json:"apiKey"`
		}
		if err := json.Unmarshal(inner, &profile); err != nil {
			continue
		}
		if !strings.EqualFold(profile.APIProvider, "zai") {
			continue
		}
		if profile.ZaiAPIKey != "" {
			return profile.ZaiAPIKey, ""
		}
		if profile.APIKey != "" {
			return profile.APIKey, ""
		}
	}
	return "", ""
}

// manifestConfigs reads the optional user providers manifest: a JSON list of
// provider configurations maintained by hand.
func (d *Discovery) manifestConfigs() []config.ProviderConfig {
	path := d.manifestPath
	if path == "" {
		if d.homeDir == "" {
			return nil
		}
		path = filepath.Join(d.homeDir, ".quotawatch", "providers.json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var configs []config.ProviderConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		d.logger.Warn("Providers manifest parse failed", "path", path, "error", err)
		return nil
	}

	out := configs[:0]
	for _, cfg := range configs {
		if cfg.ProviderID == "" {
			continue
		}
		if cfg.AuthSource == "" {
			cfg.AuthSource = "manifest"
		}
		out = append(out, cfg)
	}
	return out
}
