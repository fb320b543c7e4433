package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// Custom errors for Anthropic probe failures.
var (
	ErrAnthropicUnauthorized = errors.New("anthropic: unauthorized")
	ErrAnthropicNoCreds      = errors.New("anthropic: no credentials found")
	ErrOAuthRefreshFailed    = errors.New("oauth: token refresh failed")
)

const (
	// anthropicOAuthClientID is the Claude Code OAuth client id.
	anthropicOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	anthropicUsageURL      = "https://api.anthropic.com/api/oauth/usage"
	anthropicOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"
)

// anthropicWindowNames maps the vendor's quota window keys to display labels.
var anthropicWindowNames = map[string]string{
	"five_hour":        "5-Hour",
	"seven_day":        "7-Day",
	"seven_day_sonnet": "7-Day Sonnet",
	"seven_day_opus":   "7-Day Opus",
	"monthly_limit":    "Monthly",
	"extra_usage":      "Extra Usage",
}

// anthropicQuotaEntry is one quota window from the usage API. Pointer fields
// because null means the window does not apply to this plan.
type anthropicQuotaEntry struct {
	Utilization *FlexFloat `json:"utilization"`
	ResetsAt    *string    `json:"resets_at"`
	IsEnabled   *bool      `json:"is_enabled"`
	UsedCredits *FlexFloat `json:"used_credits,omitempty"`
}

// claudeCredentialsFile is the Claude Code on-disk credential layout.
type claudeCredentialsFile struct {
	ClaudeAiOauth struct {
		AccessToken      string `json:"accessToken"`
		RefreshToken     string `json:"refreshToken"`
		ExpiresAt        int64  `json:"expiresAt"` // unix milliseconds
		SubscriptionType string `json:"subscriptionType"`
	} `json:"claudeAiOauth"`
}

// oauthTokenResponse is the token endpoint's reply to a refresh exchange.
type oauthTokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

// AnthropicProbe tracks Claude plan quota windows via the OAuth usage API.
type AnthropicProbe struct {
	def        registry.Definition
	httpClient *http.Client
	usageURL   string
	tokenURL   string
	credsPath  string
	logger     *slog.Logger

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// AnthropicOption configures an AnthropicProbe.
type AnthropicOption func(*AnthropicProbe)

// WithAnthropicUsageURL sets a custom usage endpoint (for testing).
func WithAnthropicUsageURL(url string) AnthropicOption {
	return func(p *AnthropicProbe) { p.usageURL = url }
}

// WithAnthropicTokenURL sets a custom OAuth token endpoint (for testing).
func WithAnthropicTokenURL(url string) AnthropicOption {
	return func(p *AnthropicProbe) { p.tokenURL = url }
}

// WithAnthropicCredentialsPath sets a custom credentials file path.
func WithAnthropicCredentialsPath(path string) AnthropicOption {
	return func(p *AnthropicProbe) { p.credsPath = path }
}

// NewAnthropicProbe creates the Claude quota probe.
func NewAnthropicProbe(def registry.Definition, logger *slog.Logger, opts ...AnthropicOption) *AnthropicProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AnthropicProbe{
		def:        def,
		httpClient: newHTTPClient(10 * time.Second),
		usageURL:   anthropicUsageURL,
		tokenURL:   anthropicOAuthTokenURL,
		credsPath:  defaultClaudeCredentialsPath(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultClaudeCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

// ProviderID implements Probe.
func (p *AnthropicProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *AnthropicProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe: resolve a bearer token (config key, cached access
// token, or OAuth refresh), call the usage endpoint, and normalize the quota
// windows into one summary with per-window details.
func (p *AnthropicProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	token, err := p.resolveToken(ctx, cfg)
	if err != nil {
		u := Unavailable(p.def, "no Claude credentials found; sign in with Claude Code or set an API key", 0, time.Since(start))
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usageURL, nil)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("anthropic: creating request: %v", err), 0, time.Since(start))}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	req.Header.Set("User-Agent", "quotawatch/1.0")

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("Claude usage endpoint unreachable: %v", err), res.status, res.latency)}
	}

	if res.status != http.StatusOK {
		if res.status == http.StatusUnauthorized || res.status == http.StatusForbidden {
			p.evictToken()
		}
		u := Unavailable(p.def, statusDescription("Claude", res.status), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}

	usage, err := p.normalize(res, token, cfg)
	if err != nil {
		u := Unavailable(p.def, fmt.Sprintf("Claude payload not understood: %v", err), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}
	return []Usage{usage}
}

// resolveToken returns a bearer token: config API key first, then the cached
// access token, then the credentials file (refreshing over OAuth when the
// stored access token is expired or about to expire).
func (p *AnthropicProbe) resolveToken(ctx context.Context, cfg config.ProviderConfig) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}

	p.mu.Lock()
	if p.cachedToken != "" && time.Now().Before(p.tokenExpiry) {
		token := p.cachedToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	creds, err := p.loadCredentials()
	if err != nil {
		return "", err
	}

	expiresAt := time.UnixMilli(creds.ClaudeAiOauth.ExpiresAt)
	if time.Until(expiresAt) > 2*time.Minute {
		p.storeToken(creds.ClaudeAiOauth.AccessToken, expiresAt)
		return creds.ClaudeAiOauth.AccessToken, nil
	}

	if creds.ClaudeAiOauth.RefreshToken == "" {
		return "", ErrAnthropicNoCreds
	}
	refreshed, err := p.refreshToken(ctx, creds.ClaudeAiOauth.RefreshToken)
	if err != nil {
		return "", err
	}
	p.storeToken(refreshed.AccessToken, time.Now().Add(time.Duration(refreshed.ExpiresIn)*time.Second))
	return refreshed.AccessToken, nil
}

func (p *AnthropicProbe) loadCredentials() (*claudeCredentialsFile, error) {
	if p.credsPath == "" {
		return nil, ErrAnthropicNoCreds
	}
	data, err := os.ReadFile(p.credsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnthropicNoCreds, err)
	}
	var creds claudeCredentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrAnthropicNoCreds, err)
	}
	if creds.ClaudeAiOauth.AccessToken == "" && creds.ClaudeAiOauth.RefreshToken == "" {
		return nil, ErrAnthropicNoCreds
	}
	return &creds, nil
}

// refreshToken exchanges a refresh token for a new access token at the
// vendor's OAuth token endpoint.
func (p *AnthropicProbe) refreshToken(ctx context.Context, refreshToken string) (*oauthTokenResponse, error) {
	reqBody, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     anthropicOAuthClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("oauth: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("oauth: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "quotawatch/1.0")

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOAuthRefreshFailed, err)
	}
	if res.status != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrOAuthRefreshFailed, res.status)
	}

	var tokenResp oauthTokenResponse
	if err := json.Unmarshal(res.body, &tokenResp); err != nil {
		return nil, fmt.Errorf("oauth: parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrOAuthRefreshFailed)
	}
	return &tokenResp, nil
}

func (p *AnthropicProbe) storeToken(token string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedToken = token
	p.tokenExpiry = expiry
}

func (p *AnthropicProbe) evictToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedToken = ""
	p.tokenExpiry = time.Time{}
}

// normalize maps the vendor's window map into the uniform model. The 5-hour
// window drives the summary; every active window becomes a quota-window
// detail.
func (p *AnthropicProbe) normalize(res *fetchResult, token string, cfg config.ProviderConfig) (Usage, error) {
	var windows map[string]*anthropicQuotaEntry
	if err := json.Unmarshal(res.body, &windows); err != nil {
		return Usage{}, err
	}

	names := make([]string, 0, len(windows))
	for name, entry := range windows {
		if entry == nil || entry.Utilization == nil {
			continue
		}
		if entry.IsEnabled != nil && !*entry.IsEnabled {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return Usage{}, fmt.Errorf("no active quota windows in response")
	}
	sort.Strings(names)

	now := time.Now().UTC()
	usage := Usage{
		ProviderID:        p.def.ProviderID,
		ProviderName:      p.def.DisplayName,
		IsAvailable:       true,
		IsQuotaBased:      true,
		PlanClass:         p.def.PlanClass,
		UsageUnit:         "Quota %",
		AuthSource:        cfg.AuthSource,
		FetchedAt:         now,
		HTTPStatus:        res.status,
		RawJSON:           string(res.body),
		ResponseLatencyMs: res.latency.Milliseconds(),
	}

	payload, _ := DecodeObject(res.body)
	usage.AccountName = ResolveIdentity(payload, token, "", cfg.AccountName)

	for _, name := range names {
		entry := windows[name]
		utilization := float64(*entry.Utilization)
		remaining := ClampPercent(100 - utilization)

		detail := Detail{
			Name:       anthropicWindowName(name),
			Used:       fmt.Sprintf("%.0f%% used", utilization),
			DetailType: DetailQuotaWindow,
			WindowKind: anthropicWindowKind(name),
		}
		if entry.ResetsAt != nil && *entry.ResetsAt != "" {
			if t, err := time.Parse(time.RFC3339, *entry.ResetsAt); err == nil {
				utc := t.UTC()
				detail.NextResetTime = &utc
			}
		}
		usage.Details = append(usage.Details, detail)

		if name == "five_hour" {
			usage.RequestsPercentage = remaining
			usage.RequestsUsed = utilization
			usage.RequestsAvailable = 100
			usage.NextResetTime = detail.NextResetTime
		}
	}

	// Plans without a 5-hour window fall back to the first window.
	if usage.RequestsAvailable == 0 {
		first := windows[names[0]]
		utilization := float64(*first.Utilization)
		usage.RequestsPercentage = ClampPercent(100 - utilization)
		usage.RequestsUsed = utilization
		usage.RequestsAvailable = 100
		usage.NextResetTime = usage.Details[0].NextResetTime
	}

	usage.Description = fmt.Sprintf("%d quota windows tracked", len(usage.Details))
	return usage, nil
}

func anthropicWindowName(key string) string {
	if name, ok := anthropicWindowNames[key]; ok {
		return name
	}
	return key
}

// anthropicWindowKind classifies a window key: the 5-hour rolling window is
// the primary gate, the all-models weekly window is secondary, and
// model-scoped weekly windows map to the spark slot.
func anthropicWindowKind(key string) WindowKind {
	switch {
	case key == "five_hour":
		return WindowPrimary
	case key == "seven_day":
		return WindowSecondary
	case strings.HasPrefix(key, "seven_day_"):
		return WindowSpark
	default:
		return WindowSecondary
	}
}
