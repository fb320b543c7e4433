package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// ErrGeminiNoCreds indicates no usable Gemini CLI account state on disk.
var ErrGeminiNoCreds = errors.New("gemini: no credentials found")

const (
	geminiTokenURL = "https://oauth2.googleapis.com/token"
	geminiQuotaURL = "https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota"

	// Gemini CLI's installed-app OAuth client. Installed-app client
	// secrets are not confidential.
	geminiOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiOAuthClientSecret = "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"
)

// geminiAccountsFile is the Gemini CLI accounts.json layout. Only the active
// account's fields are used.
type geminiAccountsFile struct {
	RefreshToken string `json:"refresh_token"`
	ProjectID    string `json:"project_id"`
	Email        string `json:"email"`
}

// geminiQuotaResponse is the user quota payload: one bucket per model
// family, each with the fraction of quota remaining.
type geminiQuotaResponse struct {
	Buckets []struct {
		ModelFamily       string    `json:"modelFamily,omitempty"`
		RemainingFraction FlexFloat `json:"remainingFraction"`
		ResetTime         string    `json:"resetTime,omitempty"`
	} `json:"buckets"`
}

// GeminiProbe tracks Gemini CLI plan quota via a Google OAuth refresh
// exchange followed by the user quota endpoint.
type GeminiProbe struct {
	def          registry.Definition
	httpClient   *http.Client
	tokenURL     string
	quotaURL     string
	accountsPath string
	logger       *slog.Logger

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// GeminiOption configures a GeminiProbe.
type GeminiOption func(*GeminiProbe)

// WithGeminiTokenURL sets a custom token endpoint (for testing).
func WithGeminiTokenURL(url string) GeminiOption {
	return func(p *GeminiProbe) { p.tokenURL = url }
}

// WithGeminiQuotaURL sets a custom quota endpoint (for testing).
func WithGeminiQuotaURL(url string) GeminiOption {
	return func(p *GeminiProbe) { p.quotaURL = url }
}

// WithGeminiAccountsPath sets a custom accounts.json path.
func WithGeminiAccountsPath(path string) GeminiOption {
	return func(p *GeminiProbe) { p.accountsPath = path }
}

// NewGeminiProbe creates the Gemini quota probe.
func NewGeminiProbe(def registry.Definition, logger *slog.Logger, opts ...GeminiOption) *GeminiProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &GeminiProbe{
		def:          def,
		httpClient:   newHTTPClient(10 * time.Second),
		tokenURL:     geminiTokenURL,
		quotaURL:     geminiQuotaURL,
		accountsPath: defaultGeminiAccountsPath(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultGeminiAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".gemini", "accounts.json")
}

// ProviderID implements Probe.
func (p *GeminiProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *GeminiProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe: refresh an access token from the stored refresh
// token, call the quota endpoint, and report the tightest bucket as the
// summary percentage.
func (p *GeminiProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	accounts, err := p.loadAccounts()
	if err != nil {
		u := Unavailable(p.def, "no Gemini CLI account found; run `gemini` and sign in", 0, time.Since(start))
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	token, err := p.accessToken(ctx, accounts.RefreshToken)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("Gemini token refresh failed: %v", err), 0, time.Since(start))}
	}

	body := fmt.Sprintf(`{"project":%q}`, accounts.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.quotaURL, strings.NewReader(body))
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("gemini: creating request: %v", err), 0, time.Since(start))}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "quotawatch/1.0")

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("Gemini quota endpoint unreachable: %v", err), res.status, res.latency)}
	}
	if res.status != http.StatusOK {
		if res.status == http.StatusUnauthorized || res.status == http.StatusForbidden {
			p.evictToken()
		}
		u := Unavailable(p.def, statusDescription("Gemini", res.status), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}

	usage, err := p.normalize(res, accounts, cfg)
	if err != nil {
		u := Unavailable(p.def, fmt.Sprintf("Gemini payload not understood: %v", err), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}
	return []Usage{usage}
}

func (p *GeminiProbe) loadAccounts() (*geminiAccountsFile, error) {
	if p.accountsPath == "" {
		return nil, ErrGeminiNoCreds
	}
	data, err := os.ReadFile(p.accountsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeminiNoCreds, err)
	}

	var accounts geminiAccountsFile
	if err := json.Unmarshal(data, &accounts); err == nil && accounts.RefreshToken != "" {
		return &accounts, nil
	}

	// Multi-account layout: a list of account objects, first active wins.
	var list []geminiAccountsFile
	if err := json.Unmarshal(data, &list); err == nil {
		for i := range list {
			if list[i].RefreshToken != "" {
				return &list[i], nil
			}
		}
	}
	return nil, ErrGeminiNoCreds
}

// accessToken exchanges the refresh token for a short-lived access token,
// caching it until shortly before expiry.
func (p *GeminiProbe) accessToken(ctx context.Context, refreshToken string) (string, error) {
	p.mu.Lock()
	if p.cachedToken != "" && time.Now().Before(p.tokenExpiry) {
		token := p.cachedToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {geminiOAuthClientID},
		"client_secret": {geminiOAuthClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("gemini: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOAuthRefreshFailed, err)
	}
	if res.status != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrOAuthRefreshFailed, res.status)
	}

	var tokenResp oauthTokenResponse
	if err := json.Unmarshal(res.body, &tokenResp); err != nil {
		return "", fmt.Errorf("gemini: parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token in response", ErrOAuthRefreshFailed)
	}

	expiry := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	if tokenResp.ExpiresIn <= 0 {
		expiry = time.Now().Add(30 * time.Minute)
	}
	p.mu.Lock()
	p.cachedToken = tokenResp.AccessToken
	p.tokenExpiry = expiry.Add(-2 * time.Minute)
	p.mu.Unlock()
	return tokenResp.AccessToken, nil
}

func (p *GeminiProbe) evictToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedToken = ""
	p.tokenExpiry = time.Time{}
}

// normalize reports the tightest bucket (lowest remaining fraction) as the
// summary and every bucket as a quota-window detail.
func (p *GeminiProbe) normalize(res *fetchResult, accounts *geminiAccountsFile, cfg config.ProviderConfig) (Usage, error) {
	var resp geminiQuotaResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return Usage{}, err
	}
	if len(resp.Buckets) == 0 {
		return Usage{}, fmt.Errorf("no quota buckets in response")
	}

	now := time.Now().UTC()
	usage := Usage{
		ProviderID:        p.def.ProviderID,
		ProviderName:      p.def.DisplayName,
		IsAvailable:       true,
		IsQuotaBased:      true,
		PlanClass:         p.def.PlanClass,
		UsageUnit:         "Quota %",
		AuthSource:        cfg.AuthSource,
		AccountName:       accounts.Email,
		FetchedAt:         now,
		HTTPStatus:        res.status,
		RawJSON:           string(res.body),
		ResponseLatencyMs: res.latency.Milliseconds(),
	}
	if usage.AccountName == "" {
		usage.AccountName = cfg.AccountName
	}

	tightest := 1.0
	var tightestReset *time.Time
	for i, bucket := range resp.Buckets {
		remaining := float64(bucket.RemainingFraction)
		if remaining < 0 {
			remaining = 0
		}
		if remaining > 1 {
			remaining = 1
		}

		name := bucket.ModelFamily
		if name == "" {
			name = fmt.Sprintf("Bucket %d", i+1)
		}
		kind := WindowSecondary
		if i == 0 {
			kind = WindowPrimary
		}
		detail := Detail{
			Name:       name,
			Used:       fmt.Sprintf("%.0f%% used", (1-remaining)*100),
			DetailType: DetailQuotaWindow,
			WindowKind: kind,
		}
		if bucket.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, bucket.ResetTime); err == nil {
				utc := t.UTC()
				detail.NextResetTime = &utc
			}
		}
		usage.Details = append(usage.Details, detail)

		if remaining <= tightest {
			tightest = remaining
			tightestReset = detail.NextResetTime
		}
	}

	usage.RequestsPercentage = ClampPercent(tightest * 100)
	usage.RequestsUsed = ClampPercent((1 - tightest) * 100)
	usage.RequestsAvailable = 100
	usage.NextResetTime = tightestReset
	usage.Description = fmt.Sprintf("%d quota buckets tracked", len(resp.Buckets))
	return usage, nil
}
