package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// ErrCodexNoCreds indicates no usable Codex auth state on disk.
var ErrCodexNoCreds = errors.New("codex: no credentials found")

const codexUsageURL = "https://chatgpt.com/backend-api/wham/usage"

// codexAuthFile is the Codex CLI auth.json layout.
type codexAuthFile struct {
	OpenAIAPIKey string `json:"OPENAI_API_KEY"`
	Tokens       struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		AccountID    string `json:"account_id"`
	} `json:"tokens"`
}

// codexUsageResponse is the OAuth usage payload returned by Codex.
type codexUsageResponse struct {
	PlanType            string         `json:"plan_type"`
	RateLimit           codexRateLimit `json:"rate_limit"`
	CodeReviewRateLimit codexRateLimit `json:"code_review_rate_limit,omitempty"`
	Credits             *struct {
		Balance FlexFloat `json:"balance,omitempty"`
	} `json:"credits,omitempty"`
}

type codexRateLimit struct {
	PrimaryWindow   *codexWindow `json:"primary_window"`
	SecondaryWindow *codexWindow `json:"secondary_window"`
}

type codexWindow struct {
	UsedPercent        float64 `json:"used_percent"`
	ResetAtUnix        int64   `json:"reset_at"`
	LimitWindowSeconds int64   `json:"limit_window_seconds"`
}

// CodexProbe tracks Codex plan rate limits via the OAuth usage endpoint,
// resolving identity from the id token when the payload has none.
type CodexProbe struct {
	def        registry.Definition
	httpClient *http.Client
	usageURL   string
	authPath   string
	logger     *slog.Logger
}

// CodexOption configures a CodexProbe.
type CodexOption func(*CodexProbe)

// WithCodexUsageURL sets a custom usage endpoint (for testing).
func WithCodexUsageURL(url string) CodexOption {
	return func(p *CodexProbe) { p.usageURL = url }
}

// WithCodexAuthPath sets a custom auth.json path.
func WithCodexAuthPath(path string) CodexOption {
	return func(p *CodexProbe) { p.authPath = path }
}

// NewCodexProbe creates the Codex quota probe.
func NewCodexProbe(def registry.Definition, logger *slog.Logger, opts ...CodexOption) *CodexProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &CodexProbe{
		def:        def,
		httpClient: newHTTPClient(10 * time.Second),
		usageURL:   codexUsageURL,
		authPath:   defaultCodexAuthPath(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultCodexAuthPath() string {
	if codexHome := strings.TrimSpace(os.Getenv("CODEX_HOME")); codexHome != "" {
		return filepath.Join(codexHome, "auth.json")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".codex", "auth.json")
}

// ProviderID implements Probe.
func (p *CodexProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *CodexProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe.
func (p *CodexProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	auth, err := p.loadAuth(cfg)
	if err != nil {
		u := Unavailable(p.def, "no Codex credentials found; run `codex login` or set an API key", 0, time.Since(start))
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usageURL, nil)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("codex: creating request: %v", err), 0, time.Since(start))}
	}
	token := auth.Tokens.AccessToken
	if token == "" {
		token = auth.OpenAIAPIKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "quotawatch/1.0")
	if auth.Tokens.AccountID != "" {
		req.Header.Set("X-Account-Id", auth.Tokens.AccountID)
	}

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("Codex usage endpoint unreachable: %v", err), res.status, res.latency)}
	}
	if res.status != http.StatusOK {
		u := Unavailable(p.def, statusDescription("Codex", res.status), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}

	usage, err := p.normalize(res, auth, cfg)
	if err != nil {
		u := Unavailable(p.def, fmt.Sprintf("Codex payload not understood: %v", err), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}
	return []Usage{usage}
}

// loadAuth returns the auth file state, or synthesizes one from the config
// API key when the file is absent.
func (p *CodexProbe) loadAuth(cfg config.ProviderConfig) (*codexAuthFile, error) {
	if p.authPath != "" {
		if data, err := os.ReadFile(p.authPath); err == nil {
			var auth codexAuthFile
			if err := json.Unmarshal(data, &auth); err == nil {
				auth.Tokens.AccessToken = strings.TrimSpace(auth.Tokens.AccessToken)
				auth.Tokens.IDToken = strings.TrimSpace(auth.Tokens.IDToken)
				auth.OpenAIAPIKey = strings.TrimSpace(auth.OpenAIAPIKey)
				if auth.Tokens.AccessToken != "" || auth.OpenAIAPIKey != "" {
					return &auth, nil
				}
			}
		}
	}
	if cfg.APIKey != "" {
		auth := &codexAuthFile{}
		auth.Tokens.AccessToken = cfg.APIKey
		return auth, nil
	}
	return nil, ErrCodexNoCreds
}

func (p *CodexProbe) normalize(res *fetchResult, auth *codexAuthFile, cfg config.ProviderConfig) (Usage, error) {
	var resp codexUsageResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return Usage{}, err
	}
	if resp.RateLimit.PrimaryWindow == nil && resp.RateLimit.SecondaryWindow == nil {
		return Usage{}, fmt.Errorf("no rate limit windows in response")
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
		FetchedAt:         now,
		HTTPStatus:        res.status,
		RawJSON:           string(res.body),
		ResponseLatencyMs: res.latency.Milliseconds(),
	}

	payload, _ := DecodeObject(res.body)
	usage.AccountName = ResolveIdentity(payload, auth.Tokens.AccessToken, auth.Tokens.IDToken, auth.Tokens.AccountID)

	addWindow := func(name string, kind WindowKind, w *codexWindow) *Detail {
		if w == nil {
			return nil
		}
		d := Detail{
			Name:       name,
			Used:       fmt.Sprintf("%.0f%% used", w.UsedPercent),
			DetailType: DetailQuotaWindow,
			WindowKind: kind,
		}
		if w.ResetAtUnix > 0 {
			reset := time.Unix(w.ResetAtUnix, 0).UTC()
			d.NextResetTime = &reset
		}
		usage.Details = append(usage.Details, d)
		return &usage.Details[len(usage.Details)-1]
	}

	primary := addWindow("5-Hour Limit", WindowPrimary, resp.RateLimit.PrimaryWindow)
	addWindow("Weekly All-Model", WindowSecondary, resp.RateLimit.SecondaryWindow)
	addWindow("Review Requests", WindowSpark, resp.CodeReviewRateLimit.PrimaryWindow)

	if resp.Credits != nil && float64(resp.Credits.Balance) > 0 {
		usage.Details = append(usage.Details, Detail{
			Name:       "Credits",
			Used:       fmt.Sprintf("$%.2f balance", float64(resp.Credits.Balance)),
			DetailType: DetailCredit,
			WindowKind: WindowNone,
		})
	}

	lead := primary
	if lead == nil {
		lead = &usage.Details[0]
	}
	leadWindow := resp.RateLimit.PrimaryWindow
	if leadWindow == nil {
		leadWindow = resp.RateLimit.SecondaryWindow
	}
	usage.RequestsUsed = leadWindow.UsedPercent
	usage.RequestsAvailable = 100
	usage.RequestsPercentage = ClampPercent(100 - leadWindow.UsedPercent)
	usage.NextResetTime = lead.NextResetTime

	if resp.PlanType != "" {
		usage.Description = resp.PlanType + " plan"
	} else {
		usage.Description = fmt.Sprintf("%d quota windows tracked", len(usage.Details))
	}
	return usage, nil
}
