package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// Custom errors for Windsurf companion probe failures.
var (
	ErrWindsurfNotRunning       = errors.New("windsurf: language server not running")
	ErrWindsurfNotAuthenticated = errors.New("windsurf: not authenticated")
)

const windsurfStatusPath = "/exa.language_server_pb.LanguageServerService/GetUserStatus"

// windsurfStatusResponse is the companion's GetUserStatus payload.
type windsurfStatusResponse struct {
	UserStatus *struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		PlanStatus *struct {
			PlanInfo *struct {
				PlanName string `json:"planName"`
			} `json:"planInfo,omitempty"`
			AvailablePromptCredits float64 `json:"availablePromptCredits"`
		} `json:"planStatus,omitempty"`
		CascadeModelConfigData *struct {
			ClientModelConfigs []windsurfModelConfig `json:"clientModelConfigs"`
		} `json:"cascadeModelConfigData,omitempty"`
	} `json:"userStatus"`
	Message string `json:"message,omitempty"`
}

type windsurfModelConfig struct {
	Label        string `json:"label"`
	ModelOrAlias *struct {
		Model string `json:"model"`
	} `json:"modelOrAlias,omitempty"`
	QuotaInfo *struct {
		RemainingFraction float64 `json:"remainingFraction"`
		ResetTime         string  `json:"resetTime"`
	} `json:"quotaInfo,omitempty"`
}

// windsurfCache holds the last good probe result, reused while the companion
// is briefly unreachable.
type windsurfCache struct {
	usage Usage
	at    time.Time
}

// WindsurfProbe tracks per-model quota through the locally running Windsurf
// language server. The companion exposes usage only on loopback, over HTTPS
// with a self-signed certificate, guarded by a CSRF token read from its own
// command line.
type WindsurfProbe struct {
	def        registry.Definition
	httpClient *http.Client
	baseURL    string // overrides discovery when set (for testing)
	csrfToken  string
	logger     *slog.Logger

	mu    sync.Mutex
	cache *windsurfCache
}

// WindsurfOption configures a WindsurfProbe.
type WindsurfOption func(*WindsurfProbe)

// WithWindsurfBaseURL bypasses process discovery with a fixed endpoint
// (for testing).
func WithWindsurfBaseURL(url string) WindsurfOption {
	return func(p *WindsurfProbe) { p.baseURL = url }
}

// WithWindsurfCSRFToken sets a fixed CSRF token (for testing).
func WithWindsurfCSRFToken(token string) WindsurfOption {
	return func(p *WindsurfProbe) { p.csrfToken = token }
}

// NewWindsurfProbe creates the Windsurf companion probe.
func NewWindsurfProbe(def registry.Definition, logger *slog.Logger, opts ...WindsurfOption) *WindsurfProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &WindsurfProbe{
		def:        def,
		httpClient: newLoopbackHTTPClient(10 * time.Second),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProviderID implements Probe.
func (p *WindsurfProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *WindsurfProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe: find the companion process, call GetUserStatus on
// its loopback port, and emit a summary plus one model detail per quota.
// This probe works with an empty API key; the companion holds the session.
func (p *WindsurfProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	endpoints, csrfToken, err := p.endpoints(ctx)
	if err != nil {
		if cached := p.cachedUsage(); cached != nil {
			return []Usage{*cached}
		}
		u := Unavailable(p.def, "Windsurf is not running", 0, time.Since(start))
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	var lastRes *fetchResult
	var lastErr error
	for _, endpoint := range endpoints {
		res, err := p.fetchStatus(ctx, endpoint, csrfToken)
		if err != nil {
			lastRes, lastErr = res, err
			continue
		}
		if res.status != http.StatusOK {
			lastRes, lastErr = res, fmt.Errorf("windsurf: HTTP %d", res.status)
			continue
		}
		usage, err := p.normalize(res, cfg)
		if err != nil {
			u := Unavailable(p.def, fmt.Sprintf("Windsurf payload not understood: %v", err), res.status, res.latency)
			u.RawJSON = string(res.body)
			return []Usage{u}
		}
		p.storeCache(usage)
		return []Usage{usage}
	}

	if cached := p.cachedUsage(); cached != nil {
		return []Usage{*cached}
	}
	status := 0
	latency := time.Since(start)
	if lastRes != nil {
		status = lastRes.status
		latency = lastRes.latency
	}
	return []Usage{Unavailable(p.def, fmt.Sprintf("Windsurf language server unreachable: %v", lastErr), status, latency)}
}

// endpoints resolves candidate GetUserStatus URLs, either the fixed test
// endpoint or via process discovery.
func (p *WindsurfProbe) endpoints(ctx context.Context) ([]string, string, error) {
	if p.baseURL != "" {
		return []string{strings.TrimRight(p.baseURL, "/") + windsurfStatusPath}, p.csrfToken, nil
	}

	proc, err := FindCompanionProcess(ctx, "windsurf")
	if err != nil {
		return nil, "", ErrWindsurfNotRunning
	}
	ports := proc.Ports(ctx)
	if len(ports) == 0 {
		return nil, "", ErrCompanionNoPort
	}

	var endpoints []string
	for _, port := range ports {
		endpoints = append(endpoints,
			fmt.Sprintf("https://127.0.0.1:%d%s", port, windsurfStatusPath),
			fmt.Sprintf("http://127.0.0.1:%d%s", port, windsurfStatusPath),
		)
	}
	return endpoints, proc.CSRFToken, nil
}

func (p *WindsurfProbe) fetchStatus(ctx context.Context, endpoint, csrfToken string) (*fetchResult, error) {
	reqBody := `{"metadata":{"ideName":"windsurf","extensionName":"windsurf","locale":"en"}}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(reqBody))
	if err != nil {
		return &fetchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connect-Protocol-Version", "1")
	if csrfToken != "" {
		req.Header.Set("X-Codeium-Csrf-Token", csrfToken)
	}
	return timedRequest(p.httpClient, req)
}

func (p *WindsurfProbe) normalize(res *fetchResult, cfg config.ProviderConfig) (Usage, error) {
	var resp windsurfStatusResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return Usage{}, err
	}
	if resp.UserStatus == nil {
		if resp.Message != "" {
			return Usage{}, fmt.Errorf("%w: %s", ErrWindsurfNotAuthenticated, resp.Message)
		}
		return Usage{}, ErrWindsurfNotAuthenticated
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
		AccountName:       resp.UserStatus.Email,
		FetchedAt:         now,
		HTTPStatus:        res.status,
		RawJSON:           string(res.body),
		ResponseLatencyMs: res.latency.Milliseconds(),
	}
	if usage.AccountName == "" {
		usage.AccountName = resp.UserStatus.Name
	}

	tightest := 1.0
	var tightestReset *time.Time
	modelCount := 0
	if resp.UserStatus.CascadeModelConfigData != nil {
		for _, mc := range resp.UserStatus.CascadeModelConfigData.ClientModelConfigs {
			if mc.QuotaInfo == nil {
				continue
			}
			remaining := mc.QuotaInfo.RemainingFraction
			if remaining < 0 {
				remaining = 0
			}
			if remaining > 1 {
				remaining = 1
			}

			name := strings.TrimSpace(mc.Label)
			modelID := ""
			if mc.ModelOrAlias != nil {
				modelID = mc.ModelOrAlias.Model
			}
			if name == "" {
				name = modelID
			}
			if name == "" {
				continue
			}

			detail := Detail{
				Name:       name,
				Used:       fmt.Sprintf("%.0f%% used", (1-remaining)*100),
				ModelName:  modelID,
				DetailType: DetailModel,
				WindowKind: WindowNone,
			}
			if mc.QuotaInfo.ResetTime != "" {
				if t, err := time.Parse(time.RFC3339, mc.QuotaInfo.ResetTime); err == nil {
					local := t.Local()
					detail.NextResetTime = &local
				}
			}
			usage.Details = append(usage.Details, detail)
			modelCount++

			if remaining <= tightest {
				tightest = remaining
				tightestReset = detail.NextResetTime
			}
		}
	}
	if modelCount == 0 {
		return Usage{}, fmt.Errorf("no model quotas in response")
	}

	usage.RequestsPercentage = ClampPercent(tightest * 100)
	usage.RequestsUsed = ClampPercent((1 - tightest) * 100)
	usage.RequestsAvailable = 100
	usage.NextResetTime = tightestReset

	if resp.UserStatus.PlanStatus != nil {
		if resp.UserStatus.PlanStatus.PlanInfo != nil && resp.UserStatus.PlanStatus.PlanInfo.PlanName != "" {
			usage.Description = resp.UserStatus.PlanStatus.PlanInfo.PlanName + " plan"
		}
		if credits := resp.UserStatus.PlanStatus.AvailablePromptCredits; credits > 0 {
			usage.Details = append(usage.Details, Detail{
				Name:       "Prompt Credits",
				Used:       fmt.Sprintf("%.0f available", credits),
				DetailType: DetailCredit,
				WindowKind: WindowNone,
			})
		}
	}
	if usage.Description == "" {
		usage.Description = fmt.Sprintf("%d model quotas tracked", modelCount)
	}
	return usage, nil
}

// cachedUsage returns the last good result while it is still fresh. When the
// cached reset time has passed, the window rolled over while Windsurf was
// closed: the cached identity is served with the usage zeroed (full remaining
// quota) and the reset time cleared.
func (p *WindsurfProbe) cachedUsage() *Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache == nil {
		return nil
	}
	if time.Since(p.cache.at) > 30*time.Minute {
		p.cache = nil
		return nil
	}
	u := p.cache.usage
	u.Description = "Windsurf is not running (last known state)"
	if u.NextResetTime != nil && time.Now().After(*u.NextResetTime) {
		u.RequestsUsed = 0
		u.RequestsPercentage = 100
		u.NextResetTime = nil
		u.Description = "Windsurf is not running (quota window rolled over)"
	}
	return &u
}

func (p *WindsurfProbe) storeCache(usage Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = &windsurfCache{usage: usage, at: time.Now()}
}
