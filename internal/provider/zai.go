package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// ErrZaiNoKey indicates the probe has no API key configured.
var ErrZaiNoKey = errors.New("zai: no api key configured")

const zaiQuotaURL = "https://api.z.ai/api/biz/subscription/quota/query"

// zaiQuotaResponse is the coding-plan quota payload. The vendor wraps data
// in a code/message envelope.
type zaiQuotaResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		PlanName string `json:"plan_name,omitempty"`
		Limits   []struct {
			Name      string    `json:"name,omitempty"`
			Type      string    `json:"type,omitempty"`
			Used      FlexFloat `json:"used"`
			Total     FlexFloat `json:"total"`
			ResetTime *FlexTime `json:"reset_time,omitempty"`
		} `json:"limits"`
	} `json:"data,omitempty"`
}

// ZaiProbe tracks Z.AI coding-plan quota via an API-key GET.
type ZaiProbe struct {
	def        registry.Definition
	httpClient *http.Client
	quotaURL   string
	logger     *slog.Logger
}

// ZaiOption configures a ZaiProbe.
type ZaiOption func(*ZaiProbe)

// WithZaiQuotaURL sets a custom quota endpoint (for testing).
func WithZaiQuotaURL(url string) ZaiOption {
	return func(p *ZaiProbe) { p.quotaURL = url }
}

// NewZaiProbe creates the Z.AI quota probe.
func NewZaiProbe(def registry.Definition, logger *slog.Logger, opts ...ZaiOption) *ZaiProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ZaiProbe{
		def:        def,
		httpClient: newHTTPClient(10 * time.Second),
		quotaURL:   zaiQuotaURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProviderID implements Probe.
func (p *ZaiProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *ZaiProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe.
func (p *ZaiProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ZAI_API_KEY")
	}
	if key == "" {
		u := Unavailable(p.def, "no Z.AI API key configured", 0, time.Since(start))
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.quotaURL, nil)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("zai: creating request: %v", err), 0, time.Since(start))}
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "quotawatch/1.0")

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("Z.AI quota endpoint unreachable: %v", err), res.status, res.latency)}
	}
	if res.status != http.StatusOK {
		u := Unavailable(p.def, statusDescription("Z.AI", res.status), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}

	usage, err := p.normalize(res, cfg)
	if err != nil {
		u := Unavailable(p.def, fmt.Sprintf("Z.AI payload not understood: %v", err), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}
	return []Usage{usage}
}

func (p *ZaiProbe) normalize(res *fetchResult, cfg config.ProviderConfig) (Usage, error) {
	var resp zaiQuotaResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return Usage{}, err
	}
	if resp.Code != 0 && resp.Code != 200 {
		return Usage{}, fmt.Errorf("vendor error %d: %s", resp.Code, resp.Message)
	}
	if resp.Data == nil || len(resp.Data.Limits) == 0 {
		return Usage{}, fmt.Errorf("no quota limits in response")
	}

	usage := Usage{
		ProviderID:        p.def.ProviderID,
		ProviderName:      p.def.DisplayName,
		IsAvailable:       true,
		IsQuotaBased:      true,
		PlanClass:         p.def.PlanClass,
		UsageUnit:         "Quota %",
		AuthSource:        cfg.AuthSource,
		AccountName:       cfg.AccountName,
		FetchedAt:         time.Now().UTC(),
		HTTPStatus:        res.status,
		RawJSON:           string(res.body),
		ResponseLatencyMs: res.latency.Milliseconds(),
	}

	tightestRemaining := 100.0
	var tightestReset *time.Time
	for i, limit := range resp.Data.Limits {
		total := float64(limit.Total)
		used := float64(limit.Used)
		if total <= 0 {
			continue
		}
		remaining := ClampPercent((total - used) / total * 100)

		name := limit.Name
		if name == "" {
			name = limit.Type
		}
		if name == "" {
			name = fmt.Sprintf("Limit %d", i+1)
		}
		kind := WindowSecondary
		if i == 0 {
			kind = WindowPrimary
		}
		detail := Detail{
			Name:       name,
			Used:       fmt.Sprintf("%.0f / %.0f", used, total),
			DetailType: DetailQuotaWindow,
			WindowKind: kind,
		}
		if limit.ResetTime != nil && !limit.ResetTime.IsZero() {
			utc := limit.ResetTime.UTC()
			detail.NextResetTime = &utc
		}
		usage.Details = append(usage.Details, detail)

		if remaining <= tightestRemaining {
			tightestRemaining = remaining
			tightestReset = detail.NextResetTime
		}
	}
	if len(usage.Details) == 0 {
		return Usage{}, fmt.Errorf("no usable quota limits in response")
	}

	usage.RequestsPercentage = tightestRemaining
	usage.RequestsUsed = ClampPercent(100 - tightestRemaining)
	usage.RequestsAvailable = 100
	usage.NextResetTime = tightestReset
	if resp.Data.PlanName != "" {
		usage.Description = resp.Data.PlanName + " plan"
	} else {
		usage.Description = fmt.Sprintf("%d quota limits tracked", len(usage.Details))
	}
	return usage, nil
}
