package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// ErrOpenAINoKey indicates the billing probe has no admin key configured.
var ErrOpenAINoKey = errors.New("openai: no admin key configured")

const openaiCostsURL = "https://api.openai.com/v1/organization/costs"

// openaiCostsResponse is the organization costs payload: daily buckets of
// amortized spend in USD.
type openaiCostsResponse struct {
	Data []struct {
		StartTime int64 `json:"start_time"`
		EndTime   int64 `json:"end_time"`
		Results   []struct {
			Amount struct {
				Value    FlexFloat `json:"value"`
				Currency string    `json:"currency"`
			} `json:"amount"`
			LineItem *string `json:"line_item"`
		} `json:"results"`
	} `json:"data"`
	HasMore bool `json:"has_more"`
}

// OpenAIProbe tracks organization spend through the admin costs API. This is
// a usage-based provider: the summary percentage is percent of the
// configured budget already spent.
type OpenAIProbe struct {
	def        registry.Definition
	httpClient *http.Client
	costsURL   string
	logger     *slog.Logger
}

// OpenAIOption configures an OpenAIProbe.
type OpenAIOption func(*OpenAIProbe)

// WithOpenAICostsURL sets a custom costs endpoint (for testing).
func WithOpenAICostsURL(url string) OpenAIOption {
	return func(p *OpenAIProbe) { p.costsURL = url }
}

// NewOpenAIProbe creates the OpenAI billing probe.
func NewOpenAIProbe(def registry.Definition, logger *slog.Logger, opts ...OpenAIOption) *OpenAIProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &OpenAIProbe{
		def:        def,
		httpClient: newHTTPClient(10 * time.Second),
		costsURL:   openaiCostsURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProviderID implements Probe.
func (p *OpenAIProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *OpenAIProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe: bearer GET against the costs endpoint for the
// current month, summed into costUsed.
func (p *OpenAIProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	if cfg.APIKey == "" {
		u := Unavailable(p.def, "no OpenAI admin key configured", 0, time.Since(start))
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	url := fmt.Sprintf("%s?start_time=%d&limit=31", p.costsURL, monthStart.Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("openai: creating request: %v", err), 0, time.Since(start))}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "quotawatch/1.0")

	res, err := timedRequest(p.httpClient, req)
	if err != nil {
		return []Usage{Unavailable(p.def, fmt.Sprintf("OpenAI costs endpoint unreachable: %v", err), res.status, res.latency)}
	}
	if res.status != http.StatusOK {
		u := Unavailable(p.def, statusDescription("OpenAI", res.status), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}

	usage, err := p.normalize(res, cfg)
	if err != nil {
		u := Unavailable(p.def, fmt.Sprintf("OpenAI payload not understood: %v", err), res.status, res.latency)
		u.RawJSON = string(res.body)
		return []Usage{u}
	}
	return []Usage{usage}
}

func (p *OpenAIProbe) normalize(res *fetchResult, cfg config.ProviderConfig) (Usage, error) {
	var resp openaiCostsResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return Usage{}, err
	}

	total := 0.0
	byLineItem := map[string]float64{}
	for _, bucket := range resp.Data {
		for _, result := range bucket.Results {
			amount := float64(result.Amount.Value)
			total += amount
			if result.LineItem != nil && *result.LineItem != "" {
				byLineItem[*result.LineItem] += amount
			}
		}
	}

	usage := Usage{
		ProviderID:        p.def.ProviderID,
		ProviderName:      p.def.DisplayName,
		IsAvailable:       true,
		IsQuotaBased:      false,
		PlanClass:         p.def.PlanClass,
		UsageUnit:         "USD",
		CostUsed:          total,
		AuthSource:        cfg.AuthSource,
		AccountName:       cfg.AccountName,
		Description:       fmt.Sprintf("$%.2f spent this month", total),
		FetchedAt:         time.Now().UTC(),
		HTTPStatus:        res.status,
		RawJSON:           string(res.body),
		ResponseLatencyMs: res.latency.Milliseconds(),
	}

	// Usage-based polarity: percentage means percent used, against the
	// configured budget when one exists.
	if budget := cfg.MonthlyBudgetUSD; budget > 0 {
		usage.CostLimit = budget
		usage.RequestsUsed = total
		usage.RequestsAvailable = budget
		usage.RequestsPercentage = ClampPercent(total / budget * 100)
	} else {
		usage.RequestsUsed = total
	}

	for item, amount := range byLineItem {
		usage.Details = append(usage.Details, Detail{
			Name:       item,
			Used:       fmt.Sprintf("$%.2f", amount),
			DetailType: DetailCredit,
			WindowKind: WindowNone,
		})
	}
	return usage, nil
}
