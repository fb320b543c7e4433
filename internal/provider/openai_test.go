package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

func openaiDefinition() registry.Definition {
	return registry.Definition{
		ProviderID:   "openai",
		DisplayName:  "OpenAI API",
		PlanClass:    registry.PlanUsage,
		IsQuotaBased: false,
	}
}

func openaiCostsServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-admin-test" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("start_time") == "" {
			t.Error("Missing start_time query parameter")
		}
		gpt := "gpt-5"
		embeddings := "embeddings"
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"start_time": 1772366400,
					"results": []map[string]any{
						{"amount": map[string]any{"value": 30.0, "currency": "usd"}, "line_item": gpt},
						{"amount": map[string]any{"value": 10.0, "currency": "usd"}, "line_item": embeddings},
					},
				},
				{
					"start_time": 1772452800,
					"results": []map[string]any{
						{"amount": map[string]any{"value": 5.0, "currency": "usd"}, "line_item": gpt},
					},
				},
			},
			"has_more": false,
		})
	}))
}

func TestOpenAIProbe_SumsMonthlySpend(t *testing.T) {
	srv := openaiCostsServer(t)
	defer srv.Close()

	probe := NewOpenAIProbe(openaiDefinition(), nil, WithOpenAICostsURL(srv.URL))
	u := probe.Probe(context.Background(), config.ProviderConfig{
		ProviderID:       "openai",
		APIKey:           "sk-admin-test",
		MonthlyBudgetUSD: 100,
	})[0]

	if !u.IsAvailable {
		t.Fatalf("Expected available, got %q", u.Description)
	}
	if u.IsQuotaBased {
		t.Error("OpenAI billing is usage-based")
	}
	if u.CostUsed != 45 {
		t.Errorf("CostUsed = %v, want 45", u.CostUsed)
	}
	if u.CostLimit != 100 {
		t.Errorf("CostLimit = %v, want 100", u.CostLimit)
	}
	// Usage-based polarity: percent of budget spent.
	if u.RequestsPercentage != 45 {
		t.Errorf("RequestsPercentage = %v, want 45", u.RequestsPercentage)
	}
	if !strings.Contains(u.Description, "$45.00") {
		t.Errorf("Description = %q", u.Description)
	}
	if err := ValidateDetails(u); err != nil {
		t.Errorf("Details violate contract: %v", err)
	}
	if len(u.Details) != 2 {
		t.Fatalf("Expected one detail per line item, got %d", len(u.Details))
	}
	for _, d := range u.Details {
		if d.DetailType != DetailCredit {
			t.Errorf("Detail %q type = %v", d.Name, d.DetailType)
		}
		if d.Name == "gpt-5" && d.Used != "$35.00" {
			t.Errorf("gpt-5 spend = %q, want $35.00", d.Used)
		}
	}
}

func TestOpenAIProbe_NoBudgetLeavesPercentageZero(t *testing.T) {
	srv := openaiCostsServer(t)
	defer srv.Close()

	probe := NewOpenAIProbe(openaiDefinition(), nil, WithOpenAICostsURL(srv.URL))
	u := probe.Probe(context.Background(), config.ProviderConfig{APIKey: "sk-admin-test"})[0]

	if !u.IsAvailable {
		t.Fatalf("Expected available, got %q", u.Description)
	}
	if u.RequestsPercentage != 0 {
		t.Errorf("RequestsPercentage = %v, want 0 without a budget", u.RequestsPercentage)
	}
	if u.RequestsUsed != 45 {
		t.Errorf("RequestsUsed = %v, want 45", u.RequestsUsed)
	}
}

func TestOpenAIProbe_NoKey(t *testing.T) {
	probe := NewOpenAIProbe(openaiDefinition(), nil)
	u := probe.Probe(context.Background(), config.ProviderConfig{})[0]

	if u.IsAvailable {
		t.Error("Expected unavailable without an admin key")
	}
}

func TestOpenAIProbe_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	probe := NewOpenAIProbe(openaiDefinition(), nil, WithOpenAICostsURL(srv.URL))
	u := probe.Probe(context.Background(), config.ProviderConfig{APIKey: "bad"})[0]

	if u.IsAvailable {
		t.Error("Expected unavailable on 401")
	}
	if u.HTTPStatus != 401 {
		t.Errorf("HTTPStatus = %d", u.HTTPStatus)
	}
}
