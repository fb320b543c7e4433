package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

func zaiDefinition() registry.Definition {
	return registry.Definition{
		ProviderID:   "zai",
		DisplayName:  "Z.AI",
		PlanClass:    registry.PlanCoding,
		IsQuotaBased: true,
	}
}

func TestZaiProbe_TightestLimitWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer zai-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{
				"plan_name": "Coding Pro",
				"limits": []map[string]any{
					{"name": "5-Hour Prompts", "used": 80, "total": 100, "reset_time": "2026-03-01T12:00:00Z"},
					{"name": "Weekly Prompts", "used": 100, "total": 1000},
					{"name": "Disabled", "used": 5, "total": 0},
				},
			},
		})
	}))
	defer srv.Close()

	probe := NewZaiProbe(zaiDefinition(), nil, WithZaiQuotaURL(srv.URL))
	u := probe.Probe(context.Background(), config.ProviderConfig{ProviderID: "zai", APIKey: "zai-key"})[0]

	if !u.IsAvailable {
		t.Fatalf("Expected available, got %q", u.Description)
	}
	// 5-Hour has 20% remaining, Weekly 90%; the tightest wins.
	if u.RequestsPercentage != 20 {
		t.Errorf("RequestsPercentage = %v, want 20", u.RequestsPercentage)
	}
	if u.Description != "Coding Pro plan" {
		t.Errorf("Description = %q", u.Description)
	}
	// The zero-total limit is skipped.
	if len(u.Details) != 2 {
		t.Fatalf("Expected 2 details, got %d", len(u.Details))
	}
	if err := ValidateDetails(u); err != nil {
		t.Errorf("Details violate contract: %v", err)
	}
	if u.Details[0].WindowKind != WindowPrimary || u.Details[1].WindowKind != WindowSecondary {
		t.Errorf("Window kinds = %v, %v", u.Details[0].WindowKind, u.Details[1].WindowKind)
	}
	if u.NextResetTime == nil || !u.NextResetTime.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("NextResetTime = %v", u.NextResetTime)
	}
}

func TestZaiProbe_VendorErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 1002, "message": "invalid api key"})
	}))
	defer srv.Close()

	probe := NewZaiProbe(zaiDefinition(), nil, WithZaiQuotaURL(srv.URL))
	u := probe.Probe(context.Background(), config.ProviderConfig{APIKey: "bad"})[0]

	if u.IsAvailable {
		t.Error("Expected unavailable on vendor error envelope")
	}
}

func TestZaiProbe_NoKey(t *testing.T) {
	t.Setenv("ZAI_API_KEY", "")
	probe := NewZaiProbe(zaiDefinition(), nil)
	u := probe.Probe(context.Background(), config.ProviderConfig{})[0]

	if u.IsAvailable {
		t.Error("Expected unavailable without an API key")
	}
}

func TestZaiProbe_EnvKeyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer env-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{
				"limits": []map[string]any{{"name": "Prompts", "used": 1, "total": 10}},
			},
		})
	}))
	defer srv.Close()

	t.Setenv("ZAI_API_KEY", "env-key")
	probe := NewZaiProbe(zaiDefinition(), nil, WithZaiQuotaURL(srv.URL))
	u := probe.Probe(context.Background(), config.ProviderConfig{})[0]

	if !u.IsAvailable {
		t.Fatalf("Expected available via env key, got %q", u.Description)
	}
	if u.RequestsPercentage != 90 {
		t.Errorf("RequestsPercentage = %v, want 90", u.RequestsPercentage)
	}
}
