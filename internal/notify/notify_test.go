package notify

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/provider"
)

type recordingSink struct {
	mu       sync.Mutex
	titles   []string
	bodies   []string
	actions  []string
	payloads []map[string]any
}

func (r *recordingSink) Notify(title, body, action string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, body)
	r.actions = append(r.actions, action)
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func quotaUsage(id string, remainingPercent float64) provider.Usage {
	return provider.Usage{
		ProviderID:         id,
		ProviderName:       "Test " + id,
		IsAvailable:        true,
		IsQuotaBased:       true,
		RequestsPercentage: remainingPercent,
	}
}

func TestEvaluate_QuotaBasedPolarity(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)
	cfg := config.ProviderConfig{ProviderID: "anthropic", EnableNotifications: true}

	// 50% remaining = 50% used: below a 90% threshold.
	e.Evaluate(quotaUsage("anthropic", 50), cfg, 90)
	if sink.count() != 0 {
		t.Fatal("Alert fired below threshold")
	}

	// 5% remaining = 95% used: crosses.
	e.Evaluate(quotaUsage("anthropic", 5), cfg, 90)
	if sink.count() != 1 {
		t.Fatalf("Expected 1 alert, got %d", sink.count())
	}
	if !strings.Contains(sink.titles[0], "95%") {
		t.Errorf("Title = %q", sink.titles[0])
	}
	if sink.actions[0] != "threshold" {
		t.Errorf("Action = %q", sink.actions[0])
	}
	if sink.payloads[0]["provider_id"] != "anthropic" {
		t.Errorf("Payload = %v", sink.payloads[0])
	}
}

func TestEvaluate_UsageBasedPolarity(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)
	cfg := config.ProviderConfig{ProviderID: "openai", EnableNotifications: true}

	u := provider.Usage{
		ProviderID:         "openai",
		ProviderName:       "OpenAI API",
		IsAvailable:        true,
		IsQuotaBased:       false,
		RequestsPercentage: 92, // percent of budget used
	}
	e.Evaluate(u, cfg, 90)
	if sink.count() != 1 {
		t.Fatalf("Expected 1 alert, got %d", sink.count())
	}

	u.RequestsPercentage = 40
	u.ProviderID = "openai-2"
	e.Evaluate(u, cfg, 90)
	if sink.count() != 1 {
		t.Error("Alert fired for usage below threshold")
	}
}

func TestEvaluate_RequiresOptIn(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)

	e.Evaluate(quotaUsage("anthropic", 2), config.ProviderConfig{ProviderID: "anthropic"}, 90)
	if sink.count() != 0 {
		t.Error("Alert fired without EnableNotifications")
	}

	unavailable := quotaUsage("anthropic", 2)
	unavailable.IsAvailable = false
	e.Evaluate(unavailable, config.ProviderConfig{ProviderID: "anthropic", EnableNotifications: true}, 90)
	if sink.count() != 0 {
		t.Error("Alert fired for an unavailable row")
	}
}

func TestEvaluate_Cooldown(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)
	cfg := config.ProviderConfig{ProviderID: "zai", EnableNotifications: true}

	e.Evaluate(quotaUsage("zai", 3), cfg, 90)
	e.Evaluate(quotaUsage("zai", 2), cfg, 90)
	e.Evaluate(quotaUsage("ZAI", 1), cfg, 90)
	if sink.count() != 1 {
		t.Errorf("Cooldown not applied, got %d alerts", sink.count())
	}

	// A different provider is not rate-limited by the first one.
	e.Evaluate(quotaUsage("codex", 1), config.ProviderConfig{ProviderID: "codex", EnableNotifications: true}, 90)
	if sink.count() != 2 {
		t.Errorf("Independent provider blocked, got %d alerts", sink.count())
	}
}

func TestClearCooldown(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)
	cfg := config.ProviderConfig{ProviderID: "zai", EnableNotifications: true}

	e.Evaluate(quotaUsage("zai", 3), cfg, 90)
	e.Evaluate(quotaUsage("zai", 2), cfg, 90)
	if sink.count() != 1 {
		t.Fatalf("Expected 1 alert before clearing, got %d", sink.count())
	}

	// A recorded quota reset clears the rate limit for that provider.
	e.ClearCooldown("ZAI")
	e.Evaluate(quotaUsage("zai", 2), cfg, 90)
	if sink.count() != 2 {
		t.Errorf("Cleared provider still rate-limited, got %d alerts", sink.count())
	}
}

func TestEvaluate_ZeroThresholdDefaults(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)
	cfg := config.ProviderConfig{ProviderID: "anthropic", EnableNotifications: true}

	// 85% used stays under the default 90% threshold.
	e.Evaluate(quotaUsage("anthropic", 15), cfg, 0)
	if sink.count() != 0 {
		t.Error("Default threshold not applied")
	}
	e.Evaluate(quotaUsage("anthropic", 5), cfg, 0)
	if sink.count() != 1 {
		t.Errorf("Expected 1 alert at default threshold, got %d", sink.count())
	}
}

func TestTest_BypassesEverything(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink)
	if err := e.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("Expected 1 test notification, got %d", sink.count())
	}

	failing := SinkFunc(func(title, body, action string, payload map[string]any) error {
		return errors.New("sink down")
	})
	e.AddSink(failing)
	if err := e.Test(); err == nil {
		t.Error("Expected first sink error to propagate")
	}
	// The healthy sink still received the second test.
	if sink.count() != 2 {
		t.Errorf("Healthy sink count = %d, want 2", sink.count())
	}
}
