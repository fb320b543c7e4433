package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

func cursorDefinition() registry.Definition {
	return registry.Definition{
		ProviderID:   "cursor",
		DisplayName:  "Cursor",
		PlanClass:    registry.PlanCoding,
		IsQuotaBased: true,
	}
}

func fixedRunner(output string, err error) func(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		return []byte(output), err
	}
}

func TestCursorProbe_ScrapesStatusOutput(t *testing.T) {
	output := "\x1b[1mCursor Agent\x1b[0m\n" +
		"Plan: Pro\n" +
		"Signed in as dev@example.com\n" +
		"Requests used: 120 / 500\n"

	probe := NewCursorProbe(cursorDefinition(), nil, WithCursorRunner(fixedRunner(output, nil)))
	u := probe.Probe(context.Background(), config.ProviderConfig{ProviderID: "cursor"})[0]

	if !u.IsAvailable {
		t.Fatalf("Expected available, got %q", u.Description)
	}
	if u.RequestsUsed != 120 || u.RequestsAvailable != 500 {
		t.Errorf("Requests = %v/%v, want 120/500", u.RequestsUsed, u.RequestsAvailable)
	}
	if u.RequestsPercentage != 76 {
		t.Errorf("RequestsPercentage = %v, want 76", u.RequestsPercentage)
	}
	if u.UsageUnit != "Requests" {
		t.Errorf("UsageUnit = %q", u.UsageUnit)
	}
	if u.AccountName != "dev@example.com" {
		t.Errorf("AccountName = %q", u.AccountName)
	}
	if u.Description != "Pro plan" {
		t.Errorf("Description = %q", u.Description)
	}
}

func TestCursorProbe_PercentFallback(t *testing.T) {
	probe := NewCursorProbe(cursorDefinition(), nil,
		WithCursorRunner(fixedRunner("Usage: 35.5% used this cycle\n", nil)))
	u := probe.Probe(context.Background(), config.ProviderConfig{})[0]

	if !u.IsAvailable {
		t.Fatalf("Expected available, got %q", u.Description)
	}
	if u.RequestsPercentage != 64.5 {
		t.Errorf("RequestsPercentage = %v, want 64.5", u.RequestsPercentage)
	}
	if u.UsageUnit != "Quota %" {
		t.Errorf("UsageUnit = %q", u.UsageUnit)
	}
}

func TestCursorProbe_ConfiguredButCLIUnreadable(t *testing.T) {
	probe := NewCursorProbe(cursorDefinition(), nil,
		WithCursorRunner(fixedRunner("", errors.New("exec: not found"))))
	u := probe.Probe(context.Background(), config.ProviderConfig{APIKey: "cur-key"})[0]

	// A configured Cursor stays visible even when the CLI is missing.
	if !u.IsAvailable {
		t.Fatal("Expected available for a configured provider")
	}
	if !strings.Contains(u.Description, "Cursor configured but CLI not readable") {
		t.Errorf("Description = %q", u.Description)
	}
}

func TestCursorProbe_CLIFailureWithoutConfig(t *testing.T) {
	probe := NewCursorProbe(cursorDefinition(), nil,
		WithCursorRunner(fixedRunner("", errors.New("exec: not found"))))
	u := probe.Probe(context.Background(), config.ProviderConfig{})[0]

	if u.IsAvailable {
		t.Error("Expected unavailable when the CLI fails and no key is configured")
	}
}

func TestCursorProbe_UnrecognizedOutput(t *testing.T) {
	probe := NewCursorProbe(cursorDefinition(), nil,
		WithCursorRunner(fixedRunner("cursor-agent v1.2.3\nnothing useful here\n", nil)))
	u := probe.Probe(context.Background(), config.ProviderConfig{})[0]

	if !u.IsAvailable {
		t.Fatal("Expected available with unknown usage")
	}
	if u.Description != "Cursor CLI output not recognized; usage unknown" {
		t.Errorf("Description = %q", u.Description)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[32mgreen\x1b[0m plain \x1b]0;title\x07tail"
	if got := stripANSI(in); got != "green plain tail" {
		t.Errorf("stripANSI = %q", got)
	}
}
