package registry

import (
	"errors"
	"testing"
)

func TestDefault_FindAliases(t *testing.T) {
	reg, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}

	cases := []struct{ id, want string }{
		{"anthropic", "anthropic"},
		{"claude", "anthropic"},
		{"Claude-Code", "anthropic"},
		{"chatgpt", "codex"},
		{"codeium", "windsurf"},
		{"z.ai", "zai"},
		{"glm", "zai"},
		{"openai-admin", "openai"},
	}
	for _, tc := range cases {
		def, ok := reg.Find(tc.id)
		if !ok {
			t.Errorf("Find(%q) missed", tc.id)
			continue
		}
		if def.ProviderID != tc.want {
			t.Errorf("Find(%q) = %q, want %q", tc.id, def.ProviderID, tc.want)
		}
	}

	if _, ok := reg.Find("nonexistent"); ok {
		t.Error("Find(nonexistent) should miss")
	}
}

func TestFind_ChildIDResolvesParent(t *testing.T) {
	reg, _ := Default()
	def, ok := reg.Find("anthropic.sonnet-4")
	if !ok {
		t.Fatal("Child id did not resolve")
	}
	if def.ProviderID != "anthropic" {
		t.Errorf("Child resolved to %q", def.ProviderID)
	}
}

func TestDisplayName(t *testing.T) {
	reg, _ := Default()

	if got := reg.DisplayName("anthropic", ""); got != "Claude" {
		t.Errorf("DisplayName(anthropic) = %q", got)
	}
	// Alias overrides win over the definition name.
	if got := reg.DisplayName("claude-code", ""); got != "Claude Code" {
		t.Errorf("DisplayName(claude-code) = %q", got)
	}
	if got := reg.DisplayName("chatgpt", ""); got != "ChatGPT" {
		t.Errorf("DisplayName(chatgpt) = %q", got)
	}
	// An alias without an override resolves to the definition's name even
	// when the caller supplies a fallback.
	if got := reg.DisplayName("claude", "raw probe name"); got != "Claude" {
		t.Errorf("DisplayName(claude, fallback) = %q", got)
	}
	// Unknown id falls back to the caller's name, then the id itself.
	if got := reg.DisplayName("mystery", "Mystery AI"); got != "Mystery AI" {
		t.Errorf("DisplayName fallback = %q", got)
	}
	if got := reg.DisplayName("mystery", ""); got != "mystery" {
		t.Errorf("DisplayName id fallback = %q", got)
	}
}

func TestNew_DuplicateDetection(t *testing.T) {
	_, err := New([]Definition{
		{ProviderID: "one", HandledIDs: []string{"shared"}},
		{ProviderID: "two", HandledIDs: []string{"Shared"}},
	})
	if !errors.Is(err, ErrDuplicateProvider) {
		t.Errorf("Expected ErrDuplicateProvider, got %v", err)
	}
}

func TestHandles(t *testing.T) {
	def := Definition{ProviderID: "zai", HandledIDs: []string{"z.ai", "glm"}}
	for _, id := range []string{"zai", "ZAI", "glm", "z.ai"} {
		if !def.Handles(id) {
			t.Errorf("Handles(%q) = false", id)
		}
	}
	if def.Handles("openai") {
		t.Error("Handles(openai) = true")
	}
}
