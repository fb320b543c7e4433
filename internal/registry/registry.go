// Package registry holds the static catalog of known providers.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateProvider indicates two definitions claim the same id.
var ErrDuplicateProvider = errors.New("registry: duplicate provider id")

// PlanClass describes how a provider bills its plan.
type PlanClass string

const (
	// PlanCoding is a seat-style coding plan with quota windows.
	PlanCoding PlanClass = "coding"
	// PlanUsage is metered pay-as-you-go usage.
	PlanUsage PlanClass = "usage"
)

// Definition is the compiled-in metadata for one provider.
type Definition struct {
	ProviderID           string
	DisplayName          string
	PlanClass            PlanClass
	IsQuotaBased         bool
	LogoKey              string
	HandledIDs           []string
	DisplayNameOverrides map[string]string
	SupportsChildren     bool
}

// Handles reports whether the definition claims the given id,
// either as its primary id or as an alias.
func (d Definition) Handles(id string) bool {
	if strings.EqualFold(d.ProviderID, id) {
		return true
	}
	for _, alias := range d.HandledIDs {
		if strings.EqualFold(alias, id) {
			return true
		}
	}
	return false
}

// Registry is a read-only catalog of provider definitions.
type Registry struct {
	defs  []Definition
	byKey map[string]int // lowercase id/alias -> index into defs
}

// New builds a Registry from the given definitions. It fails with
// ErrDuplicateProvider if any two definitions claim the same id or alias
// (case-insensitive).
func New(defs []Definition) (*Registry, error) {
	byKey := make(map[string]int, len(defs)*2)
	for i, def := range defs {
		keys := append([]string{def.ProviderID}, def.HandledIDs...)
		for _, key := range keys {
			lower := strings.ToLower(key)
			if prev, exists := byKey[lower]; exists {
				return nil, fmt.Errorf("%w: %q claimed by both %s and %s",
					ErrDuplicateProvider, key, defs[prev].ProviderID, def.ProviderID)
			}
			byKey[lower] = i
		}
	}
	return &Registry{defs: defs, byKey: byKey}, nil
}

// Find returns the definition that handles the given id, if any.
// Child ids of the form "parent.slug" resolve to the parent's definition.
func (r *Registry) Find(id string) (Definition, bool) {
	lower := strings.ToLower(id)
	if i, ok := r.byKey[lower]; ok {
		return r.defs[i], true
	}
	if dot := strings.Index(lower, "."); dot > 0 {
		if i, ok := r.byKey[lower[:dot]]; ok {
			return r.defs[i], true
		}
	}
	return Definition{}, false
}

// DisplayName resolves the pretty name for an id. Override entries win,
// then the definition's display name, then the caller's fallback, then
// the id itself.
func (r *Registry) DisplayName(id, fallback string) string {
	if def, ok := r.Find(id); ok {
		for alias, name := range def.DisplayNameOverrides {
			if strings.EqualFold(alias, id) {
				return name
			}
		}
		if def.DisplayName != "" {
			return def.DisplayName
		}
	}
	if fallback != "" {
		return fallback
	}
	return id
}

// All returns every definition in the catalog.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Default returns the compiled-in provider catalog.
func Default() (*Registry, error) {
	return New(builtinDefinitions)
}

var builtinDefinitions = []Definition{
	{
		ProviderID:   "anthropic",
		DisplayName:  "Claude",
		PlanClass:    PlanCoding,
		IsQuotaBased: true,
		LogoKey:      "claude",
		HandledIDs:   []string{"claude", "claude-code"},
		DisplayNameOverrides: map[string]string{
			"claude-code": "Claude Code",
		},
		SupportsChildren: true,
	},
	{
		ProviderID:   "codex",
		DisplayName:  "Codex",
		PlanClass:    PlanCoding,
		IsQuotaBased: true,
		LogoKey:      "openai",
		HandledIDs:   []string{"openai-codex", "chatgpt"},
		DisplayNameOverrides: map[string]string{
			"chatgpt": "ChatGPT",
		},
		SupportsChildren: true,
	},
	{
		ProviderID:       "gemini",
		DisplayName:      "Gemini CLI",
		PlanClass:        PlanCoding,
		IsQuotaBased:     true,
		LogoKey:          "gemini",
		HandledIDs:       []string{"google", "gemini-cli"},
		SupportsChildren: false,
	},
	{
		ProviderID:       "windsurf",
		DisplayName:      "Windsurf",
		PlanClass:        PlanCoding,
		IsQuotaBased:     true,
		LogoKey:          "windsurf",
		HandledIDs:       []string{"codeium"},
		SupportsChildren: true,
	},
	{
		ProviderID:       "cursor",
		DisplayName:      "Cursor",
		PlanClass:        PlanCoding,
		IsQuotaBased:     true,
		LogoKey:          "cursor",
		HandledIDs:       []string{"cursor-agent"},
		SupportsChildren: false,
	},
	{
		ProviderID:       "openai",
		DisplayName:      "OpenAI API",
		PlanClass:        PlanUsage,
		IsQuotaBased:     false,
		LogoKey:          "openai",
		HandledIDs:       []string{"openai-admin"},
		SupportsChildren: false,
	},
	{
		ProviderID:       "zai",
		DisplayName:      "Z.ai",
		PlanClass:        PlanCoding,
		IsQuotaBased:     true,
		LogoKey:          "zai",
		HandledIDs:       []string{"z.ai", "glm"},
		SupportsChildren: false,
	},
}
