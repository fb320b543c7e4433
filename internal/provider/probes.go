package provider

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/quotawatch/quotawatch/internal/registry"
)

// systemProviderIDs are the providers probed on a warm start even with an
// empty API key: their data comes from a local companion or CLI, not from a
// configured credential.
var systemProviderIDs = []string{"windsurf", "cursor"}

// IsSystemProvider reports whether a provider can return useful data with no
// configured key.
func IsSystemProvider(providerID string) bool {
	for _, id := range systemProviderIDs {
		if strings.EqualFold(id, providerID) {
			return true
		}
	}
	return false
}

// SystemProviderIDs returns the system provider ids in stable order.
func SystemProviderIDs() []string {
	out := make([]string, len(systemProviderIDs))
	copy(out, systemProviderIDs)
	return out
}

// Set is the runtime collection of probes, keyed by lowercase provider id.
type Set struct {
	probes map[string]Probe
}

// NewSet builds a Set from explicit probes (for testing or custom wiring).
func NewSet(probes ...Probe) *Set {
	s := &Set{probes: make(map[string]Probe, len(probes))}
	for _, p := range probes {
		s.probes[strings.ToLower(p.ProviderID())] = p
	}
	return s
}

// DefaultSet wires one probe per catalog definition.
func DefaultSet(reg *registry.Registry, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{probes: make(map[string]Probe)}
	for _, def := range reg.All() {
		var p Probe
		switch def.ProviderID {
		case "anthropic":
			p = NewAnthropicProbe(def, logger)
		case "codex":
			p = NewCodexProbe(def, logger)
		case "gemini":
			p = NewGeminiProbe(def, logger)
		case "windsurf":
			p = NewWindsurfProbe(def, logger)
		case "cursor":
			p = NewCursorProbe(def, logger)
		case "openai":
			p = NewOpenAIProbe(def, logger)
		case "zai":
			p = NewZaiProbe(def, logger)
		default:
			continue
		}
		s.probes[strings.ToLower(def.ProviderID)] = p
	}
	return s
}

// Get returns the probe for a provider id, resolving aliases and child ids
// through the probe's definition.
func (s *Set) Get(providerID string) (Probe, bool) {
	lower := strings.ToLower(providerID)
	if p, ok := s.probes[lower]; ok {
		return p, true
	}
	if dot := strings.Index(lower, "."); dot > 0 {
		if p, ok := s.probes[lower[:dot]]; ok {
			return p, true
		}
	}
	for _, p := range s.probes {
		if p.Definition().Handles(providerID) {
			return p, true
		}
	}
	return nil, false
}

// All returns every probe, sorted by provider id for deterministic fan-out.
func (s *Set) All() []Probe {
	out := make([]Probe, 0, len(s.probes))
	for _, p := range s.probes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID() < out[j].ProviderID() })
	return out
}
