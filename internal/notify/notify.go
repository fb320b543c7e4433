// Package notify turns usage thresholds into alerts delivered through
// pluggable sinks.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/provider"
)

// cooldown is the minimum gap between alerts for the same provider.
const cooldown = 6 * time.Hour

// Sink delivers one notification. Action names the event class
// ("threshold", "test"); payload carries structured fields for sinks that
// render more than text. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(title, body, action string, payload map[string]any) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(title, body, action string, payload map[string]any) error

// Notify implements Sink.
func (f SinkFunc) Notify(title, body, action string, payload map[string]any) error {
	return f(title, body, action, payload)
}

// Engine evaluates refresh results against the user's threshold and fires
// sinks, rate-limited per provider.
type Engine struct {
	sinks  []Sink
	logger *slog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewEngine creates a notification engine over the given sinks.
func NewEngine(logger *slog.Logger, sinks ...Sink) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sinks:     sinks,
		logger:    logger,
		lastFired: make(map[string]time.Time),
	}
}

// AddSink registers an additional sink.
func (e *Engine) AddSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Evaluate fires an alert when a usage row crosses the threshold, the
// provider has notifications enabled, and the per-provider cooldown has
// elapsed. Threshold semantics follow quota polarity: quota-based rows alert
// when remaining percent drops to (100 - threshold), usage-based rows when
// used percent reaches the threshold.
func (e *Engine) Evaluate(u provider.Usage, cfg config.ProviderConfig, thresholdPercent float64) {
	if !cfg.EnableNotifications || !u.IsAvailable {
		return
	}
	if thresholdPercent <= 0 {
		thresholdPercent = 90
	}

	crossed := false
	var usedPercent float64
	if u.IsQuotaBased {
		usedPercent = 100 - u.RequestsPercentage
	} else {
		usedPercent = u.RequestsPercentage
	}
	crossed = usedPercent >= thresholdPercent
	if !crossed {
		return
	}

	key := strings.ToLower(u.ProviderID)
	e.mu.Lock()
	if last, ok := e.lastFired[key]; ok && time.Since(last) < cooldown {
		e.mu.Unlock()
		return
	}
	e.lastFired[key] = time.Now()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	title := fmt.Sprintf("%s quota at %.0f%%", u.ProviderName, usedPercent)
	body := fmt.Sprintf("%s has used %.0f%% of its quota.", u.ProviderName, usedPercent)
	payload := map[string]any{
		"provider_id":       u.ProviderID,
		"used_percent":      usedPercent,
		"threshold_percent": thresholdPercent,
	}
	if u.NextResetTime != nil {
		body += fmt.Sprintf(" Resets %s.", u.NextResetTime.Local().Format("Mon 15:04"))
		payload["next_reset_time"] = u.NextResetTime.UTC().Format(time.RFC3339)
	}

	for _, sink := range sinks {
		if err := sink.Notify(title, body, "threshold", payload); err != nil {
			e.logger.Warn("Notification sink failed", "provider", u.ProviderID, "error", err)
		}
	}
	e.logger.Info("Notification fired", "provider", u.ProviderID, "used_percent", usedPercent)
}

// ClearCooldown drops the rate-limit state for one provider. Called when a
// quota reset is recorded so the fresh window can alert again.
func (e *Engine) ClearCooldown(providerID string) {
	e.mu.Lock()
	delete(e.lastFired, strings.ToLower(providerID))
	e.mu.Unlock()
}

// Test fires a test notification through every sink, bypassing thresholds
// and cooldowns.
func (e *Engine) Test() error {
	e.mu.Lock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	var firstErr error
	for _, sink := range sinks {
		if err := sink.Notify("quotawatch test", "Notifications are working.", "test", nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
