// Package scheduler drives periodic and on-demand refresh cycles across all
// configured providers.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quotawatch/quotawatch/internal/analytics"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/discovery"
	"github.com/quotawatch/quotawatch/internal/notify"
	"github.com/quotawatch/quotawatch/internal/provider"
	"github.com/quotawatch/quotawatch/internal/registry"
	"github.com/quotawatch/quotawatch/internal/store"
)

// State is the scheduler's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateStopping   State = "stopping"
)

const (
	maxConcurrentProbes = 16
	probeDeadline       = 4 * time.Second
)

// Telemetry is the scheduler's cumulative health record, served via the
// diagnostics endpoint.
type Telemetry struct {
	RefreshCount       int64      `json:"refresh_count"`
	SuccessCount       int64      `json:"success_count"`
	FailureCount       int64      `json:"failure_count"`
	LastCycleLatencyMs int64      `json:"last_cycle_latency_ms"`
	TotalLatencyMs     int64      `json:"total_latency_ms"`
	LastError          string     `json:"last_error,omitempty"`
	LastRefreshAt      *time.Time `json:"last_refresh_at,omitempty"`
	LastCycleID        string     `json:"last_cycle_id,omitempty"`
	State              State      `json:"state"`
}

// Scheduler owns the refresh loop: it fans probes out under bounded
// concurrency, validates and persists their output, and drives analytics
// and notifications.
type Scheduler struct {
	configs   *config.Store
	usage     *store.Store
	probes    *provider.Set
	registry  *registry.Registry
	discovery *discovery.Discovery
	notifier  *notify.Engine
	interval  time.Duration
	logger    *slog.Logger

	// cycleGate admits one refresh cycle at a time; TryAcquire makes
	// on-demand refresh a non-blocking handshake.
	cycleGate *semaphore.Weighted

	mu          sync.Mutex
	state       State
	telemetry   Telemetry
	lastResults map[string]provider.Usage
	baseCtx     context.Context
}

// New creates a Scheduler. The notifier may be nil when notifications are
// disabled entirely.
func New(configs *config.Store, usage *store.Store, probes *provider.Set, reg *registry.Registry,
	disc *discovery.Discovery, notifier *notify.Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		configs:     configs,
		usage:       usage,
		probes:      probes,
		registry:    reg,
		discovery:   disc,
		notifier:    notifier,
		interval:    interval,
		logger:      logger,
		cycleGate:   semaphore.NewWeighted(1),
		state:       StateIdle,
		lastResults: make(map[string]provider.Usage),
		baseCtx:     context.Background(),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Telemetry returns a copy of the cumulative counters.
func (s *Scheduler) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.telemetry
	t.State = s.state
	return t
}

// LastResults returns the most recent cycle's in-memory results, keyed by
// lowercase provider id. Downgraded results live only here; they are never
// written to history.
func (s *Scheduler) LastResults() map[string]provider.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]provider.Usage, len(s.lastResults))
	for k, v := range s.lastResults {
		out[k] = v
	}
	return out
}

// Run blocks until ctx is cancelled, executing the startup warm-up followed
// by interval ticks.
func (s *Scheduler) Run(ctx context.Context) {
	// On-demand cycles derive from this context, so shutdown reaches a
	// cycle that is already in flight.
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.startup(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopping)
			return
		case <-ticker.C:
			if !s.TriggerRefresh(false, nil) {
				s.logger.Debug("Refresh tick skipped, cycle already active")
			}
		}
	}
}

// startup warms the system: a cold database (no history at all) triggers
// discovery plus a full forced refresh; a warm start refreshes only the
// system providers, whose data lives locally and costs no vendor API calls.
func (s *Scheduler) startup(ctx context.Context) {
	empty, err := s.usage.HistoryEmpty()
	if err != nil {
		s.logger.Warn("History check failed on startup", "error", err)
		return
	}

	if empty {
		discovered := s.discovery.Discover()
		added, err := s.configs.MergeDiscovered(discovered)
		if err != nil {
			s.logger.Warn("Discovery merge failed", "error", err)
		} else {
			s.logger.Info("Credential discovery complete", "candidates", len(discovered), "added", added)
		}
		s.runCycle(ctx, true, nil)
		return
	}
	s.runCycle(ctx, false, provider.SystemProviderIDs())
}

// TriggerRefresh starts a refresh cycle in the background unless one is
// already active. It never blocks; the result appears via subsequent polls.
func (s *Scheduler) TriggerRefresh(forceAll bool, includeProviderIDs []string) bool {
	if !s.cycleGate.TryAcquire(1) {
		return false
	}
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	go func() {
		defer s.cycleGate.Release(1)
		ctx, cancel := context.WithTimeout(base, 2*time.Minute)
		defer cancel()
		s.cycle(ctx, forceAll, includeProviderIDs)
	}()
	return true
}

// runCycle executes a cycle synchronously under the gate (startup path).
func (s *Scheduler) runCycle(ctx context.Context, forceAll bool, includeProviderIDs []string) {
	if !s.cycleGate.TryAcquire(1) {
		return
	}
	defer s.cycleGate.Release(1)
	s.cycle(ctx, forceAll, includeProviderIDs)
}

// cycle is one full refresh: fan out, validate, persist, analyze, notify,
// trim. Caller holds the cycle gate.
func (s *Scheduler) cycle(ctx context.Context, forceAll bool, includeProviderIDs []string) {
	start := time.Now()
	cycleID := uuid.NewString()
	s.setState(StateRefreshing)
	defer s.setState(StateIdle)

	targets := s.activeTargets(forceAll, includeProviderIDs)
	if len(targets) == 0 {
		s.logger.Debug("No active providers to refresh", "cycle", cycleID)
		return
	}

	results := s.fanOut(ctx, targets)

	// A cancelled cycle discards whatever it collected; the store stays
	// consistent at the last completed cycle.
	if ctx.Err() != nil {
		s.logger.Info("Refresh cycle cancelled, discarding partial results",
			"cycle", cycleID, "collected", len(results))
		return
	}

	var valid []provider.Usage
	overlay := make(map[string]provider.Usage)
	successes, failures := 0, 0
	lastError := ""

	for _, u := range results {
		if provider.IsDegenerate(u) {
			continue
		}
		if err := provider.ValidateDetails(u); err != nil {
			// Contract violations never reach history; the downgraded row
			// is still visible through the in-memory overlay.
			down := provider.Downgrade(u, err)
			overlay[strings.ToLower(down.ProviderID)] = down
			failures++
			lastError = err.Error()
			s.logger.Warn("Probe output rejected", "provider", u.ProviderID, "error", err)
			continue
		}
		overlay[strings.ToLower(u.ProviderID)] = u
		valid = append(valid, u)
		if u.IsAvailable {
			successes++
		} else {
			failures++
			if u.Description != "" {
				lastError = u.Description
			}
		}
	}

	s.registerChildren(valid, targets)

	if err := s.usage.AppendHistory(valid); err != nil {
		s.logger.Error("History append failed", "error", err)
		lastError = err.Error()
	}
	for _, u := range valid {
		if u.RawJSON == "" {
			continue
		}
		if err := s.usage.StoreRawSnapshot(u.ProviderID, u.RawJSON, u.HTTPStatus); err != nil {
			s.logger.Warn("Raw snapshot store failed", "provider", u.ProviderID, "error", err)
		}
	}

	s.detectResets(valid)
	s.fireNotifications(valid, targets)

	if err := s.usage.Cleanup(); err != nil {
		s.logger.Warn("Store cleanup failed", "error", err)
	}
	if err := s.usage.Optimize(); err != nil {
		s.logger.Warn("Store optimize failed", "error", err)
	}

	elapsed := time.Since(start)
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastResults = overlay
	s.telemetry.RefreshCount++
	s.telemetry.SuccessCount += int64(successes)
	s.telemetry.FailureCount += int64(failures)
	s.telemetry.LastCycleLatencyMs = elapsed.Milliseconds()
	s.telemetry.TotalLatencyMs += elapsed.Milliseconds()
	s.telemetry.LastError = lastError
	s.telemetry.LastRefreshAt = &now
	s.telemetry.LastCycleID = cycleID
	s.mu.Unlock()

	s.logger.Info("Refresh cycle complete", "cycle", cycleID,
		"providers", len(targets), "success", successes, "failed", failures,
		"elapsed", elapsed.Round(time.Millisecond))
}

// target pairs a probe with the configuration it runs under.
type target struct {
	probe provider.Probe
	cfg   config.ProviderConfig
}

// activeTargets selects the probes to run this cycle: everything under
// forceAll, system providers always, and otherwise only providers that have
// a key or a recorded auth source. includeProviderIDs narrows further.
func (s *Scheduler) activeTargets(forceAll bool, includeProviderIDs []string) []target {
	configs := make(map[string]config.ProviderConfig)
	for _, cfg := range s.configs.List() {
		configs[strings.ToLower(cfg.ProviderID)] = cfg
	}

	include := make(map[string]bool, len(includeProviderIDs))
	for _, id := range includeProviderIDs {
		include[strings.ToLower(id)] = true
	}

	var targets []target
	for _, p := range s.probes.All() {
		id := strings.ToLower(p.ProviderID())
		if len(include) > 0 && !include[id] {
			continue
		}
		cfg, configured := configs[id]
		if !configured {
			cfg = config.ProviderConfig{ProviderID: p.ProviderID()}
		}

		active := forceAll ||
			provider.IsSystemProvider(id) ||
			cfg.AuthSource != "" ||
			cfg.APIKey != ""
		if !active {
			continue
		}
		targets = append(targets, target{probe: p, cfg: cfg})
	}
	return targets
}

// fanOut runs the targets concurrently, bounded and per-probe deadlined.
// Probes never return errors; a cancelled cycle yields whatever completed.
func (s *Scheduler) fanOut(ctx context.Context, targets []target) []provider.Usage {
	limit := int64(len(targets))
	if limit > maxConcurrentProbes {
		limit = maxConcurrentProbes
	}
	sem := semaphore.NewWeighted(limit)

	var mu sync.Mutex
	var results []provider.Usage
	var wg sync.WaitGroup

	for _, t := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			defer sem.Release(1)

			probeCtx, cancel := context.WithTimeout(ctx, probeDeadline)
			defer cancel()

			usages := t.probe.Probe(probeCtx, t.cfg)
			mu.Lock()
			results = append(results, usages...)
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return results
}

// registerChildren upserts provider rows for emitted child ids not yet
// known to the store, after validating they belong to their parent.
func (s *Scheduler) registerChildren(usages []provider.Usage, targets []target) {
	cfgByID := make(map[string]config.ProviderConfig, len(targets))
	for _, t := range targets {
		cfgByID[strings.ToLower(t.probe.ProviderID())] = t.cfg
	}

	for _, u := range usages {
		dot := strings.Index(u.ProviderID, ".")
		if dot <= 0 {
			continue
		}
		parentID := u.ProviderID[:dot]
		parentCfg := cfgByID[strings.ToLower(parentID)]
		if err := provider.ValidateChildID(parentID, u.ProviderID, parentCfg); err != nil {
			s.logger.Warn("Child id rejected", "provider", u.ProviderID, "error", err)
			continue
		}

		known, err := s.usage.HasProvider(u.ProviderID)
		if err != nil || known {
			continue
		}
		childType := "pay-as-you-go"
		if u.IsQuotaBased {
			childType = "quota-based"
		}
		childCfg := config.ProviderConfig{
			ProviderID: u.ProviderID,
			AuthSource: parentCfg.AuthSource,
			Type:       childType,
		}
		name := s.registry.DisplayName(u.ProviderID, u.ProviderName)
		if err := s.usage.UpsertProvider(childCfg, name); err != nil {
			s.logger.Warn("Child auto-register failed", "provider", u.ProviderID, "error", err)
		}
	}
}

// detectResets compares each provider's new row against its previous one
// and records a reset event when the polarity-aware predicate fires.
func (s *Scheduler) detectResets(usages []provider.Usage) {
	for _, u := range usages {
		if !u.IsAvailable {
			continue
		}
		history, err := s.usage.HistoryByProvider(u.ProviderID, 2)
		if err != nil || len(history) < 2 {
			continue
		}
		latest, previous := history[0], history[1]
		if !previous.IsAvailable {
			continue
		}
		if !analytics.ResetDetected(previous.RequestsPercentage, latest.RequestsPercentage, u.IsQuotaBased) {
			continue
		}
		ev := store.ResetEvent{
			ProviderID:         u.ProviderID,
			Timestamp:          latest.FetchedAt,
			PreviousPercentage: previous.RequestsPercentage,
			NewPercentage:      latest.RequestsPercentage,
			ResetType:          "Automatic",
		}
		if err := s.usage.StoreResetEvent(ev); err != nil {
			s.logger.Warn("Reset event store failed", "provider", u.ProviderID, "error", err)
			continue
		}
		// A fresh window may legitimately cross the threshold again soon.
		if s.notifier != nil {
			s.notifier.ClearCooldown(u.ProviderID)
		}
		s.logger.Info("Quota reset detected", "provider", u.ProviderID,
			"previous", previous.RequestsPercentage, "new", latest.RequestsPercentage)
	}
}

func (s *Scheduler) fireNotifications(usages []provider.Usage, targets []target) {
	if s.notifier == nil {
		return
	}
	threshold := s.configs.Preferences().NotifyThresholdPercent

	cfgByID := make(map[string]config.ProviderConfig, len(targets))
	for _, t := range targets {
		cfgByID[strings.ToLower(t.probe.ProviderID())] = t.cfg
	}
	for _, u := range usages {
		id := strings.ToLower(u.ProviderID)
		cfg, ok := cfgByID[id]
		if !ok {
			if dot := strings.Index(id, "."); dot > 0 {
				cfg = cfgByID[id[:dot]]
			}
		}
		s.notifier.Evaluate(u, cfg, threshold)
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
