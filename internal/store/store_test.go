package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/provider"
	"github.com/quotawatch/quotawatch/internal/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleUsage(providerID string, percentage float64, fetchedAt time.Time) provider.Usage {
	return provider.Usage{
		ProviderID:         providerID,
		ProviderName:       "Test " + providerID,
		IsAvailable:        true,
		IsQuotaBased:       true,
		PlanClass:          registry.PlanCoding,
		RequestsUsed:       100 - percentage,
		RequestsAvailable:  100,
		RequestsPercentage: percentage,
		UsageUnit:          "Quota %",
		Description:        "test sample",
		FetchedAt:          fetchedAt,
		HTTPStatus:         200,
		ResponseLatencyMs:  120,
		Details: []provider.Detail{
			{Name: "5-Hour", Used: "30% used", DetailType: provider.DetailQuotaWindow, WindowKind: provider.WindowPrimary},
		},
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{
		"providers", "provider_history", "raw_snapshots",
		"reset_events", "settings", "push_subscriptions",
	} {
		var n int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("Table %q missing (n=%d, err=%v)", table, n, err)
		}
	}
	if !s.HasLatencyColumn() {
		t.Error("Latency column should exist on a fresh database")
	}

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestMigrationAddsLatencyColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Rebuild a generation-1 history table without the latency column.
	if _, err := s.db.Exec(`ALTER TABLE provider_history DROP COLUMN response_latency_ms`); err != nil {
		t.Fatalf("Drop column failed: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM schema_version; INSERT INTO schema_version (version) VALUES (1)`); err != nil {
		t.Fatalf("Downgrade version failed: %v", err)
	}
	s.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()
	if !reopened.HasLatencyColumn() {
		t.Error("Migration should add response_latency_ms")
	}
}

func TestAppendAndLatest(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	usages := []provider.Usage{
		sampleUsage("anthropic", 70, now.Add(-2*time.Minute)),
		sampleUsage("anthropic", 65, now.Add(-1*time.Minute)),
		sampleUsage("codex", 90, now),
	}
	if err := s.AppendHistory(usages); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	latest, err := s.LatestPerProvider(false)
	if err != nil {
		t.Fatalf("LatestPerProvider failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(latest))
	}
	if latest[0].ProviderID != "anthropic" || latest[0].RequestsPercentage != 65 {
		t.Errorf("anthropic latest = %+v", latest[0])
	}
	if latest[1].ProviderID != "codex" || latest[1].RequestsPercentage != 90 {
		t.Errorf("codex latest = %+v", latest[1])
	}

	row, err := s.LatestForProvider("Anthropic", true)
	if err != nil {
		t.Fatalf("LatestForProvider failed: %v", err)
	}
	if row.RequestsPercentage != 65 {
		t.Errorf("LatestForProvider percentage = %v", row.RequestsPercentage)
	}
	details := row.Details()
	if len(details) != 1 || details[0].WindowKind != provider.WindowPrimary {
		t.Errorf("Details round-trip = %+v", details)
	}

	if _, err := s.LatestForProvider("unknown", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLatestPerProviderIncludeInactive(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	good := sampleUsage("zai", 50, now.Add(-time.Minute))
	bad := sampleUsage("zai", 0, now)
	bad.IsAvailable = false
	bad.Description = "endpoint down"
	if err := s.AppendHistory([]provider.Usage{good, bad}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	// Default view holds the last good row across a transient outage.
	latest, err := s.LatestPerProvider(false)
	if err != nil {
		t.Fatalf("LatestPerProvider failed: %v", err)
	}
	if len(latest) != 1 || !latest[0].IsAvailable || latest[0].RequestsPercentage != 50 {
		t.Errorf("Stable view = %+v", latest)
	}

	all, err := s.LatestPerProvider(true)
	if err != nil {
		t.Fatalf("LatestPerProvider(true) failed: %v", err)
	}
	if len(all) != 1 || all[0].IsAvailable {
		t.Errorf("Inactive view = %+v", all)
	}
}

func TestHistoryByProvider(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	var usages []provider.Usage
	for i := 0; i < 5; i++ {
		usages = append(usages, sampleUsage("gemini", float64(50+i), now.Add(time.Duration(i)*time.Minute)))
	}
	if err := s.AppendHistory(usages); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	rows, err := s.HistoryByProvider("gemini", 3)
	if err != nil {
		t.Fatalf("HistoryByProvider failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	// Most recent first.
	if rows[0].RequestsPercentage != 54 || rows[2].RequestsPercentage != 52 {
		t.Errorf("Order wrong: %v, %v", rows[0].RequestsPercentage, rows[2].RequestsPercentage)
	}

	empty, err := s.HistoryEmpty()
	if err != nil {
		t.Fatalf("HistoryEmpty failed: %v", err)
	}
	if empty {
		t.Error("HistoryEmpty = true after inserts")
	}
}

func TestHistoryEmptyOnFreshDatabase(t *testing.T) {
	s := newTestStore(t)
	empty, err := s.HistoryEmpty()
	if err != nil {
		t.Fatalf("HistoryEmpty failed: %v", err)
	}
	if !empty {
		t.Error("HistoryEmpty = false on fresh database")
	}
}

func TestResetEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	events := []ResetEvent{
		{ProviderID: "anthropic", Timestamp: now.Add(-2 * time.Hour), PreviousPercentage: 15, NewPercentage: 98, ResetType: "Automatic"},
		{ProviderID: "codex", Timestamp: now.Add(-1 * time.Hour), PreviousPercentage: 10, NewPercentage: 95, ResetType: "Automatic"},
		{ProviderID: "old", Timestamp: now.Add(-50 * time.Hour), PreviousPercentage: 5, NewPercentage: 99, ResetType: "Automatic"},
	}
	for _, ev := range events {
		if err := s.StoreResetEvent(ev); err != nil {
			t.Fatalf("StoreResetEvent failed: %v", err)
		}
	}

	got, err := s.RecentResetEvents(24)
	if err != nil {
		t.Fatalf("RecentResetEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events in window, got %d", len(got))
	}
	// Ascending by timestamp.
	if got[0].ProviderID != "anthropic" || got[1].ProviderID != "codex" {
		t.Errorf("Order = %q, %q", got[0].ProviderID, got[1].ProviderID)
	}
	if got[0].PreviousPercentage != 15 || got[0].NewPercentage != 98 {
		t.Errorf("Event fields = %+v", got[0])
	}
}

func TestWindowSamplesChronological(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	var usages []provider.Usage
	for i := 0; i < 4; i++ {
		usages = append(usages, sampleUsage("zai", float64(80-i*10), now.Add(time.Duration(i-4)*time.Minute)))
	}
	if err := s.AppendHistory(usages); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	samples, err := s.WindowSamples([]string{"ZAI"}, 24, 10)
	if err != nil {
		t.Fatalf("WindowSamples failed: %v", err)
	}
	series := samples["zai"]
	if len(series) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(series))
	}
	for i := 1; i < len(series); i++ {
		if series[i].FetchedAt.Before(series[i-1].FetchedAt) {
			t.Fatal("Samples not in chronological order")
		}
	}
	if series[0].RequestsPercentage != 80 || series[3].RequestsPercentage != 50 {
		t.Errorf("Series = %v .. %v", series[0].RequestsPercentage, series[3].RequestsPercentage)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Setting("missing")
	if err != nil {
		t.Fatalf("Setting failed: %v", err)
	}
	if got != "" {
		t.Errorf("Missing setting = %q", got)
	}

	if err := s.SetSetting("vapid_public_key", "key-1"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting("vapid_public_key", "key-2"); err != nil {
		t.Fatalf("SetSetting update failed: %v", err)
	}
	got, _ = s.Setting("vapid_public_key")
	if got != "key-2" {
		t.Errorf("Setting = %q, want key-2", got)
	}
}

func TestPushSubscriptions(t *testing.T) {
	s := newTestStore(t)

	sub := PushSubscription{Endpoint: "https://push.example/ep1", P256dh: "p1", Auth: "a1"}
	if err := s.SavePushSubscription(sub); err != nil {
		t.Fatalf("SavePushSubscription failed: %v", err)
	}
	// Same endpoint upserts rather than duplicating.
	sub.P256dh = "p2"
	if err := s.SavePushSubscription(sub); err != nil {
		t.Fatalf("SavePushSubscription upsert failed: %v", err)
	}

	subs, err := s.PushSubscriptions()
	if err != nil {
		t.Fatalf("PushSubscriptions failed: %v", err)
	}
	if len(subs) != 1 || subs[0].P256dh != "p2" {
		t.Errorf("Subscriptions = %+v", subs)
	}

	if err := s.DeletePushSubscription("https://push.example/ep1"); err != nil {
		t.Fatalf("DeletePushSubscription failed: %v", err)
	}
	subs, _ = s.PushSubscriptions()
	if len(subs) != 0 {
		t.Errorf("Expected no subscriptions after delete, got %d", len(subs))
	}
}

func TestUpsertProviderAndCleanup(t *testing.T) {
	s := newTestStore(t)

	cfg := config.ProviderConfig{ProviderID: "Anthropic", Type: "quota-based", EnableNotifications: true}
	if err := s.UpsertProvider(cfg, "Claude"); err != nil {
		t.Fatalf("UpsertProvider failed: %v", err)
	}
	ok, err := s.HasProvider("anthropic")
	if err != nil || !ok {
		t.Errorf("HasProvider = %v, %v", ok, err)
	}

	old := sampleUsage("anthropic", 50, time.Now().UTC().Add(-100*24*time.Hour))
	fresh := sampleUsage("anthropic", 60, time.Now().UTC())
	if err := s.AppendHistory([]provider.Usage{old, fresh}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	rows, err := s.HistoryByProvider("anthropic", 10)
	if err != nil {
		t.Fatalf("HistoryByProvider failed: %v", err)
	}
	if len(rows) != 1 || rows[0].RequestsPercentage != 60 {
		t.Errorf("Rows after cleanup = %+v", rows)
	}
	if err := s.Optimize(); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
}
