// Package store provides SQLite persistence for providers, usage history,
// raw snapshots, and reset events.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/provider"
	"github.com/quotawatch/quotawatch/internal/registry"
	_ "modernc.org/sqlite"
)

// schemaVersion is the compiled schema generation; bump when migrations are
// added.
const schemaVersion = 2

// Retention windows for TTL trimming.
const (
	historyRetention  = 90 * 24 * time.Hour
	snapshotRetention = 7 * 24 * time.Hour
	resetRetention    = 180 * 24 * time.Hour
)

// ErrNotFound indicates a lookup matched no rows.
var ErrNotFound = errors.New("store: not found")

// HistoryRow is one persisted probe result: all usage fields flattened plus
// the serialized details list.
type HistoryRow struct {
	ID                 int64
	ProviderID         string
	ProviderName       string
	IsAvailable        bool
	IsQuotaBased       bool
	PlanClass          string
	RequestsUsed       float64
	RequestsAvailable  float64
	RequestsPercentage float64
	UsageUnit          string
	CostUsed           float64
	CostLimit          float64
	Description        string
	AccountName        string
	AuthSource         string
	NextResetTime      *time.Time
	FetchedAt          time.Time
	HTTPStatus         int
	ResponseLatencyMs  int64
	DetailsJSON        string
}

// Details decodes the serialized details list.
func (r HistoryRow) Details() []provider.Detail {
	if r.DetailsJSON == "" {
		return nil
	}
	var details []provider.Detail
	if err := json.Unmarshal([]byte(r.DetailsJSON), &details); err != nil {
		return nil
	}
	return details
}

// ResetEvent is one detected quota reset.
type ResetEvent struct {
	ID                 int64
	ProviderID         string
	Timestamp          time.Time
	PreviousPercentage float64
	NewPercentage      float64
	ResetType          string // "Automatic" | "Manual"
}

// PushSubscription is one registered web-push endpoint.
type PushSubscription struct {
	ID        int64
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// Store wraps the SQLite database. Writes are serialized through a process
// mutex; SQLite is single-writer anyway and busy_timeout handles the rest.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex

	indexOnce sync.Once

	// hasLatencyColumn tracks whether provider_history carries
	// response_latency_ms; older databases may not, and analytics queries
	// fall back to a zero-latency variant.
	hasLatencyColumn bool
}

// New opens (or creates) the database at dbPath and migrates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryBusy runs fn, retrying briefly on "database is locked" errors that
// escape the busy_timeout pragma.
func retryBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
	}
	return err
}

// UpsertProvider inserts or updates the provider row by id.
func (s *Store) UpsertProvider(cfg config.ProviderConfig, displayName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO providers (provider_id, display_name, type, auth_source, account_name, enable_notifications, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider_id) DO UPDATE SET
				display_name = excluded.display_name,
				type = excluded.type,
				auth_source = excluded.auth_source,
				account_name = excluded.account_name,
				enable_notifications = excluded.enable_notifications,
				updated_at = excluded.updated_at`,
			strings.ToLower(cfg.ProviderID), displayName, cfg.Type, cfg.AuthSource,
			cfg.AccountName, boolToInt(cfg.EnableNotifications), formatTime(time.Now().UTC()))
		return err
	})
}

// ProviderRow is one registered provider as persisted.
type ProviderRow struct {
	ProviderID          string
	DisplayName         string
	Type                string
	AuthSource          string
	AccountName         string
	EnableNotifications bool
	UpdatedAt           time.Time
}

// Provider returns the registered provider row by id, or ErrNotFound.
func (s *Store) Provider(providerID string) (ProviderRow, error) {
	var row ProviderRow
	var notif int
	var updated string
	err := s.db.QueryRow(`
		SELECT provider_id, display_name, type, auth_source, account_name, enable_notifications, updated_at
		FROM providers WHERE provider_id = ?`,
		strings.ToLower(providerID)).Scan(&row.ProviderID, &row.DisplayName,
		&row.Type, &row.AuthSource, &row.AccountName, &notif, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ProviderRow{}, ErrNotFound
	}
	if err != nil {
		return ProviderRow{}, fmt.Errorf("store: provider: %w", err)
	}
	row.EnableNotifications = notif != 0
	row.UpdatedAt = parseTime(updated)
	return row, nil
}

// HasProvider reports whether a provider row exists.
func (s *Store) HasProvider(providerID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM providers WHERE provider_id = ?`,
		strings.ToLower(providerID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has provider: %w", err)
	}
	return n > 0, nil
}

// AppendHistory batch-inserts probe results. FetchedAt defaults to the
// server clock at write time when the caller left it unset.
func (s *Store) AppendHistory(usages []provider.Usage) error {
	if len(usages) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO provider_history (
				provider_id, provider_name, is_available, is_quota_based, plan_class,
				requests_used, requests_available, requests_percentage, usage_unit,
				cost_used, cost_limit, description, account_name, auth_source,
				next_reset_time, fetched_at, http_status, response_latency_ms, details_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range usages {
			fetchedAt := u.FetchedAt
			if fetchedAt.IsZero() {
				fetchedAt = time.Now().UTC()
			}
			detailsJSON := ""
			if len(u.Details) > 0 {
				if encoded, err := json.Marshal(u.Details); err == nil {
					detailsJSON = string(encoded)
				}
			}
			if _, err := stmt.Exec(
				strings.ToLower(u.ProviderID), u.ProviderName,
				boolToInt(u.IsAvailable), boolToInt(u.IsQuotaBased), string(u.PlanClass),
				u.RequestsUsed, u.RequestsAvailable, u.RequestsPercentage, u.UsageUnit,
				u.CostUsed, u.CostLimit, u.Description, u.AccountName, u.AuthSource,
				formatNullableTime(u.NextResetTime), formatTime(fetchedAt),
				u.HTTPStatus, u.ResponseLatencyMs, detailsJSON,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// StoreRawSnapshot appends one raw payload for audit; trimmed by Cleanup.
func (s *Store) StoreRawSnapshot(providerID, rawJSON string, httpStatus int) error {
	if rawJSON == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO raw_snapshots (provider_id, captured_at, http_status, raw_json)
			VALUES (?, ?, ?, ?)`,
			strings.ToLower(providerID), formatTime(time.Now().UTC()), httpStatus, rawJSON)
		return err
	})
}

// StoreResetEvent appends one reset event.
func (s *Store) StoreResetEvent(ev ResetEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO reset_events (provider_id, timestamp, previous_percentage, new_percentage, reset_type)
			VALUES (?, ?, ?, ?, ?)`,
			strings.ToLower(ev.ProviderID), formatTime(ts),
			ev.PreviousPercentage, ev.NewPercentage, ev.ResetType)
		return err
	})
}

// LatestPerProvider returns the most recent row per provider id: the newest
// successful row by default, the newest row regardless of availability when
// includeInactive is set. This keeps the UI stable across transient outages.
func (s *Store) LatestPerProvider(includeInactive bool) ([]HistoryRow, error) {
	s.ensureIndexes()

	innerFilter := "WHERE is_available = 1"
	if includeInactive {
		innerFilter = ""
	}
	query := fmt.Sprintf(`
		SELECT %s FROM provider_history h
		JOIN (
			SELECT provider_id, MAX(id) AS max_id
			FROM provider_history %s
			GROUP BY provider_id
		) latest ON h.id = latest.max_id
		ORDER BY h.provider_id`,
		historyColumns("h"), innerFilter)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("store: latest per provider: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// LatestForProvider returns the newest row for one provider id.
func (s *Store) LatestForProvider(providerID string, includeInactive bool) (HistoryRow, error) {
	s.ensureIndexes()

	filter := "AND is_available = 1"
	if includeInactive {
		filter = ""
	}
	query := fmt.Sprintf(`
		SELECT %s FROM provider_history
		WHERE provider_id = ? %s
		ORDER BY fetched_at DESC, id DESC LIMIT 1`,
		historyColumns(""), filter)

	rows, err := s.db.Query(query, strings.ToLower(providerID))
	if err != nil {
		return HistoryRow{}, fmt.Errorf("store: latest for provider: %w", err)
	}
	defer rows.Close()

	out, err := scanHistoryRows(rows)
	if err != nil {
		return HistoryRow{}, err
	}
	if len(out) == 0 {
		return HistoryRow{}, ErrNotFound
	}
	return out[0], nil
}

// HistoryByProvider returns up to limit rows, most recent first.
func (s *Store) HistoryByProvider(providerID string, limit int) ([]HistoryRow, error) {
	s.ensureIndexes()
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s FROM provider_history
		WHERE provider_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, historyColumns(""))

	rows, err := s.db.Query(query, strings.ToLower(providerID), limit)
	if err != nil {
		return nil, fmt.Errorf("store: history by provider: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// RecentHistory returns up to limit rows across all providers, most recent
// first.
func (s *Store) RecentHistory(limit int) ([]HistoryRow, error) {
	s.ensureIndexes()
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s FROM provider_history
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, historyColumns(""))

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent history: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// HistoryEmpty reports whether any history rows exist at all. The scheduler
// uses this to decide between a cold-start full refresh and a warm start.
func (s *Store) HistoryEmpty() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM provider_history`).Scan(&n); err != nil {
		return false, fmt.Errorf("store: history empty: %w", err)
	}
	return n == 0, nil
}

// RecentResetEvents returns events within the lookback window, ascending by
// timestamp.
func (s *Store) RecentResetEvents(hours int) ([]ResetEvent, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.db.Query(`
		SELECT id, provider_id, timestamp, previous_percentage, new_percentage, reset_type
		FROM reset_events WHERE timestamp >= ? ORDER BY timestamp ASC`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("store: recent reset events: %w", err)
	}
	defer rows.Close()

	var events []ResetEvent
	for rows.Next() {
		var ev ResetEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ProviderID, &ts, &ev.PreviousPercentage, &ev.NewPercentage, &ev.ResetType); err != nil {
			return nil, err
		}
		ev.Timestamp = parseTime(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// WindowSamples returns a bounded per-provider sample window: the newest
// maxPerProvider rows within lookbackHours, emitted oldest-first so
// analytics can treat each slice as a chronological series.
func (s *Store) WindowSamples(providerIDs []string, lookbackHours, maxPerProvider int) (map[string][]HistoryRow, error) {
	s.ensureIndexes()
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	if maxPerProvider <= 0 {
		maxPerProvider = 500
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	out := make(map[string][]HistoryRow, len(providerIDs))
	query := fmt.Sprintf(`
		SELECT %s FROM provider_history
		WHERE provider_id = ? AND fetched_at >= ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, historyColumns(""))

	for _, id := range providerIDs {
		rows, err := s.db.Query(query, strings.ToLower(id), formatTime(cutoff), maxPerProvider)
		if err != nil {
			return nil, fmt.Errorf("store: window samples: %w", err)
		}
		sampled, err := scanHistoryRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		// Reverse into chronological order.
		for i, j := 0, len(sampled)-1; i < j; i, j = i+1, j-1 {
			sampled[i], sampled[j] = sampled[j], sampled[i]
		}
		out[strings.ToLower(id)] = sampled
	}
	return out, nil
}

// Cleanup trims rows past their retention windows. Safe after every cycle.
func (s *Store) Cleanup() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	trims := []struct {
		query  string
		cutoff time.Time
	}{
		{`DELETE FROM provider_history WHERE fetched_at < ?`, now.Add(-historyRetention)},
		{`DELETE FROM raw_snapshots WHERE captured_at < ?`, now.Add(-snapshotRetention)},
		{`DELETE FROM reset_events WHERE timestamp < ?`, now.Add(-resetRetention)},
	}
	return retryBusy(func() error {
		for _, trim := range trims {
			if _, err := s.db.Exec(trim.query, formatTime(trim.cutoff)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Optimize runs engine compaction. Safe after every cycle.
func (s *Store) Optimize() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`PRAGMA optimize;`)
	return err
}

// Setting reads one settings value; empty string when absent.
func (s *Store) Setting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read setting: %w", err)
	}
	return value, nil
}

// SetSetting writes one settings value.
func (s *Store) SetSetting(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// SavePushSubscription registers a web-push endpoint, replacing any
// previous registration of the same endpoint.
func (s *Store) SavePushSubscription(sub PushSubscription) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO push_subscriptions (endpoint, p256dh, auth, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(endpoint) DO UPDATE SET
				p256dh = excluded.p256dh,
				auth = excluded.auth`,
			sub.Endpoint, sub.P256dh, sub.Auth, formatTime(time.Now().UTC()))
		return err
	})
}

// PushSubscriptions returns every registered endpoint.
func (s *Store) PushSubscriptions() ([]PushSubscription, error) {
	rows, err := s.db.Query(`SELECT id, endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		var created string
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = parseTime(created)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeletePushSubscription removes one endpoint.
func (s *Store) DeletePushSubscription(endpoint string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
		return err
	})
}

// ensureIndexes lazily creates the analytics indexes on first query.
func (s *Store) ensureIndexes() {
	s.indexOnce.Do(func() {
		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_history_provider ON provider_history(provider_id);`,
			`CREATE INDEX IF NOT EXISTS idx_history_fetched ON provider_history(fetched_at);`,
			`CREATE INDEX IF NOT EXISTS idx_history_provider_fetched ON provider_history(provider_id, fetched_at);`,
			`CREATE INDEX IF NOT EXISTS idx_resets_timestamp ON reset_events(timestamp);`,
		}
		for _, idx := range indexes {
			s.db.Exec(idx)
		}
	})
}

// HasLatencyColumn reports whether the latency column exists; analytics uses
// a zero-latency SQL variant otherwise.
func (s *Store) HasLatencyColumn() bool {
	return s.hasLatencyColumn
}

func historyColumns(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	cols := []string{
		"id", "provider_id", "provider_name", "is_available", "is_quota_based",
		"plan_class", "requests_used", "requests_available", "requests_percentage",
		"usage_unit", "cost_used", "cost_limit", "description", "account_name",
		"auth_source", "next_reset_time", "fetched_at", "http_status",
		"response_latency_ms", "details_json",
	}
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

func scanHistoryRows(rows *sql.Rows) ([]HistoryRow, error) {
	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var isAvailable, isQuotaBased int
		var nextReset sql.NullString
		var fetchedAt string
		if err := rows.Scan(
			&r.ID, &r.ProviderID, &r.ProviderName, &isAvailable, &isQuotaBased,
			&r.PlanClass, &r.RequestsUsed, &r.RequestsAvailable, &r.RequestsPercentage,
			&r.UsageUnit, &r.CostUsed, &r.CostLimit, &r.Description, &r.AccountName,
			&r.AuthSource, &nextReset, &fetchedAt, &r.HTTPStatus,
			&r.ResponseLatencyMs, &r.DetailsJSON,
		); err != nil {
			return nil, err
		}
		r.IsAvailable = isAvailable != 0
		r.IsQuotaBased = isQuotaBased != 0
		r.FetchedAt = parseTime(fetchedAt)
		if nextReset.Valid && nextReset.String != "" {
			t := parseTime(nextReset.String)
			r.NextResetTime = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Usage converts a history row back into the transient usage model.
func (r HistoryRow) Usage() provider.Usage {
	return provider.Usage{
		ProviderID:         r.ProviderID,
		ProviderName:       r.ProviderName,
		IsAvailable:        r.IsAvailable,
		IsQuotaBased:       r.IsQuotaBased,
		PlanClass:          planClass(r.PlanClass),
		RequestsUsed:       r.RequestsUsed,
		RequestsAvailable:  r.RequestsAvailable,
		RequestsPercentage: r.RequestsPercentage,
		UsageUnit:          r.UsageUnit,
		CostUsed:           r.CostUsed,
		CostLimit:          r.CostLimit,
		Description:        r.Description,
		AccountName:        r.AccountName,
		AuthSource:         r.AuthSource,
		NextResetTime:      r.NextResetTime,
		FetchedAt:          r.FetchedAt,
		HTTPStatus:         r.HTTPStatus,
		ResponseLatencyMs:  r.ResponseLatencyMs,
		Details:            r.Details(),
	}
}

func planClass(s string) registry.PlanClass {
	switch s {
	case string(registry.PlanUsage):
		return registry.PlanUsage
	default:
		return registry.PlanCoding
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
