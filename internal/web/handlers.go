package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quotawatch/quotawatch/internal/analytics"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/provider"
	"github.com/quotawatch/quotawatch/internal/store"
)

// analyticsLookbackHours bounds the sample window fed to the analytics
// functions.
const analyticsLookbackHours = 7 * 24

// router assembles the API surface. The listener is loopback-only, so CORS
// can be permissive: browser dashboards on any origin may talk to the agent.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/diagnostics", s.handleDiagnostics)

		r.Get("/usage", s.handleUsage)
		r.Get("/usage/{providerId}", s.handleUsageOne)
		// Pre-contract alias kept for older front-ends.
		r.Get("/current", s.handleCurrent)

		r.Post("/refresh", s.handleRefresh)
		r.Post("/scan-keys", s.handleScanKeys)

		r.Get("/config", s.handleConfigGet)
		r.Post("/config", s.handleConfigUpsert)
		r.Delete("/config/{providerId}", s.handleConfigDelete)
		r.Get("/preferences", s.handlePreferencesGet)
		r.Post("/preferences", s.handlePreferencesSet)

		r.Get("/history", s.handleHistoryAll)
		r.Get("/history/{providerId}", s.handleHistoryOne)
		r.Get("/resets", s.handleResets)
		r.Get("/resets/{providerId}", s.handleResets)

		r.Get("/analytics/{providerId}", s.handleAnalytics)

		r.Post("/notifications/test", s.handleNotificationsTest)
		r.Post("/notifications/subscribe", s.handleSubscribe)
		r.Delete("/notifications/subscribe", s.handleUnsubscribe)
		r.Get("/notifications/vapid-public-key", s.handleVAPIDPublicKey)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"port":                 s.port,
		"process_id":           os.Getpid(),
		"agent_version":        AgentVersion,
		"api_contract_version": APIContractVersion,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"port":             s.port,
		"process_id":       os.Getpid(),
		"started_at":       s.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"agent_version":    AgentVersion,
		"data_dir":         s.cfg.DataDir,
		"db_path":          s.cfg.DBPath,
		"config_path":      s.cfg.ConfigPath,
		"refresh_interval": s.cfg.RefreshInterval.String(),
		"debug_mode":       s.cfg.DebugMode,
		"scheduler":        s.sched.Telemetry(),
		"runtime":          runtimeDescription(),
		"endpoints": []string{
			"/api/health", "/api/diagnostics",
			"/api/usage", "/api/usage/{providerId}",
			"/api/refresh", "/api/scan-keys",
			"/api/config", "/api/config/{providerId}", "/api/preferences",
			"/api/history", "/api/history/{providerId}",
			"/api/resets", "/api/resets/{providerId}",
			"/api/analytics/{providerId}",
			"/api/notifications/test", "/api/notifications/subscribe",
			"/api/notifications/vapid-public-key",
		},
	})
}

// mergedUsage combines the newest persisted row per provider with the
// scheduler's in-memory results. The overlay wins on conflict and contributes
// rows that never reached history, such as probe output rejected for a
// malformed details list.
func (s *Server) mergedUsage(includeInactive bool) ([]provider.Usage, error) {
	rows, err := s.usage.LatestPerProvider(includeInactive)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]provider.Usage, len(rows))
	for _, row := range rows {
		merged[strings.ToLower(row.ProviderID)] = row.Usage()
	}
	for id, u := range s.sched.LastResults() {
		if !u.IsAvailable && !includeInactive {
			// Unavailable overlay rows still surface when they carry a
			// description: the front-end needs to show why a provider
			// dropped out.
			if u.Description == "" {
				continue
			}
		}
		merged[id] = u
	}

	out := make([]provider.Usage, 0, len(merged))
	for _, u := range merged {
		out = append(out, s.applyPrivacy(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// applyPrivacy blanks account identity when privacy mode is on.
func (s *Server) applyPrivacy(u provider.Usage) provider.Usage {
	if s.configs.Preferences().PrivacyMode {
		u.AccountName = config.MaskSecret(u.AccountName)
	}
	return u
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("includeInactive") == "true"
	usages, err := s.mergedUsage(includeInactive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usages)
}

func (s *Server) handleUsageOne(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "providerId"))

	if u, ok := s.sched.LastResults()[id]; ok {
		writeJSON(w, http.StatusOK, s.applyPrivacy(u))
		return
	}

	row, err := s.usage.LatestForProvider(id, true)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no usage recorded for provider "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.applyPrivacy(row.Usage()))
}

// handleCurrent is the deprecated alias of /api/usage, kept for one sunset
// year. New clients should move to /api/usage.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Sunset", "Sat, 01 May 2027 00:00:00 GMT")
	w.Header().Set("Link", `</api/usage>; rel="successor-version"`)

	usages, err := s.mergedUsage(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usages)
}

type refreshRequest struct {
	ForceAll    bool     `json:"force_all"`
	ProviderIDs []string `json:"provider_ids"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		// Empty body means "refresh whatever is active".
		json.NewDecoder(r.Body).Decode(&req)
	}

	if !s.sched.TriggerRefresh(req.ForceAll, req.ProviderIDs) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message": "refresh already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "refresh started",
	})
}

func (s *Server) handleScanKeys(w http.ResponseWriter, r *http.Request) {
	discovered := s.discover()
	added, err := s.configs.MergeDiscovered(discovered)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sched.TriggerRefresh(true, nil)
	s.logger.Info("Credential scan complete", "discovered", len(discovered), "added", added)

	writeJSON(w, http.StatusOK, map[string]any{
		"discovered": len(discovered),
		"configs":    s.maskedConfigs(),
	})
}

// maskedConfigs returns every provider config with its secret masked. Raw
// keys never leave the agent.
func (s *Server) maskedConfigs() []config.ProviderConfig {
	configs := s.configs.List()
	for i := range configs {
		configs[i].APIKey = config.MaskSecret(configs[i].APIKey)
	}
	return configs
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.maskedConfigs())
}

func (s *Server) handleConfigUpsert(w http.ResponseWriter, r *http.Request) {
	var pc config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider config: "+err.Error())
		return
	}
	if strings.TrimSpace(pc.ProviderID) == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	def, ok := s.registry.Find(pc.ProviderID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider: "+pc.ProviderID)
		return
	}
	pc.ProviderID = def.ProviderID

	// A masked key posted back unchanged means "keep the stored secret".
	if existing, ok := s.configs.Get(pc.ProviderID); ok &&
		pc.APIKey == config.MaskSecret(existing.APIKey) {
		pc.APIKey = existing.APIKey
	}

	if err := s.configs.Upsert(pc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.usage.UpsertProvider(pc, def.DisplayName); err != nil {
		s.logger.Warn("Provider row upsert failed", "provider", pc.ProviderID, "error", err)
	}
	s.sched.TriggerRefresh(false, []string{pc.ProviderID})

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "provider " + pc.ProviderID + " saved",
	})
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "providerId")
	if err := s.configs.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "provider " + id + " removed",
	})
}

func (s *Server) handlePreferencesGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configs.Preferences())
}

func (s *Server) handlePreferencesSet(w http.ResponseWriter, r *http.Request) {
	var prefs config.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid preferences: "+err.Error())
		return
	}
	if err := s.configs.SetPreferences(prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.configs.Preferences())
}

// historyEntry is the wire shape for one persisted sample.
type historyEntry struct {
	ProviderID         string            `json:"provider_id"`
	IsAvailable        bool              `json:"is_available"`
	RequestsUsed       float64           `json:"requests_used"`
	RequestsAvailable  float64           `json:"requests_available"`
	RequestsPercentage float64           `json:"requests_percentage"`
	CostUsed           float64           `json:"cost_used"`
	NextResetTime      *time.Time        `json:"next_reset_time,omitempty"`
	FetchedAt          time.Time         `json:"fetched_at"`
	HTTPStatus         int               `json:"http_status,omitempty"`
	ResponseLatencyMs  int64             `json:"response_latency_ms"`
	Details            []provider.Detail `json:"details,omitempty"`
}

func toHistoryEntries(rows []store.HistoryRow) []historyEntry {
	out := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyEntry{
			ProviderID:         row.ProviderID,
			IsAvailable:        row.IsAvailable,
			RequestsUsed:       row.RequestsUsed,
			RequestsAvailable:  row.RequestsAvailable,
			RequestsPercentage: row.RequestsPercentage,
			CostUsed:           row.CostUsed,
			NextResetTime:      row.NextResetTime,
			FetchedAt:          row.FetchedAt,
			HTTPStatus:         row.HTTPStatus,
			ResponseLatencyMs:  row.ResponseLatencyMs,
			Details:            row.Details(),
		})
	}
	return out
}

func queryInt(r *http.Request, key, alt string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" && alt != "" {
		raw = r.URL.Query().Get(alt)
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func (s *Server) handleHistoryAll(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", "", 100)

	rows, err := s.usage.RecentHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toHistoryEntries(rows))
}

func (s *Server) handleHistoryOne(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "providerId"))
	limit := queryInt(r, "limit", "", 100)

	rows, err := s.usage.HistoryByProvider(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no history recorded for provider "+id)
		return
	}
	// HistoryByProvider returns newest-first; charts want chronological.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	writeJSON(w, http.StatusOK, toHistoryEntries(rows))
}

// resetEntry is the wire shape for one recorded quota reset.
type resetEntry struct {
	ProviderID         string    `json:"provider_id"`
	Timestamp          time.Time `json:"timestamp"`
	PreviousPercentage float64   `json:"previous_percentage"`
	NewPercentage      float64   `json:"new_percentage"`
	ResetType          string    `json:"reset_type"`
}

// handleResets serves recent reset events, optionally scoped to one
// provider via the path parameter. limit keeps the most recent N.
func (s *Server) handleResets(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", "lookbackHours", 7*24)
	limit := queryInt(r, "limit", "", 100)
	id := strings.ToLower(chi.URLParam(r, "providerId"))

	events, err := s.usage.RecentResetEvents(hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]resetEntry, 0, len(events))
	for _, ev := range events {
		if id != "" && strings.ToLower(ev.ProviderID) != id {
			continue
		}
		out = append(out, resetEntry{
			ProviderID:         ev.ProviderID,
			Timestamp:          ev.Timestamp,
			PreviousPercentage: ev.PreviousPercentage,
			NewPercentage:      ev.NewPercentage,
			ResetType:          ev.ResetType,
		})
	}
	// Events arrive ascending; trimming from the front keeps the newest.
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "providerId"))
	hours := queryInt(r, "hours", "", analyticsLookbackHours)
	limit := queryInt(r, "limit", "", 500)

	samples, err := s.usage.WindowSamples([]string{id}, hours, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows := samples[id]
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no history recorded for provider "+id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id":    id,
		"lookback_hours": hours,
		"sample_count":   len(rows),
		"burn_rate":      analytics.BurnRate(rows),
		"reliability":    analytics.Reliability(rows),
		"anomaly":        analytics.Anomaly(rows),
	})
}

func (s *Server) handleNotificationsTest(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications are disabled")
		return
	}
	if err := s.notifier.Test(); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "test notification sent"})
}

// subscribeRequest matches the browser PushSubscription.toJSON() shape.
type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription: "+err.Error())
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription requires endpoint, p256dh and auth")
		return
	}
	sub := store.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := s.usage.SavePushSubscription(sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "unsubscribe requires an endpoint")
		return
	}
	if err := s.usage.DeletePushSubscription(req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unsubscribed"})
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.usage.Setting("vapid_public_key")
	if err != nil || key == "" {
		writeError(w, http.StatusNotFound, "push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}
