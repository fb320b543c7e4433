// Package analytics derives reset detection, burn-rate forecasts,
// reliability, and anomaly snapshots from usage history. Every function is
// pure over a chronological sample slice and returns either a valid snapshot
// or one marked unavailable with a reason; none of them panic.
package analytics

import (
	"math"
	"time"

	"github.com/quotawatch/quotawatch/internal/store"
)

// Reset detection thresholds.
const (
	ResetHigh = 80.0
	ResetLow  = 20.0
)

// anomalySigmas is the default k in the mean + k·sigma anomaly rule.
const anomalySigmas = 3.0

// BurnRateForecast projects when a quota window will be exhausted.
type BurnRateForecast struct {
	Available       bool       `json:"available"`
	Reason          string     `json:"reason,omitempty"`
	UsedFractionNow float64    `json:"used_fraction_now"`
	SlopePerHour    float64    `json:"slope_per_hour"`
	ExhaustionETA   *time.Time `json:"exhaustion_eta,omitempty"`
	SampleCount     int        `json:"sample_count"`
}

// ReliabilitySnapshot summarizes probe health over a window.
type ReliabilitySnapshot struct {
	Available          bool       `json:"available"`
	Reason             string     `json:"reason,omitempty"`
	FailureRatio       float64    `json:"failure_ratio"`
	AvgLatencyMs       float64    `json:"avg_latency_ms"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	SampleCount        int        `json:"sample_count"`
}

// AnomalySnapshot flags unusual jumps in consumption.
type AnomalySnapshot struct {
	Available   bool    `json:"available"`
	Reason      string  `json:"reason,omitempty"`
	MeanDelta   float64 `json:"mean_delta"`
	StdDevDelta float64 `json:"std_dev_delta"`
	LatestDelta float64 `json:"latest_delta"`
	IsAnomalous bool    `json:"is_anomalous"`
	SampleCount int     `json:"sample_count"`
}

// ResetDetected reports whether the last two samples show a quota reset.
// Polarity depends on the provider: for usage-based providers the percentage
// means percent used, so a reset is a fall from high to low; for quota-based
// providers it means percent remaining, so a reset is a jump from low to
// high.
func ResetDetected(previous, latest float64, isQuotaBased bool) bool {
	if isQuotaBased {
		return previous <= ResetLow && latest >= ResetHigh
	}
	return previous >= ResetHigh && latest <= ResetLow
}

// BurnRate fits a least-squares line to used-fraction over time and projects
// the crossing of 1.0.
func BurnRate(samples []store.HistoryRow) BurnRateForecast {
	points := usablePoints(samples)
	if len(points) < 2 {
		return BurnRateForecast{Reason: "not enough samples", SampleCount: len(points)}
	}

	// x in hours since the first sample, y the used fraction.
	t0 := points[0].t
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.t.Sub(t0).Hours()
		sumX += x
		sumY += p.y
		sumXY += x * p.y
		sumXX += x * x
	}
	n := float64(len(points))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return BurnRateForecast{Reason: "degenerate time axis", SampleCount: len(points)}
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	last := points[len(points)-1]
	forecast := BurnRateForecast{
		UsedFractionNow: last.y,
		SlopePerHour:    slope,
		SampleCount:     len(points),
	}
	if slope <= 0 {
		forecast.Reason = "usage not increasing"
		return forecast
	}

	hoursToFull := (1.0 - intercept) / slope
	eta := t0.Add(time.Duration(hoursToFull * float64(time.Hour)))
	if eta.Before(last.t) {
		eta = last.t
	}
	forecast.Available = true
	forecast.ExhaustionETA = &eta
	return forecast
}

// Reliability computes the failure ratio, average latency over available
// samples, and the last successful sync.
func Reliability(samples []store.HistoryRow) ReliabilitySnapshot {
	if len(samples) == 0 {
		return ReliabilitySnapshot{Reason: "no samples"}
	}

	failures := 0
	var latencySum float64
	latencyCount := 0
	var lastSuccess *time.Time
	for _, row := range samples {
		if !row.IsAvailable {
			failures++
			continue
		}
		latencySum += float64(row.ResponseLatencyMs)
		latencyCount++
		t := row.FetchedAt
		if lastSuccess == nil || t.After(*lastSuccess) {
			ts := t
			lastSuccess = &ts
		}
	}

	snap := ReliabilitySnapshot{
		Available:          true,
		FailureRatio:       float64(failures) / float64(len(samples)),
		LastSuccessfulSync: lastSuccess,
		SampleCount:        len(samples),
	}
	if latencyCount > 0 {
		snap.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	return snap
}

// Anomaly flags the most recent consumption delta when it exceeds
// mean + 3 sigma of the window's deltas.
func Anomaly(samples []store.HistoryRow) AnomalySnapshot {
	var deltas []float64
	var prev *store.HistoryRow
	for i := range samples {
		row := &samples[i]
		if !row.IsAvailable {
			continue
		}
		if prev != nil {
			deltas = append(deltas, row.RequestsUsed-prev.RequestsUsed)
		}
		prev = row
	}
	if len(deltas) < 3 {
		return AnomalySnapshot{Reason: "not enough samples", SampleCount: len(deltas)}
	}

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	mean := sum / float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(deltas)))

	latest := deltas[len(deltas)-1]
	return AnomalySnapshot{
		Available:   true,
		MeanDelta:   mean,
		StdDevDelta: stdDev,
		LatestDelta: latest,
		IsAnomalous: stdDev > 0 && latest > mean+anomalySigmas*stdDev,
		SampleCount: len(deltas),
	}
}

type point struct {
	t time.Time
	y float64
}

// usablePoints keeps available samples that carry a meaningful denominator.
func usablePoints(samples []store.HistoryRow) []point {
	var points []point
	for _, row := range samples {
		if !row.IsAvailable || row.RequestsAvailable <= 0 {
			continue
		}
		points = append(points, point{
			t: row.FetchedAt,
			y: row.RequestsUsed / row.RequestsAvailable,
		})
	}
	return points
}
