// Package provider defines the normalized usage model and the per-service
// probes that produce it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// Custom errors shared across probes.
var (
	ErrNoCredentials    = errors.New("provider: no credentials configured")
	ErrDetailContract   = errors.New("provider: detail contract violation")
	ErrInvalidChildID   = errors.New("provider: child id does not match parent")
	ErrEmptyProbeResult = errors.New("provider: probe returned no usages")
)

// DetailType classifies a usage detail row.
type DetailType string

const (
	DetailUnknown     DetailType = ""
	DetailQuotaWindow DetailType = "quota_window"
	DetailCredit      DetailType = "credit"
	DetailModel       DetailType = "model"
	DetailOther       DetailType = "other"
)

// WindowKind identifies which quota window a detail belongs to.
type WindowKind string

const (
	WindowNone      WindowKind = "none"
	WindowPrimary   WindowKind = "primary"
	WindowSecondary WindowKind = "secondary"
	WindowSpark     WindowKind = "spark"
)

// Detail is one nested row inside a Usage: a quota window, a credit
// balance, or a per-model breakdown.
type Detail struct {
	Name          string     `json:"name"`
	Used          string     `json:"used"`
	Description   string     `json:"description,omitempty"`
	ModelName     string     `json:"model_name,omitempty"`
	GroupName     string     `json:"group_name,omitempty"`
	NextResetTime *time.Time `json:"next_reset_time,omitempty"`
	DetailType    DetailType `json:"detail_type"`
	WindowKind    WindowKind `json:"window_kind"`
}

// Usage is one normalized refresh result for a provider (or one of its
// children). For quota-based providers RequestsPercentage is the remaining
// percent; for usage-based providers it is the percent used.
type Usage struct {
	ProviderID         string     `json:"provider_id"`
	ProviderName       string     `json:"provider_name"`
	IsAvailable        bool       `json:"is_available"`
	IsQuotaBased       bool       `json:"is_quota_based"`
	PlanClass          registry.PlanClass `json:"plan_class"`
	RequestsUsed       float64    `json:"requests_used"`
	RequestsAvailable  float64    `json:"requests_available"`
	RequestsPercentage float64    `json:"requests_percentage"`
	UsageUnit          string     `json:"usage_unit,omitempty"`
	CostUsed           float64    `json:"cost_used,omitempty"`
	CostLimit          float64    `json:"cost_limit,omitempty"`
	Description        string     `json:"description,omitempty"`
	AccountName        string     `json:"account_name,omitempty"`
	AuthSource         string     `json:"auth_source,omitempty"`
	NextResetTime      *time.Time `json:"next_reset_time,omitempty"`
	FetchedAt          time.Time  `json:"fetched_at"`
	HTTPStatus         int        `json:"http_status"`
	RawJSON            string     `json:"-"`
	ResponseLatencyMs  int64      `json:"response_latency_ms"`
	Details            []Detail   `json:"details,omitempty"`
}

// Probe is the per-provider adapter. Probe never returns an error: failures
// are reported as a single unavailable Usage with a human description, and
// HTTPStatus/ResponseLatencyMs are populated on every outcome (status 0 when
// the remote endpoint was never reached).
type Probe interface {
	ProviderID() string
	Definition() registry.Definition
	Probe(ctx context.Context, cfg config.ProviderConfig) []Usage
}

// ValidateDetails enforces the detail contract on an emitted Usage:
// quota-window details must name a window, every other detail type must not,
// and displayable details need a non-empty name. Callers downgrade the whole
// Usage to unavailable on violation.
func ValidateDetails(u Usage) error {
	for i, d := range u.Details {
		if d.Name == "" {
			return fmt.Errorf("%w: detail %d has empty name", ErrDetailContract, i)
		}
		switch d.DetailType {
		case DetailQuotaWindow:
			if d.WindowKind == WindowNone || d.WindowKind == "" {
				return fmt.Errorf("%w: quota window detail %q has no window kind", ErrDetailContract, d.Name)
			}
		case DetailCredit, DetailModel, DetailOther:
			if d.WindowKind != WindowNone && d.WindowKind != "" {
				return fmt.Errorf("%w: %s detail %q must not name a window", ErrDetailContract, d.DetailType, d.Name)
			}
		default:
			return fmt.Errorf("%w: detail %q has unknown type", ErrDetailContract, d.Name)
		}
	}
	return nil
}

// ValidateChildID checks that a child usage id belongs to its parent: either
// "parent.slug" or a user-declared model alias from the parent's config.
func ValidateChildID(parentID, childID string, cfg config.ProviderConfig) error {
	if strings.HasPrefix(strings.ToLower(childID), strings.ToLower(parentID)+".") {
		return nil
	}
	for aliasID := range cfg.Models {
		if strings.EqualFold(aliasID, childID) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not a child of %q", ErrInvalidChildID, childID, parentID)
}

// Unavailable builds the single failure Usage a probe returns when it could
// not produce data. httpStatus is 0 when the remote endpoint was never
// reached.
func Unavailable(def registry.Definition, description string, httpStatus int, latency time.Duration) Usage {
	return Usage{
		ProviderID:        def.ProviderID,
		ProviderName:      def.DisplayName,
		IsAvailable:       false,
		IsQuotaBased:      def.IsQuotaBased,
		PlanClass:         def.PlanClass,
		Description:       description,
		FetchedAt:         time.Now().UTC(),
		HTTPStatus:        httpStatus,
		ResponseLatencyMs: latency.Milliseconds(),
	}
}

// Downgrade converts a Usage that violated the detail contract into an
// unavailable result carrying the violation message. History rows are not
// written for downgraded usages.
func Downgrade(u Usage, err error) Usage {
	return Usage{
		ProviderID:        u.ProviderID,
		ProviderName:      u.ProviderName,
		IsAvailable:       false,
		IsQuotaBased:      u.IsQuotaBased,
		PlanClass:         u.PlanClass,
		Description:       fmt.Sprintf("invalid probe output: %v", err),
		AccountName:       u.AccountName,
		AuthSource:        u.AuthSource,
		FetchedAt:         u.FetchedAt,
		HTTPStatus:        u.HTTPStatus,
		ResponseLatencyMs: u.ResponseLatencyMs,
	}
}

// IsDegenerate reports whether a result carries no information at all:
// unavailable with every numeric field zero and no description. The refresh
// pipeline drops these instead of recording them.
func IsDegenerate(u Usage) bool {
	return !u.IsAvailable &&
		u.RequestsUsed == 0 && u.RequestsAvailable == 0 && u.RequestsPercentage == 0 &&
		u.CostUsed == 0 && u.CostLimit == 0 &&
		u.Description == ""
}

// ClampPercent bounds a percentage into [0, 100].
func ClampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
