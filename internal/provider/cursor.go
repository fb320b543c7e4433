package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/registry"
)

// ErrCursorCLINotFound indicates the cursor-agent binary is not on PATH.
var ErrCursorCLINotFound = errors.New("cursor: cli not found")

// ansiEscape matches terminal escape sequences in CLI output.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// cursorFieldPatterns extract labeled numeric fields from the CLI's status
// output. The CLI prints human text, so each pattern tolerates surrounding
// prose and thousands separators.
var (
	cursorRequestsPattern = regexp.MustCompile(`(?i)requests?\s*(?:used)?\s*[:\s]\s*([\d,]+)\s*(?:/|of)\s*([\d,]+)`)
	cursorPercentPattern  = regexp.MustCompile(`(?i)([\d.]+)\s*%\s*(?:used|of)`)
	cursorPlanPattern     = regexp.MustCompile(`(?i)plan\s*[:\s]\s*([A-Za-z][A-Za-z0-9 +-]*)`)
	cursorEmailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// CursorProbe tracks Cursor plan usage by scraping the cursor-agent CLI,
// which is the only local surface the vendor exposes.
type CursorProbe struct {
	def     registry.Definition
	binary  string
	args    []string
	timeout time.Duration
	logger  *slog.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, binary string, args ...string) ([]byte, error)
}

// CursorOption configures a CursorProbe.
type CursorOption func(*CursorProbe)

// WithCursorBinary sets a custom CLI binary path.
func WithCursorBinary(binary string) CursorOption {
	return func(p *CursorProbe) { p.binary = binary }
}

// WithCursorRunner replaces the CLI execution function (for testing).
func WithCursorRunner(run func(ctx context.Context, binary string, args ...string) ([]byte, error)) CursorOption {
	return func(p *CursorProbe) { p.runCommand = run }
}

// NewCursorProbe creates the Cursor CLI-scrape probe.
func NewCursorProbe(def registry.Definition, logger *slog.Logger, opts ...CursorOption) *CursorProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &CursorProbe{
		def:     def,
		binary:  "cursor-agent",
		args:    []string{"status"},
		timeout: 8 * time.Second,
		logger:  logger,
	}
	p.runCommand = func(ctx context.Context, binary string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		return out.Bytes(), err
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProviderID implements Probe.
func (p *CursorProbe) ProviderID() string { return p.def.ProviderID }

// Definition implements Probe.
func (p *CursorProbe) Definition() registry.Definition { return p.def }

// Probe implements Probe: run the CLI with a deadline, strip escape
// sequences, and regex-extract the labeled usage fields. A configured
// provider whose CLI cannot be read still reports as available with a
// descriptive message, so the UI shows "configured but not readable"
// instead of dropping the row.
func (p *CursorProbe) Probe(ctx context.Context, cfg config.ProviderConfig) []Usage {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.runCommand(runCtx, p.binary, p.args...)
	latency := time.Since(start)
	text := stripANSI(string(output))

	if err != nil {
		if cfg.APIKey != "" {
			u := p.baseUsage(cfg, latency)
			u.Description = fmt.Sprintf("Cursor configured but CLI not readable: %v", err)
			return []Usage{u}
		}
		u := Unavailable(p.def, fmt.Sprintf("cursor-agent CLI failed: %v", err), 0, latency)
		u.AuthSource = cfg.AuthSource
		return []Usage{u}
	}

	usage := p.baseUsage(cfg, latency)
	usage.RawJSON = ""

	if m := cursorEmailPattern.FindString(text); m != "" {
		usage.AccountName = m
	}
	if m := cursorPlanPattern.FindStringSubmatch(text); len(m) > 1 {
		usage.Description = strings.TrimSpace(m[1]) + " plan"
	}

	parsed := false
	if m := cursorRequestsPattern.FindStringSubmatch(text); len(m) > 2 {
		used := parseScrapedNumber(m[1])
		limit := parseScrapedNumber(m[2])
		if limit > 0 {
			usage.RequestsUsed = used
			usage.RequestsAvailable = limit
			usage.RequestsPercentage = ClampPercent((limit - used) / limit * 100)
			usage.UsageUnit = "Requests"
			parsed = true
		}
	}
	if !parsed {
		if m := cursorPercentPattern.FindStringSubmatch(text); len(m) > 1 {
			usedPct := parseScrapedNumber(m[1])
			usage.RequestsUsed = usedPct
			usage.RequestsAvailable = 100
			usage.RequestsPercentage = ClampPercent(100 - usedPct)
			usage.UsageUnit = "Quota %"
			parsed = true
		}
	}
	if !parsed {
		usage.Description = "Cursor CLI output not recognized; usage unknown"
	} else if usage.Description == "" {
		usage.Description = "Usage scraped from cursor-agent CLI"
	}
	return []Usage{usage}
}

func (p *CursorProbe) baseUsage(cfg config.ProviderConfig, latency time.Duration) Usage {
	return Usage{
		ProviderID:        p.def.ProviderID,
		ProviderName:      p.def.DisplayName,
		IsAvailable:       true,
		IsQuotaBased:      true,
		PlanClass:         p.def.PlanClass,
		UsageUnit:         "Quota %",
		AuthSource:        cfg.AuthSource,
		AccountName:       cfg.AccountName,
		FetchedAt:         time.Now().UTC(),
		ResponseLatencyMs: latency.Milliseconds(),
	}
}

// stripANSI removes terminal escape sequences from CLI output.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func parseScrapedNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
