package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	gonet "github.com/shirou/gopsutil/v4/net"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

// Custom errors for companion app discovery.
var (
	ErrCompanionNotRunning = errors.New("companion: process not found")
	ErrCompanionNoPort     = errors.New("companion: no listening port found")
)

// CompanionProcess describes a discovered local companion app: the vendor
// process that serves usage data on a loopback port.
type CompanionProcess struct {
	PID         int32
	CSRFToken   string
	ServerPort  int
	CommandLine string
}

// Ports returns the candidate ports to probe, most specific first: the port
// announced on the command line, then every TCP port the process listens on.
func (cp *CompanionProcess) Ports(ctx context.Context) []int {
	var ports []int
	if cp.ServerPort > 0 {
		ports = append(ports, cp.ServerPort)
	}

	conns, err := gonet.ConnectionsPidWithContext(ctx, "tcp", cp.PID)
	if err != nil {
		return ports
	}
	var listening []int
	for _, conn := range conns {
		if conn.Status != "LISTEN" {
			continue
		}
		port := int(conn.Laddr.Port)
		if port == cp.ServerPort || port == 0 {
			continue
		}
		listening = append(listening, port)
	}
	sort.Ints(listening)
	return append(ports, listening...)
}

// FindCompanionProcess scans the process table for a command line matching
// nameHint and carrying language-server style arguments. Discovery never
// touches the network.
func FindCompanionProcess(ctx context.Context, nameHint string) (*CompanionProcess, error) {
	procs, err := goprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("companion: list processes: %w", err)
	}

	hint := strings.ToLower(nameHint)
	var best *CompanionProcess
	bestScore := -1

	for _, proc := range procs {
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		lower := strings.ToLower(cmdline)
		if !strings.Contains(lower, hint) {
			continue
		}
		if strings.Contains(lower, "installation script") {
			continue
		}

		candidate := &CompanionProcess{
			PID:         proc.Pid,
			CSRFToken:   extractFlag(cmdline, "--csrf_token"),
			ServerPort:  extractPortFlag(cmdline, "--extension_server_port"),
			CommandLine: cmdline,
		}
		score := scoreCompanionCandidate(candidate)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}

	if best == nil {
		return nil, ErrCompanionNotRunning
	}
	return best, nil
}

// scoreCompanionCandidate ranks process-table matches; the language server
// carries a CSRF token and a server port, helper processes do not.
func scoreCompanionCandidate(cp *CompanionProcess) int {
	lower := strings.ToLower(cp.CommandLine)
	score := 0
	if cp.ServerPort > 0 {
		score += 10
	}
	if cp.CSRFToken != "" {
		score += 20
	}
	if strings.Contains(lower, "language_server") || strings.Contains(lower, "language-server") {
		score += 50
	}
	return score
}

// extractFlag pulls a flag value from a command line, accepting both
// `--flag=value` and `--flag value` forms with optional quoting.
func extractFlag(commandLine, flag string) string {
	eqPattern := regexp.MustCompile(regexp.QuoteMeta(flag) + `=([^\s"']+|"[^"]*"|'[^']*')`)
	if match := eqPattern.FindStringSubmatch(commandLine); len(match) > 1 {
		return strings.Trim(match[1], `"'`)
	}
	spacePattern := regexp.MustCompile(regexp.QuoteMeta(flag) + `\s+([^\s"']+|"[^"]*"|'[^']*')`)
	if match := spacePattern.FindStringSubmatch(commandLine); len(match) > 1 {
		return strings.Trim(match[1], `"'`)
	}
	return ""
}

func extractPortFlag(commandLine, flag string) int {
	raw := extractFlag(commandLine, flag)
	if raw == "" {
		return 0
	}
	port, _ := strconv.Atoi(raw)
	return port
}
