// Package web serves the loopback HTTP API consumed by desktop and browser
// front-ends.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/notify"
	"github.com/quotawatch/quotawatch/internal/registry"
	"github.com/quotawatch/quotawatch/internal/scheduler"
	"github.com/quotawatch/quotawatch/internal/store"
)

// Version metadata stamped at build time.
var (
	AgentVersion       = "dev"
	APIContractVersion = "1"
)

// portFallbackAttempts is how many ports past the preferred one are tried
// before asking the OS for an ephemeral port.
const portFallbackAttempts = 10

// ErrNoPort indicates every bind attempt failed.
var ErrNoPort = errors.New("web: no port available")

// Server is the loopback HTTP service.
type Server struct {
	cfg       *config.Config
	configs   *config.Store
	usage     *store.Store
	sched     *scheduler.Scheduler
	registry  *registry.Registry
	notifier  *notify.Engine
	discover  func() []config.ProviderConfig
	logger    *slog.Logger
	startedAt time.Time

	listener net.Listener
	httpSrv  *http.Server
	port     int
}

// NewServer wires the HTTP service. discover runs credential discovery on
// demand for the scan-keys endpoint.
func NewServer(cfg *config.Config, configs *config.Store, usage *store.Store, sched *scheduler.Scheduler,
	reg *registry.Registry, notifier *notify.Engine, discover func() []config.ProviderConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		configs:   configs,
		usage:     usage,
		sched:     sched,
		registry:  reg,
		notifier:  notifier,
		discover:  discover,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start binds to loopback and begins serving. The bind tries the preferred
// port, then the next ten, then an OS-chosen ephemeral port. On success the
// handshake file is written so front-ends can find the agent.
func (s *Server) Start() error {
	listener, port, err := bindLoopback(s.cfg.Port)
	if err != nil {
		return err
	}
	s.listener = listener
	s.port = port

	if err := s.writeHandshake(); err != nil {
		s.logger.Warn("Handshake file write failed", "error", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	s.logger.Info("HTTP API listening", "addr", fmt.Sprintf("127.0.0.1:%d", port))
	return nil
}

// Port returns the bound port (valid after Start).
func (s *Server) Port() int { return s.port }

// Shutdown drains in-flight requests and removes the handshake file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.removeHandshake()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func bindLoopback(preferred int) (net.Listener, int, error) {
	for offset := 0; offset <= portFallbackAttempts; offset++ {
		port := preferred + offset
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return listener, listener.Addr().(*net.TCPAddr).Port, nil
		}
	}
	// Ephemeral fallback.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoPort, err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

// handshakeFile is the discovery document front-ends read to find the port.
type handshakeFile struct {
	Port        int      `json:"port"`
	ProcessID   int      `json:"processId"`
	StartedAt   string   `json:"startedAt"`
	DebugMode   bool     `json:"debugMode"`
	Errors      []string `json:"errors"`
	MachineName string   `json:"machineName"`
	UserName    string   `json:"userName"`
}

// handshakePaths returns the primary path and, when different, the legacy
// path kept for older front-ends.
func (s *Server) handshakePaths() []string {
	primary := filepath.Join(s.cfg.DataDir, "monitor.json")
	legacy := ""
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		legacy = filepath.Join(home, ".config", "quotawatch", "monitor.json")
	}
	if legacy == "" || legacy == primary {
		return []string{primary}
	}
	return []string{primary, legacy}
}

func (s *Server) writeHandshake() error {
	hostname, _ := os.Hostname()
	userName := os.Getenv("USER")
	if userName == "" {
		userName = os.Getenv("USERNAME")
	}

	doc := handshakeFile{
		Port:        s.port,
		ProcessID:   os.Getpid(),
		StartedAt:   s.startedAt.Format("2006-01-02 15:04:05"),
		DebugMode:   s.cfg.DebugMode,
		Errors:      []string{},
		MachineName: hostname,
		UserName:    userName,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	var firstErr error
	for _, path := range s.handshakePaths() {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.WriteFile(path, data, 0600); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) removeHandshake() {
	for _, path := range s.handshakePaths() {
		os.Remove(path)
	}
}

// runtimeDescription feeds the diagnostics endpoint.
func runtimeDescription() map[string]any {
	wd, _ := os.Getwd()
	return map[string]any{
		"go_version": runtime.Version(),
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"working_dir": wd,
		"args":        os.Args,
	}
}
