package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/discovery"
	"github.com/quotawatch/quotawatch/internal/notify"
	"github.com/quotawatch/quotawatch/internal/provider"
	"github.com/quotawatch/quotawatch/internal/registry"
	"github.com/quotawatch/quotawatch/internal/scheduler"
	"github.com/quotawatch/quotawatch/internal/store"
	"github.com/quotawatch/quotawatch/internal/web"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "quotawatch.pid")
)

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

func run() error {
	// Test mode gets its own PID file so test instances never touch
	// production ones.
	testMode := hasCommand("--test")
	if testMode {
		pidFile = filepath.Join(pidDir, "quotawatch-test.pid")
	}

	if hasCommand("stop", "--stop") {
		return runStop(testMode)
	}
	if hasCommand("status", "--status") {
		return runStatus(testMode)
	}
	if hasCommand("version", "--version", "-v") {
		fmt.Printf("quotawatch v%s\n", version)
		fmt.Println("github.com/quotawatch/quotawatch")
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	isDaemonChild := os.Getenv("_QUOTAWATCH_DAEMON") == "1"

	// Single-instance: stop whoever was running before us.
	if !isDaemonChild {
		stopPreviousInstance(cfg.Port, testMode)
	}

	// Without --debug, fork into the background and exit; the child carries
	// on with the same arguments.
	if !cfg.DebugMode && !isDaemonChild {
		printBanner(cfg)
		return daemonize(cfg)
	}

	if cfg.DebugMode {
		if err := writePIDFile(cfg.Port); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
	}
	defer removePIDFile()

	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() {
		if closer, ok := logWriter.(interface{ Close() error }); ok && !cfg.DebugMode {
			closer.Close()
		}
	}()

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		logger.Warn("Failed to create database directory", "error", err)
	}

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("Database opened", "path", cfg.DBPath)

	configs, err := config.NewStore(cfg.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load provider config: %w", err)
	}

	reg, err := registry.Default()
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}
	probes := provider.DefaultSet(reg, logger)
	disc := discovery.New(logger)

	notifier := notify.NewEngine(logger)
	if sink, err := pushSink(db, logger); err != nil {
		logger.Warn("Web push disabled", "error", err)
	} else if sink != nil {
		notifier.AddSink(sink)
	}

	sched := scheduler.New(configs, db, probes, reg, disc, notifier, cfg.RefreshInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := configs.Watch(ctx); err != nil {
		logger.Warn("Config file watch unavailable", "error", err)
	}

	go sched.Run(ctx)

	server := web.NewServer(cfg, configs, db, sched, reg, notifier, disc.Discover, logger)
	web.AgentVersion = version
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// The bound port may differ from the preferred one; keep the PID file in
	// sync so stop/status find us.
	if err := writePIDFile(server.Port()); err != nil {
		logger.Warn("PID file update failed", "error", err)
	}
	logger.Info("Agent ready", "port", server.Port(), "refresh_interval", cfg.RefreshInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down gracefully", "signal", sig)

	cancel()
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("Database close error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// pushSink builds the web-push sink from VAPID keys persisted in settings,
// generating a key pair on first run.
func pushSink(db *store.Store, logger *slog.Logger) (notify.Sink, error) {
	pub, _ := db.Setting("vapid_public_key")
	priv, _ := db.Setting("vapid_private_key")
	if pub == "" || priv == "" {
		var err error
		pub, priv, err = notify.GenerateVAPIDKeys()
		if err != nil {
			return nil, err
		}
		if err := db.SetSetting("vapid_public_key", pub); err != nil {
			return nil, err
		}
		if err := db.SetSetting("vapid_private_key", priv); err != nil {
			return nil, err
		}
		logger.Info("Generated VAPID key pair for web push")
	}
	return notify.NewPushSink(pub, priv, db.PushSubscriptions)
}

// stopPreviousInstance stops any running quotawatch instance via PID file,
// then by port. Test mode skips port scanning so it can never kill a
// production instance.
func stopPreviousInstance(port int, testMode bool) {
	myPID := os.Getpid()
	stopped := false

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, filePort := parsePIDFile(string(data))
		if pid > 0 && pid != myPID {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					fmt.Printf("Stopped previous instance (PID %d)\n", pid)
					stopped = true
				}
			}
		}
		os.Remove(pidFile)
		if !stopped && filePort > 0 {
			stopped = stopOnPort(filePort, myPID)
		}
	}

	if !testMode && !stopped && port > 0 {
		stopped = stopOnPort(port, myPID)
	}

	if stopped {
		time.Sleep(500 * time.Millisecond)
	}
}

// parsePIDFile handles both "PID" and "PID:PORT" contents.
func parsePIDFile(content string) (pid, port int) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, ":"); i >= 0 {
		pid, _ = strconv.Atoi(content[:i])
		port, _ = strconv.Atoi(content[i+1:])
		return pid, port
	}
	pid, _ = strconv.Atoi(content)
	return pid, 0
}

func stopOnPort(port, myPID int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()

	stopped := false
	for _, pid := range findAgentOnPort(port) {
		if pid == myPID {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("Stopped previous instance (PID %d) on port %d\n", pid, port)
				stopped = true
			}
		}
	}
	return stopped
}

// findAgentOnPort uses lsof (macOS/Linux) to find quotawatch processes
// listening on a port.
func findAgentOnPort(port int) []int {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return nil
	}

	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		if isAgentProcess(pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func isAgentProcess(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(strings.TrimSpace(string(out))), "quotawatch")
}

func writePIDFile(port int) error {
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return os.WriteFile(pidFile, []byte(content), 0644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// daemonize re-executes the current binary as a detached background process.
// The parent writes the child's PID and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	logName := ".quotawatch.log"
	if cfg.TestMode {
		logName = ".quotawatch-test.log"
	}
	logPath := filepath.Join(filepath.Dir(cfg.DBPath), logName)
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file for daemon: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "_QUOTAWATCH_DAEMON=1")
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	pidContent := fmt.Sprintf("%d:%d", childPID, cfg.Port)
	if err := os.WriteFile(pidFile, []byte(pidContent), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}
	logFile.Close()

	fmt.Printf("Agent started (PID %d), logs: %s\n", childPID, logPath)
	return nil
}

// runStop stops any running quotawatch instance.
func runStop(testMode bool) error {
	myPID := os.Getpid()
	stopped := false
	label := "quotawatch"
	if testMode {
		label = "quotawatch (test)"
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, port := parsePIDFile(string(data))
		if pid > 0 && pid != myPID {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					fmt.Printf("Stopped %s (PID %d)\n", label, pid)
					stopped = true
				} else {
					fmt.Printf("Process %d not running (stale PID file)\n", pid)
				}
			}
		}
		os.Remove(pidFile)
		if !testMode && !stopped && port > 0 {
			stopped = stopOnPort(port, myPID)
		}
	}

	if !testMode && !stopped {
		stopped = stopOnPort(5842, myPID)
	}

	if !stopped {
		fmt.Printf("No running %s instance found\n", label)
	}
	return nil
}

// runStatus reports whether an instance is running and where.
func runStatus(testMode bool) error {
	myPID := os.Getpid()
	label := "quotawatch"
	if testMode {
		label = "quotawatch (test)"
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		pid, port := parsePIDFile(string(data))
		if pid > 0 && pid != myPID {
			if proc, err := os.FindProcess(pid); err == nil {
				// Signal 0 probes process existence without killing it.
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					fmt.Printf("%s is running (PID %d)\n", label, pid)
					if port > 0 {
						fmt.Printf("  API:      http://127.0.0.1:%d/api/health\n", port)
					}
					fmt.Printf("  PID file: %s\n", pidFile)
					if home, err := os.UserHomeDir(); err == nil {
						dbPath := filepath.Join(home, ".quotawatch", "data", "quotawatch.db")
						if info, err := os.Stat(dbPath); err == nil {
							fmt.Printf("  Database: %s (%s)\n", dbPath, humanSize(info.Size()))
						}
					}
					return nil
				}
			}
			fmt.Printf("%s is not running (stale PID file for PID %d)\n", label, pid)
			return nil
		}
	}

	fmt.Printf("%s is not running\n", label)
	return nil
}

func humanSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	if bytes < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	}
	return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Printf("quotawatch v%s\n", version)
	fmt.Printf("  Refresh:  every %s\n", cfg.RefreshInterval)
	fmt.Printf("  API:      http://127.0.0.1:%d (preferred)\n", cfg.Port)
	fmt.Printf("  Database: %s\n", cfg.DBPath)
	if cfg.TestMode {
		fmt.Println("  Mode:     TEST (isolated)")
	}
	fmt.Println()
}

func printHelp() {
	fmt.Println("quotawatch - AI coding service usage tracker")
	fmt.Println()
	fmt.Println("Usage: quotawatch [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stop, --stop       Stop the running quotawatch instance")
	fmt.Println("  status, --status   Show status of the running instance")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --refresh-interval-minutes N  Refresh interval (default: 5)")
	fmt.Println("  --port PORT                   Preferred API port (default: 5842)")
	fmt.Println("  --db PATH                     SQLite database path (default: ~/.quotawatch/data/quotawatch.db)")
	fmt.Println("  --debug                       Run in foreground mode, log to stdout")
	fmt.Println("  --test                        Test mode: isolated PID/log files")
	fmt.Println("  --help                        Print this help message")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  QUOTAWATCH_REFRESH_INTERVAL_MINUTES  Refresh interval in minutes")
	fmt.Println("  QUOTAWATCH_PORT                      Preferred API port")
	fmt.Println("  QUOTAWATCH_DATA_DIR                  Data directory (default: ~/.quotawatch)")
	fmt.Println("  QUOTAWATCH_DB_PATH                   SQLite database path")
	fmt.Println("  QUOTAWATCH_LOG_LEVEL                 Log level: debug, info, warn, error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  quotawatch                  # Run in background mode")
	fmt.Println("  quotawatch --debug          # Run in foreground mode")
	fmt.Println("  quotawatch stop             # Stop running instance")
	fmt.Println("  quotawatch status           # Check if running")
	fmt.Println("  quotawatch --test --debug   # Run an isolated test instance")
}
