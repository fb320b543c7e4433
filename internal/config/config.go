// Package config handles agent configuration: runtime flags and environment
// on one side, the persisted provider configuration document on the other.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the agent's runtime configuration.
type Config struct {
	RefreshInterval time.Duration // --refresh-interval-minutes / QUOTAWATCH_REFRESH_INTERVAL_MINUTES
	Port            int           // preferred HTTP port, QUOTAWATCH_PORT
	DataDir         string        // QUOTAWATCH_DATA_DIR
	DBPath          string        // QUOTAWATCH_DB_PATH
	ConfigPath      string        // providers/preferences JSON document
	LogLevel        string        // QUOTAWATCH_LOG_LEVEL
	DebugMode       bool          // --debug flag (foreground mode, verbose logs)
	TestMode        bool          // --test flag (isolated PID/log files)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	intervalMinutes int
	port            int
	db              string
	debug           bool
	test            bool
}

// Load reads configuration from the .env file, environment variables, and
// CLI flags. Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case arg == "--test":
			flags.test = true
		case strings.HasPrefix(arg, "--refresh-interval-minutes="):
			val := strings.TrimPrefix(arg, "--refresh-interval-minutes=")
			if v, err := strconv.Atoi(val); err == nil {
				flags.intervalMinutes = v
			}
		case arg == "--refresh-interval-minutes":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.intervalMinutes = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--port="):
			val := strings.TrimPrefix(arg, "--port=")
			if v, err := strconv.Atoi(val); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// .env file is optional
	_ = godotenv.Load(".env")

	cfg := &Config{}

	if flags.intervalMinutes > 0 {
		cfg.RefreshInterval = time.Duration(flags.intervalMinutes) * time.Minute
	} else if env := os.Getenv("QUOTAWATCH_REFRESH_INTERVAL_MINUTES"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.RefreshInterval = time.Duration(v) * time.Minute
		}
	}

	if flags.port > 0 {
		cfg.Port = flags.port
	} else if env := os.Getenv("QUOTAWATCH_PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Port = v
		}
	}

	cfg.DataDir = os.Getenv("QUOTAWATCH_DATA_DIR")

	if flags.db != "" {
		cfg.DBPath = flags.db
	} else if env := os.Getenv("QUOTAWATCH_DB_PATH"); env != "" {
		cfg.DBPath = env
	}

	cfg.LogLevel = os.Getenv("QUOTAWATCH_LOG_LEVEL")
	cfg.DebugMode = flags.debug
	cfg.TestMode = flags.test

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	if c.Port == 0 {
		c.Port = 5842
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			c.DataDir = "."
		} else {
			c.DataDir = filepath.Join(home, ".quotawatch")
		}
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "data", "quotawatch.db")
	}
	if c.ConfigPath == "" {
		c.ConfigPath = filepath.Join(c.DataDir, "config.json")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DebugMode && c.LogLevel == "info" {
		c.LogLevel = "debug"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	minInterval := 1 * time.Minute
	maxInterval := 24 * time.Hour
	if c.RefreshInterval < minInterval {
		return fmt.Errorf("refresh interval must be at least %v", minInterval)
	}
	if c.RefreshInterval > maxInterval {
		return fmt.Errorf("refresh interval must be at most %v", maxInterval)
	}
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}
	return nil
}

// LogWriter returns the log destination: stdout in debug mode, otherwise a
// file next to the database.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode {
		return os.Stdout, nil
	}

	logName := ".quotawatch.log"
	if c.TestMode {
		logName = ".quotawatch-test.log"
	}
	logPath := filepath.Join(filepath.Dir(c.DBPath), logName)

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return file, nil
}
