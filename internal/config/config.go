package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the stepdeck controller.
type Config struct {
	// CDP connection settings
	CDPAddress        string
	CDPPort           int
	LaunchBrowser     bool
	BrowserHeadless   bool
	BrowserProfileDir string

	// HTTP server
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	LogLevel         string
	LogFile          string

	// Session behavior
	StepTimeout  time.Duration
	PollInterval time.Duration
	SubmitMode   string
	SessionTTL   time.Duration

	// Storage
	RecordingsDir      string
	SnapshotDir        string
	ArchiveScreenshots bool
	JournalDir         string
	JournalMaxSizeMB   int

	NTFYEndpoint string

	// Profile is the optional session profile named by STEPDECK_PROFILE.
	Profile *Profile
}

// Load reads configuration from environment variables and optional .env file,
// then applies the session profile when one is configured.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		LaunchBrowser:      getEnvBoolOrDefault("STEPDECK_LAUNCH_BROWSER", false),
		BrowserHeadless:    getEnvBoolOrDefault("STEPDECK_BROWSER_HEADLESS", true),
		BrowserProfileDir:  getEnvOrDefault("STEPDECK_BROWSER_PROFILE_DIR", "./browser-profile"),
		BindAddr:           getEnvOrDefault("STEPDECK_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:     splitList(getEnvOrDefault("STEPDECK_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192")),
		PortAutoFallback:   getEnvBoolOrDefault("STEPDECK_PORT_AUTO_FALLBACK", true),
		LogLevel:           strings.ToLower(getEnvOrDefault("STEPDECK_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("STEPDECK_LOG_FILE", "logs/stepdeck.log"),
		StepTimeout:        getEnvDurationMSOrDefault("STEPDECK_STEP_TIMEOUT_MS", 60*time.Second),
		PollInterval:       getEnvDurationMSOrDefault("STEPDECK_POLL_INTERVAL_MS", time.Second),
		SubmitMode:         strings.ToLower(getEnvOrDefault("STEPDECK_SUBMIT_MODE", "reject")),
		SessionTTL:         time.Duration(getEnvIntOrDefault("STEPDECK_SESSION_TTL_MIN", 30)) * time.Minute,
		RecordingsDir:      getEnvOrDefault("RECORDINGS_DIR", "./recordings"),
		SnapshotDir:        getEnvOrDefault("SNAPSHOT_DIR", "./snapshots"),
		ArchiveScreenshots: getEnvBoolOrDefault("STEPDECK_ARCHIVE_SCREENSHOTS", false),
		JournalDir:         getEnvOrDefault("JOURNAL_DIR", "./journal"),
		JournalMaxSizeMB:   getEnvIntOrDefault("JOURNAL_MAX_FILE_SIZE_MB", 50),
		NTFYEndpoint:       getEnvOrDefault("NTFY_ENDPOINT", ""),
	}

	if path := getEnvOrDefault("STEPDECK_PROFILE", ""); path != "" {
		p, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.applyProfile(p)
	}

	if cfg.StepTimeout < time.Second {
		cfg.StepTimeout = time.Second
	}
	if cfg.PollInterval < 100*time.Millisecond {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.SubmitMode != "reject" && cfg.SubmitMode != "queue" {
		return nil, fmt.Errorf("STEPDECK_SUBMIT_MODE must be reject or queue, got %q", cfg.SubmitMode)
	}
	return cfg, nil
}

// CDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) applyProfile(p *Profile) {
	c.Profile = p
	if p.PollIntervalMS > 0 {
		c.PollInterval = time.Duration(p.PollIntervalMS) * time.Millisecond
	}
	if p.SubmitMode != "" {
		c.SubmitMode = strings.ToLower(p.SubmitMode)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationMSOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
