// Package config resolves runtime configuration for the commission server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/commission-engine/commission"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPPort int
	DBPath   string
	LogLevel string

	// WalletURL selects the remote wallet ledger. Empty means the embedded
	// ledger backed by the same database.
	WalletURL     string
	WalletToken   string
	WalletRPS     float64
	WalletBurst   int
	WalletTimeout time.Duration

	TickInterval  time.Duration
	SweepInterval time.Duration
	Processor     commission.ProcessorConfig

	StartOffsetDays int
	Seed            int64 // 0 seeds from the clock
	PlansFile       string
}

// configFile mirrors the YAML schema. Durations are strings ("15m").
type configFile struct {
	Server struct {
		HTTPPort int    `yaml:"http_port"`
		DBPath   string `yaml:"db_path"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Wallet struct {
		URL            string  `yaml:"url"`
		Token          string  `yaml:"token"`
		RequestsPerSec float64 `yaml:"requests_per_sec"`
		Burst          int     `yaml:"burst"`
		Timeout        string  `yaml:"timeout"`
	} `yaml:"wallet"`
	Disbursement struct {
		TickInterval        string `yaml:"tick_interval"`
		SweepInterval       string `yaml:"sweep_interval"`
		BatchSize           int    `yaml:"batch_size"`
		MaxAttempts         int    `yaml:"max_attempts"`
		CreditTimeout       string `yaml:"credit_timeout"`
		StaleClaimTimeout   string `yaml:"stale_claim_timeout"`
		StaleAlertThreshold int    `yaml:"stale_alert_threshold"`
		RetryBaseDelay      string `yaml:"retry_base_delay"`
		RetryMaxDelay       string `yaml:"retry_max_delay"`
	} `yaml:"disbursement"`
	Schedule struct {
		StartOffsetDays *int  `yaml:"start_offset_days"`
		Seed            int64 `yaml:"seed"`
	} `yaml:"schedule"`
	PlansFile string `yaml:"plans_file"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTPPort:        8080,
		DBPath:          "./data/commissions.db",
		LogLevel:        "info",
		WalletRPS:       50,
		WalletBurst:     10,
		WalletTimeout:   20 * time.Second,
		TickInterval:    time.Minute,
		SweepInterval:   5 * time.Minute,
		Processor:       commission.DefaultProcessorConfig(),
		StartOffsetDays: 1,
	}
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error; an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.Server.HTTPPort > 0 {
		cfg.HTTPPort = f.Server.HTTPPort
	}
	if f.Server.DBPath != "" {
		cfg.DBPath = f.Server.DBPath
	}
	if f.Server.LogLevel != "" {
		cfg.LogLevel = f.Server.LogLevel
	}
	if f.Wallet.URL != "" {
		cfg.WalletURL = f.Wallet.URL
	}
	if f.Wallet.Token != "" {
		cfg.WalletToken = f.Wallet.Token
	}
	if f.Wallet.RequestsPerSec > 0 {
		cfg.WalletRPS = f.Wallet.RequestsPerSec
	}
	if f.Wallet.Burst > 0 {
		cfg.WalletBurst = f.Wallet.Burst
	}
	if f.Disbursement.BatchSize > 0 {
		cfg.Processor.BatchSize = f.Disbursement.BatchSize
	}
	if f.Disbursement.MaxAttempts > 0 {
		cfg.Processor.MaxAttempts = f.Disbursement.MaxAttempts
	}
	if f.Disbursement.StaleAlertThreshold > 0 {
		cfg.Processor.StaleAlertThreshold = f.Disbursement.StaleAlertThreshold
	}
	if f.Schedule.StartOffsetDays != nil {
		cfg.StartOffsetDays = *f.Schedule.StartOffsetDays
	}
	if f.Schedule.Seed != 0 {
		cfg.Seed = f.Schedule.Seed
	}
	if f.PlansFile != "" {
		cfg.PlansFile = f.PlansFile
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"wallet.timeout", f.Wallet.Timeout, &cfg.WalletTimeout},
		{"disbursement.tick_interval", f.Disbursement.TickInterval, &cfg.TickInterval},
		{"disbursement.sweep_interval", f.Disbursement.SweepInterval, &cfg.SweepInterval},
		{"disbursement.credit_timeout", f.Disbursement.CreditTimeout, &cfg.Processor.CreditTimeout},
		{"disbursement.stale_claim_timeout", f.Disbursement.StaleClaimTimeout, &cfg.Processor.StaleClaimTimeout},
		{"disbursement.retry_base_delay", f.Disbursement.RetryBaseDelay, &cfg.Processor.RetryBaseDelay},
		{"disbursement.retry_max_delay", f.Disbursement.RetryMaxDelay, &cfg.Processor.RetryMaxDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	cfg.DBPath = envOrDefault("COMMISSION_DB_PATH", cfg.DBPath)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(envOrDefault("COMMISSION_LOG_LEVEL", cfg.LogLevel)))
	cfg.WalletURL = envOrDefault("COMMISSION_WALLET_URL", cfg.WalletURL)
	cfg.WalletToken = envOrDefault("COMMISSION_WALLET_TOKEN", cfg.WalletToken)
	cfg.PlansFile = envOrDefault("COMMISSION_PLANS_FILE", cfg.PlansFile)

	if raw := os.Getenv("COMMISSION_WALLET_RPS"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse COMMISSION_WALLET_RPS: %w", err)
		}
		cfg.WalletRPS = v
	}
	if raw := os.Getenv("COMMISSION_SEED"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse COMMISSION_SEED: %w", err)
		}
		cfg.Seed = v
	}

	var err error
	for _, n := range []struct {
		name string
		dst  *int
	}{
		{"COMMISSION_HTTP_PORT", &cfg.HTTPPort},
		{"COMMISSION_WALLET_BURST", &cfg.WalletBurst},
		{"COMMISSION_BATCH_SIZE", &cfg.Processor.BatchSize},
		{"COMMISSION_MAX_ATTEMPTS", &cfg.Processor.MaxAttempts},
		{"COMMISSION_STALE_ALERT_THRESHOLD", &cfg.Processor.StaleAlertThreshold},
		{"COMMISSION_START_OFFSET_DAYS", &cfg.StartOffsetDays},
	} {
		if *n.dst, err = envInt(n.name, *n.dst); err != nil {
			return err
		}
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"COMMISSION_WALLET_TIMEOUT", &cfg.WalletTimeout},
		{"COMMISSION_TICK_INTERVAL", &cfg.TickInterval},
		{"COMMISSION_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"COMMISSION_CREDIT_TIMEOUT", &cfg.Processor.CreditTimeout},
		{"COMMISSION_STALE_CLAIM_TIMEOUT", &cfg.Processor.StaleClaimTimeout},
		{"COMMISSION_RETRY_BASE_DELAY", &cfg.Processor.RetryBaseDelay},
		{"COMMISSION_RETRY_MAX_DELAY", &cfg.Processor.RetryMaxDelay},
	} {
		if *d.dst, err = envDuration(d.name, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks ranges and the invariants between settings.
func (cfg Config) Validate() error {
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", cfg.HTTPPort)
	}
	if cfg.DBPath == "" {
		return errors.New("db path is required")
	}
	if cfg.TickInterval <= 0 || cfg.SweepInterval <= 0 {
		return fmt.Errorf("tick interval %v and sweep interval %v must be positive", cfg.TickInterval, cfg.SweepInterval)
	}
	if cfg.StartOffsetDays < 0 {
		return fmt.Errorf("start offset days must not be negative, got %d", cfg.StartOffsetDays)
	}
	if cfg.WalletURL != "" {
		if cfg.WalletRPS <= 0 || cfg.WalletBurst < 1 {
			return fmt.Errorf("wallet rate limit %v/s burst %d must be positive", cfg.WalletRPS, cfg.WalletBurst)
		}
		// The HTTP client must give up before the processor's own deadline.
		if cfg.WalletTimeout <= 0 || cfg.WalletTimeout > cfg.Processor.CreditTimeout {
			return fmt.Errorf("wallet timeout %v must be positive and at most credit timeout %v",
				cfg.WalletTimeout, cfg.Processor.CreditTimeout)
		}
	}
	if err := cfg.Processor.Validate(); err != nil {
		return fmt.Errorf("disbursement: %w", err)
	}
	return nil
}

// envOrDefault returns an env var when present, otherwise the fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses an integer env var. Unset means fallback; malformed is an error.
func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
