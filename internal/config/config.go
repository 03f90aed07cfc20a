package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jbracken/permasync/internal/payment"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for permasync.
type Config struct {
	// Directory to reconcile against the permanent storage network.
	SyncDir string `env:"PERMASYNC_DIR"`

	// Storage network gateway for price quotes and token balances.
	GatewayURL string `env:"GATEWAY_URL" envDefault:"https://arweave.net"`

	// Payment service for prepaid credit balances and credit rates.
	PaymentServiceURL string `env:"PAYMENT_SERVICE_URL" envDefault:"https://payment.ardrive.io"`

	// Wallet address the balances are fetched for.
	WalletAddress string `env:"WALLET_ADDRESS"`

	// Address of the local execution daemon's websocket endpoint.
	DaemonAddr string `env:"DAEMON_ADDR" envDefault:"127.0.0.1:7533"`

	// Byte-size cutoff under which publishing is free.
	FreeThresholdBytes int64 `env:"FREE_THRESHOLD_BYTES" envDefault:"102400"`

	// Payment-method preference: auto, credit-only, or token-only.
	PaymentPreference string `env:"PAYMENT_PREFERENCE" envDefault:"auto"`

	// Estimated credit-to-token conversion fee in percent, shown when
	// comparing rails. Advisory until confirmed against the settlement
	// rate the payment service actually applies.
	CreditFeePercent float64 `env:"CREDIT_FEE_PERCENT" envDefault:"23"`

	// How long completed items linger in the execution view before the
	// transient state is cleared.
	SettleDelay time.Duration `env:"SETTLE_DELAY" envDefault:"5s"`

	// Pacing between items during batch approval, so the execution
	// daemon is not saturated by a burst of submissions.
	ApprovePacing time.Duration `env:"APPROVE_PACING" envDefault:"300ms"`

	// Optional YAML rules file with ignore globs. Relative paths are
	// resolved against the sync directory.
	RulesFile string `env:"RULES_FILE"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default log level when set.
	LogLevel string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing wallet configuration to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "permasync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SyncDir to an absolute path at startup. The scanner and
	// watcher produce paths relative to it, and the relative-path
	// computation only works reliably with an absolute base.
	absDir, err := filepath.Abs(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}

	cfg.SyncDir = absDir

	if cfg.RulesFile != "" && !filepath.IsAbs(cfg.RulesFile) {
		cfg.RulesFile = filepath.Join(cfg.SyncDir, cfg.RulesFile)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncDir == "" {
		return fmt.Errorf("PERMASYNC_DIR is required")
	}

	if c.WalletAddress == "" {
		return fmt.Errorf("WALLET_ADDRESS is required")
	}

	if _, ok := payment.ParsePreference(c.PaymentPreference); !ok {
		return fmt.Errorf("invalid PAYMENT_PREFERENCE %q (want auto, credit-only, or token-only)", c.PaymentPreference)
	}

	if c.FreeThresholdBytes < 0 {
		return fmt.Errorf("FREE_THRESHOLD_BYTES must not be negative")
	}

	if c.CreditFeePercent < 0 || c.CreditFeePercent > 100 {
		return fmt.Errorf("CREDIT_FEE_PERCENT must be between 0 and 100")
	}

	if c.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must not be negative")
	}

	if c.ApprovePacing < 0 {
		return fmt.Errorf("APPROVE_PACING must not be negative")
	}

	return nil
}

// Preference returns the parsed payment-method preference. Load
// validates the raw string, so this cannot fail afterwards.
func (c *Config) Preference() payment.Preference {
	pref, _ := payment.ParsePreference(c.PaymentPreference)
	return pref
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
