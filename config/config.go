// Package config loads service settings from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	// --- Server ---
	Port           string `envconfig:"PORT" default:"5200"`
	AppEnv         string `envconfig:"APP_ENV" default:"development"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// Shared secret the gateway presents as a Bearer token.
	GameServiceToken string `envconfig:"GAME_SERVICE_TOKEN" required:"true"`

	// --- Database ---
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// --- Chain ---
	RPCURL           string        `envconfig:"CHAIN_RPC_URL" required:"true"`
	ChainID          int64         `envconfig:"CHAIN_ID" default:"1"`
	Chain            string        `envconfig:"CHAIN_NAME" default:"ethereum"`
	VerifyTimeout    time.Duration `envconfig:"VERIFY_TIMEOUT" default:"10s"`
	ReconcileTimeout time.Duration `envconfig:"RECONCILE_TIMEOUT" default:"8s"`
	AmountTolerance  string        `envconfig:"AMOUNT_TOLERANCE" default:"0"`

	// --- Credentials ---
	// 32-byte hex key for game credentials sealed with secretbox.
	CredentialKey string `envconfig:"CREDENTIAL_KEY"`

	// --- Notifications ---
	NotificationURL           string        `envconfig:"NOTIFICATION_SERVICE_URL"`
	NotificationRetryInterval time.Duration `envconfig:"NOTIFICATION_RETRY_INTERVAL" default:"2m"`

	// --- Sync service (wallet + player mirrors) ---
	SyncServiceURL   string        `envconfig:"SYNC_SERVICE_URL"`
	WalletPollPeriod time.Duration `envconfig:"WALLET_POLL_INTERVAL" default:"10s"`
	PlayerPollPeriod time.Duration `envconfig:"PLAYER_POLL_INTERVAL" default:"1m"`

	// --- R2 audit reports (optional) ---
	CloudflareAccountID string `envconfig:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID       string `envconfig:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret   string `envconfig:"R2_ACCESS_KEY_SECRET"`
	R2Bucket            string `envconfig:"R2_BUCKET_NAME"`
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.VerifyTimeout <= 0 || c.ReconcileTimeout <= 0 {
		return fmt.Errorf("VERIFY_TIMEOUT and RECONCILE_TIMEOUT must be > 0")
	}
	tol, err := decimal.NewFromString(c.AmountTolerance)
	if err != nil {
		return fmt.Errorf("AMOUNT_TOLERANCE: %w", err)
	}
	if tol.IsNegative() {
		return fmt.Errorf("AMOUNT_TOLERANCE must be >= 0")
	}
	if _, err := c.CredentialKeyBytes(); err != nil {
		return err
	}
	return nil
}

// CredentialKeyBytes decodes CREDENTIAL_KEY. Nil when unset.
func (c *Config) CredentialKeyBytes() ([]byte, error) {
	if c.CredentialKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(c.CredentialKey, "0x"))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_KEY must be 32 bytes of hex")
	}
	return key, nil
}

// Tolerance returns AMOUNT_TOLERANCE as a decimal. Validate has already checked it parses.
func (c *Config) Tolerance() decimal.Decimal {
	return decimal.RequireFromString(c.AmountTolerance)
}

// Origins splits ALLOWED_ORIGINS and trims each entry.
func (c *Config) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}

// R2Enabled reports whether audit reports can be uploaded.
func (c *Config) R2Enabled() bool {
	return c.CloudflareAccountID != "" && c.R2Bucket != ""
}
