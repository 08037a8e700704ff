// Package config defines the top-level configuration for the reconciliation
// engine and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CHAINRECON_* environment variables.
type Config struct {
	Network  string                   `toml:"network"`
	Networks map[string]NetworkConfig `toml:"networks"`
	Verifier VerifierConfig           `toml:"verifier"`
	Pipeline PipelineConfig           `toml:"pipeline"`
	Store    StoreConfig              `toml:"store"`
	Postgres PostgresConfig           `toml:"postgres"`
	Redis    RedisConfig              `toml:"redis"`
	S3       S3Config                 `toml:"s3"`
	Server   ServerConfig             `toml:"server"`
	Notify   NotifyConfig             `toml:"notify"`
	Secrets  SecretsConfig            `toml:"secrets"`
	Tracing  TracingConfig            `toml:"tracing"`
	Mode     string                   `toml:"mode"`
	LogLevel string                   `toml:"log_level"`
	LogFile  string                   `toml:"log_file"`
}

// NetworkConfig is one ledger profile. Exactly one profile is active per
// process, selected by Config.Network.
type NetworkConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ChainID         int64  `toml:"chain_id"`
	Confirmations   uint64 `toml:"confirmations"`
	PaymentContract string `toml:"payment_contract"`
	// Tokens maps a token contract address to its display metadata. The zero
	// address stands for the native coin.
	Tokens            map[string]TokenConfig `toml:"tokens"`
	RPCRateLimit      float64                `toml:"rpc_rate_limit"`
	RPCBurst          int                    `toml:"rpc_burst"`
	BackfillMaxBlocks uint64                 `toml:"backfill_max_blocks"`
}

// TokenConfig describes an accepted payment token.
type TokenConfig struct {
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

// VerifierConfig holds the transaction verifier's retry budget.
type VerifierConfig struct {
	MaxAttempts           int      `toml:"max_attempts"`
	RetryDelay            duration `toml:"retry_delay"`
	UnknownTokenDecimals  int32    `toml:"unknown_token_decimals"`
	AcceptDirectTransfers bool     `toml:"accept_direct_transfers"`
}

// PipelineConfig holds the subscription work queue parameters.
type PipelineConfig struct {
	Workers      int      `toml:"workers"`
	QueueSize    int      `toml:"queue_size"`
	DedupTTL     duration `toml:"dedup_ttl"`
	DrainTimeout duration `toml:"drain_timeout"`
	RequeueLimit int      `toml:"requeue_limit"`
	RequeueDelay duration `toml:"requeue_delay"`
	LockTTL      duration `toml:"lock_ttl"`
}

// StoreConfig selects the order store implementation.
type StoreConfig struct {
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	StreamLen  int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the evidence
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	APIKeyFile    string   `toml:"api_key_file"`
	VerifyTimeout duration `toml:"verify_timeout"`
	// RateLimit is the number of verify requests allowed per client per
	// minute. Zero disables limiting.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	WebhookSecretFile string   `toml:"webhook_secret_file"`
}

// SecretsConfig holds the password that opens sealed secret files.
type SecretsConfig struct {
	Password string `toml:"password"`
}

// TracingConfig configures the OTLP trace exporter. Tracing is off when
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// NativeToken is the token table key for the chain's native coin.
const NativeToken = "0x0000000000000000000000000000000000000000"

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Network: "local",
		Networks: map[string]NetworkConfig{
			"local": {
				RPCURL:        "ws://127.0.0.1:8545",
				ChainID:       31337,
				Confirmations: 0,
				Tokens: map[string]TokenConfig{
					NativeToken: {Symbol: "ETH", Decimals: 18},
				},
				RPCRateLimit:      50,
				RPCBurst:          20,
				BackfillMaxBlocks: 1000,
			},
			"testnet": {
				ChainID:       11155111,
				Confirmations: 1,
				Tokens: map[string]TokenConfig{
					NativeToken: {Symbol: "ETH", Decimals: 18},
				},
				RPCRateLimit:      10,
				RPCBurst:          5,
				BackfillMaxBlocks: 500,
			},
			"mainnet": {
				ChainID:       1,
				Confirmations: 12,
				Tokens: map[string]TokenConfig{
					NativeToken: {Symbol: "ETH", Decimals: 18},
				},
				RPCRateLimit:      10,
				RPCBurst:          5,
				BackfillMaxBlocks: 500,
			},
		},
		Verifier: VerifierConfig{
			MaxAttempts:           5,
			RetryDelay:            duration{time.Second},
			UnknownTokenDecimals:  18,
			AcceptDirectTransfers: true,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    256,
			DedupTTL:     duration{10 * time.Minute},
			DrainTimeout: duration{30 * time.Second},
			RequeueLimit: 5,
			RequeueDelay: duration{15 * time.Second},
			LockTTL:      duration{30 * time.Second},
		},
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "chainrecon.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			StreamLen:  10_000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "chainrecon-evidence",
			Prefix:         "evidence",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			VerifyTimeout: duration{10 * time.Second},
			RateLimit:     60,
		},
		Notify: NotifyConfig{
			Events: []string{"direct_transfer", "payment_failed"},
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// ActiveNetwork returns the profile selected by Config.Network.
func (c *Config) ActiveNetwork() (NetworkConfig, bool) {
	n, ok := c.Networks[strings.ToLower(c.Network)]
	return n, ok
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"subscriber": true,
	"api":        true,
	"full":       true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStoreDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: subscriber, api, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Network profile
	net, ok := c.ActiveNetwork()
	if !ok {
		names := make([]string, 0, len(c.Networks))
		for name := range c.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		errs = append(errs, fmt.Sprintf("network %q has no [networks.%s] profile (have: %s)", c.Network, c.Network, strings.Join(names, ", ")))
	} else {
		errs = append(errs, validateNetwork(c.Network, net)...)
	}

	// Verifier
	if c.Verifier.MaxAttempts < 1 {
		errs = append(errs, "verifier: max_attempts must be >= 1")
	}
	if c.Verifier.RetryDelay.Duration <= 0 {
		errs = append(errs, "verifier: retry_delay must be > 0")
	}
	if c.Verifier.UnknownTokenDecimals < 0 || c.Verifier.UnknownTokenDecimals > 36 {
		errs = append(errs, "verifier: unknown_token_decimals must be 0-36")
	}

	// Pipeline
	if c.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline: workers must be >= 1")
	}
	if c.Pipeline.QueueSize < c.Pipeline.Workers {
		errs = append(errs, "pipeline: queue_size must be >= workers")
	}
	if c.Pipeline.RequeueLimit < 0 {
		errs = append(errs, "pipeline: requeue_limit must be >= 0")
	}
	if c.Pipeline.LockTTL.Duration <= 0 {
		errs = append(errs, "pipeline: lock_ttl must be > 0")
	}

	// Store
	if !validStoreDrivers[strings.ToLower(c.Store.Driver)] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store: sqlite_path must not be empty for the sqlite driver")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Mode != "subscriber" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		budget := time.Duration(c.Verifier.MaxAttempts) * c.Verifier.RetryDelay.Duration
		if c.Server.VerifyTimeout.Duration < budget {
			errs = append(errs, fmt.Sprintf("server: verify_timeout %s is shorter than the verifier retry budget %s (max_attempts x retry_delay)",
				c.Server.VerifyTimeout.Duration, budget))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}
	if c.Server.APIKeyFile != "" && c.Secrets.Password == "" {
		errs = append(errs, "secrets: password is required when server.api_key_file is set")
	}
	if c.Notify.WebhookSecretFile != "" && c.Secrets.Password == "" {
		errs = append(errs, "secrets: password is required when notify.webhook_secret_file is set")
	}

	// Tracing
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing: sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateNetwork(name string, n NetworkConfig) []string {
	var errs []string
	prefix := "networks." + name
	if n.RPCURL == "" {
		errs = append(errs, prefix+": rpc_url must not be empty")
	}
	if n.ChainID <= 0 {
		errs = append(errs, prefix+": chain_id must be positive")
	}
	if !common.IsHexAddress(n.PaymentContract) {
		errs = append(errs, fmt.Sprintf("%s: payment_contract %q is not a hex address", prefix, n.PaymentContract))
	}
	for addr, tok := range n.Tokens {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("%s.tokens: key %q is not a hex address", prefix, addr))
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("%s.tokens.%s: decimals must be 0-36, got %d", prefix, addr, tok.Decimals))
		}
	}
	if n.RPCRateLimit <= 0 {
		errs = append(errs, prefix+": rpc_rate_limit must be > 0")
	}
	if n.RPCBurst < 1 {
		errs = append(errs, prefix+": rpc_burst must be >= 1")
	}
	return errs
}
