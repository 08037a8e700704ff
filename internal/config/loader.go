package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CHAINRECON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyNetworkDefaults(&cfg, md)
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Write encodes cfg as TOML. Pair it with RedactedConfig before printing.
func Write(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// applyNetworkDefaults merges every decoded network profile with the built-in
// profile of the same name. The TOML decoder replaces map entries wholesale,
// so keys the file does not define are taken from the default profile. The
// metadata check keeps an explicit "confirmations = 0" distinct from an
// omitted one.
func applyNetworkDefaults(cfg *Config, md toml.MetaData) {
	defaults := Defaults().Networks
	for name, n := range cfg.Networks {
		base, known := defaults[name]
		if !known {
			base = NetworkConfig{RPCRateLimit: 10, RPCBurst: 5, BackfillMaxBlocks: 500}
		}
		defined := func(key string) bool { return md.IsDefined("networks", name, key) }

		if !defined("rpc_url") {
			n.RPCURL = base.RPCURL
		}
		if !defined("chain_id") {
			n.ChainID = base.ChainID
		}
		if !defined("confirmations") {
			n.Confirmations = base.Confirmations
		}
		if !defined("rpc_rate_limit") {
			n.RPCRateLimit = base.RPCRateLimit
		}
		if !defined("rpc_burst") {
			n.RPCBurst = base.RPCBurst
		}
		if !defined("backfill_max_blocks") {
			n.BackfillMaxBlocks = base.BackfillMaxBlocks
		}
		if n.Tokens == nil {
			n.Tokens = map[string]TokenConfig{}
		}
		if _, ok := n.Tokens[NativeToken]; !ok {
			n.Tokens[NativeToken] = TokenConfig{Symbol: "ETH", Decimals: 18}
		}
		cfg.Networks[name] = n
	}
}

// applyEnvOverrides reads well-known CHAINRECON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "CHAINRECON_MODE")
	setStr(&cfg.LogLevel, "CHAINRECON_LOG_LEVEL")
	setStr(&cfg.LogFile, "CHAINRECON_LOG_FILE")
	setStr(&cfg.Network, "CHAINRECON_NETWORK")

	// ── Active network ──
	if n, ok := cfg.ActiveNetwork(); ok {
		setStr(&n.RPCURL, "CHAINRECON_RPC_URL")
		setStr(&n.PaymentContract, "CHAINRECON_PAYMENT_CONTRACT")
		setUint64(&n.Confirmations, "CHAINRECON_CONFIRMATIONS")
		cfg.Networks[strings.ToLower(cfg.Network)] = n
	}

	// ── Verifier ──
	setInt(&cfg.Verifier.MaxAttempts, "CHAINRECON_VERIFIER_MAX_ATTEMPTS")
	setDuration(&cfg.Verifier.RetryDelay, "CHAINRECON_VERIFIER_RETRY_DELAY")
	setBool(&cfg.Verifier.AcceptDirectTransfers, "CHAINRECON_VERIFIER_ACCEPT_DIRECT_TRANSFERS")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Workers, "CHAINRECON_PIPELINE_WORKERS")
	setInt(&cfg.Pipeline.QueueSize, "CHAINRECON_PIPELINE_QUEUE_SIZE")
	setDuration(&cfg.Pipeline.DrainTimeout, "CHAINRECON_PIPELINE_DRAIN_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.Driver, "CHAINRECON_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "CHAINRECON_STORE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CHAINRECON_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "CHAINRECON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CHAINRECON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CHAINRECON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CHAINRECON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CHAINRECON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CHAINRECON_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CHAINRECON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CHAINRECON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CHAINRECON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CHAINRECON_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CHAINRECON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CHAINRECON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CHAINRECON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CHAINRECON_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "CHAINRECON_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CHAINRECON_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CHAINRECON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CHAINRECON_S3_REGION")
	setStr(&cfg.S3.Bucket, "CHAINRECON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CHAINRECON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CHAINRECON_S3_SECRET_KEY")

	// ── Server ──
	setInt(&cfg.Server.Port, "CHAINRECON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CHAINRECON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CHAINRECON_SERVER_API_KEY")
	setStr(&cfg.Server.APIKeyFile, "CHAINRECON_SERVER_API_KEY_FILE")
	setDuration(&cfg.Server.VerifyTimeout, "CHAINRECON_SERVER_VERIFY_TIMEOUT")
	setInt(&cfg.Server.RateLimit, "CHAINRECON_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CHAINRECON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CHAINRECON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CHAINRECON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CHAINRECON_NOTIFY_EVENTS")
	setStr(&cfg.Notify.WebhookURL, "CHAINRECON_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "CHAINRECON_NOTIFY_WEBHOOK_SECRET")
	setStr(&cfg.Notify.WebhookSecretFile, "CHAINRECON_NOTIFY_WEBHOOK_SECRET_FILE")

	// ── Secrets / tracing ──
	setStr(&cfg.Secrets.Password, "CHAINRECON_SECRETS_PASSWORD")
	setStr(&cfg.Tracing.Endpoint, "CHAINRECON_TRACING_ENDPOINT")
	setBool(&cfg.Tracing.Insecure, "CHAINRECON_TRACING_INSECURE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
