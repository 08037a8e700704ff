package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/chainrecon/internal/blob/s3"
	"github.com/alanyoungcy/chainrecon/internal/cache/local"
	"github.com/alanyoungcy/chainrecon/internal/cache/redis"
	"github.com/alanyoungcy/chainrecon/internal/config"
	"github.com/alanyoungcy/chainrecon/internal/crypto"
	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/ledger"
	"github.com/alanyoungcy/chainrecon/internal/notify"
	"github.com/alanyoungcy/chainrecon/internal/reconciler"
	"github.com/alanyoungcy/chainrecon/internal/server/handler"
	"github.com/alanyoungcy/chainrecon/internal/store/memory"
	"github.com/alanyoungcy/chainrecon/internal/store/postgres"
	"github.com/alanyoungcy/chainrecon/internal/store/sqlite"
	"github.com/alanyoungcy/chainrecon/internal/verifier"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Orders domain.OrderStore
	Audit  domain.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager // nil without Redis; the reconciler's in-process lock still applies
	SignalBus   domain.SignalBus

	// Ledger
	Network  config.NetworkConfig
	Contract common.Address
	Ledger   *ledger.Client
	Tokens   *ledger.TokenTable
	Verifier *verifier.Verifier

	// Evidence archive; nil when S3 is disabled.
	Evidence domain.EvidenceArchive

	// Notifications
	Notifier *notify.Notifier
	Webhook  *notify.Webhook // nil when no downstream webhook is configured

	Reconciler *reconciler.Reconciler

	// APIKey guards the operator endpoints. Empty disables auth.
	APIKey string

	// Checks feed GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Ledger (closed last) ---
	network, ok := cfg.ActiveNetwork()
	if !ok {
		return fail(fmt.Errorf("wire: network %q has no profile", cfg.Network))
	}
	deps.Network = network
	deps.Contract = common.HexToAddress(network.PaymentContract)

	client, err := ledger.Dial(ctx, ledger.ClientConfig{
		RPCURL:            network.RPCURL,
		ChainID:           network.ChainID,
		RateLimit:         network.RPCRateLimit,
		Burst:             network.RPCBurst,
		BackfillMaxBlocks: network.BackfillMaxBlocks,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: ledger: %w", err))
	}
	closers = append(closers, client.Close)
	deps.Ledger = client
	deps.Checks["ledger"] = func(ctx context.Context) error {
		_, err := client.BlockNumber(ctx)
		return err
	}

	deps.Tokens = tokenTable(network, cfg.Verifier.UnknownTokenDecimals)
	deps.Verifier = verifier.New(client, deps.Tokens, verifier.Config{
		PaymentContract:       deps.Contract,
		Confirmations:         network.Confirmations,
		MaxAttempts:           cfg.Verifier.MaxAttempts,
		RetryDelay:            cfg.Verifier.RetryDelay.Duration,
		AcceptDirectTransfers: cfg.Verifier.AcceptDirectTransfers,
	}, logger)

	// --- Order store ---
	if err := wireStore(ctx, cfg, deps, &closers); err != nil {
		return fail(err)
	}

	// --- Redis, or in-process equivalents ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "wire: redis disabled; locks, rate limits and the signal bus are process-local")
		deps.RateLimiter = local.NewRateLimiter()
		deps.SignalBus = local.NewBus(int(cfg.Redis.StreamLen))
	}

	// --- S3 evidence archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Evidence = s3blob.NewEvidenceArchive(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), cfg.S3.Prefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Secrets ---
	deps.APIKey, err = crypto.LoadSecret(cfg.Server.APIKey, cfg.Server.APIKeyFile, cfg.Secrets.Password)
	if err != nil {
		return fail(fmt.Errorf("wire: api key: %w", err))
	}
	webhookSecret, err := crypto.LoadSecret(cfg.Notify.WebhookSecret, cfg.Notify.WebhookSecretFile, cfg.Secrets.Password)
	if err != nil {
		return fail(fmt.Errorf("wire: webhook secret: %w", err))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if cfg.Notify.WebhookURL != "" {
		if webhookSecret == "" {
			logger.WarnContext(ctx, "wire: downstream webhook is unsigned")
		}
		deps.Webhook = notify.NewWebhook(cfg.Notify.WebhookURL, webhookSecret, logger)
	}

	// --- Reconciler ---
	opts := []reconciler.Option{reconciler.WithSignalBus(deps.SignalBus)}
	if deps.LockManager != nil {
		opts = append(opts, reconciler.WithLockManager(deps.LockManager))
	}
	if deps.Evidence != nil {
		opts = append(opts, reconciler.WithEvidenceArchive(deps.Evidence))
	}
	if deps.Notifier.Enabled() {
		opts = append(opts, reconciler.WithAlerter(deps.Notifier))
	}
	if deps.Webhook != nil {
		opts = append(opts, reconciler.WithWebhook(deps.Webhook))
	}
	deps.Reconciler = reconciler.New(deps.Orders, deps.Audit, reconciler.Config{
		LockTTL: cfg.Pipeline.LockTTL.Duration,
	}, logger, opts...)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("network", cfg.Network),
		slog.Int64("chain_id", network.ChainID),
		slog.String("store", cfg.Store.Driver),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

func wireStore(ctx context.Context, cfg *config.Config, deps *Dependencies, closers *[]func()) error {
	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fmt.Errorf("wire: postgres: %w", err)
		}
		*closers = append(*closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		pool := pgClient.Pool()
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["store"] = pgClient.Ping

	case "sqlite":
		st, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("wire: sqlite: %w", err)
		}
		*closers = append(*closers, func() { _ = st.Close() })
		deps.Orders = st
		deps.Audit = st
		deps.Checks["store"] = st.Ping

	case "memory":
		st := memory.New()
		deps.Orders = st
		deps.Audit = st

	default:
		return fmt.Errorf("wire: unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

// tokenTable builds the accepted-token table for a network profile.
func tokenTable(network config.NetworkConfig, fallbackDecimals int32) *ledger.TokenTable {
	tokens := make(map[common.Address]ledger.Token, len(network.Tokens))
	for addr, tc := range network.Tokens {
		tokens[common.HexToAddress(addr)] = ledger.Token{Symbol: tc.Symbol, Decimals: tc.Decimals}
	}
	return ledger.NewTokenTable(tokens, fallbackDecimals)
}
