package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "chainmarket/internal/blob/s3"
	membus "chainmarket/internal/bus/memory"
	redisbus "chainmarket/internal/bus/redis"
	"chainmarket/internal/config"
	"chainmarket/internal/domain"
	"chainmarket/internal/market"
	"chainmarket/internal/notify"
	"chainmarket/internal/pinning"
	"chainmarket/internal/settlement"
	"chainmarket/internal/store/memory"
	"chainmarket/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the server needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	ListingStore domain.ListingStore
	BidStore     domain.BidStore

	// Event transport and cache. Cache and RateLimiter are nil when Redis
	// is disabled.
	Bus         domain.EventBus
	Cache       domain.ListingCache
	RateLimiter domain.RateLimiter

	// Metadata pinning and mirroring. Mirror is nil when S3 is disabled.
	Pinner *pinning.Client
	Mirror market.MetadataMirror

	// Settlement session shared with wallet clients.
	Session *settlement.Session

	// Notifications
	Notifier *notify.Notifier
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

	deps := &Dependencies{}

	// --- Listing and bid stores ---
	switch strings.ToLower(cfg.Storage) {
	case "memory":
		deps.ListingStore = memory.NewListingStore()
		deps.BidStore = memory.NewBidStore()
	default:
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ListingStore = postgres.NewListingStore(pool)
		deps.BidStore = postgres.NewBidStore(pool)
	}

	// --- Event bus, snapshot cache, rate limiter ---
	if cfg.Redis.Enabled {
		redisClient, err := redisbus.New(ctx, redisbus.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redisbus.NewEventBus(redisClient)
		deps.Cache = redisbus.NewListingCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redisbus.NewRateLimiter(redisClient)
	} else {
		// Single-process fallback: events stay in memory, no shared cache.
		deps.Bus = membus.NewBus()
	}

	// --- Metadata pinning ---
	var providers []pinning.Provider
	if cfg.Pinning.Pinata.APIKey != "" && cfg.Pinning.Pinata.APISecret != "" {
		providers = append(providers, pinning.NewPinataProvider(
			cfg.Pinning.Pinata.Endpoint,
			cfg.Pinning.Pinata.APIKey,
			cfg.Pinning.Pinata.APISecret,
		))
	}
	if cfg.Pinning.Node.Endpoint != "" {
		providers = append(providers, pinning.NewNodeProvider(
			cfg.Pinning.Node.Endpoint,
			cfg.Pinning.Node.ProjectID,
			cfg.Pinning.Node.Secret,
		))
	}
	if len(providers) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("wire: no pinning providers configured")
	}
	deps.Pinner = pinning.NewClient(providers, logger)

	// --- S3 metadata mirror ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Mirror = s3blob.NewMirror(s3Client, cfg.S3.Prefix)
	}

	// --- Settlement session ---
	session, err := settlement.NewSession(cfg.Settlement.ContractAddress, cfg.Settlement.ChainID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: settlement: %w", err)
	}
	deps.Session = session

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

	return deps, cleanup, nil
}
