package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CHAINMARKET_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CHAINMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CHAINMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CHAINMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CHAINMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CHAINMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CHAINMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CHAINMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CHAINMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CHAINMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CHAINMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CHAINMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CHAINMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CHAINMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CHAINMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CHAINMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CHAINMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CHAINMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CHAINMARKET_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "CHAINMARKET_REDIS_CACHE_TTL")

	// ── Pinning ──
	setStr(&cfg.Pinning.Pinata.Endpoint, "CHAINMARKET_PINNING_PINATA_ENDPOINT")
	setStr(&cfg.Pinning.Pinata.APIKey, "CHAINMARKET_PINNING_PINATA_API_KEY")
	setStr(&cfg.Pinning.Pinata.APISecret, "CHAINMARKET_PINNING_PINATA_API_SECRET")
	setStr(&cfg.Pinning.Node.Endpoint, "CHAINMARKET_PINNING_NODE_ENDPOINT")
	setStr(&cfg.Pinning.Node.ProjectID, "CHAINMARKET_PINNING_NODE_PROJECT_ID")
	setStr(&cfg.Pinning.Node.Secret, "CHAINMARKET_PINNING_NODE_SECRET")

	// ── Settlement ──
	setStr(&cfg.Settlement.ContractAddress, "CHAINMARKET_SETTLEMENT_CONTRACT_ADDRESS")
	setInt64(&cfg.Settlement.ChainID, "CHAINMARKET_SETTLEMENT_CHAIN_ID")
	setDuration(&cfg.Settlement.ConfirmTimeout, "CHAINMARKET_SETTLEMENT_CONFIRM_TIMEOUT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CHAINMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CHAINMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CHAINMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "CHAINMARKET_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "CHAINMARKET_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "CHAINMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CHAINMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CHAINMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CHAINMARKET_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "CHAINMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CHAINMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CHAINMARKET_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CHAINMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "CHAINMARKET_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CHAINMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CHAINMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CHAINMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CHAINMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Storage, "CHAINMARKET_STORAGE")
	setStr(&cfg.LogLevel, "CHAINMARKET_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
