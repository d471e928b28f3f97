/**
 * @description
 * This package handles the configuration management for the donation-service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and env binding.
 */

package config

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the donation-service.
type Config struct {
	ServerPort                  string  `mapstructure:"SERVER_PORT"`
	AppEnv                      string  `mapstructure:"APP_ENV"`
	LogLevel                    string  `mapstructure:"LOG_LEVEL"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	StorageDriver               string  `mapstructure:"STORAGE_DRIVER"`
	RunMigrations               bool    `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                    string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	DonationRateLimitPerMinute  int     `mapstructure:"DONATION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                 string  `mapstructure:"RABBITMQ_URL"`
	EventsExchange              string  `mapstructure:"EVENTS_EXCHANGE"`
	LedgerEventQueue            string  `mapstructure:"LEDGER_EVENT_QUEUE"`
	LedgerAPIBaseURL            string  `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey                string  `mapstructure:"LEDGER_API_KEY"`
	LedgerRateLimitPerSecond    float64 `mapstructure:"LEDGER_RATE_LIMIT_PER_SECOND"`
	LedgerTransferTimeoutSecs   int     `mapstructure:"LEDGER_TRANSFER_TIMEOUT_SECONDS"`
	LedgerTopicID               string  `mapstructure:"LEDGER_TOPIC_ID"`
	BadgeCollectionID           string  `mapstructure:"BADGE_COLLECTION_ID"`
	BadgeCollectionName         string  `mapstructure:"BADGE_COLLECTION_NAME"`
	IPFSAPIURL                  string  `mapstructure:"IPFS_API_URL"`
	IPFSProjectID               string  `mapstructure:"IPFS_PROJECT_ID"`
	IPFSProjectSecret           string  `mapstructure:"IPFS_PROJECT_SECRET"`
	JWKSURL                     string  `mapstructure:"JWKS_URL"`
	JWTAudience                 string  `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                   string  `mapstructure:"JWT_ISSUER"`
	InternalAPIKey              string  `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins          string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ReconcileSchedule           string  `mapstructure:"RECONCILE_SCHEDULE"`
	EffectsReconcileSchedule    string  `mapstructure:"EFFECTS_RECONCILE_SCHEDULE"`
	ReconcileBatchSize          int     `mapstructure:"RECONCILE_BATCH_SIZE"`
	PendingDonationGraceSeconds int     `mapstructure:"PENDING_DONATION_GRACE_SECONDS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORAGE_DRIVER", "postgres")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "soutien:rate_limit")
	viper.SetDefault("DONATION_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("EVENTS_EXCHANGE", "soutien.events")
	viper.SetDefault("LEDGER_EVENT_QUEUE", "donation_service.ledger_transfer_updates")
	viper.SetDefault("LEDGER_RATE_LIMIT_PER_SECOND", 10)
	viper.SetDefault("LEDGER_TRANSFER_TIMEOUT_SECONDS", 20)
	viper.SetDefault("BADGE_COLLECTION_NAME", "HederaSoutien Donor Badges")
	viper.SetDefault("IPFS_API_URL", "https://ipfs.infura.io:5001")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("EFFECTS_RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)
	viper.SetDefault("PENDING_DONATION_GRACE_SECONDS", 60)

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("DONATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("LEDGER_EVENT_QUEUE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("LEDGER_RATE_LIMIT_PER_SECOND")
	_ = viper.BindEnv("LEDGER_TRANSFER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LEDGER_TOPIC_ID", "LEDGER_TOPIC_ID", "HEDERA_TOPIC_ID")
	_ = viper.BindEnv("BADGE_COLLECTION_ID", "BADGE_COLLECTION_ID", "NFT_COLLECTION_DONOR_BADGES")
	_ = viper.BindEnv("BADGE_COLLECTION_NAME")
	_ = viper.BindEnv("IPFS_API_URL")
	_ = viper.BindEnv("IPFS_PROJECT_ID", "IPFS_PROJECT_ID", "INFURA_PROJECT_ID")
	_ = viper.BindEnv("IPFS_PROJECT_SECRET", "IPFS_PROJECT_SECRET", "INFURA_PROJECT_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DONATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("EFFECTS_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("PENDING_DONATION_GRACE_SECONDS")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Str("component", "config").Msg("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	if config.StorageDriver != "postgres" && config.StorageDriver != "memory" {
		log.Warn().Str("component", "config").Str("value", config.StorageDriver).Msg("unknown STORAGE_DRIVER; using postgres")
		config.StorageDriver = "postgres"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "soutien:rate_limit"
	}
	config.LedgerAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.LedgerAPIBaseURL), "/")
	config.LedgerTopicID = strings.TrimSpace(config.LedgerTopicID)
	config.BadgeCollectionID = strings.TrimSpace(config.BadgeCollectionID)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if config.DonationRateLimitPerMinute < 0 {
		log.Warn().Str("component", "config").Int("value", config.DonationRateLimitPerMinute).Msg("negative donation rate limit configured; disabling limiter")
		config.DonationRateLimitPerMinute = 0
	}
	if config.LedgerRateLimitPerSecond < 0 {
		config.LedgerRateLimitPerSecond = 0
	}
	if config.LedgerTransferTimeoutSecs <= 0 {
		config.LedgerTransferTimeoutSecs = 20
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}
	if config.ReconcileBatchSize > 500 {
		log.Warn().Str("component", "config").Int("value", config.ReconcileBatchSize).Msg("reconcile batch size too high; capping at 500")
		config.ReconcileBatchSize = 500
	}
	if config.PendingDonationGraceSeconds < 0 {
		config.PendingDonationGraceSeconds = 0
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = append(origins, "*")
	}
	return origins
}
