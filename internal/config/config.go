// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// EnvCacheSize is the number of snapshot sets kept in the read cache. Zero disables it.
	EnvCacheSize = "CACHE_SIZE"

	// EnvCacheTTL is how long cached snapshot sets stay fresh.
	EnvCacheTTL = "CACHE_TTL"

	// EnvConflictWindow is the modification-time distance treated as a concurrent update.
	EnvConflictWindow = "CONFLICT_WINDOW"

	// EnvDynamoDBTableName is the DynamoDB table holding entity snapshots.
	EnvDynamoDBTableName = "DYNAMODB_TABLE_NAME"

	// EnvGoogleAdsAPIVersion is the Google Ads API version.
	EnvGoogleAdsAPIVersion = "GOOGLE_ADS_API_VERSION"

	// EnvGoogleAdsBaseURL is the base URL of the Google Ads API.
	EnvGoogleAdsBaseURL = "GOOGLE_ADS_BASE_URL"

	// EnvGoogleAdsClientID is the OAuth client ID for Google Ads.
	EnvGoogleAdsClientID = "GOOGLE_ADS_CLIENT_ID"

	// EnvGoogleAdsClientSecret is the OAuth client secret for Google Ads.
	EnvGoogleAdsClientSecret = "GOOGLE_ADS_CLIENT_SECRET"

	// EnvGoogleAdsCustomerID is the customer synced when a request names none.
	EnvGoogleAdsCustomerID = "GOOGLE_ADS_CUSTOMER_ID"

	// EnvGoogleAdsDeveloperToken is the Google Ads API developer token.
	EnvGoogleAdsDeveloperToken = "GOOGLE_ADS_DEVELOPER_TOKEN"

	// EnvGoogleAdsLoginCustomerID is the manager account requests act through.
	EnvGoogleAdsLoginCustomerID = "GOOGLE_ADS_LOGIN_CUSTOMER_ID"

	// EnvGoogleAdsRefreshTokenSecretARN is the Secrets Manager ARN for the refresh token.
	EnvGoogleAdsRefreshTokenSecretARN = "GOOGLE_ADS_REFRESH_TOKEN_SECRET_ARN"

	// EnvLogFormat is the log encoding, json or console.
	EnvLogFormat = "LOG_FORMAT"

	// EnvLogLevel is the minimum log level.
	EnvLogLevel = "LOG_LEVEL"

	// EnvRabbitMQExchange is the exchange queued conflicts are announced on.
	EnvRabbitMQExchange = "RABBITMQ_EXCHANGE"

	// EnvRabbitMQURL is the AMQP URL. Empty disables conflict announcements.
	EnvRabbitMQURL = "RABBITMQ_URL"

	// EnvRateLimitBackoffBase is the first backoff delay after a denied or throttled call.
	EnvRateLimitBackoffBase = "RATE_LIMIT_BACKOFF_BASE"

	// EnvRateLimitBackoffMax caps the backoff delay.
	EnvRateLimitBackoffMax = "RATE_LIMIT_BACKOFF_MAX"

	// EnvRateLimitCalls is the number of calls allowed per window and entity type.
	EnvRateLimitCalls = "RATE_LIMIT_CALLS"

	// EnvRateLimitWindow is the sliding window of the call budget.
	EnvRateLimitWindow = "RATE_LIMIT_WINDOW"

	// EnvSnapshotCompression enables zstd compression of stored payloads.
	EnvSnapshotCompression = "SNAPSHOT_COMPRESSION"

	// EnvSnapshotTTL expires stored snapshots. Zero keeps them forever.
	EnvSnapshotTTL = "SNAPSHOT_TTL"

	// EnvSSMWatermarkPrefix is the SSM parameter path holding sync watermarks.
	EnvSSMWatermarkPrefix = "SSM_WATERMARK_PREFIX"

	// EnvSyncPoolSize bounds the parallel jobs running at once.
	EnvSyncPoolSize = "SYNC_POOL_SIZE"

	// EnvSyncWorkers bounds the entity types synced concurrently within a job.
	EnvSyncWorkers = "SYNC_WORKERS"
)

// Cache holds snapshot read cache configuration.
type Cache struct {
	// Size is the number of cached snapshot sets. Zero disables the cache.
	Size int

	// TTL is how long a cached set stays fresh.
	TTL time.Duration
}

// DynamoDB holds AWS DynamoDB configuration.
type DynamoDB struct {
	// TableName is the name of the DynamoDB table holding entity snapshots.
	TableName string
}

// GoogleAds holds Google Ads API configuration.
type GoogleAds struct {
	// APIVersion is the API version path segment.
	APIVersion string

	// BaseURL is the base URL for API requests.
	BaseURL string

	// ClientID is the OAuth client identifier.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// CustomerID is the default customer to sync.
	CustomerID string

	// DeveloperToken is the API developer token.
	DeveloperToken string

	// LoginCustomerID is the manager account requests act through (optional).
	LoginCustomerID string

	// RefreshTokenSecretARN is the Secrets Manager ARN storing the OAuth refresh token.
	RefreshTokenSecretARN string
}

// Log holds logging configuration.
type Log struct {
	// Format is json or console.
	Format string

	// Level is the minimum level.
	Level string
}

// RabbitMQ holds conflict announcement configuration.
type RabbitMQ struct {
	// Exchange is the topic exchange conflicts are published to.
	Exchange string

	// URL is the AMQP URL. Empty disables announcements.
	URL string
}

// RateLimit holds the remote call budget.
type RateLimit struct {
	// BackoffBase is the first backoff delay.
	BackoffBase time.Duration

	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration

	// Calls is the number of calls allowed per window and entity type.
	Calls int

	// Window is the sliding window of the budget.
	Window time.Duration
}

// Snapshots holds snapshot persistence configuration.
type Snapshots struct {
	// Compression enables zstd compression of payloads.
	Compression bool

	// TTL expires stored snapshots. Zero keeps them forever.
	TTL time.Duration
}

// SSM holds AWS Systems Manager Parameter Store configuration.
type SSM struct {
	// WatermarkPrefix is the parameter path holding sync watermarks.
	WatermarkPrefix string
}

// Sync holds orchestrator configuration.
type Sync struct {
	// ConflictWindow is the modification-time distance treated as a concurrent update.
	ConflictWindow time.Duration

	// PoolSize bounds the parallel jobs running at once.
	PoolSize int

	// Workers bounds the entity types synced concurrently within a job.
	Workers int
}

// Settings holds all configuration for the application.
type Settings struct {
	// Cache contains snapshot read cache settings.
	Cache Cache

	// DynamoDB contains AWS DynamoDB settings.
	DynamoDB DynamoDB

	// GoogleAds contains Google Ads API settings.
	GoogleAds GoogleAds

	// Log contains logging settings.
	Log Log

	// RabbitMQ contains conflict announcement settings.
	RabbitMQ RabbitMQ

	// RateLimit contains the remote call budget.
	RateLimit RateLimit

	// SSM contains AWS Systems Manager Parameter Store settings.
	SSM SSM

	// Snapshots contains snapshot persistence settings.
	Snapshots Snapshots

	// Sync contains orchestrator settings.
	Sync Sync
}

func (s *Settings) validate() error {
	var errs []error

	if s.DynamoDB.TableName == "" {
		errs = append(errs, requiredError(EnvDynamoDBTableName))
	}
	if s.GoogleAds.ClientID == "" {
		errs = append(errs, requiredError(EnvGoogleAdsClientID))
	}
	if s.GoogleAds.ClientSecret == "" {
		errs = append(errs, requiredError(EnvGoogleAdsClientSecret))
	}
	if s.GoogleAds.DeveloperToken == "" {
		errs = append(errs, requiredError(EnvGoogleAdsDeveloperToken))
	}
	if s.GoogleAds.RefreshTokenSecretARN == "" {
		errs = append(errs, requiredError(EnvGoogleAdsRefreshTokenSecretARN))
	}
	if !strings.HasPrefix(s.SSM.WatermarkPrefix, "/") {
		errs = append(errs, fmt.Errorf("%s must start with '/'", EnvSSMWatermarkPrefix))
	}
	if s.RateLimit.Calls <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvRateLimitCalls))
	}
	if s.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvRateLimitWindow))
	}
	if s.RateLimit.BackoffBase <= 0 || s.RateLimit.BackoffMax < s.RateLimit.BackoffBase {
		errs = append(errs, fmt.Errorf("%s must be positive and at most %s", EnvRateLimitBackoffBase, EnvRateLimitBackoffMax))
	}
	if s.Sync.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvSyncWorkers))
	}
	if s.Sync.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvSyncPoolSize))
	}
	if s.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative", EnvCacheSize))
	}

	return errors.Join(errs...)
}

// Load reads configuration from environment variables. Variables from the given .env
// files (default ".env") fill in what the environment leaves unset; missing files are
// skipped.
func Load(envFiles ...string) (*Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	p := &parser{}
	rl := DefaultRateLimit()
	cfg := &Settings{
		Cache: Cache{
			Size: p.int(EnvCacheSize, 0),
			TTL:  p.duration(EnvCacheTTL, time.Minute),
		},
		DynamoDB: DynamoDB{
			TableName: strings.TrimSpace(os.Getenv(EnvDynamoDBTableName)),
		},
		GoogleAds: GoogleAds{
			APIVersion:            envOrDefault(EnvGoogleAdsAPIVersion, "v18"),
			BaseURL:               envOrDefault(EnvGoogleAdsBaseURL, "https://googleads.googleapis.com"),
			ClientID:              strings.TrimSpace(os.Getenv(EnvGoogleAdsClientID)),
			ClientSecret:          strings.TrimSpace(os.Getenv(EnvGoogleAdsClientSecret)),
			CustomerID:            strings.TrimSpace(os.Getenv(EnvGoogleAdsCustomerID)),
			DeveloperToken:        strings.TrimSpace(os.Getenv(EnvGoogleAdsDeveloperToken)),
			LoginCustomerID:       strings.TrimSpace(os.Getenv(EnvGoogleAdsLoginCustomerID)),
			RefreshTokenSecretARN: strings.TrimSpace(os.Getenv(EnvGoogleAdsRefreshTokenSecretARN)),
		},
		Log: Log{
			Format: envOrDefault(EnvLogFormat, "json"),
			Level:  envOrDefault(EnvLogLevel, "info"),
		},
		RabbitMQ: RabbitMQ{
			Exchange: envOrDefault(EnvRabbitMQExchange, "adsmirror.conflicts"),
			URL:      strings.TrimSpace(os.Getenv(EnvRabbitMQURL)),
		},
		RateLimit: RateLimit{
			BackoffBase: p.duration(EnvRateLimitBackoffBase, rl.BackoffBase),
			BackoffMax:  p.duration(EnvRateLimitBackoffMax, rl.BackoffMax),
			Calls:       p.int(EnvRateLimitCalls, rl.Calls),
			Window:      p.duration(EnvRateLimitWindow, rl.Window),
		},
		SSM: SSM{
			WatermarkPrefix: envOrDefault(EnvSSMWatermarkPrefix, "/adsmirror/watermarks"),
		},
		Snapshots: Snapshots{
			Compression: p.bool(EnvSnapshotCompression, true),
			TTL:         p.duration(EnvSnapshotTTL, 0),
		},
		Sync: Sync{
			ConflictWindow: p.duration(EnvConflictWindow, 60*time.Second),
			PoolSize:       p.int(EnvSyncPoolSize, 4),
			Workers:        p.int(EnvSyncWorkers, 4),
		},
	}

	if err := errors.Join(p.err(), cfg.validate()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultRateLimit returns the basic access tier budget of the Google Ads API.
func DefaultRateLimit() RateLimit {
	return RateLimit{
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
		Calls:       15000,
		Window:      24 * time.Hour,
	}
}

// parser reads typed variables, collecting every malformed value.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s must be a non-negative duration, got %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) bool(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func envOrDefault(key string, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func requiredError(envVar string) error {
	return fmt.Errorf("%s is required", envVar)
}
