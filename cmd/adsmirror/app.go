package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/change"
	"github.com/peteski22/adsmirror/internal/config"
	"github.com/peteski22/adsmirror/internal/entity"
	"github.com/peteski22/adsmirror/internal/googleads"
	"github.com/peteski22/adsmirror/internal/ratelimit"
	"github.com/peteski22/adsmirror/internal/review"
	"github.com/peteski22/adsmirror/internal/storage"
	mirror "github.com/peteski22/adsmirror/internal/sync"
	"github.com/peteski22/adsmirror/internal/telemetry"
)

// app holds a wired orchestrator and the resources it owns.
type app struct {
	closers      []func() error
	customerID   string
	logger       *zap.Logger
	orchestrator *mirror.Orchestrator
	stats        *telemetry.Stats
}

// orchestratorDeps carries what differs between the Lambda and local wiring.
type orchestratorDeps struct {
	adapter        mirror.SourceAdapter
	conflictWindow time.Duration
	poolSize       int
	rateLimit      config.RateLimit
	review         review.Config
	store          mirror.SnapshotStore
}

// Close stops running jobs, then releases owned resources in reverse order.
func (a *app) Close() error {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

// newLambdaApp wires the AWS-backed stores: DynamoDB snapshots, SSM watermarks and a
// Secrets Manager refresh token.
func newLambdaApp(ctx context.Context, cfg *config.Settings, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	codec, err := storage.NewCodec(cfg.Snapshots.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating payload codec: %w", err)
	}

	var ddbOpts []storage.DynamoDBOption
	if cfg.Snapshots.TTL > 0 {
		ddbOpts = append(ddbOpts, storage.WithDynamoDBTTL(cfg.Snapshots.TTL))
	}
	snapshots, err := storage.NewDynamoDBSnapshots(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDB.TableName, codec, ddbOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	watermarks, err := storage.NewSSMWatermarks(ssm.NewFromConfig(awsCfg), cfg.SSM.WatermarkPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating watermark store: %w", err)
	}

	var store storage.Store
	store, err = storage.NewComposite(snapshots, watermarks)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	if cfg.Cache.Size > 0 {
		cached, err := storage.NewCached(store, cfg.Cache.Size, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("creating snapshot cache: %w", err)
		}
		a.closers = append(a.closers, func() error {
			cached.Close()
			return nil
		})
		store = cached
	}

	tokenStore, err := storage.NewTokenStore(secretsmanager.NewFromConfig(awsCfg), cfg.GoogleAds.RefreshTokenSecretARN)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating token store: %w", err), a.Close())
	}

	client, err := newAdsClient(cfg.GoogleAds, tokenStore, logger)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	reviewCfg := review.Config{Logger: logger}
	if cfg.RabbitMQ.URL != "" {
		conn, ch, err := review.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.closers = append(a.closers, conn.Close)

		notifier, err := review.NewAMQPNotifier(review.AMQPConfig{
			Exchange:  cfg.RabbitMQ.Exchange,
			Publisher: ch,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating conflict notifier: %w", err), a.Close())
		}
		reviewCfg.Notifier = notifier
	}

	if err := a.wire(orchestratorDeps{
		adapter:        client,
		conflictWindow: cfg.Sync.ConflictWindow,
		poolSize:       cfg.Sync.PoolSize,
		rateLimit:      cfg.RateLimit,
		review:         reviewCfg,
		store:          store,
	}); err != nil {
		return nil, errors.Join(err, a.Close())
	}

	return a, nil
}

// newLocalApp wires a SQLite database for snapshots, watermarks and the review backlog,
// with the refresh token in the local token file.
func newLocalApp(ctx context.Context, cfg *config.LocalConfig, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	codec, err := storage.NewCodec(cfg.Storage.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating payload codec: %w", err)
	}

	db, err := storage.NewSQLite(ctx, cfg.Storage.DatabasePath, codec)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	tokenPath, err := config.TokenFilePath()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("getting token path: %w", err), a.Close())
	}
	tokenStore, err := storage.NewFileTokenStore(tokenPath)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating token store: %w", err), a.Close())
	}

	client, err := newAdsClient(cfg.GoogleAds, tokenStore, logger)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	if err := a.wire(orchestratorDeps{
		adapter:        client,
		conflictWindow: cfg.Sync.ConflictWindow,
		poolSize:       cfg.Sync.PoolSize,
		rateLimit:      cfg.RateLimit,
		review:         review.Config{Backend: db.ReviewBackend(), Logger: logger},
		store:          db,
	}); err != nil {
		return nil, errors.Join(err, a.Close())
	}

	return a, nil
}

// wire builds the orchestrator shared by every entry point.
func (a *app) wire(deps orchestratorDeps) error {
	limiter, err := ratelimit.New(ratelimit.Config{
		BackoffBase: deps.rateLimit.BackoffBase,
		BackoffMax:  deps.rateLimit.BackoffMax,
		Default: ratelimit.Limit{
			Calls:  deps.rateLimit.Calls,
			Window: deps.rateLimit.Window,
		},
	})
	if err != nil {
		return fmt.Errorf("creating rate limiter: %w", err)
	}

	a.stats = telemetry.NewStats()

	orchestrator, err := mirror.New(mirror.Config{
		Adapter:        deps.adapter,
		ConflictWindow: deps.conflictWindow,
		// Only incremental fetches populate the modification time.
		Detector:    change.NewDetector(change.WithIgnoredFields(entity.LastModifiedField)),
		Logger:      a.logger,
		PoolSize:    deps.poolSize,
		RateLimiter: limiter,
		Review:      review.NewQueue(deps.review),
		Stats:       a.stats,
		Store:       deps.store,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	a.orchestrator = orchestrator

	return nil
}

func newAdsClient(cfg config.GoogleAds, tokens googleads.TokenStore, logger *zap.Logger) (*googleads.Client, error) {
	opts := []googleads.Option{
		googleads.WithAPIVersion(cfg.APIVersion),
		googleads.WithBaseURL(cfg.BaseURL),
		googleads.WithLogger(logger),
	}
	if cfg.LoginCustomerID != "" {
		opts = append(opts, googleads.WithLoginCustomerID(cfg.LoginCustomerID))
	}

	client, err := googleads.NewClient(googleads.Config{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		DeveloperToken: cfg.DeveloperToken,
		TokenStore:     tokens,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Google Ads client: %w", err)
	}
	return client, nil
}
