package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hatchworks/conveyor/pkg/auth"
	"github.com/hatchworks/conveyor/pkg/blob"
	"github.com/hatchworks/conveyor/pkg/broker"
	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/config"
	"github.com/hatchworks/conveyor/pkg/embedding"
	"github.com/hatchworks/conveyor/pkg/extract"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/notifier"
	"github.com/hatchworks/conveyor/pkg/processor"
	"github.com/hatchworks/conveyor/pkg/provider"
	"github.com/hatchworks/conveyor/pkg/repository"
	"github.com/hatchworks/conveyor/pkg/snowflake"
	"github.com/hatchworks/conveyor/pkg/types"
	"github.com/hatchworks/conveyor/pkg/vectorstore"
)

// app holds the shared wiring every subcommand builds on
type app struct {
	cfg     *config.Config
	ids     *snowflake.Generator
	redis   *cache.RedisCache
	pg      *cache.PostgresCache
	hybrid  *cache.HybridCache
	db      *sqlx.DB
	broker  *broker.Broker
	repos   map[types.Source]repository.JobRepository
	vectors *vectorstore.Client
	costs   *provider.CostTracker
	authMgr *auth.Manager
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	ids, err := snowflake.NewGenerator(cfg.App.MachineID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rc, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	db, err := repository.Connect(ctx, cfg.Postgres.DatabaseURL, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	pc := cache.NewPostgresCacheFromDB(db)
	hybrid := cache.NewHybridCache(rc, pc)

	b := broker.New(rc.Client(), cfg.Broker.Queues, cfg.Broker.MaxRetries)

	pgRepo := repository.NewPostgresRepository(db)
	repos := map[types.Source]repository.JobRepository{
		types.SourceEmail:      repository.NewRedisRepository(rc.Client()),
		types.SourceSharepoint: pgRepo,
		types.SourceAWSS3:      pgRepo,
		types.SourceAzure:      pgRepo,
	}

	vectors := vectorstore.NewClient(vectorstore.Config{
		Host:    cfg.Qdrant.Host,
		Port:    cfg.Qdrant.Port,
		APIKey:  cfg.Qdrant.APIKey,
		UseTLS:  cfg.Qdrant.UseTLS,
		Timeout: cfg.Qdrant.Timeout,
	})

	return &app{
		cfg:     cfg,
		ids:     ids,
		redis:   rc,
		pg:      pc,
		hybrid:  hybrid,
		db:      db,
		broker:  b,
		repos:   repos,
		vectors: vectors,
		costs:   provider.NewCostTracker(hybrid, cfg.OpenAI.MonthlyCostLimit),
		authMgr: auth.NewManager(hybrid, cfg.Security.FailedAuthBanAt),
	}, nil
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
}

// buildProcessors wires the LLM provider and the processor registry
// for the worker command.
func (a *app) buildProcessors() (*processor.Registry, error) {
	keys := provider.NewKeyManager(a.hybrid, a.cfg.OpenAI.APIKey, a.cfg.OpenAI.BackupAPIKeys)
	llm := provider.NewOpenAI(provider.Options{
		ModelChoices:      a.cfg.OpenAI.ModelChoices,
		FallbackModel:     a.cfg.OpenAI.FallbackModel,
		EmbeddingModel:    a.cfg.OpenAI.EmbeddingModel,
		RequestsPerSecond: a.cfg.OpenAI.RequestsPerSecond,
		Timeout:           a.cfg.OpenAI.RequestTimeout,
	}, keys, a.costs)

	pipeline := embedding.New(extract.NewRegistry(), llm, a.vectors)
	pipeline.SetLimits(a.cfg.App.MaxAttachmentSize, a.cfg.App.MaxEmailTextSize)

	var fetcher blob.Fetcher
	if a.cfg.R2.AccountID != "" {
		f, err := blob.NewR2Fetcher(blob.R2Config{
			AccountID:       a.cfg.R2.AccountID,
			AccessKeyID:     a.cfg.R2.AccessKeyID,
			SecretAccessKey: a.cfg.R2.SecretAccessKey,
			Bucket:          a.cfg.R2.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build R2 client: %w", err)
		}
		fetcher = f
	}

	registry := processor.NewRegistry()
	registry.Register(processor.NewSubjectAnalysis(llm, a.costs,
		a.cfg.Prompts.SubjectAnalysis, a.cfg.OpenAI.MaxTokensPerRequest))
	registry.Register(processor.NewEmailAnalysis(llm, a.costs,
		a.cfg.Prompts.EmailAnalysis, a.cfg.OpenAI.MaxTokensPerRequest, a.cfg.App.CompanyDomains))
	registry.Register(processor.NewEmbedding(pipeline, a.costs, fetcher,
		repository.NewFileRepository(a.db)))
	return registry, nil
}

func (a *app) notifier() notifier.Notifier {
	cfg := notifier.Config{
		Channel:           a.cfg.Notifications.Channel,
		URL:               a.cfg.Webhook.URL,
		Timeout:           a.cfg.Webhook.Timeout,
		AuthToken:         a.cfg.Webhook.AuthToken,
		OutcomeLogPath:    a.cfg.Notifications.LogFile.Path,
		OutcomeLogSizeMB:  a.cfg.Notifications.LogFile.MaxSizeMB,
		OutcomeLogBackups: a.cfg.Notifications.LogFile.BackupCount,
	}
	if cfg.Channel == "webhook" && !a.cfg.Webhook.Enabled {
		cfg.Channel = "none"
	}
	return notifier.New(cfg)
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
