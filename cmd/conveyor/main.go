package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hatchworks/conveyor/pkg/api"
	"github.com/hatchworks/conveyor/pkg/auth"
	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/config"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/scheduler"
	"github.com/hatchworks/conveyor/pkg/types"
	"github.com/hatchworks/conveyor/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor - multi-tenant async job processing platform",
	Long: `Conveyor ingests emails and documents over HTTP, queues them as
durable jobs, and processes them asynchronously: LLM-backed email and
subject analysis, and multi-vector document embedding into Qdrant.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conveyor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to settings.yaml")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyGenerateCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		srv := api.New(api.Options{
			Port:    app.cfg.App.Port,
			AuthMgr: app.authMgr,
			Limiter: auth.NewRateLimiter(app.hybrid),
			Limits:  app.cfg.RateLimits,
			Repos:   app.repos,
			Broker:  app.broker,
			Cache:   app.hybrid,
			Vectors: app.vectors,
			Costs:   app.costs,
			IDs:     app.ids,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case <-interrupt():
			log.Info("shutting down")
		case err := <-errCh:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job processing workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		registry, err := app.buildProcessors()
		if err != nil {
			return err
		}

		pool := worker.New(worker.Config{
			Count:            app.cfg.Broker.WorkerCount,
			LockTTL:          app.cfg.Broker.LockTTL,
			DefaultTimeout:   app.cfg.Broker.DefaultTimeout,
			EmbeddingTimeout: app.cfg.Broker.EmbeddingTimeout,
			PollFallback:     app.cfg.Broker.PollFallback,
		}, app.broker, app.repos, registry, app.notifier())

		pool.Start()
		<-interrupt()
		log.Info("draining workers")
		pool.Stop()
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the pending-job sweeps and janitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		sched, err := scheduler.New(scheduler.Config{
			BeatInterval: app.cfg.Broker.BeatInterval,
			Timezone:     app.cfg.App.Timezone,
			BatchSize:    app.cfg.Broker.PendingBatchSize,
		}, app.broker, app.repos)
		if err != nil {
			return err
		}

		if err := sched.Start(); err != nil {
			return err
		}
		<-interrupt()
		sched.Stop()
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Issue a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID, _ := cmd.Flags().GetString("client")
		tier, _ := cmd.Flags().GetString("tier")
		if clientID == "" {
			return fmt.Errorf("--client is required")
		}
		if !types.Tier(tier).Valid() {
			return fmt.Errorf("invalid tier %q", tier)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			return err
		}
		defer rc.Close()

		mgr := auth.NewManager(rc, cfg.Security.FailedAuthBanAt)
		key, err := mgr.GenerateKey(ctx, clientID, types.Tier(tier))
		if err != nil {
			return err
		}

		fmt.Println(key)
		return nil
	},
}

func init() {
	apikeyGenerateCmd.Flags().String("client", "", "client identifier the key belongs to")
	apikeyGenerateCmd.Flags().String("tier", "free", "key tier: free, pro, enterprise or admin")
}

func interrupt() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh
}
