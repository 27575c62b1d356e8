package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/config"
	applog "github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/repository"
)

var (
	configPath = flag.String("config", "", "path to settings.yaml")
	dryRun     = flag.Bool("dry-run", false, "print the schema without applying it")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Conveyor Schema Migration Tool")
	log.Println("==============================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applog.Init(applog.Config{Level: applog.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSONOutput})

	if *dryRun {
		log.Println("[DRY RUN] Would apply the following statements:")
		fmt.Print(repository.Schema)
		fmt.Print(cache.Schema)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := repository.Connect(ctx, cfg.Postgres.DatabaseURL, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	log.Println("Applying job store schema...")
	if _, err := db.ExecContext(ctx, repository.Schema); err != nil {
		log.Fatalf("Job store migration failed: %v", err)
	}
	log.Println("Applying cache fallback schema...")
	if _, err := db.ExecContext(ctx, cache.Schema); err != nil {
		log.Fatalf("Cache migration failed: %v", err)
	}

	log.Println("Migration completed successfully")
}
