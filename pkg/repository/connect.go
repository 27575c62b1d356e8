package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"github.com/hatchworks/conveyor/pkg/log"
)

// Connect opens the Postgres pool, retrying with exponential backoff
// so a worker starting before the database is up does not crash-loop.
func Connect(ctx context.Context, databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	var db *sqlx.DB

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(2*time.Minute),
	), ctx)

	err := backoff.RetryNotify(func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", databaseURL)
		return err
	}, policy, func(err error, wait time.Duration) {
		log.WithComponent("repository").Warn().
			Err(err).
			Dur("retry_in", wait).
			Msg("postgres not ready")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}
