package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/types"
)

func newTestPostgresRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPostgresCreate(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("j1", "email_analysis", "email", "alice@example.com", "pending",
			5, `{"subject":"hi"}`, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &types.Job{
		ID:     "j1",
		Type:   types.JobTypeEmailAnalysis,
		Source: types.SourceEmail,
		Owner:  "alice@example.com",
		Data:   json.RawMessage(`{"subject":"hi"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimWinsOnPending(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectExec(`UPDATE jobs SET status = 'processing'`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := repo.Claim(context.Background(), "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimLosesOnProcessing(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectCommit()

	claimed, err := repo.Claim(context.Background(), "j1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimMissingJob(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := repo.Claim(context.Background(), "nope", time.Minute)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPostgresListPendingSchedules(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	rows := sqlmock.NewRows([]string{
		"id", "type", "source", "owner", "status", "priority", "data", "results",
		"error", "created_at", "updated_at", "expires_at", "lock_expires_at",
	}).
		AddRow("j1", "embedding", "sharepoint", "alice@example.com", "scheduled", 5,
			`{"doc":"a"}`, nil, "", time.Now(), time.Now(), nil, nil).
		AddRow("j2", "embedding", "sharepoint", "alice@example.com", "scheduled", 5,
			nil, nil, "", time.Now(), time.Now(), nil, nil)

	mock.ExpectQuery(`(?s)UPDATE jobs SET status = 'scheduled'.+FOR UPDATE SKIP LOCKED.+RETURNING`).
		WithArgs(sqlmock.AnyArg(), 10).
		WillReturnRows(rows)

	jobs, err := repo.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, types.StatusScheduled, jobs[0].Status)
	assert.JSONEq(t, `{"doc":"a"}`, string(jobs[0].Data))
	assert.Nil(t, jobs[1].Data)
}

func TestPostgresResetExpired(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	mock.ExpectExec(`(?s)UPDATE jobs SET status = 'pending'.+lock_expires_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ResetExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStoreErrorMarksFailed(t *testing.T) {
	repo, mock := newTestPostgresRepo(t)

	mock.ExpectExec(`UPDATE jobs SET error = \$1, status = 'failed'`).
		WithArgs("boom", sqlmock.AnyArg(), "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.StoreError(context.Background(), "j1", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
