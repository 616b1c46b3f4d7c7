package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigDSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "clipper", Password: "secret", Database: "clipper"}
	assert.Equal(t, "postgres://clipper:secret@db:5432/clipper?sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	cfg.Password = "p@ss word/1"
	assert.Equal(t, "postgres://clipper:p%40ss%20word%2F1@db:5432/clipper?sslmode=require", cfg.DSN())
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	client := newClient(sqlx.NewDb(db, "sqlmock"), discardLogger())

	mock.ExpectQuery(`SELECT 1`).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, client.HealthCheck(context.Background()))

	mock.ExpectQuery(`SELECT 1`).WillReturnError(errors.New("connection refused"))
	err = client.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "database health check failed")
}

func TestWaitReady(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	client := newClient(sqlx.NewDb(db, "sqlmock"), discardLogger())

	mock.ExpectPing().WillReturnError(errors.New("starting up"))
	mock.ExpectPing()
	require.NoError(t, client.waitReady(2, time.Millisecond))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	mock.ExpectPing().WillReturnError(errors.New("down"))
	err = client.waitReady(1, time.Millisecond)
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.NoError(t, mock.ExpectationsWereMet())
}
