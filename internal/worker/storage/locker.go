package storage

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// AdvisoryLocker serializes runs per owner across worker processes with
// Postgres session advisory locks. Each held lock pins one pooled connection.
type AdvisoryLocker struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewAdvisoryLocker creates a new AdvisoryLocker
func NewAdvisoryLocker(db *sqlx.DB, logger *slog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, logger: logger}
}

// TryLock takes the advisory lock for ownerID without waiting. The pinned
// connection is returned to the pool when the lock is busy.
func (l *AdvisoryLocker) TryLock(ctx context.Context, ownerID string) (func(), bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, ownerID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	l.logger.Debug("Owner lock acquired", slog.String("owner_id", ownerID))

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, ownerID); err != nil {
				l.logger.Error("Failed to release owner lock, discarding connection",
					slog.String("owner_id", ownerID),
					slog.String("error", err.Error()),
				)
				// the session lock dies with the connection
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}, true, nil
}
