package postgresql

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const pingTimeout = 5 * time.Second

// Config holds PostgreSQL connection configuration
type Config struct {
	Host                 string
	Port                 int
	User                 string
	Password             string
	Database             string
	SSLMode              string
	MaxOpenConns         int
	MaxIdleConns         int
	ConnMaxLifetime      time.Duration
	ConnMaxIdleTime      time.Duration
	ConnectRetries       int
	ConnectRetryInterval time.Duration
}

// DSN returns a postgres:// URL with credentials escaped. sslmode defaults to disable.
func (c *Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// Client owns the sqlx pool shared by the stores
type Client struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewClient opens the pool and waits until the server answers a ping,
// retrying ConnectRetries times so services can start before the database
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Connecting to PostgreSQL",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	client := newClient(db, logger)
	if err := client.waitReady(config.ConnectRetries, config.ConnectRetryInterval); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Successfully connected to PostgreSQL",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return client, nil
}

func newClient(db *sqlx.DB, logger *slog.Logger) *Client {
	return &Client{db: db, logger: logger}
}

func (c *Client) waitReady(retries int, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("PostgreSQL not ready, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", retries),
				slog.String("error", err.Error()),
			)
			time.Sleep(interval)
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = c.db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to ping PostgreSQL after %d attempts: %w", retries+1, err)
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Close closes the pool
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}

	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close PostgreSQL connection", slog.Any("error", err))
		return err
	}

	c.logger.Info("PostgreSQL connection closed")
	return nil
}

// Migrate applies the embedded schema migrations
func (c *Client) Migrate(ctx context.Context) error {
	return Migrate(ctx, c.db, c.logger)
}

// HealthCheck round-trips a trivial query and reports pool pressure
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var one int
	if err := c.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	stats := c.db.Stats()
	c.logger.Debug("PostgreSQL pool stats",
		slog.Int("open", stats.OpenConnections),
		slog.Int("in_use", stats.InUse),
		slog.Int("idle", stats.Idle),
		slog.Int64("wait_count", stats.WaitCount),
		slog.Duration("wait_duration", stats.WaitDuration),
	)

	return nil
}
