package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/circuitbreaker"
)

//go:embed schema.sql
var schema string

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver          string                `mapstructure:"driver"`
	DSN             string                `mapstructure:"dsn"`
	Host            string                `mapstructure:"host"`
	Port            int                   `mapstructure:"port"`
	User            string                `mapstructure:"user"`
	Password        string                `mapstructure:"password"`
	Database        string                `mapstructure:"database"`
	SSLMode         string                `mapstructure:"sslmode"`
	MaxConnections  int                   `mapstructure:"max_connections"`
	IdleConnections int                   `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration         `mapstructure:"max_lifetime"`
	Breaker         circuitbreaker.Config `mapstructure:"circuit_breaker"`
}

// Client owns the connection pool shared by the SQL stores.
type Client struct {
	db      *sqlx.DB
	guarded *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	config  *Config
}

// NewClient opens the database, verifies connectivity and applies the schema.
func NewClient(ctx context.Context, config *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	dsn, err := config.dataSource()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Driver == DriverSQLite && isMemoryDSN(dsn) {
		// every pooled connection to :memory: is a distinct database
		config.MaxConnections, config.IdleConnections = 1, 1
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	return newClient(ctx, db, config, logger)
}

// NewClientFromDB wraps an existing handle. The schema is applied when migrate is set.
func NewClientFromDB(ctx context.Context, db *sqlx.DB, config *Config, migrate bool, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &Config{Driver: db.DriverName()}
	}
	c := &Client{
		db:      db,
		guarded: circuitbreaker.NewDatabaseWrapper(db, "database", config.Breaker, logger),
		logger:  logger,
		config:  config,
	}
	if migrate {
		if err := c.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newClient(ctx context.Context, db *sqlx.DB, config *Config, logger *zap.Logger) (*Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c, err := NewClientFromDB(ctx, db, config, true, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
	)
	return c, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// DB returns the unguarded handle used for state transitions.
func (c *Client) DB() *sqlx.DB { return c.db }

// Guarded returns the circuit-breaker protected handle used for best-effort writes.
func (c *Client) Guarded() *circuitbreaker.DatabaseWrapper { return c.guarded }

// Driver returns the configured driver name.
func (c *Client) Driver() string { return c.config.Driver }

// Ping checks connectivity for health probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the connection pool.
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (c *Config) dataSource() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	switch c.Driver {
	case DriverPostgres:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
		), nil
	case DriverSQLite:
		return "file:orchestrator.db?_busy_timeout=5000&_journal_mode=WAL", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
