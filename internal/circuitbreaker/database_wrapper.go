package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards sqlx calls with a circuit breaker.
// Row-not-found is a successful round trip and does not count against the breaker.
type DatabaseWrapper struct {
	db *sqlx.DB
	cb *CircuitBreaker
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, name string, config Config, logger *zap.Logger) *DatabaseWrapper {
	return &DatabaseWrapper{
		db: db,
		cb: NewCircuitBreaker(name, config, logger),
	}
}

// Breaker exposes the underlying breaker for health reporting.
func (dw *DatabaseWrapper) Breaker() *CircuitBreaker { return dw.cb }

// DB returns the unguarded handle.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Rebind converts ? placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.cb.Execute(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var notFound bool
	err := dw.cb.Execute(ctx, func() error {
		err := dw.db.GetContext(ctx, dest, query, args...)
		if err == sql.ErrNoRows {
			notFound = true
			return nil
		}
		return err
	})
	if err == nil && notFound {
		return sql.ErrNoRows
	}
	return err
}

func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}
