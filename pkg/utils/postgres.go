package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresPoolConfig controls database/sql pool behavior.
// Keep it config-driven; defaults should be safe and conservative.
type PostgresPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresPoolConfig) withDefaults() PostgresPoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 25
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 25
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres opens a Postgres connection using database/sql.
// driverName should typically be "pgx" (pgx stdlib).
// dsn must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, driverName, dsn string, pool PostgresPoolConfig) (*sql.DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck pings the DB with a timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// ContextWithTx attaches tx to ctx so repositories join the unit of work.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction attached by the unit of work, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Querier returns the ambient transaction when one is open, otherwise db.
func Querier(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn inside a transaction.
// - If fn returns error: tx is rolled back and the error is returned.
// - If fn panics: tx is rolled back and the panic is re-thrown.
// - If commit fails: commit error is returned.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// ErrTxUnsupported signals that the backing store cannot run multi-statement
// transactions (e.g. a statement-mode pooler in front of Postgres).
var ErrTxUnsupported = errors.New("transactions not supported by backing store")

// sqlStateFeatureNotSupported is the SQLSTATE poolers and Postgres-compatible
// stores report when BEGIN/COMMIT is refused.
const sqlStateFeatureNotSupported = "0A000"

// IsTxUnsupported reports whether err means the store lacks transaction support.
func IsTxUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTxUnsupported) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateFeatureNotSupported
	}
	return false
}

// TxRunner executes fn as one unit of work. Repositories called with the ctx
// handed to fn join the unit of work.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UnitOfWork is the Postgres TxRunner.
//
// When the store refuses transactions, fn is invoked once more without a
// transaction. In that mode each statement is atomic on its own but the group
// is not.
type UnitOfWork struct {
	db  *sql.DB
	log *slog.Logger
}

func NewUnitOfWork(db *sql.DB, log *slog.Logger) *UnitOfWork {
	if log == nil {
		log = slog.Default()
	}
	return &UnitOfWork{db: db, log: log}
}

func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	atomic := func(ctx context.Context) error {
		return WithTx(ctx, u.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
			return fn(ContextWithTx(ctx, tx))
		})
	}
	return runWithFallback(ctx, u.log, atomic, fn)
}

// runWithFallback runs atomic and, if it failed because transactions are
// unsupported, runs fn once without a transaction.
func runWithFallback(ctx context.Context, log *slog.Logger, atomic, fn func(ctx context.Context) error) error {
	err := atomic(ctx)
	if err == nil || !IsTxUnsupported(err) {
		return err
	}
	log.WarnContext(ctx, "transactions unsupported, running unit of work non-atomically", "err", err)
	return fn(ctx)
}
