// Package postgres opens the relational backend and runs transactions for
// the SQL stores.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mySupply/phoss-smp/internal/platform/config"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
	"github.com/mySupply/phoss-smp/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const (
	defaultTxTimeout = 5 * time.Second

	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the SMP tables when they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a primary key or unique index clash.
func IsUniqueViolation(err error) bool {
	return hasCode(err, uniqueViolation)
}

// IsSerializationFailure reports whether the transaction lost a write race
// under repeatable-read or serializable isolation.
func IsSerializationFailure(err error) bool {
	return hasCode(err, serializationFailure)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// TxRunner runs a function inside one database transaction. Stores pick the
// transaction up from the context.
type TxRunner struct {
	db        *sql.DB
	timeout   time.Duration
	isolation sql.IsolationLevel
	logger    *slog.Logger
}

type TxOption func(*TxRunner)

func WithTimeout(d time.Duration) TxOption {
	return func(t *TxRunner) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithSerializable raises isolation from repeatable read to serializable.
func WithSerializable() TxOption {
	return func(t *TxRunner) {
		t.isolation = sql.LevelSerializable
	}
}

func WithLogger(logger *slog.Logger) TxOption {
	return func(t *TxRunner) {
		t.logger = logger
	}
}

func NewTxRunner(db *sql.DB, opts ...TxOption) *TxRunner {
	t := &TxRunner{
		db:        db,
		timeout:   defaultTxTimeout,
		isolation: sql.LevelRepeatableRead,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RunInTx commits when fn returns nil and rolls back otherwise. A context
// that already carries a transaction is reused.
func (t *TxRunner) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := tx.From(ctx); ok {
		return fn(ctx)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	sqlTx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: t.isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if IsSerializationFailure(err) {
			t.logger.WarnContext(ctx, "transaction lost a concurrent write race", "error", err)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Executor is the subset of *sql.DB and *sql.Tx the stores use.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn returns the transaction in ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Executor {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return db
}

// ExpectRows fails with an invalid-state error unless res affected want rows.
func ExpectRows(res sql.Result, want int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n != want {
		return fmt.Errorf("%s: affected %d rows, expected %d: %w", op, n, want, sentinel.ErrInvalidState)
	}
	return nil
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime maps the zero time to NULL.
func NullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
