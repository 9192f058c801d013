package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the booking path reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeExclusionViolation   = "23P01"
)

// DefaultTxAttempts bounds how often a serializable transaction is replayed
// after a serialization failure.
const DefaultTxAttempts = 3

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxFromContext returns the transaction started by RunInTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn picks the most specific handle available on ctx: the running
// transaction, then the tenant connection, then the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// RunInTx runs fn inside a transaction carried on ctx. Serializable
// transactions that fail with a serialization error are replayed up to
// DefaultTxAttempts times. A transaction already on ctx is reused.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var beginner txBeginner
	if c := ConnFromContext(ctx); c != nil {
		beginner = c
	} else if pool != nil {
		beginner = pool
	} else {
		return errors.New("no database connection in context")
	}

	attempts := 1
	if opts.IsoLevel == pgx.Serializable {
		attempts = DefaultTxAttempts
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = runOnce(ctx, beginner, opts, fn)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}
	}
	return err
}

func runOnce(ctx context.Context, b txBeginner, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	tx, err := b.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsSerializationFailure reports a retryable concurrency abort.
func IsSerializationFailure(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

// IsExclusionViolation reports a violated EXCLUDE constraint, such as two
// overlapping appointments for one provider.
func IsExclusionViolation(err error) bool {
	return pgCode(err) == codeExclusionViolation
}

func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}
