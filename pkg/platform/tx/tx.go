// Package tx carries transaction scope through context so stores can join the
// scope opened by a manager without widening their method signatures.
package tx

import (
	"context"
	"database/sql"
)

type (
	txKey   struct{}
	lockKey struct{}
)

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithLockOwner marks ctx as running inside the exclusive section of owner.
// In-memory stores use it to skip re-acquiring their own lock. Marks nest, so
// a section entered from inside another keeps both owners visible.
func WithLockOwner(ctx context.Context, owner any) context.Context {
	held, _ := ctx.Value(lockKey{}).([]any)
	next := make([]any, len(held), len(held)+1)
	copy(next, held)
	return context.WithValue(ctx, lockKey{}, append(next, owner))
}

// HoldsLock reports whether ctx was marked by WithLockOwner for owner.
func HoldsLock(ctx context.Context, owner any) bool {
	held, _ := ctx.Value(lockKey{}).([]any)
	for _, h := range held {
		if h == owner {
			return true
		}
	}
	return false
}
