package wal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
	"github.com/mySupply/phoss-smp/pkg/platform/tx"
)

// DefaultCheckpointEvery is the number of logged mutations after which the
// document is rewritten and the WAL truncated.
const DefaultCheckpointEvery = 64

// Table is a WAL-backed map guarded by one RWMutex. Mutations must run inside
// RunLocked; reads made from inside RunLocked skip the read lock.
type Table[T any] struct {
	mu     sync.RWMutex
	items  map[string]T
	log    *Log[T]
	codec  Codec[T]
	logger *slog.Logger

	checkpointEvery int
	sinceCheckpoint int
}

type TableOption func(*tableOptions)

type tableOptions struct {
	logger          *slog.Logger
	checkpointEvery int
}

func WithLogger(logger *slog.Logger) TableOption {
	return func(o *tableOptions) {
		o.logger = logger
	}
}

// WithCheckpointEvery sets the checkpoint interval; n <= 0 keeps the default.
func WithCheckpointEvery(n int) TableOption {
	return func(o *tableOptions) {
		if n > 0 {
			o.checkpointEvery = n
		}
	}
}

// OpenTable recovers name from dir and returns the live table.
func OpenTable[T any](dir, name string, codec Codec[T], opts ...TableOption) (*Table[T], error) {
	o := tableOptions{logger: slog.Default(), checkpointEvery: DefaultCheckpointEvery}
	for _, opt := range opts {
		opt(&o)
	}
	log, items, err := Open(dir, name, codec, o.logger)
	if err != nil {
		return nil, err
	}
	return &Table[T]{
		items:           items,
		log:             log,
		codec:           codec,
		logger:          o.logger,
		checkpointEvery: o.checkpointEvery,
	}, nil
}

// RunLocked runs fn under the write lock. fn receives a context that marks
// the lock as held so Put, Remove and the read helpers can be used inside.
func (t *Table[T]) RunLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx.HoldsLock(ctx, t) {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	err := fn(tx.WithLockOwner(ctx, t))
	if t.sinceCheckpoint >= t.checkpointEvery {
		if cerr := t.checkpointLocked(); cerr != nil {
			// The mutation is durable in the WAL already.
			t.logger.ErrorContext(ctx, "wal checkpoint failed", "error", cerr)
		}
	}
	return err
}

// Get returns a copy of the stored value. T values are copied shallowly;
// callers holding slices must clone before handing them out.
func (t *Table[T]) Get(ctx context.Context, key string) (T, bool) {
	if !tx.HoldsLock(ctx, t) {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	v, ok := t.items[key]
	return v, ok
}

// Values returns all records sorted by key.
func (t *Table[T]) Values(ctx context.Context) []T {
	if !tx.HoldsLock(ctx, t) {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	return sortedValues(t.items, t.codec)
}

// Filter returns the records matching keep, sorted by key.
func (t *Table[T]) Filter(ctx context.Context, keep func(T) bool) []T {
	var out []T
	for _, v := range t.Values(ctx) {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (t *Table[T]) Len(ctx context.Context) int {
	if !tx.HoldsLock(ctx, t) {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	return len(t.items)
}

// Put logs and stores item. The action only labels the WAL entry.
func (t *Table[T]) Put(ctx context.Context, action Action, item T) error {
	if !tx.HoldsLock(ctx, t) {
		return sentinel.ErrNoTx
	}
	if err := t.log.Append(Entry[T]{Action: action, Item: item}); err != nil {
		return err
	}
	t.items[t.codec.Key(item)] = item
	t.sinceCheckpoint++
	return nil
}

// Remove deletes the records with the given keys in one WAL batch and
// returns how many existed. Missing keys are skipped without logging.
func (t *Table[T]) Remove(ctx context.Context, keys ...string) (int, error) {
	if !tx.HoldsLock(ctx, t) {
		return 0, sentinel.ErrNoTx
	}
	entries := make([]Entry[T], 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if v, ok := t.items[k]; ok {
			entries = append(entries, Entry[T]{Action: ActionDelete, Item: v})
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := t.log.Append(entries...); err != nil {
		return 0, err
	}
	for _, e := range entries {
		delete(t.items, t.codec.Key(e.Item))
	}
	t.sinceCheckpoint += len(entries)
	return len(entries), nil
}

// Checkpoint rewrites the document from the current state.
func (t *Table[T]) Checkpoint(ctx context.Context) error {
	if tx.HoldsLock(ctx, t) {
		return t.checkpointLocked()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpointLocked()
}

func (t *Table[T]) checkpointLocked() error {
	if err := t.log.Checkpoint(sortedValues(t.items, t.codec)); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	t.sinceCheckpoint = 0
	return nil
}

// Close checkpoints pending changes and closes the WAL.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.log.wal == nil {
		return nil
	}
	var err error
	if t.sinceCheckpoint > 0 {
		err = t.checkpointLocked()
	}
	if cerr := t.log.Close(); err == nil {
		err = cerr
	}
	return err
}
