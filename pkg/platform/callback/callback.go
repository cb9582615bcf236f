// Package callback holds ordered subscriber lists for entity change
// notifications. Dispatch is synchronous and runs after the mutation
// committed, so a failing subscriber can no longer affect stored state.
package callback

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// List is an ordered, concurrency-safe set of subscribers of type T.
type List[T comparable] struct {
	mu     sync.RWMutex
	items  []T
	logger *slog.Logger
}

// New creates an empty list. A nil logger falls back to slog.Default.
func New[T comparable](logger *slog.Logger) *List[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &List[T]{logger: logger}
}

// Add appends a subscriber. Adding the same subscriber twice is a no-op.
// Subscribers are matched with ==, so register pointers: a value whose
// dynamic type is not comparable is never deduplicated.
func (l *List[T]) Add(item T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexOf(item) >= 0 {
		return
	}
	l.items = append(l.items, item)
}

// Remove drops a subscriber and reports whether it was registered. A
// subscriber whose dynamic type is not comparable cannot be removed.
func (l *List[T]) Remove(item T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOf(item)
	if idx < 0 {
		return false
	}
	l.items = slices.Delete(l.items, idx, idx+1)
	return true
}

func (l *List[T]) indexOf(item T) int {
	for i, v := range l.items {
		if same(v, item) {
			return i
		}
	}
	return -1
}

// same is == that reports false instead of panicking when both interface
// values hold the same non-comparable dynamic type.
func same[T comparable](a, b T) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Dispatch calls fn for every subscriber in registration order. Errors and
// panics are logged and delivery continues with the next subscriber. The
// number of failed deliveries is returned.
func (l *List[T]) Dispatch(ctx context.Context, event string, fn func(T) error) int {
	l.mu.RLock()
	snapshot := slices.Clone(l.items)
	l.mu.RUnlock()

	failed := 0
	for i, item := range snapshot {
		if err := l.invoke(item, fn); err != nil {
			failed++
			l.logger.ErrorContext(ctx, "callback failed",
				"event", event,
				"position", i,
				"error", err,
			)
		}
	}
	return failed
}

func (l *List[T]) invoke(item T, fn func(T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(item)
}
