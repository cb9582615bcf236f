// Package publisher delivers audit events to an audit.Store either inline or
// through a bounded buffer drained by a background goroutine.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"

	"github.com/google/uuid"
)

var (
	ErrBufferFull  = errors.New("audit buffer full")
	ErrCircuitOpen = errors.New("audit circuit open")
	ErrClosed      = errors.New("audit publisher closed")
	ErrNotReadable = errors.New("audit store does not support listing")
)

type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *Metrics
	breaker *CircuitBreaker
	now     func() time.Time

	bufferSize int
	buffer     chan audit.Event
	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit enqueue into a buffer of size n instead of
// writing inline. A full buffer drops the event.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		p.bufferSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithCircuitBreaker skips the sink after threshold consecutive failures
// until cooldown has passed.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(p *Publisher) {
		p.breaker = NewCircuitBreaker(threshold, cooldown)
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufferSize > 0 {
		p.buffer = make(chan audit.Event, p.bufferSize)
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit records an event. In sync mode the sink error is returned; in async
// mode only enqueue failures are.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if p.buffer == nil {
		return p.persist(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.incDropped("closed")
		return ErrClosed
	}
	select {
	case p.buffer <- event:
		return nil
	case <-ctx.Done():
		p.metrics.incDropped("canceled")
		return ctx.Err()
	default:
		p.metrics.incDropped("buffer_full")
		p.logger.WarnContext(ctx, "audit buffer full, dropping event",
			"object_type", event.ObjectType,
			"object_id", event.ObjectID,
			"action", event.Action,
		)
		return ErrBufferFull
	}
}

// List returns the recorded events of one object when the store can read.
func (p *Publisher) List(ctx context.Context, objectType audit.ObjectType, objectID string) ([]audit.Event, error) {
	reader, ok := p.store.(audit.Reader)
	if !ok {
		return nil, ErrNotReadable
	}
	return reader.ListByObject(ctx, objectType, objectID)
}

// Close stops accepting events and drains the buffer.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.buffer != nil {
		close(p.buffer)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for event := range p.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.persist(ctx, event); err != nil {
			p.logger.Error("async audit persist failed",
				"object_type", event.ObjectType,
				"object_id", event.ObjectID,
				"action", event.Action,
				"error", err,
			)
		}
		cancel()
	}
}

func (p *Publisher) persist(ctx context.Context, event audit.Event) error {
	if p.breaker != nil && !p.breaker.Allow() {
		p.metrics.incDropped("circuit_open")
		return ErrCircuitOpen
	}
	if err := p.store.Append(ctx, event); err != nil {
		p.metrics.incPersistFailures()
		if p.breaker != nil {
			p.breaker.RecordFailure()
			p.metrics.setCircuitOpen(p.breaker.IsOpen())
		}
		return err
	}
	if p.breaker != nil {
		p.breaker.RecordSuccess()
		p.metrics.setCircuitOpen(false)
	}
	p.metrics.incEmitted()
	return nil
}
