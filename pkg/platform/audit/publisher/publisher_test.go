package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/audit/store/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const groupID = "iso6523-actorid-upis::0088:123"

func newEvent(action audit.Action) audit.Event {
	return audit.Success(audit.ObjectServiceGroup, action, groupID, map[string]string{"owner": "alice"})
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Append(context.Context, audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("sink unavailable")
}

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), newEvent(audit.ActionCreate))
	require.NoError(t, err)

	events, err := pub.List(context.Background(), audit.ObjectServiceGroup, groupID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionCreate, events[0].Action)
	assert.NotEmpty(t, events[0].ID)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), newEvent(audit.ActionModify)))
	}

	pub.Close()

	events, err := store.ListByObject(context.Background(), audit.ObjectServiceGroup, groupID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_EmitAfterClose(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(1))
	pub.Close()
	pub.Close()

	err := pub.Emit(context.Background(), newEvent(audit.ActionDelete))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_BufferFull_DropsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), newEvent(audit.ActionModify))
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
	pub.Close()

	assert.LessOrEqual(t, store.Len(), 20)
	assert.GreaterOrEqual(t, store.Len(), 1)
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	before := time.Now()
	require.NoError(t, pub.Emit(context.Background(), newEvent(audit.ActionCreate)))
	after := time.Now()

	events, err := pub.List(context.Background(), audit.ObjectServiceGroup, groupID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	event := newEvent(audit.ActionCreate)
	event.Timestamp = customTime
	require.NoError(t, pub.Emit(context.Background(), event))

	events, err := pub.List(context.Background(), audit.ObjectServiceGroup, groupID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_CircuitBreakerOpensAfterFailures(t *testing.T) {
	store := &failingStore{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	pub := NewPublisher(store, WithCircuitBreaker(2, time.Hour), WithMetrics(metrics))
	defer pub.Close()

	ctx := context.Background()
	require.Error(t, pub.Emit(ctx, newEvent(audit.ActionCreate)))
	require.Error(t, pub.Emit(ctx, newEvent(audit.ActionCreate)))

	err := pub.Emit(ctx, newEvent(audit.ActionCreate))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, store.calls, "open circuit must not reach the sink")
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PersistFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CircuitOpen))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Dropped.WithLabelValues("circuit_open")))
}

func TestPublisher_ListWithoutReader(t *testing.T) {
	pub := NewPublisher(&failingStore{})
	defer pub.Close()

	_, err := pub.List(context.Background(), audit.ObjectRedirect, "x")
	assert.ErrorIs(t, err, ErrNotReadable)
}
