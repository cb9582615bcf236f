//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
	auditkafka "github.com/mySupply/phoss-smp/pkg/platform/audit/store/kafka"
	"github.com/mySupply/phoss-smp/pkg/testutil/containers"
)

type record struct {
	ID         string
	ObjectType string
	ObjectID   string
	Action     string
	Success    bool
	Reason     string
	Attributes map[string]string
	Timestamp  string
}

func TestAppendProducesKeyedRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	broker := containers.GetManager().GetRedpanda(t)
	topic := "smp.audit.store"

	store, err := auditkafka.New([]string{broker.Broker}, topic)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.EnsureTopic(ctx, 1, 1))
	require.NoError(t, store.EnsureTopic(ctx, 1, 1), "existing topic is accepted")

	event := audit.Success(audit.ObjectServiceInformation, audit.ActionModify, "sg|doc", map[string]string{"processes": "P1"})
	event.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, event))
	require.NoError(t, store.Append(ctx, audit.Failure(audit.ObjectServiceInformation, audit.ActionDelete, "sg|doc", audit.ReasonNoSuchID)))

	records := broker.Consume(t, topic, 2)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "service_information/sg|doc", string(rec.Key))
	}

	var first, second record
	require.NoError(t, json.Unmarshal(records[0].Value, &first))
	require.NoError(t, json.Unmarshal(records[1].Value, &second))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "modify", first.Action)
	assert.Equal(t, "P1", first.Attributes["processes"])
	assert.Equal(t, "2026-03-01T12:00:00Z", first.Timestamp)
	assert.False(t, second.Success)
	assert.Equal(t, audit.ReasonNoSuchID, second.Reason)
}

func TestNewRequiresBrokersAndTopic(t *testing.T) {
	_, err := auditkafka.New(nil, "topic")
	require.Error(t, err)
	_, err = auditkafka.New([]string{"localhost:9092"}, "")
	require.Error(t, err)
}
