// Package kafka publishes audit events to a Kafka topic. It is a write-only
// sink: reading back is left to the consumers of the topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// payload is the JSON value of each record. Field names match audit.Event.
type payload struct {
	ID         string            `json:"ID"`
	Category   string            `json:"Category"`
	Timestamp  string            `json:"Timestamp"`
	ObjectType string            `json:"ObjectType"`
	ObjectID   string            `json:"ObjectID"`
	Action     string            `json:"Action"`
	Success    bool              `json:"Success"`
	Attributes map[string]string `json:"Attributes,omitempty"`
	Reason     string            `json:"Reason,omitempty"`
	ActorID    string            `json:"ActorID,omitempty"`
	RequestID  string            `json:"RequestID,omitempty"`
}

type Store struct {
	client *kgo.Client
	topic  string
}

// New connects to the brokers. The topic is created on first use by
// EnsureTopic, not here.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Store, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka audit store: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka audit store: topic is required")
	}
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Store{client: client, topic: topic}, nil
}

// EnsureTopic creates the audit topic when it does not exist yet.
func (s *Store) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(s.client)
	resps, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, resp := range resps {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

// Append produces the event synchronously. The record key is the object id,
// so all events of one object land in the same partition in order.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	value, err := json.Marshal(payload{
		ID:         event.ID,
		Category:   string(event.Category),
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
		ObjectType: string(event.ObjectType),
		ObjectID:   event.ObjectID,
		Action:     string(event.Action),
		Success:    event.Success,
		Attributes: event.Attributes,
		Reason:     event.Reason,
		ActorID:    event.ActorID,
		RequestID:  event.RequestID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(string(event.ObjectType) + "/" + event.ObjectID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "category", Value: []byte(event.Category)},
			{Key: "action", Value: []byte(event.Action)},
		},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
