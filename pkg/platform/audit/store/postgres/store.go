package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
	txcontext "github.com/mySupply/phoss-smp/pkg/platform/tx"

	"github.com/google/uuid"
)

// Store implements audit.Store and audit.Reader on the audit_events table.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts an event. Events without an ID get a fresh one; inserts are
// idempotent on the ID so a replayed event is stored once.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()
	if event.ID != "" {
		parsed, err := uuid.Parse(event.ID)
		if err != nil {
			return fmt.Errorf("parse audit event id: %w", err)
		}
		eventID = parsed
	}

	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("marshal audit attributes: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, category, timestamp, object_type, object_id, action,
			success, attributes, reason, actor_id, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		eventID,
		string(event.Category),
		event.Timestamp,
		string(event.ObjectType),
		event.ObjectID,
		string(event.Action),
		event.Success,
		attrs,
		event.Reason,
		event.ActorID,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByObject returns the events of one object, oldest first.
func (s *Store) ListByObject(ctx context.Context, objectType audit.ObjectType, objectID string) ([]audit.Event, error) {
	query := `
		SELECT id, category, timestamp, object_type, object_id, action,
			   success, attributes, reason, actor_id, request_id
		FROM audit_events
		WHERE object_type = $1 AND object_id = $2
		ORDER BY timestamp ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(objectType), objectID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

// scanEvents scans multiple rows into audit.Event slice.
func (s *Store) scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event

	for rows.Next() {
		var (
			eventID    uuid.UUID
			category   string
			objectType string
			action     string
			attrs      []byte
			event      audit.Event
		)

		err := rows.Scan(
			&eventID,
			&category,
			&event.Timestamp,
			&objectType,
			&event.ObjectID,
			&action,
			&event.Success,
			&attrs,
			&event.Reason,
			&event.ActorID,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		event.ID = eventID.String()
		event.Category = audit.EventCategory(category)
		event.ObjectType = audit.ObjectType(objectType)
		event.Action = audit.Action(action)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &event.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal audit attributes: %w", err)
			}
		}

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
