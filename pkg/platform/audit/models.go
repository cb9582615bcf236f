package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events so sinks can route and retain them
// differently.
type EventCategory string

const (
	// CategoryCompliance covers changes to published registrations.
	CategoryCompliance EventCategory = "compliance"
	// CategoryOperations covers housekeeping such as recovery and checkpoints.
	CategoryOperations EventCategory = "operations"
)

// Action is the kind of change an event records.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// ObjectType names the entity kind an event refers to.
type ObjectType string

const (
	ObjectServiceGroup       ObjectType = "service_group"
	ObjectServiceInformation ObjectType = "service_information"
	ObjectRedirect           ObjectType = "redirect"
)

// Reason values for failed events.
const (
	ReasonNoSuchID      = "no-such-id"
	ReasonAlreadyExists = "already-exists"
	ReasonPersistFailed = "persist-failed"
)

// Event is emitted by the managers after every mutation attempt. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID         string
	Category   EventCategory
	Timestamp  time.Time
	ObjectType ObjectType
	ObjectID   string
	Action     Action
	Success    bool
	// Attributes carries the changed fields in a flat name/value form.
	Attributes map[string]string
	Reason     string
	ActorID    string
	RequestID  string
}

// Success builds a successful event for objectID.
func Success(objectType ObjectType, action Action, objectID string, attrs map[string]string) Event {
	return Event{
		Category:   CategoryCompliance,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Success:    true,
		Attributes: attrs,
	}
}

// Failure builds a failed event for objectID.
func Failure(objectType ObjectType, action Action, objectID, reason string) Event {
	return Event{
		Category:   CategoryCompliance,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
		Reason:     reason,
	}
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Reader lists recorded events for one object, oldest first.
type Reader interface {
	ListByObject(ctx context.Context, objectType ObjectType, objectID string) ([]Event, error)
}
