package models

import (
	"context"
	"strings"

	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
)

const MaxOwnerIDLength = 256

// ServiceGroup is the root registration of one participant. Its ID is the
// participant identifier; ownership is opaque to this layer.
type ServiceGroup struct {
	ParticipantID id.ParticipantID
	OwnerID       string
	Extension     string
}

// NewServiceGroup validates and builds a service group.
func NewServiceGroup(participantID id.ParticipantID, ownerID, extension string) (*ServiceGroup, error) {
	if err := participantID.Validate("participant identifier"); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "owner id is required")
	}
	if len(ownerID) > MaxOwnerIDLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "owner id is too long")
	}
	return &ServiceGroup{ParticipantID: participantID, OwnerID: ownerID, Extension: extension}, nil
}

// ID returns the URI form of the participant identifier.
func (g *ServiceGroup) ID() string {
	return g.ParticipantID.URI()
}

// Clone returns an independent copy.
func (g *ServiceGroup) Clone() *ServiceGroup {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}

// Callback is notified after a service group change committed.
type Callback interface {
	OnServiceGroupCreated(ctx context.Context, group *ServiceGroup) error
	OnServiceGroupUpdated(ctx context.Context, group *ServiceGroup) error
	OnServiceGroupDeleted(ctx context.Context, group *ServiceGroup) error
}
