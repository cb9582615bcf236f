//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
	auditpostgres "github.com/mySupply/phoss-smp/pkg/platform/audit/store/postgres"
	"github.com/mySupply/phoss-smp/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *auditpostgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = auditpostgres.New(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_events"))
}

func (s *PostgresStoreSuite) TestAppendAndList() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created := audit.Success(audit.ObjectServiceGroup, audit.ActionCreate, "iso6523-actorid-upis::9915:test",
		map[string]string{"owner": "owner1"})
	created.Timestamp = base
	deleted := audit.Failure(audit.ObjectServiceGroup, audit.ActionDelete, "iso6523-actorid-upis::9915:test", audit.ReasonNoSuchID)
	deleted.Timestamp = base.Add(time.Second)
	other := audit.Success(audit.ObjectRedirect, audit.ActionCreate, "iso6523-actorid-upis::9915:test", nil)
	other.Timestamp = base

	for _, e := range []audit.Event{deleted, created, other} {
		s.Require().NoError(s.store.Append(ctx, e))
	}

	events, err := s.store.ListByObject(ctx, audit.ObjectServiceGroup, "iso6523-actorid-upis::9915:test")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(audit.ActionCreate, events[0].Action)
	s.Equal("owner1", events[0].Attributes["owner"])
	s.True(events[0].Success)
	s.Equal(audit.ActionDelete, events[1].Action)
	s.False(events[1].Success)
	s.Equal(audit.ReasonNoSuchID, events[1].Reason)
}

func (s *PostgresStoreSuite) TestAppendIsIdempotentOnID() {
	ctx := context.Background()
	event := audit.Success(audit.ObjectRedirect, audit.ActionDelete, "key", nil)
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()

	s.Require().NoError(s.store.Append(ctx, event))
	s.Require().NoError(s.store.Append(ctx, event))

	events, err := s.store.ListByObject(ctx, audit.ObjectRedirect, "key")
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *PostgresStoreSuite) TestAppendRejectsMalformedID() {
	event := audit.Success(audit.ObjectRedirect, audit.ActionDelete, "key", nil)
	event.ID = "not-a-uuid"
	s.Error(s.store.Append(context.Background(), event))
}
