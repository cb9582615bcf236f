//go:build integration

package smp

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mySupply/phoss-smp/internal/cache"
	"github.com/mySupply/phoss-smp/internal/platform/config"
	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/testutil/containers"
)

type SQLBackendSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redis    *containers.RedisContainer
	managers *Managers
}

func TestSQLBackendSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(SQLBackendSuite))
}

func (s *SQLBackendSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.redis = mgr.GetRedis(s.T())
}

func (s *SQLBackendSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx,
		"smp_service_group", "smp_service_metadata", "smp_service_metadata_redirection", "audit_events"))
	s.Require().NoError(s.redis.FlushAll(ctx))

	cfg := config.Default()
	cfg.Backend = config.BackendSQL
	cfg.Postgres.DSN = s.postgres.DSN
	cfg.Postgres.Migrate = true
	cfg.Redis.URL = s.redis.URL
	cfg.Audit.Sink = config.AuditSinkPostgres
	cfg.Audit.AsyncBuffer = 0

	m, err := Build(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	s.Require().NoError(err)
	s.managers = m
}

func (s *SQLBackendSuite) TearDownTest() {
	if s.managers != nil {
		s.Require().NoError(s.managers.Close())
	}
}

func (s *SQLBackendSuite) TestMergeScenario() {
	ctx := context.Background()
	m := s.managers
	s.IsType(&cache.ServiceInformationCache{}, m.Lookup)
	s.Contains(m.Health, "postgres")
	s.Contains(m.Health, "redis")

	_, err := m.ServiceGroups.Create(ctx, "owner1", participant, "")
	s.Require().NoError(err)

	_, err = m.ServiceInformation.CreateOrUpdate(ctx, unit(docD1, processP1, "https://a.example"))
	s.Require().NoError(err)
	got, err := m.Lookup.GetOfServiceGroupAndDocumentType(ctx, participant, docD1)
	s.Require().NoError(err)
	s.Require().Len(got.Processes, 1)
	s.Equal("https://a.example", got.Processes[0].Endpoints[0].EndpointURL)
	s.Empty(got.Processes[0].Endpoints[0].Certificate, "endpoint registered without a certificate")

	_, err = m.ServiceInformation.CreateOrUpdate(ctx, unit(docD1, processP1, "https://b.example"))
	s.Require().NoError(err)
	got, err = m.Lookup.GetOfServiceGroupAndDocumentType(ctx, participant, docD1)
	s.Require().NoError(err)
	s.Require().Len(got.Processes, 1)
	s.Equal(1, got.EndpointCount())
	s.Equal("https://b.example", got.Processes[0].Endpoints[0].EndpointURL, "update callback invalidates the cached entry")

	events, err := m.Audit.List(ctx, audit.ObjectServiceInformation, got.ID())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(audit.ActionCreate, events[0].Action)
	s.Equal(audit.ActionModify, events[1].Action)
}

func (s *SQLBackendSuite) TestCascadeAndExclusivity() {
	ctx := context.Background()
	m := s.managers

	_, err := m.ServiceGroups.Create(ctx, "owner1", participant, "")
	s.Require().NoError(err)
	_, err = m.ServiceInformation.CreateOrUpdate(ctx, unit(docD1, processP1, "https://a.example"))
	s.Require().NoError(err)
	_, err = m.Redirects.CreateOrUpdate(ctx, participant, docD2, "https://other-smp.example", "CN=other", nil, "")
	s.Require().NoError(err)

	_, err = m.Redirects.CreateOrUpdate(ctx, participant, docD1, "https://other-smp.example", "CN=other", nil, "")
	s.Error(err)

	change, err := m.ServiceGroups.Delete(ctx, participant)
	s.Require().NoError(err)
	s.True(change.IsChanged())

	infos, err := m.ServiceInformation.Count(ctx)
	s.Require().NoError(err)
	redirects, err := m.Redirects.Count(ctx)
	s.Require().NoError(err)
	s.Zero(infos)
	s.Zero(redirects)

	_, err = m.Lookup.GetOfServiceGroupAndDocumentType(ctx, participant, docD1)
	s.Error(err, "delete callback invalidates the cached entry")
}

func TestKafkaAuditSink(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	broker := containers.GetManager().GetRedpanda(t)

	cfg := walConfig(t.TempDir())
	cfg.Audit.Sink = config.AuditSinkKafka
	cfg.Audit.Brokers = []string{broker.Broker}
	cfg.Audit.Topic = "smp.audit.scenario"

	m, err := Build(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.ServiceGroups.Create(ctx, "owner1", participant, "")
	require.NoError(t, err)

	records := broker.Consume(t, cfg.Audit.Topic, 1)
	assert.Equal(t, string(audit.ObjectServiceGroup)+"/"+participant.URI(), string(records[0].Key))
}
