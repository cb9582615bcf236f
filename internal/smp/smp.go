// Package smp assembles the three managers over one storage backend and
// wires the relations between them: redirect and service information keys
// exclude each other, and deleting a service group cascades to both.
package smp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mySupply/phoss-smp/internal/cache"
	"github.com/mySupply/phoss-smp/internal/platform/config"
	"github.com/mySupply/phoss-smp/internal/platform/httpserver"
	"github.com/mySupply/phoss-smp/internal/platform/metrics"
	"github.com/mySupply/phoss-smp/internal/platform/postgres"
	platformredis "github.com/mySupply/phoss-smp/internal/platform/redis"
	rdservice "github.com/mySupply/phoss-smp/internal/redirect/service"
	rdstore "github.com/mySupply/phoss-smp/internal/redirect/store"
	sgservice "github.com/mySupply/phoss-smp/internal/servicegroup/service"
	sgstore "github.com/mySupply/phoss-smp/internal/servicegroup/store"
	siservice "github.com/mySupply/phoss-smp/internal/serviceinfo/service"
	sistore "github.com/mySupply/phoss-smp/internal/serviceinfo/store"
	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/audit/publisher"
	auditkafka "github.com/mySupply/phoss-smp/pkg/platform/audit/store/kafka"
	auditmemory "github.com/mySupply/phoss-smp/pkg/platform/audit/store/memory"
	auditpostgres "github.com/mySupply/phoss-smp/pkg/platform/audit/store/postgres"
)

// Managers is the assembled manager set of one process.
type Managers struct {
	ServiceGroups      *sgservice.Service
	ServiceInformation *siservice.Service
	Redirects          *rdservice.Service
	// Lookup answers (service group, document type) reads, through the
	// Redis cache when one is configured.
	Lookup cache.Lookup
	Audit  *publisher.Publisher
	// Health lists the checks of the external dependencies in use.
	Health map[string]httpserver.HealthFunc

	closers []func() error
}

type stores struct {
	groups    sgservice.Store
	groupsTx  sgservice.StoreTx
	infos     siservice.Store
	infosTx   siservice.StoreTx
	redirects rdservice.Store
	redirTx   rdservice.StoreTx
}

// Build opens the configured backend and returns the wired managers. On
// error everything opened so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *Managers, err error) {
	m := &Managers{Health: map[string]httpserver.HealthFunc{}}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		conn, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, conn); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		db = conn
		m.closers = append(m.closers, conn.Close)
		m.Health["postgres"] = conn.PingContext
		return db, nil
	}

	var st stores
	switch cfg.Backend {
	case config.BackendSQL:
		conn, err := openDB()
		if err != nil {
			return nil, err
		}
		txOpts := []postgres.TxOption{postgres.WithTimeout(cfg.Postgres.TxTimeout), postgres.WithLogger(logger)}
		if cfg.Postgres.Serializable {
			txOpts = append(txOpts, postgres.WithSerializable())
		}
		runner := postgres.NewTxRunner(conn, txOpts...)
		st = stores{
			groups: sgstore.NewPostgres(conn), groupsTx: runner,
			infos: sistore.NewPostgres(conn), infosTx: runner,
			redirects: rdstore.NewPostgres(conn), redirTx: runner,
		}
	case config.BackendXML:
		st, err = openWAL(m, cfg.WAL, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	m.Audit, err = openAudit(ctx, m, cfg, logger, reg, openDB)
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, func() error {
		m.Audit.Close()
		return nil
	})

	mx := metrics.New(reg)

	m.ServiceInformation, err = siservice.New(st.infos, st.infosTx,
		siservice.WithLogger(logger),
		siservice.WithAuditPublisher(m.Audit),
		siservice.WithMetrics(mx),
	)
	if err != nil {
		return nil, err
	}
	m.Redirects, err = rdservice.New(st.redirects, st.redirTx,
		rdservice.WithLogger(logger),
		rdservice.WithAuditPublisher(m.Audit),
		rdservice.WithMetrics(mx),
		rdservice.WithExclusiveKeys(m.ServiceInformation),
	)
	if err != nil {
		return nil, err
	}
	m.ServiceInformation.ExcludeKeysOf(m.Redirects)

	m.ServiceGroups, err = sgservice.New(st.groups, st.groupsTx,
		sgservice.WithLogger(logger),
		sgservice.WithAuditPublisher(m.Audit),
		sgservice.WithMetrics(mx),
		sgservice.WithCascades(m.ServiceInformation, m.Redirects),
	)
	if err != nil {
		return nil, err
	}

	m.Lookup = m.ServiceInformation
	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		m.closers = append(m.closers, rc.Close)
		m.Health["redis"] = rc.Health
		c := cache.New(rc.Client, m.ServiceInformation,
			cache.WithTTL(cfg.Redis.TTL),
			cache.WithLogger(logger),
			cache.WithMetrics(mx),
		)
		m.ServiceInformation.Callbacks().Add(c)
		m.Lookup = c
	}

	logger.InfoContext(ctx, "managers ready",
		"backend", string(cfg.Backend),
		"audit_sink", cfg.Audit.Sink,
		"cache", rc != nil,
	)
	return m, nil
}

func openWAL(m *Managers, cfg config.WALConfig, logger *slog.Logger) (stores, error) {
	groups, err := sgstore.OpenWAL(cfg.Dir, logger, cfg.CheckpointEvery)
	if err != nil {
		return stores{}, err
	}
	m.closers = append(m.closers, groups.Close)
	infos, err := sistore.OpenWAL(cfg.Dir, logger, cfg.CheckpointEvery)
	if err != nil {
		return stores{}, err
	}
	m.closers = append(m.closers, infos.Close)
	redirects, err := rdstore.OpenWAL(cfg.Dir, logger, cfg.CheckpointEvery)
	if err != nil {
		return stores{}, err
	}
	m.closers = append(m.closers, redirects.Close)
	return stores{
		groups: groups, groupsTx: groups,
		infos: infos, infosTx: infos,
		redirects: redirects, redirTx: redirects,
	}, nil
}

func openAudit(
	ctx context.Context,
	m *Managers,
	cfg config.Config,
	logger *slog.Logger,
	reg prometheus.Registerer,
	openDB func() (*sql.DB, error),
) (*publisher.Publisher, error) {
	var sink audit.Store
	switch cfg.Audit.Sink {
	case config.AuditSinkNone:
		sink = discard{}
	case config.AuditSinkMemory:
		sink = auditmemory.NewInMemoryStore()
	case config.AuditSinkPostgres:
		conn, err := openDB()
		if err != nil {
			return nil, err
		}
		sink = auditpostgres.New(conn)
	case config.AuditSinkKafka:
		ks, err := auditkafka.New(cfg.Audit.Brokers, cfg.Audit.Topic)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, ks.Close)
		if err := ks.EnsureTopic(ctx, -1, -1); err != nil {
			return nil, err
		}
		sink = ks
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Audit.Sink)
	}
	return publisher.NewPublisher(sink,
		publisher.WithLogger(logger),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
		publisher.WithAsyncBuffer(cfg.Audit.AsyncBuffer),
		publisher.WithCircuitBreaker(5, 30*time.Second),
	), nil
}

// Close releases everything Build opened, newest first.
func (m *Managers) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i]())
	}
	m.closers = nil
	return errors.Join(errs...)
}

type discard struct{}

func (discard) Append(context.Context, audit.Event) error { return nil }
