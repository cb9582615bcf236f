package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,StoreTx,AuditPublisher,Cascade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mySupply/phoss-smp/internal/platform/metrics"
	"github.com/mySupply/phoss-smp/internal/servicegroup/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/callback"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
	"github.com/mySupply/phoss-smp/pkg/requestcontext"
)

const entity = "service_group"

type Store interface {
	// Get returns sentinel.ErrNotFound for an unknown participant.
	Get(ctx context.Context, participantID id.ParticipantID) (*models.ServiceGroup, error)
	Insert(ctx context.Context, group *models.ServiceGroup) error
	Update(ctx context.Context, group *models.ServiceGroup) error
	Delete(ctx context.Context, participantID id.ParticipantID) (bool, error)
	ListAll(ctx context.Context) ([]*models.ServiceGroup, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.ServiceGroup, error)
	Count(ctx context.Context) (int, error)
}

type StoreTx interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Cascade removes the records another manager keeps for a deleted service
// group. The service information and redirect managers implement it.
type Cascade interface {
	DeleteAllOfServiceGroup(ctx context.Context, participantID id.ParticipantID) (id.Change, error)
}

// Service is the service group manager.
type Service struct {
	store          Store
	tx             StoreTx
	cascades       []Cascade
	callbacks      *callback.List[models.Callback]
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCascades registers the managers cleaned up on Delete, run in the
// given order.
func WithCascades(cascades ...Cascade) Option {
	return func(s *Service) {
		s.cascades = append(s.cascades, cascades...)
	}
}

func New(store Store, tx StoreTx, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("service group store is required")
	}
	if tx == nil {
		return nil, errors.New("service group transaction runner is required")
	}
	s := &Service{
		store:  store,
		tx:     tx,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/mySupply/phoss-smp/internal/servicegroup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.callbacks = callback.New[models.Callback](s.logger)
	return s, nil
}

func (s *Service) Callbacks() *callback.List[models.Callback] {
	return s.callbacks
}

// Create registers a new participant. An existing participant is a conflict.
func (s *Service) Create(ctx context.Context, ownerID string, participantID id.ParticipantID, extension string) (*models.ServiceGroup, error) {
	start := time.Now()
	group, err := models.NewServiceGroup(participantID, ownerID, extension)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "servicegroup.Create", trace.WithAttributes(
		attribute.String("smp.service_group", participantID.URI()),
	))
	defer span.End()

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		_, err := s.store.Get(txCtx, participantID)
		switch {
		case err == nil:
			return sentinel.ErrAlreadyUsed
		case !errors.Is(err, sentinel.ErrNotFound):
			return err
		}
		return s.store.Insert(txCtx, group)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.emitAudit(ctx, audit.Failure(audit.ObjectServiceGroup, audit.ActionCreate, group.ID(), audit.ReasonAlreadyExists))
			return nil, s.fail(span, "create", start, dErrors.Wrap(err, dErrors.CodeConflict, "service group already exists"))
		}
		s.logger.ErrorContext(ctx, "failed to create service group",
			"service_group", group.ID(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceGroup, audit.ActionCreate, group.ID(), audit.ReasonPersistFailed))
		return nil, s.fail(span, "create", start, translate(err, "failed to create service group"))
	}

	s.dispatch(ctx, "created", func(cb models.Callback) error {
		return cb.OnServiceGroupCreated(ctx, group.Clone())
	})
	s.emitAudit(ctx, audit.Success(audit.ObjectServiceGroup, audit.ActionCreate, group.ID(), auditAttributes(group)))
	s.metrics.ObserveOperation(entity, "create", metrics.OutcomeChanged, start)
	return group.Clone(), nil
}

// Update replaces owner and extension of an existing service group.
func (s *Service) Update(ctx context.Context, participantID id.ParticipantID, ownerID, extension string) (*models.ServiceGroup, error) {
	start := time.Now()
	group, err := models.NewServiceGroup(participantID, ownerID, extension)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "servicegroup.Update", trace.WithAttributes(
		attribute.String("smp.service_group", participantID.URI()),
	))
	defer span.End()

	var changed bool
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.store.Get(txCtx, participantID)
		if err != nil {
			return err
		}
		if *current == *group {
			return nil
		}
		changed = true
		return s.store.Update(txCtx, group)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.emitAudit(ctx, audit.Failure(audit.ObjectServiceGroup, audit.ActionModify, group.ID(), audit.ReasonNoSuchID))
			return nil, s.fail(span, "update", start, dErrors.New(dErrors.CodeNotFound, "service group not found"))
		}
		s.logger.ErrorContext(ctx, "failed to update service group",
			"service_group", group.ID(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceGroup, audit.ActionModify, group.ID(), audit.ReasonPersistFailed))
		return nil, s.fail(span, "update", start, translate(err, "failed to update service group"))
	}
	if !changed {
		s.metrics.ObserveOperation(entity, "update", metrics.OutcomeUnchanged, start)
		return group.Clone(), nil
	}

	s.dispatch(ctx, "updated", func(cb models.Callback) error {
		return cb.OnServiceGroupUpdated(ctx, group.Clone())
	})
	s.emitAudit(ctx, audit.Success(audit.ObjectServiceGroup, audit.ActionModify, group.ID(), auditAttributes(group)))
	s.metrics.ObserveOperation(entity, "update", metrics.OutcomeChanged, start)
	return group.Clone(), nil
}

// Delete removes the service group, then asks every cascade to remove the
// participant's records. Each cascade is its own unit of work: a failing
// cascade is reported but the service group stays deleted and the
// remaining cascades still run.
func (s *Service) Delete(ctx context.Context, participantID id.ParticipantID) (id.Change, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "servicegroup.Delete", trace.WithAttributes(
		attribute.String("smp.service_group", participantID.URI()),
	))
	defer span.End()

	var deleted *models.ServiceGroup
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.store.Get(txCtx, participantID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := s.store.Delete(txCtx, participantID)
		if err != nil {
			return err
		}
		if !ok {
			return sentinel.ErrInvalidState
		}
		deleted = current
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to delete service group",
			"service_group", participantID.URI(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceGroup, audit.ActionDelete, participantID.URI(), audit.ReasonPersistFailed))
		return id.Unchanged, s.fail(span, "delete", start, translate(err, "failed to delete service group"))
	}
	if deleted == nil {
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceGroup, audit.ActionDelete, participantID.URI(), audit.ReasonNoSuchID))
		s.metrics.ObserveOperation(entity, "delete", metrics.OutcomeUnchanged, start)
		return id.Unchanged, nil
	}

	var cascadeErrs []error
	for _, c := range s.cascades {
		if _, err := c.DeleteAllOfServiceGroup(ctx, participantID); err != nil {
			s.logger.ErrorContext(ctx, "failed to cascade service group delete",
				"service_group", participantID.URI(),
				"error", err,
			)
			cascadeErrs = append(cascadeErrs, err)
		}
	}

	s.dispatch(ctx, "deleted", func(cb models.Callback) error {
		return cb.OnServiceGroupDeleted(ctx, deleted.Clone())
	})
	s.emitAudit(ctx, audit.Success(audit.ObjectServiceGroup, audit.ActionDelete, participantID.URI(), auditAttributes(deleted)))
	if len(cascadeErrs) > 0 {
		return id.Changed, s.fail(span, "delete", start,
			dErrors.Wrap(errors.Join(cascadeErrs...), dErrors.CodeInternal, "service group deleted but its registrations were not fully removed"))
	}
	s.metrics.ObserveOperation(entity, "delete", metrics.OutcomeChanged, start)
	return id.Changed, nil
}

func (s *Service) GetByID(ctx context.Context, participantID id.ParticipantID) (*models.ServiceGroup, error) {
	group, err := s.store.Get(ctx, participantID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "service group not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load service group")
	}
	return group, nil
}

func (s *Service) Contains(ctx context.Context, participantID id.ParticipantID) (bool, error) {
	_, err := s.store.Get(ctx, participantID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return false, nil
	default:
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load service group")
	}
}

func (s *Service) GetAll(ctx context.Context) ([]*models.ServiceGroup, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list service groups")
	}
	return all, nil
}

func (s *Service) GetAllOfOwner(ctx context.Context, ownerID string) ([]*models.ServiceGroup, error) {
	all, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list service groups")
	}
	return all, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count service groups")
	}
	return n, nil
}

func auditAttributes(group *models.ServiceGroup) map[string]string {
	return map[string]string{
		"owner_id":  group.OwnerID,
		"extension": group.Extension,
	}
}

func (s *Service) dispatch(ctx context.Context, event string, fn func(models.Callback) error) {
	failed := s.callbacks.Dispatch(ctx, entity+"."+event, fn)
	s.metrics.AddCallbackFailures(entity, event, failed)
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	event.ActorID = requestcontext.ActorID(ctx)
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"object_id", event.ObjectID,
			"action", event.Action,
			"error", err,
		)
	}
}

func (s *Service) fail(span trace.Span, op string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.ObserveOperation(entity, op, metrics.OutcomeError, start)
	return err
}

func translate(err error, msg string) error {
	switch {
	case dErrors.CodeOf(err) != "":
		return err
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "service group was created concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
