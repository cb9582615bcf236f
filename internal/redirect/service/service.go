package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,StoreTx,AuditPublisher,KeyChecker

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mySupply/phoss-smp/internal/platform/metrics"
	"github.com/mySupply/phoss-smp/internal/redirect/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/callback"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
	"github.com/mySupply/phoss-smp/pkg/requestcontext"
)

const entity = "redirect"

// Store persists redirects.
type Store interface {
	// Get returns sentinel.ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key id.ServiceKey) (*models.Redirect, error)
	Insert(ctx context.Context, r *models.Redirect) error
	Update(ctx context.Context, r *models.Redirect) error
	Delete(ctx context.Context, key id.ServiceKey) (bool, error)
	// DeleteAllOfServiceGroup removes every redirect of sgID in one statement
	// and returns how many were removed.
	DeleteAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) (int, error)
	ListAll(ctx context.Context) ([]*models.Redirect, error)
	ListByServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.Redirect, error)
	Count(ctx context.Context) (int, error)
}

type StoreTx interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// KeyChecker reports whether another entity kind occupies a key.
type KeyChecker interface {
	Contains(ctx context.Context, key id.ServiceKey) (bool, error)
}

// Service is the redirect manager.
type Service struct {
	store          Store
	tx             StoreTx
	callbacks      *callback.List[models.Callback]
	exclusive      KeyChecker
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

func WithExclusiveKeys(checker KeyChecker) Option {
	return func(s *Service) {
		s.exclusive = checker
	}
}

func New(store Store, tx StoreTx, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("redirect store is required")
	}
	if tx == nil {
		return nil, errors.New("redirect transaction runner is required")
	}
	s := &Service{
		store:  store,
		tx:     tx,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/mySupply/phoss-smp/internal/redirect"),
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

// ExcludeKeysOf sets the exclusivity checker after construction.
func (s *Service) ExcludeKeysOf(checker KeyChecker) {
	s.exclusive = checker
}

// CreateOrUpdate stores the redirect for (sgID, docType), creating it when
// absent and overwriting every mutable field otherwise. The returned value
// is built from the arguments.
func (s *Service) CreateOrUpdate(ctx context.Context, sgID id.ParticipantID, docType id.DocumentTypeID, targetHref, subjectUID string, cert *x509.Certificate, extension string) (*models.Redirect, error) {
	start := time.Now()
	r, err := models.NewRedirect(sgID, docType, targetHref, subjectUID, cert, extension)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "redirect.CreateOrUpdate", trace.WithAttributes(
		attribute.String("smp.service_group", sgID.URI()),
		attribute.String("smp.document_type", docType.URI()),
	))
	defer span.End()

	key := r.Key()
	if s.exclusive != nil {
		taken, err := s.exclusive.Contains(ctx, key)
		if err != nil {
			return nil, s.fail(span, "create_or_update", start, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check service information"))
		}
		if taken {
			s.emitAudit(ctx, audit.Failure(audit.ObjectRedirect, audit.ActionCreate, key.String(), audit.ReasonAlreadyExists))
			return nil, s.fail(span, "create_or_update", start, dErrors.New(dErrors.CodeConflict, "service information exists for this service group and document type"))
		}
	}

	var created bool
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		_, err := s.store.Get(txCtx, key)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			created = true
			return s.store.Insert(txCtx, r)
		case err != nil:
			return err
		default:
			created = false
			return s.store.Update(txCtx, r)
		}
	})
	action := audit.ActionModify
	if created {
		action = audit.ActionCreate
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist redirect",
			"key", key.String(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectRedirect, action, key.String(), audit.ReasonPersistFailed))
		return nil, s.fail(span, "create_or_update", start, translate(err, "failed to save redirect"))
	}

	if created {
		s.dispatch(ctx, "created", func(cb models.Callback) error {
			return cb.OnRedirectCreated(ctx, r.Clone())
		})
	} else {
		s.dispatch(ctx, "updated", func(cb models.Callback) error {
			return cb.OnRedirectUpdated(ctx, r.Clone())
		})
	}
	s.emitAudit(ctx, audit.Success(audit.ObjectRedirect, action, key.String(), auditAttributes(r)))
	s.metrics.ObserveOperation(entity, "create_or_update", metrics.OutcomeChanged, start)
	return r.Clone(), nil
}

// Delete removes r by key. Nothing deleted is Unchanged and fires no
// callback.
func (s *Service) Delete(ctx context.Context, r *models.Redirect) (id.Change, error) {
	if r == nil {
		return id.Unchanged, nil
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "redirect.Delete")
	defer span.End()

	key := r.Key()
	var deleted bool
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		deleted, err = s.store.Delete(txCtx, key)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to delete redirect",
			"key", key.String(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectRedirect, audit.ActionDelete, key.String(), audit.ReasonPersistFailed))
		return id.Unchanged, s.fail(span, "delete", start, translate(err, "failed to delete redirect"))
	}
	if !deleted {
		s.emitAudit(ctx, audit.Failure(audit.ObjectRedirect, audit.ActionDelete, key.String(), audit.ReasonNoSuchID))
		s.metrics.ObserveOperation(entity, "delete", metrics.OutcomeUnchanged, start)
		return id.Unchanged, nil
	}

	s.dispatch(ctx, "deleted", func(cb models.Callback) error {
		return cb.OnRedirectDeleted(ctx, r.Clone())
	})
	s.emitAudit(ctx, audit.Success(audit.ObjectRedirect, audit.ActionDelete, key.String(), map[string]string{
		"service_group": r.ServiceGroupID.URI(),
	}))
	s.metrics.ObserveOperation(entity, "delete", metrics.OutcomeChanged, start)
	return id.Changed, nil
}

// DeleteAllOfServiceGroup removes every redirect of sgID in one unit of
// work. Delete callbacks fire only when the number removed matches the
// snapshot taken before; otherwise the mismatch is logged and subscribers
// are not told.
func (s *Service) DeleteAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) (id.Change, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "redirect.DeleteAllOfServiceGroup", trace.WithAttributes(
		attribute.String("smp.service_group", sgID.URI()),
	))
	defer span.End()

	var (
		snapshot []*models.Redirect
		removed  int
	)
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		snapshot, err = s.store.ListByServiceGroup(txCtx, sgID)
		if err != nil || len(snapshot) == 0 {
			return err
		}
		removed, err = s.store.DeleteAllOfServiceGroup(txCtx, sgID)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to delete redirects of service group",
			"service_group", sgID.URI(),
			"error", err,
		)
		return id.Unchanged, s.fail(span, "delete_all", start, translate(err, "failed to delete redirects"))
	}
	if removed == 0 {
		s.metrics.ObserveOperation(entity, "delete_all", metrics.OutcomeUnchanged, start)
		return id.Unchanged, nil
	}
	if removed != len(snapshot) {
		s.logger.WarnContext(ctx, "deleted redirect count differs from the listed count, skipping callbacks",
			"service_group", sgID.URI(),
			"listed", len(snapshot),
			"deleted", removed,
		)
		s.metrics.ObserveOperation(entity, "delete_all", metrics.OutcomeChanged, start)
		return id.Changed, nil
	}

	for _, r := range snapshot {
		s.dispatch(ctx, "deleted", func(cb models.Callback) error {
			return cb.OnRedirectDeleted(ctx, r.Clone())
		})
		s.emitAudit(ctx, audit.Success(audit.ObjectRedirect, audit.ActionDelete, r.ID(), map[string]string{
			"service_group": sgID.URI(),
		}))
	}
	s.metrics.ObserveOperation(entity, "delete_all", metrics.OutcomeChanged, start)
	return id.Changed, nil
}

func (s *Service) GetOfServiceGroupAndDocumentType(ctx context.Context, sgID id.ParticipantID, docType id.DocumentTypeID) (*models.Redirect, error) {
	return s.GetByKey(ctx, id.NewServiceKey(sgID, docType))
}

func (s *Service) GetByKey(ctx context.Context, key id.ServiceKey) (*models.Redirect, error) {
	r, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "redirect not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load redirect")
	}
	return r, nil
}

func (s *Service) Contains(ctx context.Context, key id.ServiceKey) (bool, error) {
	_, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return false, nil
	default:
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load redirect")
	}
}

func (s *Service) GetAll(ctx context.Context) ([]*models.Redirect, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list redirects")
	}
	return all, nil
}

func (s *Service) GetAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.Redirect, error) {
	all, err := s.store.ListByServiceGroup(ctx, sgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list redirects")
	}
	return all, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count redirects")
	}
	return n, nil
}

func auditAttributes(r *models.Redirect) map[string]string {
	attrs := map[string]string{
		"service_group":     r.ServiceGroupID.URI(),
		"document_type":     r.DocumentTypeID.URI(),
		"target_href":       r.TargetHref,
		"subject_unique_id": r.SubjectUniqueIdentifier,
		"extension":         r.Extension,
	}
	if r.Certificate != nil {
		attrs["certificate_subject"] = r.Certificate.Subject.String()
	}
	return attrs
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
		return dErrors.Wrap(err, dErrors.CodeConflict, "redirect was created concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
