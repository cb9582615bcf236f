package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,StoreTx,AuditPublisher,KeyChecker

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
	"github.com/mySupply/phoss-smp/internal/serviceinfo/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/callback"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
	"github.com/mySupply/phoss-smp/pkg/requestcontext"
)

const entity = "service_information"

// Store persists service information. Returned values must not alias
// store-owned state.
type Store interface {
	// ListByKey returns every record stored under key in primary key order.
	// More than one result means the backend lost its uniqueness guarantee.
	ListByKey(ctx context.Context, key id.ServiceKey) ([]*models.ServiceInformation, error)
	Insert(ctx context.Context, si *models.ServiceInformation) error
	Update(ctx context.Context, si *models.ServiceInformation) error
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, key id.ServiceKey) (bool, error)
	ListAll(ctx context.Context) ([]*models.ServiceInformation, error)
	ListByServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.ServiceInformation, error)
	Count(ctx context.Context) (int, error)
}

// StoreTx runs fn as one unit of work: a SQL transaction or the WAL lock.
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

// Service is the service information manager.
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

// WithExclusiveKeys makes CreateOrUpdate fail with a conflict while checker
// holds the same key.
func WithExclusiveKeys(checker KeyChecker) Option {
	return func(s *Service) {
		s.exclusive = checker
	}
}

func New(store Store, tx StoreTx, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("service information store is required")
	}
	if tx == nil {
		return nil, errors.New("service information transaction runner is required")
	}
	s := &Service{
		store:  store,
		tx:     tx,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/mySupply/phoss-smp/internal/serviceinfo"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.callbacks = callback.New[models.Callback](s.logger)
	return s, nil
}

// Callbacks exposes the ordered change subscriber list.
func (s *Service) Callbacks() *callback.List[models.Callback] {
	return s.callbacks
}

// ExcludeKeysOf sets the exclusivity checker after construction, for
// managers that reference each other.
func (s *Service) ExcludeKeysOf(checker KeyChecker) {
	s.exclusive = checker
}

// CreateOrUpdate registers one process/endpoint pair. A missing record is
// created; otherwise the pair is merged into a new version of the existing
// record. The full resulting record is returned.
func (s *Service) CreateOrUpdate(ctx context.Context, si *models.ServiceInformation) (*models.ServiceInformation, error) {
	start := time.Now()
	if err := si.ValidateRegistrationUnit(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "serviceinfo.CreateOrUpdate", trace.WithAttributes(
		attribute.String("smp.service_group", si.ServiceGroupID.URI()),
		attribute.String("smp.document_type", si.DocumentTypeID.URI()),
	))
	defer span.End()

	key := si.Key()
	if s.exclusive != nil {
		taken, err := s.exclusive.Contains(ctx, key)
		if err != nil {
			return nil, s.fail(span, "create_or_update", start, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check redirect"))
		}
		if taken {
			s.emitAudit(ctx, audit.Failure(audit.ObjectServiceInformation, audit.ActionCreate, key.String(), audit.ReasonAlreadyExists))
			return nil, s.fail(span, "create_or_update", start, dErrors.New(dErrors.CodeConflict, "a redirect exists for this service group and document type"))
		}
	}

	var (
		result  *models.ServiceInformation
		created bool
	)
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.findByKey(txCtx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			result = si.Clone()
			created = true
			return s.store.Insert(txCtx, result)
		}
		result = existing.Merge(si)
		created = false
		return s.store.Update(txCtx, result)
	})
	action := audit.ActionModify
	if created {
		action = audit.ActionCreate
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist service information",
			"key", key.String(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceInformation, action, key.String(), audit.ReasonPersistFailed))
		return nil, s.fail(span, "create_or_update", start, translate(err, "failed to save service information"))
	}

	if created {
		s.dispatch(ctx, "created", func(cb models.Callback) error {
			return cb.OnServiceInformationCreated(ctx, result.Clone())
		})
	} else {
		s.dispatch(ctx, "updated", func(cb models.Callback) error {
			return cb.OnServiceInformationUpdated(ctx, result.Clone())
		})
	}
	s.emitAudit(ctx, audit.Success(audit.ObjectServiceInformation, action, key.String(), result.AuditAttributes()))
	s.metrics.ObserveOperation(entity, "create_or_update", metrics.OutcomeChanged, start)
	return result.Clone(), nil
}

// MarkChanged persists the current version again and notifies subscribers
// as an update.
func (s *Service) MarkChanged(ctx context.Context, key id.ServiceKey) (*models.ServiceInformation, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "serviceinfo.MarkChanged")
	defer span.End()

	var current *models.ServiceInformation
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.findByKey(txCtx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return sentinel.ErrNotFound
		}
		current = existing
		return s.store.Update(txCtx, current)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, s.fail(span, "mark_changed", start, dErrors.New(dErrors.CodeNotFound, "service information not found"))
		}
		s.logger.ErrorContext(ctx, "failed to persist service information",
			"key", key.String(),
			"error", err,
		)
		return nil, s.fail(span, "mark_changed", start, translate(err, "failed to save service information"))
	}

	s.dispatch(ctx, "updated", func(cb models.Callback) error {
		return cb.OnServiceInformationUpdated(ctx, current.Clone())
	})
	s.emitAudit(ctx, audit.Success(audit.ObjectServiceInformation, audit.ActionModify, key.String(), current.AuditAttributes()))
	s.metrics.ObserveOperation(entity, "mark_changed", metrics.OutcomeChanged, start)
	return current.Clone(), nil
}

// Delete removes si by key. A nil or unknown record is Unchanged.
func (s *Service) Delete(ctx context.Context, si *models.ServiceInformation) (id.Change, error) {
	if si == nil {
		return id.Unchanged, nil
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "serviceinfo.Delete")
	defer span.End()

	key := si.Key()
	var deleted *models.ServiceInformation
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.findByKey(txCtx, key)
		if err != nil || existing == nil {
			return err
		}
		ok, err := s.store.Delete(txCtx, key)
		if err != nil {
			return err
		}
		if !ok {
			return sentinel.ErrInvalidState
		}
		deleted = existing
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to delete service information",
			"key", key.String(),
			"error", err,
		)
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceInformation, audit.ActionDelete, key.String(), audit.ReasonPersistFailed))
		return id.Unchanged, s.fail(span, "delete", start, translate(err, "failed to delete service information"))
	}
	if deleted == nil {
		s.emitAudit(ctx, audit.Failure(audit.ObjectServiceInformation, audit.ActionDelete, key.String(), audit.ReasonNoSuchID))
		s.metrics.ObserveOperation(entity, "delete", metrics.OutcomeUnchanged, start)
		return id.Unchanged, nil
	}

	s.dispatch(ctx, "deleted", func(cb models.Callback) error {
		return cb.OnServiceInformationDeleted(ctx, deleted.Clone())
	})
	s.emitAudit(ctx, audit.Success(audit.ObjectServiceInformation, audit.ActionDelete, key.String(), map[string]string{
		"service_group": deleted.ServiceGroupID.URI(),
	}))
	s.metrics.ObserveOperation(entity, "delete", metrics.OutcomeChanged, start)
	return id.Changed, nil
}

// DeleteAllOfServiceGroup deletes every record of sgID one by one. Each
// deletion is its own unit of work; a failed record does not stop the rest
// and all failures are returned joined.
func (s *Service) DeleteAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) (id.Change, error) {
	all, err := s.GetAllOfServiceGroup(ctx, sgID)
	if err != nil {
		return id.Unchanged, err
	}
	change := id.Unchanged
	var errs []error
	for _, si := range all {
		c, err := s.Delete(ctx, si)
		change = change.Or(c)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return change, errors.Join(errs...)
}

// Find returns the record for sgID and docType only if it has processID
// with an endpoint for transportProfile.
func (s *Service) Find(ctx context.Context, sgID id.ParticipantID, docType id.DocumentTypeID, processID id.ProcessID, transportProfile id.TransportProfile) (*models.ServiceInformation, error) {
	si, err := s.GetOfServiceGroupAndDocumentType(ctx, sgID, docType)
	if err != nil {
		return nil, err
	}
	process, ok := si.ProcessOfID(processID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "process not found")
	}
	if _, ok := process.EndpointOfTransportProfile(transportProfile); !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "endpoint not found")
	}
	return si, nil
}

func (s *Service) GetOfServiceGroupAndDocumentType(ctx context.Context, sgID id.ParticipantID, docType id.DocumentTypeID) (*models.ServiceInformation, error) {
	return s.GetByKey(ctx, id.NewServiceKey(sgID, docType))
}

func (s *Service) GetByKey(ctx context.Context, key id.ServiceKey) (*models.ServiceInformation, error) {
	si, err := s.findByKey(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load service information")
	}
	if si == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "service information not found")
	}
	return si, nil
}

func (s *Service) Contains(ctx context.Context, key id.ServiceKey) (bool, error) {
	si, err := s.findByKey(ctx, key)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load service information")
	}
	return si != nil, nil
}

func (s *Service) GetAll(ctx context.Context) ([]*models.ServiceInformation, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list service information")
	}
	return all, nil
}

func (s *Service) GetAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.ServiceInformation, error) {
	all, err := s.store.ListByServiceGroup(ctx, sgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list service information")
	}
	return all, nil
}

// GetAllDocumentTypesOfServiceGroup returns the document types registered
// for sgID, in store order.
func (s *Service) GetAllDocumentTypesOfServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]id.DocumentTypeID, error) {
	all, err := s.GetAllOfServiceGroup(ctx, sgID)
	if err != nil {
		return nil, err
	}
	docTypes := make([]id.DocumentTypeID, 0, len(all))
	for _, si := range all {
		docTypes = append(docTypes, si.DocumentTypeID)
	}
	return docTypes, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count service information")
	}
	return n, nil
}

// findByKey returns nil when nothing is stored under key.
func (s *Service) findByKey(ctx context.Context, key id.ServiceKey) (*models.ServiceInformation, error) {
	found, err := s.store.ListByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		s.logger.WarnContext(ctx, "found multiple service information entries for one key, using the first",
			"key", key.String(),
			"count", len(found),
		)
		return found[0], nil
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

// translate maps store facts to coded errors. Anything unrecognised is an
// internal failure; the caller already logged the cause.
func translate(err error, msg string) error {
	switch {
	case dErrors.CodeOf(err) != "":
		return err
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "service information was created concurrently")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "service information not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
