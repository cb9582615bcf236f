package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/mySupply/phoss-smp/internal/servicegroup/models"
	"github.com/mySupply/phoss-smp/internal/servicegroup/service/mocks"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

var pid = id.NewParticipantID("iso6523-actorid-upis", "0088:123")

type recordingCallback struct {
	events []string
}

func (r *recordingCallback) OnServiceGroupCreated(_ context.Context, g *models.ServiceGroup) error {
	r.events = append(r.events, "created:"+g.OwnerID)
	return nil
}

func (r *recordingCallback) OnServiceGroupUpdated(_ context.Context, g *models.ServiceGroup) error {
	r.events = append(r.events, "updated:"+g.OwnerID)
	return nil
}

func (r *recordingCallback) OnServiceGroupDeleted(_ context.Context, g *models.ServiceGroup) error {
	r.events = append(r.events, "deleted:"+g.OwnerID)
	return nil
}

type ServiceGroupSuite struct {
	suite.Suite
	ctrl         *gomock.Controller
	mockStore    *mocks.MockStore
	mockTx       *mocks.MockStoreTx
	mockAudit    *mocks.MockAuditPublisher
	serviceInfos *mocks.MockCascade
	redirects    *mocks.MockCascade
	callback     *recordingCallback
	service      *Service
}

func TestServiceGroupSuite(t *testing.T) {
	suite.Run(t, new(ServiceGroupSuite))
}

func (s *ServiceGroupSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockStore = mocks.NewMockStore(s.ctrl)
	s.mockTx = mocks.NewMockStoreTx(s.ctrl)
	s.mockAudit = mocks.NewMockAuditPublisher(s.ctrl)
	s.serviceInfos = mocks.NewMockCascade(s.ctrl)
	s.redirects = mocks.NewMockCascade(s.ctrl)
	s.mockTx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		}).AnyTimes()

	var err error
	s.service, err = New(s.mockStore, s.mockTx,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.mockAudit),
		WithCascades(s.serviceInfos, s.redirects),
	)
	s.Require().NoError(err)
	s.callback = &recordingCallback{}
	s.service.Callbacks().Add(s.callback)
}

func (s *ServiceGroupSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceGroupSuite) expectAudit(action audit.Action, reason string) {
	s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e audit.Event) error {
		s.Equal(audit.ObjectServiceGroup, e.ObjectType)
		s.Equal(action, e.Action)
		s.Equal(reason, e.Reason)
		s.Equal(pid.URI(), e.ObjectID)
		return nil
	})
}

func (s *ServiceGroupSuite) TestCreate() {
	ctx := context.Background()

	s.Run("new participant", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(nil, sentinel.ErrNotFound)
		s.mockStore.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil)
		s.expectAudit(audit.ActionCreate, "")

		group, err := s.service.Create(ctx, "owner-1", pid, "")
		s.Require().NoError(err)
		s.Equal("owner-1", group.OwnerID)
		s.Equal([]string{"created:owner-1"}, s.callback.events)
	})

	s.Run("existing participant is a conflict", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(&models.ServiceGroup{ParticipantID: pid, OwnerID: "owner-1"}, nil)
		s.expectAudit(audit.ActionCreate, audit.ReasonAlreadyExists)

		_, err := s.service.Create(ctx, "owner-2", pid, "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("missing owner fails before storage", func() {
		_, err := s.service.Create(ctx, " ", pid, "")
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func (s *ServiceGroupSuite) TestUpdate() {
	ctx := context.Background()
	current := &models.ServiceGroup{ParticipantID: pid, OwnerID: "owner-1"}

	s.Run("unknown participant", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(nil, sentinel.ErrNotFound)
		s.expectAudit(audit.ActionModify, audit.ReasonNoSuchID)

		_, err := s.service.Update(ctx, pid, "owner-2", "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("identical values are not written", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(current.Clone(), nil)

		_, err := s.service.Update(ctx, pid, "owner-1", "")
		s.Require().NoError(err)
		s.Empty(s.callback.events)
	})

	s.Run("new owner is written", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(current.Clone(), nil)
		s.mockStore.EXPECT().Update(gomock.Any(), &models.ServiceGroup{ParticipantID: pid, OwnerID: "owner-2", Extension: "<x/>"}).Return(nil)
		s.expectAudit(audit.ActionModify, "")

		_, err := s.service.Update(ctx, pid, "owner-2", "<x/>")
		s.Require().NoError(err)
		s.Equal([]string{"updated:owner-2"}, s.callback.events)
	})
}

func (s *ServiceGroupSuite) TestDelete() {
	ctx := context.Background()
	current := &models.ServiceGroup{ParticipantID: pid, OwnerID: "owner-1"}

	s.Run("cascades to service information then redirects", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(current.Clone(), nil)
		s.mockStore.EXPECT().Delete(gomock.Any(), pid).Return(true, nil)
		gomock.InOrder(
			s.serviceInfos.EXPECT().DeleteAllOfServiceGroup(gomock.Any(), pid).Return(id.Changed, nil),
			s.redirects.EXPECT().DeleteAllOfServiceGroup(gomock.Any(), pid).Return(id.Unchanged, nil),
		)
		s.expectAudit(audit.ActionDelete, "")

		change, err := s.service.Delete(ctx, pid)
		s.Require().NoError(err)
		s.True(change.IsChanged())
		s.Equal([]string{"deleted:owner-1"}, s.callback.events)
	})

	s.Run("unknown participant does not cascade", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(nil, sentinel.ErrNotFound)
		s.expectAudit(audit.ActionDelete, audit.ReasonNoSuchID)

		change, err := s.service.Delete(ctx, pid)
		s.Require().NoError(err)
		s.False(change.IsChanged())
	})

	s.Run("failing cascade still runs the rest and reports", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(current.Clone(), nil)
		s.mockStore.EXPECT().Delete(gomock.Any(), pid).Return(true, nil)
		s.serviceInfos.EXPECT().DeleteAllOfServiceGroup(gomock.Any(), pid).Return(id.Unchanged, errors.New("disk full"))
		s.redirects.EXPECT().DeleteAllOfServiceGroup(gomock.Any(), pid).Return(id.Changed, nil)
		s.expectAudit(audit.ActionDelete, "")

		change, err := s.service.Delete(ctx, pid)
		s.True(change.IsChanged())
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("row count mismatch aborts", func() {
		s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(current.Clone(), nil)
		s.mockStore.EXPECT().Delete(gomock.Any(), pid).Return(false, nil)
		s.expectAudit(audit.ActionDelete, audit.ReasonPersistFailed)

		change, err := s.service.Delete(ctx, pid)
		s.False(change.IsChanged())
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ServiceGroupSuite) TestReads() {
	ctx := context.Background()

	s.mockStore.EXPECT().Get(gomock.Any(), pid).Return(nil, sentinel.ErrNotFound)
	_, err := s.service.GetByID(ctx, pid)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.mockStore.EXPECT().ListByOwner(gomock.Any(), "owner-1").Return([]*models.ServiceGroup{{ParticipantID: pid, OwnerID: "owner-1"}}, nil)
	groups, err := s.service.GetAllOfOwner(ctx, "owner-1")
	s.Require().NoError(err)
	s.Len(groups, 1)

	s.mockStore.EXPECT().Count(gomock.Any()).Return(0, errors.New("connection reset"))
	_, err = s.service.Count(ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
