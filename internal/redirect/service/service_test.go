package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/mySupply/phoss-smp/internal/redirect/models"
	"github.com/mySupply/phoss-smp/internal/redirect/service/mocks"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/audit"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

var (
	sg      = id.NewParticipantID("iso6523-actorid-upis", "0088:123")
	invoice = id.NewDocumentTypeID("busdox-docid-qns", "invoice")
	order   = id.NewDocumentTypeID("busdox-docid-qns", "order")
)

type recordingCallback struct {
	events []string
}

func (r *recordingCallback) OnRedirectCreated(_ context.Context, rd *models.Redirect) error {
	r.events = append(r.events, "created:"+rd.TargetHref)
	return nil
}

func (r *recordingCallback) OnRedirectUpdated(_ context.Context, rd *models.Redirect) error {
	r.events = append(r.events, "updated:"+rd.TargetHref)
	return nil
}

func (r *recordingCallback) OnRedirectDeleted(_ context.Context, rd *models.Redirect) error {
	r.events = append(r.events, "deleted:"+rd.DocumentTypeID.Value)
	return nil
}

type RedirectServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mockStore *mocks.MockStore
	mockTx    *mocks.MockStoreTx
	mockAudit *mocks.MockAuditPublisher
	callback  *recordingCallback
	service   *Service
}

func TestRedirectServiceSuite(t *testing.T) {
	suite.Run(t, new(RedirectServiceSuite))
}

func (s *RedirectServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockStore = mocks.NewMockStore(s.ctrl)
	s.mockTx = mocks.NewMockStoreTx(s.ctrl)
	s.mockAudit = mocks.NewMockAuditPublisher(s.ctrl)
	s.mockTx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		}).AnyTimes()
	s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var err error
	s.service, err = New(s.mockStore, s.mockTx,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.mockAudit),
	)
	s.Require().NoError(err)
	s.callback = &recordingCallback{}
	s.service.Callbacks().Add(s.callback)
}

func (s *RedirectServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func redirect(doc id.DocumentTypeID) *models.Redirect {
	return &models.Redirect{
		ServiceGroupID:          sg,
		DocumentTypeID:          doc,
		TargetHref:              "https://other-smp.example",
		SubjectUniqueIdentifier: "CN=other",
	}
}

func (s *RedirectServiceSuite) TestCreateOrUpdate() {
	ctx := context.Background()

	s.Run("creates when absent", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), id.NewServiceKey(sg, invoice)).Return(nil, sentinel.ErrNotFound)
		s.mockStore.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil)

		got, err := s.service.CreateOrUpdate(ctx, sg, invoice, "https://a.example", "CN=a", nil, "")
		s.Require().NoError(err)
		s.Equal("https://a.example", got.TargetHref)
		s.Equal([]string{"created:https://a.example"}, s.callback.events)
	})

	s.Run("updates when present and returns the input", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(redirect(invoice), nil)
		s.mockStore.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, r *models.Redirect) error {
			s.Equal("https://b.example", r.TargetHref)
			s.Equal("<ext/>", r.Extension)
			return nil
		})

		got, err := s.service.CreateOrUpdate(ctx, sg, invoice, "https://b.example", "CN=b", nil, "<ext/>")
		s.Require().NoError(err)
		s.Equal("CN=b", got.SubjectUniqueIdentifier)
		s.Equal([]string{"updated:https://b.example"}, s.callback.events)
	})

	s.Run("rejects a relative href", func() {
		_, err := s.service.CreateOrUpdate(ctx, sg, invoice, "/relative", "CN=a", nil, "")
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("count mismatch aborts without callbacks", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(redirect(invoice), nil)
		s.mockStore.EXPECT().Update(gomock.Any(), gomock.Any()).Return(sentinel.ErrInvalidState)

		_, err := s.service.CreateOrUpdate(ctx, sg, invoice, "https://b.example", "CN=b", nil, "")
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Empty(s.callback.events)
	})

	s.Run("service information on the key is a conflict", func() {
		checker := mocks.NewMockKeyChecker(s.ctrl)
		s.service.ExcludeKeysOf(checker)
		defer s.service.ExcludeKeysOf(nil)
		checker.EXPECT().Contains(gomock.Any(), id.NewServiceKey(sg, invoice)).Return(true, nil)

		_, err := s.service.CreateOrUpdate(ctx, sg, invoice, "https://a.example", "CN=a", nil, "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *RedirectServiceSuite) TestTransactionFailure() {
	ctrl := gomock.NewController(s.T())
	defer ctrl.Finish()
	failingTx := mocks.NewMockStoreTx(ctrl)
	failingTx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))
	svc, err := New(s.mockStore, failingTx, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	_, err = svc.CreateOrUpdate(context.Background(), sg, invoice, "https://a.example", "CN=a", nil, "")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *RedirectServiceSuite) TestDelete() {
	ctx := context.Background()

	s.Run("unknown key is unchanged without callback", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Delete(gomock.Any(), gomock.Any()).Return(false, nil)

		change, err := s.service.Delete(ctx, redirect(invoice))
		s.Require().NoError(err)
		s.False(change.IsChanged())
		s.Empty(s.callback.events)
	})

	s.Run("existing key fires delete", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().Delete(gomock.Any(), id.NewServiceKey(sg, invoice)).Return(true, nil)

		change, err := s.service.Delete(ctx, redirect(invoice))
		s.Require().NoError(err)
		s.True(change.IsChanged())
		s.Equal([]string{"deleted:invoice"}, s.callback.events)
	})
}

func (s *RedirectServiceSuite) TestDeleteAllOfServiceGroup() {
	ctx := context.Background()

	s.Run("matching count fires one callback per redirect", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().ListByServiceGroup(gomock.Any(), sg).Return([]*models.Redirect{redirect(invoice), redirect(order)}, nil)
		s.mockStore.EXPECT().DeleteAllOfServiceGroup(gomock.Any(), sg).Return(2, nil)

		change, err := s.service.DeleteAllOfServiceGroup(ctx, sg)
		s.Require().NoError(err)
		s.True(change.IsChanged())
		s.Equal([]string{"deleted:invoice", "deleted:order"}, s.callback.events)
	})

	s.Run("count mismatch skips callbacks", func() {
		s.callback.events = nil
		s.mockStore.EXPECT().ListByServiceGroup(gomock.Any(), sg).Return([]*models.Redirect{redirect(invoice), redirect(order)}, nil)
		s.mockStore.EXPECT().DeleteAllOfServiceGroup(gomock.Any(), sg).Return(1, nil)

		change, err := s.service.DeleteAllOfServiceGroup(ctx, sg)
		s.Require().NoError(err)
		s.True(change.IsChanged())
		s.Empty(s.callback.events)
	})

	s.Run("nothing stored is unchanged", func() {
		s.mockStore.EXPECT().ListByServiceGroup(gomock.Any(), sg).Return(nil, nil)

		change, err := s.service.DeleteAllOfServiceGroup(ctx, sg)
		s.Require().NoError(err)
		s.False(change.IsChanged())
	})
}

func (s *RedirectServiceSuite) TestLookups() {
	ctx := context.Background()

	s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, sentinel.ErrNotFound)
	_, err := s.service.GetOfServiceGroupAndDocumentType(ctx, sg, invoice)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(redirect(invoice), nil)
	ok, err := s.service.Contains(ctx, id.NewServiceKey(sg, invoice))
	s.Require().NoError(err)
	s.True(ok)

	s.mockStore.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom"))
	_, err = s.service.Contains(ctx, id.NewServiceKey(sg, invoice))
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
