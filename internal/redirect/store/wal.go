package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/mySupply/phoss-smp/internal/platform/wal"
	"github.com/mySupply/phoss-smp/internal/redirect/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/certs"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

const WALName = "redirect"

// WALStore is the XML document + write-ahead log redirect store.
type WALStore struct {
	table *wal.Table[*models.Redirect]
}

func OpenWAL(dir string, logger *slog.Logger, checkpointEvery int) (*WALStore, error) {
	table, err := wal.OpenTable[*models.Redirect](dir, WALName, Codec{},
		wal.WithLogger(logger),
		wal.WithCheckpointEvery(checkpointEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("open redirect wal: %w", err)
	}
	return &WALStore{table: table}, nil
}

func (s *WALStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.table.RunLocked(ctx, fn)
}

func (s *WALStore) Get(ctx context.Context, key id.ServiceKey) (*models.Redirect, error) {
	r, ok := s.table.Get(ctx, key.Key())
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *WALStore) Insert(ctx context.Context, r *models.Redirect) error {
	if _, ok := s.table.Get(ctx, r.Key().Key()); ok {
		return fmt.Errorf("insert redirect %s: %w", r.ID(), sentinel.ErrAlreadyUsed)
	}
	return s.table.Put(ctx, wal.ActionCreate, r.Clone())
}

func (s *WALStore) Update(ctx context.Context, r *models.Redirect) error {
	if _, ok := s.table.Get(ctx, r.Key().Key()); !ok {
		return fmt.Errorf("update redirect %s: %w", r.ID(), sentinel.ErrInvalidState)
	}
	return s.table.Put(ctx, wal.ActionUpdate, r.Clone())
}

func (s *WALStore) Delete(ctx context.Context, key id.ServiceKey) (bool, error) {
	n, err := s.table.Remove(ctx, key.Key())
	return n == 1, err
}

func (s *WALStore) DeleteAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) (int, error) {
	var keys []string
	for _, r := range s.table.Filter(ctx, ofServiceGroup(sgID)) {
		keys = append(keys, r.Key().Key())
	}
	return s.table.Remove(ctx, keys...)
}

func (s *WALStore) ListAll(ctx context.Context) ([]*models.Redirect, error) {
	return cloneAll(s.table.Values(ctx)), nil
}

func (s *WALStore) ListByServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.Redirect, error) {
	return cloneAll(s.table.Filter(ctx, ofServiceGroup(sgID))), nil
}

func (s *WALStore) Count(ctx context.Context) (int, error) {
	return s.table.Len(ctx), nil
}

func (s *WALStore) Checkpoint(ctx context.Context) error {
	return s.table.Checkpoint(ctx)
}

func (s *WALStore) Close() error {
	return s.table.Close()
}

func ofServiceGroup(sgID id.ParticipantID) func(*models.Redirect) bool {
	return func(r *models.Redirect) bool { return r.ServiceGroupID == sgID }
}

func cloneAll(in []*models.Redirect) []*models.Redirect {
	out := make([]*models.Redirect, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// Codec maps redirects to the <redirect> element. Certificates are kept as
// PEM text; text that no longer parses decodes to a nil certificate.
type Codec struct{}

func (Codec) Root() string { return "redirects" }

func (Codec) Key(r *models.Redirect) string { return r.Key().Key() }

func (Codec) Encode(r *models.Redirect) *etree.Element {
	el := etree.NewElement("redirect")
	wal.SetPairAttrs(el, "servicegroup", r.ServiceGroupID.Scheme, r.ServiceGroupID.Value)
	wal.SetPairAttrs(el, "doctype", r.DocumentTypeID.Scheme, r.DocumentTypeID.Value)
	el.CreateAttr("targethref", r.TargetHref)
	el.CreateAttr("certificateuid", r.SubjectUniqueIdentifier)
	if pemText := certs.Encode(r.Certificate); pemText != "" {
		el.CreateElement("certificate").SetText(pemText)
	}
	if r.Extension != "" {
		el.CreateElement("extension").SetText(r.Extension)
	}
	return el
}

func (Codec) Decode(el *etree.Element) (*models.Redirect, error) {
	sgID := id.NewParticipantID(wal.PairAttrs(el, "servicegroup"))
	docID := id.NewDocumentTypeID(wal.PairAttrs(el, "doctype"))
	var cert, ext string
	if c := el.SelectElement("certificate"); c != nil {
		cert = c.Text()
	}
	if e := el.SelectElement("extension"); e != nil {
		ext = e.Text()
	}
	r, err := models.NewRedirect(sgID, docID,
		el.SelectAttrValue("targethref", ""),
		el.SelectAttrValue("certificateuid", ""),
		certs.ParseOrNil(cert),
		ext,
	)
	if err != nil {
		return nil, fmt.Errorf("redirect %s: %w", id.NewServiceKey(sgID, docID), err)
	}
	return r, nil
}
