package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/mySupply/phoss-smp/internal/platform/wal"
	"github.com/mySupply/phoss-smp/internal/servicegroup/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

const WALName = "servicegroup"

type WALStore struct {
	table *wal.Table[*models.ServiceGroup]
}

func OpenWAL(dir string, logger *slog.Logger, checkpointEvery int) (*WALStore, error) {
	table, err := wal.OpenTable[*models.ServiceGroup](dir, WALName, Codec{},
		wal.WithLogger(logger),
		wal.WithCheckpointEvery(checkpointEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("open service group wal: %w", err)
	}
	return &WALStore{table: table}, nil
}

func (s *WALStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.table.RunLocked(ctx, fn)
}

func (s *WALStore) Get(ctx context.Context, participantID id.ParticipantID) (*models.ServiceGroup, error) {
	group, ok := s.table.Get(ctx, participantID.Key())
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return group.Clone(), nil
}

func (s *WALStore) Insert(ctx context.Context, group *models.ServiceGroup) error {
	if _, ok := s.table.Get(ctx, group.ParticipantID.Key()); ok {
		return fmt.Errorf("insert service group %s: %w", group.ID(), sentinel.ErrAlreadyUsed)
	}
	return s.table.Put(ctx, wal.ActionCreate, group.Clone())
}

func (s *WALStore) Update(ctx context.Context, group *models.ServiceGroup) error {
	if _, ok := s.table.Get(ctx, group.ParticipantID.Key()); !ok {
		return fmt.Errorf("update service group %s: %w", group.ID(), sentinel.ErrInvalidState)
	}
	return s.table.Put(ctx, wal.ActionUpdate, group.Clone())
}

func (s *WALStore) Delete(ctx context.Context, participantID id.ParticipantID) (bool, error) {
	n, err := s.table.Remove(ctx, participantID.Key())
	return n == 1, err
}

func (s *WALStore) ListAll(ctx context.Context) ([]*models.ServiceGroup, error) {
	return cloneAll(s.table.Values(ctx)), nil
}

func (s *WALStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.ServiceGroup, error) {
	return cloneAll(s.table.Filter(ctx, func(g *models.ServiceGroup) bool {
		return g.OwnerID == ownerID
	})), nil
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

func cloneAll(in []*models.ServiceGroup) []*models.ServiceGroup {
	out := make([]*models.ServiceGroup, len(in))
	for i, g := range in {
		out[i] = g.Clone()
	}
	return out
}

// Codec maps service groups to the <servicegroup> element.
type Codec struct{}

func (Codec) Root() string { return "servicegroups" }

func (Codec) Key(g *models.ServiceGroup) string { return g.ParticipantID.Key() }

func (Codec) Encode(g *models.ServiceGroup) *etree.Element {
	el := etree.NewElement("servicegroup")
	wal.SetPairAttrs(el, "participant", g.ParticipantID.Scheme, g.ParticipantID.Value)
	el.CreateAttr("ownerid", g.OwnerID)
	if g.Extension != "" {
		el.CreateElement("extension").SetText(g.Extension)
	}
	return el
}

func (Codec) Decode(el *etree.Element) (*models.ServiceGroup, error) {
	pid := id.NewParticipantID(wal.PairAttrs(el, "participant"))
	var ext string
	if e := el.SelectElement("extension"); e != nil {
		ext = e.Text()
	}
	group, err := models.NewServiceGroup(pid, el.SelectAttrValue("ownerid", ""), ext)
	if err != nil {
		return nil, fmt.Errorf("servicegroup %s: %w", pid.URI(), err)
	}
	return group, nil
}
