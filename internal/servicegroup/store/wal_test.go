package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mySupply/phoss-smp/internal/servicegroup/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

func TestWALStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := OpenWAL(dir, logger, 2)
	require.NoError(t, err)

	for i, value := range []string{"0088:3", "0088:1", "0088:2"} {
		owner := "owner-a"
		if i == 2 {
			owner = "owner-b"
		}
		g, err := models.NewServiceGroup(id.NewParticipantID("iso6523-actorid-upis", value), owner, "")
		require.NoError(t, err)
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context) error {
			return store.Insert(ctx, g)
		}))
	}

	t.Run("values are sorted by participant", func(t *testing.T) {
		all, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "0088:1", all[0].ParticipantID.Value)
		assert.Equal(t, "0088:3", all[2].ParticipantID.Value)
	})

	t.Run("owner filter", func(t *testing.T) {
		owned, err := store.ListByOwner(ctx, "owner-b")
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, "0088:2", owned[0].ParticipantID.Value)
	})

	t.Run("survives restart", func(t *testing.T) {
		require.NoError(t, store.Close())
		store, err = OpenWAL(dir, logger, 2)
		require.NoError(t, err)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("unknown participant", func(t *testing.T) {
		_, err := store.Get(ctx, id.NewParticipantID("iso6523-actorid-upis", "0088:404"))
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	require.NoError(t, store.Close())
}

func TestWALStoreKeepsSchemeAndValueApart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := OpenWAL(dir, logger, 64)
	require.NoError(t, err)

	pid := id.NewParticipantID("iso6523-actorid-upis", "0088::a|b")
	g, err := models.NewServiceGroup(pid, "owner-a", "")
	require.NoError(t, err)
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context) error {
		return store.Insert(ctx, g)
	}))
	require.NoError(t, store.Close())

	store, err = OpenWAL(dir, logger, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "iso6523-actorid-upis", got.ParticipantID.Scheme)
	assert.Equal(t, "0088::a|b", got.ParticipantID.Value)

	_, err = store.Get(ctx, id.NewParticipantID("iso6523-actorid-upis::0088", "a|b"))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
