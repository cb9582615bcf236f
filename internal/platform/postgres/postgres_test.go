package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "github.com/mySupply/phoss-smp/pkg/domain-errors"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

type result struct {
	rows int64
	err  error
}

func (r result) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r result) RowsAffected() (int64, error) { return r.rows, r.err }

func TestExpectRows(t *testing.T) {
	require.NoError(t, ExpectRows(result{rows: 1}, 1, "insert"))

	err := ExpectRows(result{rows: 0}, 1, "update redirect")
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	assert.Contains(t, err.Error(), "update redirect")

	err = ExpectRows(result{err: errors.New("driver")}, 1, "delete")
	require.Error(t, err)
	assert.NotErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsSerializationFailure(unique))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestRunInTxRejectsCancelledContext(t *testing.T) {
	runner := NewTxRunner(nil, WithTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := runner.RunInTx(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.False(t, called)
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)
	assert.False(t, NullTime(time.Time{}).Valid)
	assert.True(t, NullTime(time.Now()).Valid)
}
