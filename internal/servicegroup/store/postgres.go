package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mySupply/phoss-smp/internal/platform/postgres"
	"github.com/mySupply/phoss-smp/internal/servicegroup/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

// PostgresStore persists service groups in smp_service_group.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, participantID id.ParticipantID) (*models.ServiceGroup, error) {
	row := postgres.Conn(ctx, s.db).QueryRowContext(ctx, `
		SELECT businessIdentifierScheme, businessIdentifier, ownerId, extension
		FROM smp_service_group
		WHERE businessIdentifierScheme = $1 AND businessIdentifier = $2
	`, participantID.Scheme, participantID.Value)
	group, err := scanServiceGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get service group: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) Insert(ctx context.Context, group *models.ServiceGroup) error {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO smp_service_group (businessIdentifierScheme, businessIdentifier, ownerId, extension)
		VALUES ($1, $2, $3, $4)
	`, group.ParticipantID.Scheme, group.ParticipantID.Value, group.OwnerID, postgres.NullString(group.Extension))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert service group %s: %w", group.ID(), sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert service group: %w", err)
	}
	return postgres.ExpectRows(res, 1, "insert service group")
}

func (s *PostgresStore) Update(ctx context.Context, group *models.ServiceGroup) error {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE smp_service_group SET ownerId = $3, extension = $4
		WHERE businessIdentifierScheme = $1 AND businessIdentifier = $2
	`, group.ParticipantID.Scheme, group.ParticipantID.Value, group.OwnerID, postgres.NullString(group.Extension))
	if err != nil {
		return fmt.Errorf("update service group: %w", err)
	}
	return postgres.ExpectRows(res, 1, "update service group")
}

func (s *PostgresStore) Delete(ctx context.Context, participantID id.ParticipantID) (bool, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		DELETE FROM smp_service_group WHERE businessIdentifierScheme = $1 AND businessIdentifier = $2
	`, participantID.Scheme, participantID.Value)
	if err != nil {
		return false, fmt.Errorf("delete service group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete service group rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.ServiceGroup, error) {
	return s.list(ctx, `TRUE`)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.ServiceGroup, error) {
	return s.list(ctx, `ownerId = $1`, ownerID)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := postgres.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM smp_service_group`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count service groups: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) list(ctx context.Context, where string, args ...any) ([]*models.ServiceGroup, error) {
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, `
		SELECT businessIdentifierScheme, businessIdentifier, ownerId, extension
		FROM smp_service_group
		WHERE `+where+`
		ORDER BY businessIdentifierScheme, businessIdentifier`, args...)
	if err != nil {
		return nil, fmt.Errorf("list service groups: %w", err)
	}
	defer rows.Close()

	var out []*models.ServiceGroup
	for rows.Next() {
		group, err := scanServiceGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service group: %w", err)
		}
		out = append(out, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service groups: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServiceGroup(row scanner) (*models.ServiceGroup, error) {
	var (
		scheme, value, owner string
		ext                  sql.NullString
	)
	if err := row.Scan(&scheme, &value, &owner, &ext); err != nil {
		return nil, err
	}
	return &models.ServiceGroup{
		ParticipantID: id.NewParticipantID(scheme, value),
		OwnerID:       owner,
		Extension:     ext.String,
	}, nil
}
