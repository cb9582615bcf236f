package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mySupply/phoss-smp/internal/platform/postgres"
	"github.com/mySupply/phoss-smp/internal/redirect/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/certs"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

// PostgresStore persists redirects in smp_service_metadata_redirection.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
	redirectionUrl, certificateUID, certificate, extension`

const keyFilter = `businessIdentifierScheme = $1 AND businessIdentifier = $2 AND documentIdentifierScheme = $3 AND documentIdentifier = $4`

func keyArgs(key id.ServiceKey) []any {
	return []any{
		key.ServiceGroupID.Scheme, key.ServiceGroupID.Value,
		key.DocumentTypeID.Scheme, key.DocumentTypeID.Value,
	}
}

func (s *PostgresStore) Get(ctx context.Context, key id.ServiceKey) (*models.Redirect, error) {
	row := postgres.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM smp_service_metadata_redirection WHERE `+keyFilter, keyArgs(key)...)
	r, err := scanRedirect(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get redirect: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *models.Redirect) error {
	args := append(keyArgs(r.Key()), r.TargetHref, r.SubjectUniqueIdentifier,
		postgres.NullString(certs.Encode(r.Certificate)), postgres.NullString(r.Extension))
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO smp_service_metadata_redirection (businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
			redirectionUrl, certificateUID, certificate, extension)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, args...)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert redirect %s: %w", r.ID(), sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert redirect: %w", err)
	}
	return postgres.ExpectRows(res, 1, "insert redirect")
}

func (s *PostgresStore) Update(ctx context.Context, r *models.Redirect) error {
	args := append(keyArgs(r.Key()), r.TargetHref, r.SubjectUniqueIdentifier,
		postgres.NullString(certs.Encode(r.Certificate)), postgres.NullString(r.Extension))
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE smp_service_metadata_redirection
		SET redirectionUrl = $5, certificateUID = $6, certificate = $7, extension = $8
		WHERE `+keyFilter, args...)
	if err != nil {
		return fmt.Errorf("update redirect: %w", err)
	}
	return postgres.ExpectRows(res, 1, "update redirect")
}

func (s *PostgresStore) Delete(ctx context.Context, key id.ServiceKey) (bool, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx,
		`DELETE FROM smp_service_metadata_redirection WHERE `+keyFilter, keyArgs(key)...)
	if err != nil {
		return false, fmt.Errorf("delete redirect: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete redirect rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteAllOfServiceGroup(ctx context.Context, sgID id.ParticipantID) (int, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `
		DELETE FROM smp_service_metadata_redirection
		WHERE businessIdentifierScheme = $1 AND businessIdentifier = $2
	`, sgID.Scheme, sgID.Value)
	if err != nil {
		return 0, fmt.Errorf("delete redirects of service group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete redirects rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.Redirect, error) {
	return s.list(ctx, `TRUE`)
}

func (s *PostgresStore) ListByServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.Redirect, error) {
	return s.list(ctx, `businessIdentifierScheme = $1 AND businessIdentifier = $2`, sgID.Scheme, sgID.Value)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := postgres.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM smp_service_metadata_redirection`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redirects: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) list(ctx context.Context, where string, args ...any) ([]*models.Redirect, error) {
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, `SELECT `+selectColumns+`
		FROM smp_service_metadata_redirection
		WHERE `+where+`
		ORDER BY businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier`, args...)
	if err != nil {
		return nil, fmt.Errorf("list redirects: %w", err)
	}
	defer rows.Close()

	var out []*models.Redirect
	for rows.Next() {
		r, err := scanRedirect(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redirect: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate redirects: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRedirect rebuilds the owning identifiers from the row itself.
func scanRedirect(row scanner) (*models.Redirect, error) {
	var (
		sgScheme, sgValue, docScheme, docValue string
		href, uid                              string
		cert, ext                              sql.NullString
	)
	if err := row.Scan(&sgScheme, &sgValue, &docScheme, &docValue, &href, &uid, &cert, &ext); err != nil {
		return nil, err
	}
	return &models.Redirect{
		ServiceGroupID:          id.NewParticipantID(sgScheme, sgValue),
		DocumentTypeID:          id.NewDocumentTypeID(docScheme, docValue),
		TargetHref:              href,
		SubjectUniqueIdentifier: uid,
		Certificate:             certs.ParseOrNil(cert.String),
		Extension:               ext.String,
	}, nil
}
