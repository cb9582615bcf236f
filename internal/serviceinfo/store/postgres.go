package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mySupply/phoss-smp/internal/platform/postgres"
	"github.com/mySupply/phoss-smp/internal/serviceinfo/models"
	id "github.com/mySupply/phoss-smp/pkg/domain"
	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

// PostgresStore persists service information across smp_service_metadata,
// smp_process and smp_endpoint. Statements run on the transaction carried by
// ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyFilter = `businessIdentifierScheme = $1 AND businessIdentifier = $2 AND documentIdentifierScheme = $3 AND documentIdentifier = $4`

const keyOrder = `businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier`

func keyArgs(key id.ServiceKey) []any {
	return []any{
		key.ServiceGroupID.Scheme, key.ServiceGroupID.Value,
		key.DocumentTypeID.Scheme, key.DocumentTypeID.Value,
	}
}

func (s *PostgresStore) ListByKey(ctx context.Context, key id.ServiceKey) ([]*models.ServiceInformation, error) {
	all, err := s.load(ctx, keyFilter, keyArgs(key)...)
	if err != nil {
		return nil, fmt.Errorf("list service information by key: %w", err)
	}
	return all, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.ServiceInformation, error) {
	all, err := s.load(ctx, "TRUE")
	if err != nil {
		return nil, fmt.Errorf("list service information: %w", err)
	}
	return all, nil
}

func (s *PostgresStore) ListByServiceGroup(ctx context.Context, sgID id.ParticipantID) ([]*models.ServiceInformation, error) {
	all, err := s.load(ctx, `businessIdentifierScheme = $1 AND businessIdentifier = $2`, sgID.Scheme, sgID.Value)
	if err != nil {
		return nil, fmt.Errorf("list service information of service group: %w", err)
	}
	return all, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := postgres.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM smp_service_metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count service information: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Insert(ctx context.Context, si *models.ServiceInformation) error {
	conn := postgres.Conn(ctx, s.db)
	args := append(keyArgs(si.Key()), postgres.NullString(si.Extension))
	res, err := conn.ExecContext(ctx, `
		INSERT INTO smp_service_metadata (businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier, extension)
		VALUES ($1, $2, $3, $4, $5)
	`, args...)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert service information %s: %w", si.ID(), sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert service information: %w", err)
	}
	if err := postgres.ExpectRows(res, 1, "insert service information"); err != nil {
		return err
	}
	return writeChildren(ctx, conn, si)
}

// Update rewrites the record: the metadata row must exist, processes and
// endpoints are upserted in order and rows no longer present are pruned.
func (s *PostgresStore) Update(ctx context.Context, si *models.ServiceInformation) error {
	conn := postgres.Conn(ctx, s.db)
	args := append(keyArgs(si.Key()), postgres.NullString(si.Extension))
	res, err := conn.ExecContext(ctx, `
		UPDATE smp_service_metadata SET extension = $5 WHERE `+keyFilter, args...)
	if err != nil {
		return fmt.Errorf("update service information: %w", err)
	}
	if err := postgres.ExpectRows(res, 1, "update service information"); err != nil {
		return err
	}
	if err := writeChildren(ctx, conn, si); err != nil {
		return err
	}

	schemes := make([]string, 0, len(si.Processes))
	values := make([]string, 0, len(si.Processes))
	for _, p := range si.Processes {
		schemes = append(schemes, p.ProcessID.Scheme)
		values = append(values, p.ProcessID.Value)
	}
	_, err = conn.ExecContext(ctx, `
		DELETE FROM smp_process
		WHERE `+keyFilter+`
		  AND (processIdentifierScheme, processIdentifier) NOT IN (
			SELECT s, v FROM unnest($5::text[], $6::text[]) AS kept(s, v)
		  )
	`, append(keyArgs(si.Key()), pq.Array(schemes), pq.Array(values))...)
	if err != nil {
		return fmt.Errorf("prune processes: %w", err)
	}
	for _, p := range si.Processes {
		profiles := make([]string, 0, len(p.Endpoints))
		for _, ep := range p.Endpoints {
			profiles = append(profiles, string(ep.TransportProfile))
		}
		_, err = conn.ExecContext(ctx, `
			DELETE FROM smp_endpoint
			WHERE `+keyFilter+`
			  AND processIdentifierScheme = $5 AND processIdentifier = $6
			  AND NOT (transportProfile = ANY($7::text[]))
		`, append(keyArgs(si.Key()), p.ProcessID.Scheme, p.ProcessID.Value, pq.Array(profiles))...)
		if err != nil {
			return fmt.Errorf("prune endpoints: %w", err)
		}
	}
	return nil
}

// Delete removes the metadata row; processes and endpoints cascade.
func (s *PostgresStore) Delete(ctx context.Context, key id.ServiceKey) (bool, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, `DELETE FROM smp_service_metadata WHERE `+keyFilter, keyArgs(key)...)
	if err != nil {
		return false, fmt.Errorf("delete service information: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete service information rows affected: %w", err)
	}
	return n > 0, nil
}

func writeChildren(ctx context.Context, conn postgres.Executor, si *models.ServiceInformation) error {
	key := keyArgs(si.Key())
	for pi, p := range si.Processes {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO smp_process (businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
				processIdentifierScheme, processIdentifier, ordinal, extension)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
				processIdentifierScheme, processIdentifier) DO UPDATE SET
				ordinal = EXCLUDED.ordinal,
				extension = EXCLUDED.extension
		`, append(key, p.ProcessID.Scheme, p.ProcessID.Value, pi, postgres.NullString(p.Extension))...)
		if err != nil {
			return fmt.Errorf("upsert process %s: %w", p.ProcessID.URI(), err)
		}
		for ei, ep := range p.Endpoints {
			_, err := conn.ExecContext(ctx, `
				INSERT INTO smp_endpoint (businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
					processIdentifierScheme, processIdentifier, transportProfile, ordinal, endpointReference,
					requireBusinessLevelSignature, minimumAuthenticationLevel, serviceActivationDate, serviceExpirationDate,
					certificate, serviceDescription, technicalContactUrl, technicalInformationUrl, extension)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
				ON CONFLICT (businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
					processIdentifierScheme, processIdentifier, transportProfile) DO UPDATE SET
					ordinal = EXCLUDED.ordinal,
					endpointReference = EXCLUDED.endpointReference,
					requireBusinessLevelSignature = EXCLUDED.requireBusinessLevelSignature,
					minimumAuthenticationLevel = EXCLUDED.minimumAuthenticationLevel,
					serviceActivationDate = EXCLUDED.serviceActivationDate,
					serviceExpirationDate = EXCLUDED.serviceExpirationDate,
					certificate = EXCLUDED.certificate,
					serviceDescription = EXCLUDED.serviceDescription,
					technicalContactUrl = EXCLUDED.technicalContactUrl,
					technicalInformationUrl = EXCLUDED.technicalInformationUrl,
					extension = EXCLUDED.extension
			`, append(key, p.ProcessID.Scheme, p.ProcessID.Value,
				string(ep.TransportProfile),
				ei,
				ep.EndpointURL,
				ep.RequireBusinessLevelSignature,
				postgres.NullString(ep.MinimumAuthenticationLevel),
				postgres.NullTime(ep.ServiceActivation),
				postgres.NullTime(ep.ServiceExpiration),
				postgres.NullString(ep.Certificate),
				postgres.NullString(ep.ServiceDescription),
				postgres.NullString(ep.TechnicalContactURL),
				postgres.NullString(ep.TechnicalInformationURL),
				postgres.NullString(ep.Extension),
			)...)
			if err != nil {
				return fmt.Errorf("upsert endpoint %s: %w", ep.TransportProfile, err)
			}
		}
	}
	return nil
}

// load reads the records matching where (written against the shared key
// columns) with their processes and endpoints, in primary key order.
func (s *PostgresStore) load(ctx context.Context, where string, args ...any) ([]*models.ServiceInformation, error) {
	conn := postgres.Conn(ctx, s.db)

	var (
		out   []*models.ServiceInformation
		byKey = make(map[id.ServiceKey]*models.ServiceInformation)
	)
	rows, err := conn.QueryContext(ctx, `
		SELECT businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier, extension
		FROM smp_service_metadata
		WHERE `+where+`
		ORDER BY `+keyOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sgScheme, sgValue, docScheme, docValue string
			ext                                    sql.NullString
		)
		if err := rows.Scan(&sgScheme, &sgValue, &docScheme, &docValue, &ext); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		si := &models.ServiceInformation{
			ServiceGroupID: id.NewParticipantID(sgScheme, sgValue),
			DocumentTypeID: id.NewDocumentTypeID(docScheme, docValue),
			Extension:      ext.String,
		}
		out = append(out, si)
		// Duplicate keys keep the first row for child attachment.
		if _, ok := byKey[si.Key()]; !ok {
			byKey[si.Key()] = si
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	if err := loadProcesses(ctx, conn, byKey, where, args); err != nil {
		return nil, err
	}
	if err := loadEndpoints(ctx, conn, byKey, where, args); err != nil {
		return nil, err
	}
	return out, nil
}

func loadProcesses(ctx context.Context, conn postgres.Executor, byKey map[id.ServiceKey]*models.ServiceInformation, where string, args []any) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
			processIdentifierScheme, processIdentifier, extension
		FROM smp_process
		WHERE `+where+`
		ORDER BY `+keyOrder+`, ordinal`, args...)
	if err != nil {
		return fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sgScheme, sgValue, docScheme, docValue, pScheme, pValue string
			ext                                                     sql.NullString
		)
		if err := rows.Scan(&sgScheme, &sgValue, &docScheme, &docValue, &pScheme, &pValue, &ext); err != nil {
			return fmt.Errorf("scan process: %w", err)
		}
		key := id.NewServiceKey(id.NewParticipantID(sgScheme, sgValue), id.NewDocumentTypeID(docScheme, docValue))
		si, ok := byKey[key]
		if !ok {
			continue
		}
		si.Processes = append(si.Processes, models.Process{
			ProcessID: id.NewProcessID(pScheme, pValue),
			Extension: ext.String,
		})
	}
	return rows.Err()
}

func loadEndpoints(ctx context.Context, conn postgres.Executor, byKey map[id.ServiceKey]*models.ServiceInformation, where string, args []any) error {
	rows, err := conn.QueryContext(ctx, `
		SELECT businessIdentifierScheme, businessIdentifier, documentIdentifierScheme, documentIdentifier,
			processIdentifierScheme, processIdentifier, transportProfile, endpointReference,
			requireBusinessLevelSignature, minimumAuthenticationLevel, serviceActivationDate, serviceExpirationDate,
			certificate, serviceDescription, technicalContactUrl, technicalInformationUrl, extension
		FROM smp_endpoint
		WHERE `+where+`
		ORDER BY `+keyOrder+`, processIdentifierScheme, processIdentifier, ordinal`, args...)
	if err != nil {
		return fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sgScheme, sgValue, docScheme, docValue, pScheme, pValue string
			profile, url                                            string
			requireSig                                              bool
			minAuth, cert, desc, contact, info, ext                 sql.NullString
			activation, expiration                                  sql.NullTime
		)
		if err := rows.Scan(&sgScheme, &sgValue, &docScheme, &docValue, &pScheme, &pValue, &profile, &url,
			&requireSig, &minAuth, &activation, &expiration, &cert, &desc, &contact, &info, &ext); err != nil {
			return fmt.Errorf("scan endpoint: %w", err)
		}
		key := id.NewServiceKey(id.NewParticipantID(sgScheme, sgValue), id.NewDocumentTypeID(docScheme, docValue))
		si, ok := byKey[key]
		if !ok {
			continue
		}
		process, ok := si.ProcessOfID(id.NewProcessID(pScheme, pValue))
		if !ok {
			continue
		}
		process.Endpoints = append(process.Endpoints, models.Endpoint{
			TransportProfile:              id.TransportProfile(profile),
			EndpointURL:                   url,
			RequireBusinessLevelSignature: requireSig,
			MinimumAuthenticationLevel:    minAuth.String,
			ServiceActivation:             activation.Time,
			ServiceExpiration:             expiration.Time,
			Certificate:                   cert.String,
			ServiceDescription:            desc.String,
			TechnicalContactURL:           contact.String,
			TechnicalInformationURL:       info.String,
			Extension:                     ext.String,
		})
	}
	return rows.Err()
}
