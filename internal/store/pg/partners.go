package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/partner"
)

// PartnerStore implements partner.Store. Role and token uniqueness is
// enforced by the partner_roles and partner_tokens primary keys.
type PartnerStore struct {
	db *sql.DB
}

var _ partner.Store = (*PartnerStore)(nil)

const partnerColumns = `id, roles, token_a, pending_token_a, token_status, token_b, versions_url, version,
	endpoints, remote_status, party_status, failed_attempts, next_retry_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPartner(row rowScanner) (partner.Partner, error) {
	var (
		p         partner.Partner
		roles     []byte
		endpoints []byte
		version   string
		tokStatus string
		remote    string
		party     string
		nextRetry sql.NullTime
	)
	err := row.Scan(&p.ID, &roles, &p.TokenA, &p.PendingTokenA, &tokStatus, &p.TokenB, &p.VersionsURL, &version,
		&endpoints, &remote, &party, &p.FailedAttempts, &nextRetry, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return partner.Partner{}, err
	}
	if err := json.Unmarshal(roles, &p.Roles); err != nil {
		return partner.Partner{}, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(endpoints, &p.Endpoints); err != nil {
		return partner.Partner{}, fmt.Errorf("decode endpoints: %w", err)
	}
	if len(p.Roles) == 0 {
		p.Roles = nil
	}
	if len(p.Endpoints) == 0 {
		p.Endpoints = nil
	}
	p.Version = ocpi.VersionNumber(version)
	p.TokenStatus = partner.TokenStatus(tokStatus)
	p.RemoteStatus = partner.RemoteStatus(remote)
	p.PartyStatus = partner.PartyStatus(party)
	if nextRetry.Valid {
		p.NextRetryAt = nextRetry.Time.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func partnerArgs(p partner.Partner) ([]any, error) {
	roles, err := json.Marshal(nonNil(p.Roles))
	if err != nil {
		return nil, fmt.Errorf("encode roles: %w", err)
	}
	endpoints, err := json.Marshal(nonNil(p.Endpoints))
	if err != nil {
		return nil, fmt.Errorf("encode endpoints: %w", err)
	}
	var nextRetry sql.NullTime
	if !p.NextRetryAt.IsZero() {
		nextRetry = sql.NullTime{Time: p.NextRetryAt, Valid: true}
	}
	return []any{p.ID, roles, p.TokenA, p.PendingTokenA, string(p.TokenStatus), p.TokenB, p.VersionsURL,
		string(p.Version), endpoints, string(p.RemoteStatus), string(p.PartyStatus), p.FailedAttempts,
		nextRetry, p.CreatedAt, p.UpdatedAt}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *PartnerStore) Create(ctx context.Context, p partner.Partner) error {
	args, err := partnerArgs(p)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `insert into partners (`+partnerColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: partner %s exists", ocpi.ErrCredentials, p.ID)
		}
		return err
	}
	if err := writeIndexes(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// writeIndexes replaces the role and token rows of p.
func writeIndexes(ctx context.Context, tx *sql.Tx, p partner.Partner) error {
	if _, err := tx.ExecContext(ctx, `delete from partner_roles where partner_id = $1`, p.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from partner_tokens where partner_id = $1`, p.ID); err != nil {
		return err
	}
	for _, r := range p.Roles {
		_, err := tx.ExecContext(ctx, `insert into partner_roles (country_code, party_id, role, partner_id)
			values ($1,$2,$3,$4)`, strings.ToUpper(r.CountryCode), strings.ToUpper(r.PartyID), string(r.Role), p.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ocpi.ErrRoleConflict, r.Identity())
		}
		if err != nil {
			return err
		}
	}
	for _, tok := range []string{p.TokenA, p.PendingTokenA} {
		if tok == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `insert into partner_tokens (token, partner_id) values ($1,$2)`, tok, p.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token already in use", ocpi.ErrCredentials)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PartnerStore) Get(ctx context.Context, id string) (partner.Partner, error) {
	p, err := scanPartner(s.db.QueryRowContext(ctx, `select `+partnerColumns+` from partners where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return partner.Partner{}, fmt.Errorf("%w: partner %s", ocpi.ErrNotFound, id)
	}
	return p, err
}

func (s *PartnerStore) FindByToken(ctx context.Context, token string) (partner.Partner, error) {
	if token == "" {
		return partner.Partner{}, ocpi.ErrNotFound
	}
	p, err := scanPartner(s.db.QueryRowContext(ctx, `select `+partnerColumns+` from partners
		where id = (select partner_id from partner_tokens where token = $1)`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return partner.Partner{}, ocpi.ErrNotFound
	}
	return p, err
}

func (s *PartnerStore) FindByRole(ctx context.Context, countryCode, partyID string, role ocpi.Role) (partner.Partner, error) {
	p, err := scanPartner(s.db.QueryRowContext(ctx, `select `+partnerColumns+` from partners
		where id = (select partner_id from partner_roles where country_code = $1 and party_id = $2 and role = $3)`,
		strings.ToUpper(countryCode), strings.ToUpper(partyID), string(role)))
	if errors.Is(err, sql.ErrNoRows) {
		return partner.Partner{}, ocpi.ErrNotFound
	}
	return p, err
}

func (s *PartnerStore) Update(ctx context.Context, id string, fn func(*partner.Partner) error) (partner.Partner, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return partner.Partner{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanPartner(tx.QueryRowContext(ctx, `select `+partnerColumns+` from partners where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return partner.Partner{}, fmt.Errorf("%w: partner %s", ocpi.ErrNotFound, id)
	}
	if err != nil {
		return partner.Partner{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return partner.Partner{}, err
	}
	next.ID = id
	args, err := partnerArgs(next)
	if err != nil {
		return partner.Partner{}, err
	}
	if _, err := tx.ExecContext(ctx, `update partners set roles = $2, token_a = $3, pending_token_a = $4,
		token_status = $5, token_b = $6, versions_url = $7, version = $8, endpoints = $9, remote_status = $10,
		party_status = $11, failed_attempts = $12, next_retry_at = $13, created_at = $14, updated_at = $15
		where id = $1`, args...); err != nil {
		return partner.Partner{}, err
	}
	if err := writeIndexes(ctx, tx, next); err != nil {
		return partner.Partner{}, err
	}
	if err := tx.Commit(); err != nil {
		return partner.Partner{}, err
	}
	return next, nil
}

func (s *PartnerStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from partners where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: partner %s", ocpi.ErrNotFound, id)
	}
	return nil
}

func (s *PartnerStore) List(ctx context.Context) ([]partner.Partner, error) {
	rows, err := s.db.QueryContext(ctx, `select `+partnerColumns+` from partners order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []partner.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
