package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/resource"
)

// ResourceStore implements resource.Store. Update serialises writers per key
// with a transaction-scoped advisory lock, which also covers keys that do not
// exist yet.
type ResourceStore struct {
	db *sql.DB
}

var _ resource.Store = (*ResourceStore)(nil)

const resourceColumns = `module, country_code, party_id, path, last_updated, etag, payload, created, seq, deleted`

func scanResource(row rowScanner) (resource.Resource, error) {
	var (
		r       resource.Resource
		module  string
		payload []byte
		seq     int64
	)
	err := row.Scan(&module, &r.Key.CountryCode, &r.Key.PartyID, &r.Key.Path, &r.LastUpdated, &r.ETag, &payload,
		&r.Created, &seq, &r.Deleted)
	if err != nil {
		return resource.Resource{}, err
	}
	r.Key.Module = ocpi.ModuleID(module)
	r.LastUpdated = resource.Normalize(r.LastUpdated)
	r.Created = resource.Normalize(r.Created)
	r.Payload = json.RawMessage(payload)
	r.Seq = uint64(seq)
	return r, nil
}

func keyArgs(k resource.Key) []any {
	return []any{string(k.Module), k.CountryCode, k.PartyID, k.Path}
}

func (s *ResourceStore) Get(ctx context.Context, key resource.Key) (resource.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx, `select `+resourceColumns+` from resources
		where module = $1 and country_code = $2 and party_id = $3 and path = $4`, keyArgs(key)...))
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Resource{}, ocpi.ErrNotFound
	}
	return r, err
}

func (s *ResourceStore) Update(ctx context.Context, key resource.Key, fn resource.UpdateFunc) (*resource.Resource, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return nil, err
	}
	var cur *resource.Resource
	found, err := scanResource(tx.QueryRowContext(ctx, `select `+resourceColumns+` from resources
		where module = $1 and country_code = $2 and party_id = $3 and path = $4 for update`, keyArgs(key)...))
	switch {
	case err == nil:
		cur = &found
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if cur != nil {
			if _, err := tx.ExecContext(ctx, `delete from resources
				where module = $1 and country_code = $2 and party_id = $3 and path = $4`, keyArgs(key)...); err != nil {
				return nil, err
			}
		}
		return nil, tx.Commit()
	}

	stored := next.Clone()
	stored.Key = key
	stored.LastUpdated = resource.Normalize(stored.LastUpdated)
	stored.Created = resource.Normalize(stored.Created)
	args := append(keyArgs(key), stored.LastUpdated, stored.ETag, string(stored.Payload), stored.Created, stored.Deleted)

	var seq int64
	if cur == nil {
		err = tx.QueryRowContext(ctx, `insert into resources
			(module, country_code, party_id, path, last_updated, etag, payload, created, deleted)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9) returning seq`, args...).Scan(&seq)
	} else {
		err = tx.QueryRowContext(ctx, `update resources
			set last_updated = $5, etag = $6, payload = $7, created = $8, deleted = $9
			where module = $1 and country_code = $2 and party_id = $3 and path = $4 returning seq`, args...).Scan(&seq)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	stored.Seq = uint64(seq)
	return &stored, nil
}

func (s *ResourceStore) List(ctx context.Context, scope resource.Scope) ([]resource.Resource, error) {
	var (
		where = []string{"module = $1"}
		args  = []any{string(scope.Module)}
	)
	if !scope.IncludeDeleted {
		where = append(where, "not deleted")
	}
	if scope.TopLevelOnly {
		where = append(where, "strpos(path, '/') = 0")
	}
	if len(scope.Owners) > 0 {
		var owners []string
		for _, o := range scope.Owners {
			args = append(args, strings.ToUpper(o.CountryCode), strings.ToUpper(o.PartyID))
			owners = append(owners, fmt.Sprintf("(country_code = $%d and party_id = $%d)", len(args)-1, len(args)))
		}
		where = append(where, "("+strings.Join(owners, " or ")+")")
	}
	q := `select ` + resourceColumns + ` from resources where ` + strings.Join(where, " and ") + ` order by created, seq`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []resource.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ResourceStore) Descendants(ctx context.Context, key resource.Key) ([]resource.Key, error) {
	rows, err := s.db.QueryContext(ctx, `select path from resources
		where module = $1 and country_code = $2 and party_id = $3 and starts_with(path, $4)`,
		string(key.Module), key.CountryCode, key.PartyID, key.Path+"/")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []resource.Key
	for rows.Next() {
		k := key
		if err := rows.Scan(&k.Path); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	resource.SortDeepestFirst(out)
	return out, nil
}
