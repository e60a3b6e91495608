package pg

import (
	"context"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/ids"
)

// EnsurePermissions upserts the catalog by name and drops the cached copy.
func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, description)
			values ($1, $2, $3)
			on conflict (name) do update set description = excluded.description
		`, ids.New(), p.Name, p.Description); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.catalog.Purge()
	return nil
}

// ListPermissions returns the catalog, served from cache for CatalogTTL.
func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if cached, ok := s.catalog.Get(catalogKey); ok {
		return append([]auth.Permission(nil), cached...), nil
	}
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at from permissions order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		s.catalog.Add(catalogKey, out)
	}
	return append([]auth.Permission(nil), out...), nil
}
