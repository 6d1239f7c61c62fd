package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/skillcheck/internal/model"
)

// CreateOrganisation provisions a tenant together with its first administrator.
func (s *Store) CreateOrganisation(ctx context.Context, name string, admin model.User) (model.Organisation, model.User, error) {
	org := model.Organisation{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Organisation{}, model.User{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organisations (id, name, created_at) VALUES (?, ?, ?)`,
		org.ID, org.Name, org.CreatedAt,
	); err != nil {
		return model.Organisation{}, model.User{}, duplicateOr(err, "organisation", name)
	}

	admin.OrgID = org.ID
	admin.Role = model.UserRoleOrgAdmin
	admin.Active = true
	admin.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (org_id, username, display_name, password_hash, role, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		admin.OrgID, admin.Username, admin.DisplayName, admin.PasswordHash, admin.Role, admin.Active, admin.CreatedAt,
	)
	if err != nil {
		return model.Organisation{}, model.User{}, duplicateOr(err, "user", admin.Username)
	}
	if admin.ID, err = res.LastInsertId(); err != nil {
		return model.Organisation{}, model.User{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Organisation{}, model.User{}, err
	}
	slog.Info("created organisation", "id", org.ID, "name", org.Name, "admin", admin.Username)
	return org, admin, nil
}

// GetOrganisation returns an organisation by id.
func (s *Store) GetOrganisation(ctx context.Context, id string) (model.Organisation, error) {
	var org model.Organisation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organisations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return org, notFound("organisation", id)
	}
	return org, err
}

// ListOrganisations returns every organisation.
func (s *Store) ListOrganisations(ctx context.Context) ([]model.Organisation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM organisations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []model.Organisation
	for rows.Next() {
		var org model.Organisation
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}
