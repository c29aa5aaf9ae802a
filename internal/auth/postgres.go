package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cmv.health/internal/store/pg"
)

var _ UserStore = (*PGStore)(nil)

// PGStore implements UserStore using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const selectUser = `select u.id, u.username, u.password, u.prenom, u.nom, u.service, u.is_active,
       u.created_at, u.updated_at, r.id, r.name, r.label
  from users u join roles r on r.id = u.role_id`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Service, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt, &u.Role.ID, &u.Role.Name, &u.Role.Label)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, storeErr(err)
	}
	return u, nil
}

func (s *PGStore) UserByLogin(ctx context.Context, login string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` where lower(u.username) = lower($1)`, strings.TrimSpace(login)))
}

func (s *PGStore) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` where u.id = $1`, id))
}

func (s *PGStore) HasPermission(ctx context.Context, role, action, resource string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from permissions p join roles r on r.id = p.role_id
		  where r.name = $1 and p.action = $2 and p.resource = $3)`,
		role, action, resource,
	).Scan(&ok)
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

func (s *PGStore) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`insert into users(username, password, prenom, nom, service, is_active, role_id)
		 select $1, $2, $3, $4, $5, $6, r.id from roles r where r.name = $7
		 returning id`,
		strings.ToLower(strings.TrimSpace(nu.Username)), nu.PasswordHash, nu.FirstName, nu.LastName, nu.Service, nu.IsActive, nu.RoleName,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, nu.RoleName)
		}
		if pg.IsCode(err, pg.ErrUniqueViolation) {
			return User{}, ErrAlreadyExists
		}
		return User{}, storeErr(err)
	}
	return s.UserByID(ctx, id)
}

func (s *PGStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.execOne(ctx, `update users set password = $2, updated_at = now() where id = $1`, userID, passwordHash)
}

func (s *PGStore) SetActive(ctx context.Context, userID int64, active bool) error {
	return s.execOne(ctx, `update users set is_active = $2, updated_at = now() where id = $1`, userID, active)
}

func (s *PGStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) EnsureRole(ctx context.Context, name, label string) (Role, error) {
	var r Role
	err := s.db.QueryRowContext(ctx,
		`insert into roles(name, label) values($1, $2)
		 on conflict (name) do update set label = excluded.label
		 returning id, name, label`,
		name, label,
	).Scan(&r.ID, &r.Name, &r.Label)
	if err != nil {
		return Role{}, storeErr(err)
	}
	return r, nil
}

func (s *PGStore) GrantPermission(ctx context.Context, role, action, resource string) error {
	res, err := s.db.ExecContext(ctx,
		`insert into permissions(role_id, action, resource)
		 select r.id, $2, $3 from roles r where r.name = $1
		 on conflict (role_id, action, resource) do nothing`,
		role, action, resource,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the grant already exists or the role is unknown.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from roles where name = $1)`, role).Scan(&exists); err != nil {
			return storeErr(err)
		}
		if !exists {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
		}
	}
	return nil
}

func storeErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
