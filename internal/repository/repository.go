package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lyceum/server/internal/model"
)

// ErrDuplicateEmail surfaces the unique constraint on email. The constraint
// is the authoritative defense against duplicate accounts; the existence
// checks earlier in the flows are best-effort only.
var ErrDuplicateEmail = errors.New("repository: duplicate email")

// Store is the user directory: one table per role (admins, parents,
// teachers, students), email unique within each table. Students additionally
// carry parent_id and is_approved.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func tableFor(role model.Role) string {
	switch role {
	case model.RoleAdmin:
		return "admins"
	case model.RoleParent:
		return "parents"
	case model.RoleTeacher:
		return "teachers"
	default:
		return "students"
	}
}

func (s *Store) FindByEmail(ctx context.Context, role model.Role, email string) (model.User, error) {
	return s.findBy(ctx, role, "email = $1", email)
}

func (s *Store) FindByID(ctx context.Context, role model.Role, id int64) (model.User, error) {
	return s.findBy(ctx, role, "id = $1", id)
}

func (s *Store) findBy(ctx context.Context, role model.Role, where string, arg interface{}) (model.User, error) {
	user := model.User{Role: role}
	table := tableFor(role)

	if role == model.RoleStudent {
		row := s.pool.QueryRow(ctx, `
			SELECT id, email, password_hash, first_name, last_name, phone_number, parent_id, is_approved, created_at, updated_at
			FROM students
			WHERE `+where, arg)
		err := row.Scan(
			&user.ID,
			&user.Email,
			&user.PasswordHash,
			&user.FirstName,
			&user.LastName,
			&user.PhoneNumber,
			&user.ParentID,
			&user.IsApproved,
			&user.CreatedAt,
			&user.UpdatedAt,
		)
		return user, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, first_name, last_name, phone_number, created_at, updated_at
		FROM `+table+`
		WHERE `+where, arg)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.PhoneNumber,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *Store) EmailExists(ctx context.Context, role model.Role, email string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+tableFor(role)+` WHERE email = $1)`, email).Scan(&exists)
	return exists, err
}

func (s *Store) Create(ctx context.Context, user model.User) (model.User, error) {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	var err error
	if user.Role == model.RoleStudent {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO students (email, password_hash, first_name, last_name, phone_number, parent_id, is_approved, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.PhoneNumber, user.ParentID, user.IsApproved, user.CreatedAt, user.UpdatedAt).Scan(&user.ID)
	} else {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO `+tableFor(user.Role)+` (email, password_hash, first_name, last_name, phone_number, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.PhoneNumber, user.CreatedAt, user.UpdatedAt).Scan(&user.ID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.User{}, ErrDuplicateEmail
		}
		return model.User{}, err
	}
	return user, nil
}

func (s *Store) UpdatePassword(ctx context.Context, role model.Role, id int64, passwordHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+tableFor(role)+`
		SET password_hash = $1, updated_at = $2
		WHERE id = $3
	`, passwordHash, time.Now().UTC(), id)
	return err
}
