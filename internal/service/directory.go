package service

import (
	"context"

	"lyceum/server/internal/model"
)

// Directory is the per-role user store. Lookups report a missing row with
// pgx.ErrNoRows and Create reports a committed duplicate with
// repository.ErrDuplicateEmail; the flows translate both into their own
// error taxonomy.
type Directory interface {
	FindByEmail(ctx context.Context, role model.Role, email string) (model.User, error)
	FindByID(ctx context.Context, role model.Role, id int64) (model.User, error)
	EmailExists(ctx context.Context, role model.Role, email string) (bool, error)
	Create(ctx context.Context, user model.User) (model.User, error)
	UpdatePassword(ctx context.Context, role model.Role, id int64, passwordHash string) error
}
