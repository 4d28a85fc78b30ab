package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"

	"lyceum/server/internal/config"
	"lyceum/server/internal/crypto"
	"lyceum/server/internal/logging"
	"lyceum/server/internal/mail"
	"lyceum/server/internal/model"
)

// Resets implements password reset by signed link. Request is enumeration
// resistant: whether the account exists, and whether the internal lookup
// failed, the caller sees the same generic outcome. Only missing critical
// configuration surfaces as an error.
type Resets struct {
	cfg      config.Config
	dir      Directory
	notifier mail.Notifier
}

func NewResets(cfg config.Config, dir Directory, notifier mail.Notifier) *Resets {
	return &Resets{cfg: cfg, dir: dir, notifier: notifier}
}

func (r *Resets) Request(ctx context.Context, email string, role model.Role) error {
	l := logging.FromContext(ctx).With("svc", "resets.request", "role", role)

	if r.cfg.SecretKey == "" || r.cfg.FrontendBaseURL == "" {
		l.Error("reset_not_configured")
		return ErrNotConfigured
	}

	user, err := r.dir.FindByEmail(ctx, role, email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			l.Error("directory_lookup_failed", "error", err)
		}
		return nil
	}

	token, err := crypto.SignTimed(r.cfg.SecretKey, crypto.SaltPasswordReset, map[string]string{
		"user_id": strconv.FormatInt(user.ID, 10),
		"role":    string(role),
	})
	if err != nil {
		l.Error("link_signing_failed", "error", err)
		return nil
	}
	link := r.cfg.FrontendBaseURL + r.cfg.PasswordResetPath + "?token=" + url.QueryEscape(token)

	if err := r.notifier.Send(ctx, email, "Reset your password", mail.TemplatePasswordReset, map[string]string{
		"link": link,
	}); err != nil {
		l.Error("reset_delivery_failed", "error", err)
	}

	l.Info("reset_link_issued", "user_id", user.ID)
	return nil
}

func (r *Resets) Complete(ctx context.Context, token, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "resets.complete")

	payload, err := crypto.VerifyTimed(r.cfg.SecretKey, crypto.SaltPasswordReset, token, r.cfg.PasswordResetTokenMaxAge)
	if err != nil {
		if errors.Is(err, crypto.ErrTokenExpired) {
			return ErrLinkExpired
		}
		return ErrLinkInvalid
	}

	role, err := model.ParseRole(payload["role"])
	if err != nil {
		return ErrLinkInvalid
	}
	userID, err := strconv.ParseInt(payload["user_id"], 10, 64)
	if err != nil {
		return ErrLinkInvalid
	}

	user, err := r.dir.FindByID(ctx, role, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		l.Error("directory_lookup_failed", "error", err)
		return err
	}

	passwordHash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := r.dir.UpdatePassword(ctx, role, user.ID, passwordHash); err != nil {
		l.Error("password_update_failed", "error", err)
		return err
	}

	// Existing sessions stay valid until they expire or are logged out.
	l.Info("password_reset", "user_id", user.ID, "role", role)
	return nil
}
