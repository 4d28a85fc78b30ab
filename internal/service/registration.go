package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"lyceum/server/internal/crypto"
	"lyceum/server/internal/logging"
	"lyceum/server/internal/mail"
	"lyceum/server/internal/model"
	"lyceum/server/internal/repository"
	"lyceum/server/internal/store"
)

type RegistrationRequest struct {
	Email       string
	Password    string
	PhoneNumber string
	FirstName   string
	LastName    string
	Role        model.Role
}

// Registrations drives OTP-gated self-registration: NoPending -> Pending ->
// {Verified, Expired, Rejected}. The pending record is consumed on the first
// verification attempt regardless of outcome, so a wrong guess forces a
// restart.
type Registrations struct {
	dir      Directory
	store    store.Store
	notifier mail.Notifier
	sessions *Sessions
	otpTTL   time.Duration
}

func NewRegistrations(dir Directory, kv store.Store, notifier mail.Notifier, sessions *Sessions, otpTTL time.Duration) *Registrations {
	return &Registrations{dir: dir, store: kv, notifier: notifier, sessions: sessions, otpTTL: otpTTL}
}

func (r *Registrations) Initiate(ctx context.Context, req RegistrationRequest) error {
	l := logging.FromContext(ctx).With("svc", "registrations.initiate", "role", req.Role)

	if req.Role == model.RoleAdmin {
		return ErrAdminSelfRegistration
	}

	taken, err := r.dir.EmailExists(ctx, req.Role, req.Email)
	if err != nil {
		l.Error("directory_lookup_failed", "error", err)
		return err
	}
	if taken {
		return ErrEmailTaken
	}

	key := store.RegistrationKeyPrefix + req.Email
	// Best-effort guard, not a lock: two concurrent initiations can both pass
	// and the later write wins. The directory's unique constraint is the real
	// defense against duplicate accounts.
	pending, err := r.store.Exists(ctx, key)
	if err != nil {
		l.Error("store_lookup_failed", "error", err)
		return err
	}
	if pending {
		remaining, err := r.store.TTL(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			l.Error("store_ttl_failed", "error", err)
			return err
		}
		return &RegistrationPendingError{Remaining: remaining}
	}

	passwordHash, err := crypto.HashPassword(req.Password)
	if err != nil {
		return err
	}
	otp, err := crypto.NewOTP()
	if err != nil {
		return err
	}

	record, err := json.Marshal(model.PendingRegistration{
		PasswordHash: passwordHash,
		PhoneNumber:  req.PhoneNumber,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		OTPCode:      otp,
		Role:         req.Role,
	})
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, key, record, r.otpTTL); err != nil {
		l.Error("store_write_failed", "error", err)
		return err
	}

	if err := r.notifier.Send(ctx, req.Email, "Your verification code", mail.TemplateOTP, map[string]string{
		"first_name": req.FirstName,
		"code":       otp,
		"expires_in": r.otpTTL.Round(time.Second).String(),
	}); err != nil {
		// Delivery is fire-and-forget: the pending record stays, the user can
		// retry after the TTL.
		l.Error("otp_delivery_failed", "error", err)
	}

	l.Info("registration_initiated")
	return nil
}

func (r *Registrations) Complete(ctx context.Context, email, otp string) (TokenPair, model.User, error) {
	l := logging.FromContext(ctx).With("svc", "registrations.complete")

	// Atomic fetch-and-delete: two concurrent submissions of the same OTP
	// cannot both observe the record.
	record, err := r.store.GetDel(ctx, store.RegistrationKeyPrefix+email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, model.User{}, ErrOTPExpired
		}
		l.Error("store_consume_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	var pending model.PendingRegistration
	if err := json.Unmarshal(record, &pending); err != nil {
		l.Error("pending_record_corrupt", "error", err)
		return TokenPair{}, model.User{}, ErrOTPExpired
	}

	if subtle.ConstantTimeCompare([]byte(pending.OTPCode), []byte(otp)) != 1 {
		return TokenPair{}, model.User{}, ErrOTPInvalid
	}

	// The initiate-time check is stale by now; re-check before committing.
	taken, err := r.dir.EmailExists(ctx, pending.Role, email)
	if err != nil {
		l.Error("directory_lookup_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}
	if taken {
		return TokenPair{}, model.User{}, ErrEmailTakenConcurrently
	}

	user, err := r.dir.Create(ctx, model.User{
		Role:         pending.Role,
		Email:        email,
		PasswordHash: pending.PasswordHash,
		FirstName:    pending.FirstName,
		LastName:     pending.LastName,
		PhoneNumber:  pending.PhoneNumber,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return TokenPair{}, model.User{}, ErrEmailTakenConcurrently
		}
		l.Error("directory_create_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	pair, err := r.sessions.IssueTokens(user.ID, user.Role)
	if err != nil {
		l.Error("token_issue_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	l.Info("registration_completed", "user_id", user.ID, "role", user.Role)
	return pair, user, nil
}
