package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum/server/internal/auth"
	"lyceum/server/internal/crypto"
	"lyceum/server/internal/mail"
	"lyceum/server/internal/model"
)

func newRegistrationEnv(t *testing.T) (*Registrations, *fakeDirectory, *recordingNotifier) {
	t.Helper()
	cfg := testConfig()
	dir := newFakeDirectory()
	kv := newTestStore(t)
	notifier := &recordingNotifier{}
	sessions := NewSessions(cfg, dir, kv)
	return NewRegistrations(dir, kv, notifier, sessions, cfg.OTPExpiration), dir, notifier
}

func parentRequest(email string) RegistrationRequest {
	return RegistrationRequest{
		Email:       email,
		Password:    "hunter2-hunter2",
		PhoneNumber: "+33123456789",
		FirstName:   "Alice",
		LastName:    "Martin",
		Role:        model.RoleParent,
	}
}

func TestRegistrationInitiateAndComplete(t *testing.T) {
	regs, _, notifier := newRegistrationEnv(t)
	ctx := context.Background()

	require.NoError(t, regs.Initiate(ctx, parentRequest("alice@example.com")))

	otpMail := notifier.last(t)
	assert.Equal(t, "alice@example.com", otpMail.To)
	assert.Equal(t, mail.TemplateOTP, otpMail.Template)
	code := otpMail.Data["code"]
	require.Len(t, code, 6)

	pair, user, err := regs.Complete(ctx, "alice@example.com", code)
	require.NoError(t, err)
	assert.Equal(t, model.RoleParent, user.Role)
	assert.Equal(t, "alice@example.com", user.Email)
	require.NoError(t, crypto.CheckPassword(user.PasswordHash, "hunter2-hunter2"))

	claims, err := auth.ParseToken("test-secret", pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "parent", claims.Role)
	assert.Equal(t, auth.TypeAccess, claims.TokenType)

	refreshClaims, err := auth.ParseToken("test-secret", pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, auth.TypeRefresh, refreshClaims.TokenType)
}

func TestRegistrationRejectsAdmin(t *testing.T) {
	regs, _, _ := newRegistrationEnv(t)

	req := parentRequest("root@example.com")
	req.Role = model.RoleAdmin
	err := regs.Initiate(context.Background(), req)
	assert.ErrorIs(t, err, ErrAdminSelfRegistration)
}

func TestRegistrationRejectsExistingEmail(t *testing.T) {
	regs, dir, _ := newRegistrationEnv(t)
	ctx := context.Background()

	_, err := dir.Create(ctx, model.User{Role: model.RoleParent, Email: "alice@example.com"})
	require.NoError(t, err)

	err = regs.Initiate(ctx, parentRequest("alice@example.com"))
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegistrationPendingGuard(t *testing.T) {
	regs, _, _ := newRegistrationEnv(t)
	ctx := context.Background()

	require.NoError(t, regs.Initiate(ctx, parentRequest("alice@example.com")))

	err := regs.Initiate(ctx, parentRequest("alice@example.com"))
	var pending *RegistrationPendingError
	require.ErrorAs(t, err, &pending)
	assert.Greater(t, pending.Remaining, time.Duration(0))
}

func TestRegistrationWrongOTPConsumesRecord(t *testing.T) {
	regs, dir, notifier := newRegistrationEnv(t)
	ctx := context.Background()

	require.NoError(t, regs.Initiate(ctx, parentRequest("alice@example.com")))
	code := notifier.last(t).Data["code"]

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	_, _, err := regs.Complete(ctx, "alice@example.com", wrong)
	assert.ErrorIs(t, err, ErrOTPInvalid)

	exists, err := dir.EmailExists(ctx, model.RoleParent, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, exists, "no account should exist after a wrong guess")

	// The record was consumed by the failed attempt; even the right code is
	// now rejected and the user must restart.
	_, _, err = regs.Complete(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrOTPExpired)
}

func TestRegistrationDoubleComplete(t *testing.T) {
	regs, _, notifier := newRegistrationEnv(t)
	ctx := context.Background()

	require.NoError(t, regs.Initiate(ctx, parentRequest("alice@example.com")))
	code := notifier.last(t).Data["code"]

	_, _, err := regs.Complete(ctx, "alice@example.com", code)
	require.NoError(t, err)

	_, _, err = regs.Complete(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrOTPExpired)
}

func TestRegistrationConcurrentEmailTaken(t *testing.T) {
	regs, dir, notifier := newRegistrationEnv(t)
	ctx := context.Background()

	require.NoError(t, regs.Initiate(ctx, parentRequest("alice@example.com")))
	code := notifier.last(t).Data["code"]

	// Someone else claims the email between initiate and complete.
	_, err := dir.Create(ctx, model.User{Role: model.RoleParent, Email: "alice@example.com"})
	require.NoError(t, err)

	_, _, err = regs.Complete(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrEmailTakenConcurrently)
}

func TestRegistrationSurvivesMailFailure(t *testing.T) {
	regs, _, notifier := newRegistrationEnv(t)
	notifier.fail = errors.New("smtp down")

	err := regs.Initiate(context.Background(), parentRequest("alice@example.com"))
	assert.NoError(t, err, "mail delivery failure must not surface")
}
