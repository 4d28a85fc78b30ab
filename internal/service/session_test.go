package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyceum/server/internal/auth"
	"lyceum/server/internal/crypto"
	"lyceum/server/internal/model"
)

func newSessionEnv(t *testing.T) (*Sessions, *fakeDirectory) {
	t.Helper()
	dir := newFakeDirectory()
	return NewSessions(testConfig(), dir, newTestStore(t)), dir
}

func seedUser(t *testing.T, dir *fakeDirectory, role model.Role, email, password string) model.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	user, err := dir.Create(context.Background(), model.User{
		Role:         role,
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Alice",
		LastName:     "Martin",
	})
	require.NoError(t, err)
	return user
}

func TestLoginSuccess(t *testing.T) {
	sessions, dir := newSessionEnv(t)
	seeded := seedUser(t, dir, model.RoleParent, "alice@example.com", "hunter2-hunter2")

	pair, user, err := sessions.Login(context.Background(), "alice@example.com", "hunter2-hunter2", model.RoleParent)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, user.ID)

	claims, err := auth.ParseToken("test-secret", pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "parent", claims.Role)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, id)
}

func TestLoginUnknownEmail(t *testing.T) {
	sessions, _ := newSessionEnv(t)

	_, _, err := sessions.Login(context.Background(), "nobody@example.com", "pw", model.RoleParent)
	assert.ErrorIs(t, err, ErrEmailNotFound)
}

func TestLoginWrongRoleSameErrorAsWrongPassword(t *testing.T) {
	sessions, dir := newSessionEnv(t)
	// The same email exists in two role tables with different passwords.
	seedUser(t, dir, model.RoleParent, "alice@example.com", "parent-password")
	seedUser(t, dir, model.RoleTeacher, "alice@example.com", "teacher-password")

	_, _, wrongRole := sessions.Login(context.Background(), "alice@example.com", "parent-password", model.RoleTeacher)
	_, _, wrongPassword := sessions.Login(context.Background(), "alice@example.com", "bad-password", model.RoleTeacher)

	assert.ErrorIs(t, wrongRole, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
}

func TestRefreshMintsNewAccessOnly(t *testing.T) {
	sessions, dir := newSessionEnv(t)
	user := seedUser(t, dir, model.RoleTeacher, "teacher@example.com", "pw-pw-pw-pw")

	pair, _, err := sessions.Login(context.Background(), "teacher@example.com", "pw-pw-pw-pw", model.RoleTeacher)
	require.NoError(t, err)

	accessToken, err := sessions.Refresh(context.Background(), model.RoleTeacher, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, accessToken, "refresh must mint a fresh access token")

	claims, err := auth.ParseToken("test-secret", accessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.TypeAccess, claims.TokenType)
}

func TestRefreshDeletedUser(t *testing.T) {
	sessions, dir := newSessionEnv(t)
	user := seedUser(t, dir, model.RoleStudent, "kid@example.com", "pw-pw-pw-pw")
	dir.delete(model.RoleStudent, "kid@example.com")

	_, err := sessions.Refresh(context.Background(), model.RoleStudent, user.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLogoutRevokesOnlyThatToken(t *testing.T) {
	sessions, dir := newSessionEnv(t)
	seedUser(t, dir, model.RoleParent, "alice@example.com", "hunter2-hunter2")

	pair, _, err := sessions.Login(context.Background(), "alice@example.com", "hunter2-hunter2", model.RoleParent)
	require.NoError(t, err)

	accessClaims, err := auth.ParseToken("test-secret", pair.AccessToken)
	require.NoError(t, err)
	refreshClaims, err := auth.ParseToken("test-secret", pair.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, sessions.Logout(context.Background(), accessClaims))

	revoked, err := sessions.IsRevoked(context.Background(), accessClaims.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	untouched, err := sessions.IsRevoked(context.Background(), refreshClaims.ID)
	require.NoError(t, err)
	assert.False(t, untouched, "revoking one token must not touch its sibling")

	// Revoking an already revoked jti is a no-op.
	require.NoError(t, sessions.Logout(context.Background(), accessClaims))
}
