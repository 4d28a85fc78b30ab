package service

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"lyceum/server/internal/auth"
	"lyceum/server/internal/config"
	"lyceum/server/internal/crypto"
	"lyceum/server/internal/logging"
	"lyceum/server/internal/model"
	"lyceum/server/internal/store"
)

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Sessions issues, refreshes and revokes bearer tokens. Revocation is a
// blocklist entry keyed by jti; its TTL is the configured maximum lifetime
// for the token's type, so an entry never outlives the store longer than the
// token family it blocks.
type Sessions struct {
	cfg   config.Config
	dir   Directory
	store store.Store
}

func NewSessions(cfg config.Config, dir Directory, kv store.Store) *Sessions {
	return &Sessions{cfg: cfg, dir: dir, store: kv}
}

func (s *Sessions) Login(ctx context.Context, email, password string, role model.Role) (TokenPair, model.User, error) {
	l := logging.FromContext(ctx).With("svc", "sessions.login", "role", role)

	user, err := s.dir.FindByEmail(ctx, role, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TokenPair{}, model.User{}, ErrEmailNotFound
		}
		l.Error("directory_lookup_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		// Same class as a wrong role so callers cannot tell the cases apart.
		return TokenPair{}, model.User{}, ErrInvalidCredentials
	}

	pair, err := s.IssueTokens(user.ID, role)
	if err != nil {
		l.Error("token_issue_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	l.Info("login_success", "user_id", user.ID)
	return pair, user, nil
}

func (s *Sessions) IssueTokens(userID int64, role model.Role) (TokenPair, error) {
	access, err := auth.NewToken(s.cfg.SecretKey, s.cfg.JWTIssuer, userID, role, auth.TypeAccess, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := auth.NewToken(s.cfg.SecretKey, s.cfg.JWTIssuer, userID, role, auth.TypeRefresh, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh re-checks the account still exists before minting a new access
// token. The refresh token itself is never rotated.
func (s *Sessions) Refresh(ctx context.Context, role model.Role, userID int64) (string, error) {
	if _, err := s.dir.FindByID(ctx, role, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return auth.NewToken(s.cfg.SecretKey, s.cfg.JWTIssuer, userID, role, auth.TypeAccess, s.cfg.AccessTokenTTL)
}

// Logout blocklists the token's jti. The TTL approximates remaining validity
// with the configured maximum for the token type; revoking an already
// revoked jti is a no-op.
func (s *Sessions) Logout(ctx context.Context, claims *auth.Claims) error {
	ttl := s.cfg.AccessTokenTTL
	if claims.TokenType == auth.TypeRefresh {
		ttl = s.cfg.RefreshTokenTTL
	}
	if err := s.store.Set(ctx, store.BlocklistKeyPrefix+claims.ID, []byte("1"), ttl); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("token_revoked", "jti", claims.ID, "type", claims.TokenType)
	return nil
}

func (s *Sessions) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return s.store.Exists(ctx, store.BlocklistKeyPrefix+jti)
}

// AccessTTL is exposed for callers that report token expiry to clients.
func (s *Sessions) AccessTTL() time.Duration {
	return s.cfg.AccessTokenTTL
}
