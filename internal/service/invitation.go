package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"lyceum/server/internal/config"
	"lyceum/server/internal/crypto"
	"lyceum/server/internal/logging"
	"lyceum/server/internal/mail"
	"lyceum/server/internal/model"
	"lyceum/server/internal/repository"
	"lyceum/server/internal/store"
)

// Invitations drives the parent-initiated child registration: the parent
// creates a pending record and the child completes it through a signed,
// timed link. The pending record survives a failed email delivery but not a
// failed link build.
type Invitations struct {
	cfg      config.Config
	dir      Directory
	store    store.Store
	notifier mail.Notifier
	sessions *Sessions
}

func NewInvitations(cfg config.Config, dir Directory, kv store.Store, notifier mail.Notifier, sessions *Sessions) *Invitations {
	return &Invitations{cfg: cfg, dir: dir, store: kv, notifier: notifier, sessions: sessions}
}

func (i *Invitations) Invite(ctx context.Context, parentID int64, childEmail, firstName, lastName, docsURL string) error {
	l := logging.FromContext(ctx).With("svc", "invitations.invite", "parent_id", parentID)

	taken, err := i.dir.EmailExists(ctx, model.RoleStudent, childEmail)
	if err != nil {
		l.Error("directory_lookup_failed", "error", err)
		return err
	}
	if taken {
		return ErrChildEmailTaken
	}

	key := store.InvitationKeyPrefix + childEmail
	pending, err := i.store.Exists(ctx, key)
	if err != nil {
		l.Error("store_lookup_failed", "error", err)
		return err
	}
	if pending {
		return ErrInvitationPending
	}

	record, err := json.Marshal(model.PendingChildInvitation{
		ParentID:  parentID,
		Email:     childEmail,
		FirstName: firstName,
		LastName:  lastName,
		DocsURL:   docsURL,
	})
	if err != nil {
		return err
	}
	if err := i.store.Set(ctx, key, record, i.cfg.ChildRegistrationTokenMaxAge); err != nil {
		l.Error("store_write_failed", "error", err)
		return err
	}

	if i.cfg.FrontendBaseURL == "" {
		l.Error("frontend_base_url_missing")
		i.cleanup(ctx, key)
		return ErrNotConfigured
	}
	token, err := crypto.SignTimed(i.cfg.SecretKey, crypto.SaltChildRegistration, map[string]string{"email": childEmail})
	if err != nil {
		l.Error("link_signing_failed", "error", err)
		i.cleanup(ctx, key)
		return err
	}
	link := i.cfg.FrontendBaseURL + i.cfg.ChildRegistrationPath + "?token=" + url.QueryEscape(token)

	if err := i.notifier.Send(ctx, childEmail, "You are invited to register", mail.TemplateChildInvitation, map[string]string{
		"first_name": firstName,
		"link":       link,
	}); err != nil {
		// The invitation stays usable: the parent can forward the link or the
		// mail can be retried out of band.
		l.Error("invitation_delivery_failed", "error", err)
	}

	l.Info("invitation_created")
	return nil
}

func (i *Invitations) cleanup(ctx context.Context, key string) {
	if err := i.store.Del(ctx, key); err != nil {
		logging.FromContext(ctx).Error("invitation_cleanup_failed", "key", key, "error", err)
	}
}

func (i *Invitations) Complete(ctx context.Context, token, password string) (TokenPair, model.User, error) {
	l := logging.FromContext(ctx).With("svc", "invitations.complete")

	payload, err := crypto.VerifyTimed(i.cfg.SecretKey, crypto.SaltChildRegistration, token, i.cfg.ChildRegistrationTokenMaxAge)
	if err != nil {
		if errors.Is(err, crypto.ErrTokenExpired) {
			return TokenPair{}, model.User{}, ErrLinkExpired
		}
		return TokenPair{}, model.User{}, ErrLinkInvalid
	}
	email := payload["email"]
	if email == "" {
		return TokenPair{}, model.User{}, ErrLinkInvalid
	}

	// Non-destructive read: the record is deleted only after the student row
	// is committed, so a transient failure here does not burn the link.
	key := store.InvitationKeyPrefix + email
	record, err := i.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, model.User{}, ErrInvitationNotFound
		}
		l.Error("store_lookup_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}
	var pending model.PendingChildInvitation
	if err := json.Unmarshal(record, &pending); err != nil {
		l.Error("pending_record_corrupt", "error", err)
		return TokenPair{}, model.User{}, ErrInvitationNotFound
	}

	taken, err := i.dir.EmailExists(ctx, model.RoleStudent, email)
	if err != nil {
		l.Error("directory_lookup_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}
	if taken {
		return TokenPair{}, model.User{}, ErrEmailTakenConcurrently
	}

	passwordHash, err := crypto.HashPassword(password)
	if err != nil {
		return TokenPair{}, model.User{}, err
	}

	isApproved := false
	user, err := i.dir.Create(ctx, model.User{
		Role:         model.RoleStudent,
		Email:        email,
		PasswordHash: passwordHash,
		FirstName:    pending.FirstName,
		LastName:     pending.LastName,
		ParentID:     &pending.ParentID,
		IsApproved:   &isApproved,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return TokenPair{}, model.User{}, ErrEmailTakenConcurrently
		}
		l.Error("directory_create_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	// Best-effort: the durable row exists, a stale pending record only blocks
	// reuse until its TTL.
	if err := i.store.Del(ctx, key); err != nil {
		l.Error("invitation_delete_failed", "error", err)
	}

	pair, err := i.sessions.IssueTokens(user.ID, user.Role)
	if err != nil {
		l.Error("token_issue_failed", "error", err)
		return TokenPair{}, model.User{}, err
	}

	l.Info("child_registered", "user_id", user.ID, "parent_id", pending.ParentID)
	return pair, user, nil
}
