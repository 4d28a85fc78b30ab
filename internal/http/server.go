package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lyceum/server/internal/auth"
	"lyceum/server/internal/config"
	"lyceum/server/internal/events"
	"lyceum/server/internal/logging"
	"lyceum/server/internal/mail"
	"lyceum/server/internal/model"
	"lyceum/server/internal/service"
	"lyceum/server/internal/store"
)

type Server struct {
	cfg           config.Config
	dir           service.Directory
	sessions      *service.Sessions
	registrations *service.Registrations
	invitations   *service.Invitations
	resets        *service.Resets
	producer      *events.Producer
	logger        *slog.Logger
}

// NewServer wires the auth flows over the injected directory, ephemeral
// store and notifier. The event producer may be nil.
func NewServer(cfg config.Config, dir service.Directory, kv store.Store, notifier mail.Notifier, producer *events.Producer, logger *slog.Logger) *Server {
	sessions := service.NewSessions(cfg, dir, kv)
	return &Server{
		cfg:           cfg,
		dir:           dir,
		sessions:      sessions,
		registrations: service.NewRegistrations(dir, kv, notifier, sessions, cfg.OTPExpiration),
		invitations:   service.NewInvitations(cfg, dir, kv, notifier, sessions),
		resets:        service.NewResets(cfg, dir, notifier),
		producer:      producer,
		logger:        logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/verify-otp", s.handleVerifyOTP)
	r.With(s.tokenMiddleware(auth.TypeRefresh)).Post("/auth/refresh", s.handleRefresh)
	r.With(s.tokenMiddleware(auth.TypeAccess, auth.TypeRefresh)).Post("/auth/logout", s.handleLogout)
	r.With(s.tokenMiddleware(auth.TypeAccess)).Get("/auth/me", s.handleGetMe)

	r.Post("/auth/password-reset/request", s.handleResetRequest)
	r.Post("/auth/password-reset/complete", s.handleResetComplete)

	r.Route("/children/invitations", func(r chi.Router) {
		r.With(s.tokenMiddleware(auth.TypeAccess), s.requireParent).Post("/", s.handleInvite)
		r.Post("/complete", s.handleInviteComplete)
	})

	return r
}

type userSummary struct {
	ID          int64  `json:"id"`
	Role        string `json:"role"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	IsApproved  *bool  `json:"is_approved,omitempty"`
}

type authResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         userSummary `json:"user"`
}

func mapUserSummary(user model.User) userSummary {
	return userSummary{
		ID:          user.ID,
		Role:        string(user.Role),
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		PhoneNumber: user.PhoneNumber,
		ParentID:    user.ParentID,
		IsApproved:  user.IsApproved,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	pair, user, err := s.sessions.Login(r.Context(), req.Email, req.Password, role)
	if err != nil {
		loginOutcomes.WithLabelValues("failure").Inc()
		s.writeServiceError(w, err)
		return
	}
	loginOutcomes.WithLabelValues("success").Inc()

	s.publishEvent(r.Context(), req.Email, map[string]interface{}{
		"type":    "user_logged_in",
		"user_id": user.ID,
		"role":    user.Role,
	})

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         mapUserSummary(user),
	})
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" || req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	err = s.registrations.Initiate(r.Context(), service.RegistrationRequest{
		Email:       req.Email,
		Password:    req.Password,
		PhoneNumber: req.PhoneNumber,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Role:        role,
	})
	if err != nil {
		registrationOutcomes.WithLabelValues("initiate", "failure").Inc()
		s.writeServiceError(w, err)
		return
	}
	registrationOutcomes.WithLabelValues("initiate", "success").Inc()

	writeJSON(w, http.StatusOK, map[string]string{"message": "verification code sent"})
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.OTP == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	pair, user, err := s.registrations.Complete(r.Context(), req.Email, req.OTP)
	if err != nil {
		registrationOutcomes.WithLabelValues("complete", "failure").Inc()
		s.writeServiceError(w, err)
		return
	}
	registrationOutcomes.WithLabelValues("complete", "success").Inc()

	s.publishEvent(r.Context(), req.Email, map[string]interface{}{
		"type":    "user_registered",
		"user_id": user.ID,
		"role":    user.Role,
	})

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         mapUserSummary(user),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	role, err := model.ParseRole(claims.Role)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	accessToken, err := s.sessions.Refresh(r.Context(), role, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": accessToken,
		"expires_in":   int(s.sessions.AccessTTL().Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if err := s.sessions.Logout(r.Context(), claims); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	role, err := model.ParseRole(claims.Role)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	user, err := s.dir.FindByID(r.Context(), role, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapUserSummary(user))
}

type resetRequestBody struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	if err := s.resets.Request(r.Context(), req.Email, role); err != nil {
		s.writeServiceError(w, err)
		return
	}

	// Identical ack whether or not the account exists.
	writeJSON(w, http.StatusOK, map[string]string{"message": "if an account exists, a reset link was sent"})
}

type resetCompleteBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetComplete(w http.ResponseWriter, r *http.Request) {
	var req resetCompleteBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	if err := s.resets.Complete(r.Context(), req.Token, req.NewPassword); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_updated"})
}

type inviteRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	DocsURL   string `json:"docs_url,omitempty"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	parentID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	var req inviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	if err := s.invitations.Invite(r.Context(), parentID, req.Email, req.FirstName, req.LastName, req.DocsURL); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "invitation sent"})
}

type inviteCompleteRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) handleInviteComplete(w http.ResponseWriter, r *http.Request) {
	var req inviteCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Token == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	pair, user, err := s.invitations.Complete(r.Context(), req.Token, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.publishEvent(r.Context(), user.Email, map[string]interface{}{
		"type":      "child_registered",
		"user_id":   user.ID,
		"parent_id": user.ParentID,
	})

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         mapUserSummary(user),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.logger
		if l == nil {
			l = slog.Default()
		}
		ctx := logging.IntoContext(r.Context(), l.With("method", r.Method, "path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenMiddleware validates the bearer JWT (signature, expiry, type claim)
// and rejects blocklisted jtis before handing claims to the handler.
func (s *Server) tokenMiddleware(types ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing_token")
				return
			}

			claims, err := auth.ParseToken(s.cfg.SecretKey, token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}

			allowed := false
			for _, t := range types {
				if claims.TokenType == t {
					allowed = true
					break
				}
			}
			if !allowed {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}

			revoked, err := s.sessions.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			if revoked {
				writeError(w, http.StatusUnauthorized, "token_revoked")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) requireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != string(model.RoleParent) {
			writeError(w, http.StatusForbidden, "parent_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var pending *service.RegistrationPendingError
	if errors.As(err, &pending) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "registration_already_pending",
			"retry_after_seconds": int(pending.Remaining.Seconds()),
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrEmailNotFound):
		writeError(w, http.StatusNotFound, "email_not_found")
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, service.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found")
	case errors.Is(err, service.ErrAdminSelfRegistration):
		writeError(w, http.StatusForbidden, "admin_self_registration_forbidden")
	case errors.Is(err, service.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_already_registered")
	case errors.Is(err, service.ErrEmailTakenConcurrently):
		writeError(w, http.StatusConflict, "email_registered_concurrently")
	case errors.Is(err, service.ErrOTPInvalid):
		writeError(w, http.StatusBadRequest, "otp_invalid")
	case errors.Is(err, service.ErrOTPExpired):
		writeError(w, http.StatusBadRequest, "otp_expired_or_invalid")
	case errors.Is(err, service.ErrChildEmailTaken):
		writeError(w, http.StatusConflict, "child_email_already_registered")
	case errors.Is(err, service.ErrInvitationPending):
		writeError(w, http.StatusConflict, "invitation_already_pending")
	case errors.Is(err, service.ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, "invitation_not_found")
	case errors.Is(err, service.ErrLinkExpired):
		writeError(w, http.StatusBadRequest, "link_expired")
	case errors.Is(err, service.ErrLinkInvalid):
		writeError(w, http.StatusBadRequest, "link_invalid")
	case errors.Is(err, service.ErrNotConfigured):
		writeError(w, http.StatusInternalServerError, "configuration_error")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func (s *Server) publishEvent(ctx context.Context, key string, event map[string]interface{}) {
	if s.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.producer.PublishEvent(ctx, key, event); err != nil {
		logging.FromContext(ctx).Error("event_publish_failed", "error", err)
	}
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
