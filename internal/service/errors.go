package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmailNotFound      = errors.New("email not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")

	ErrAdminSelfRegistration  = errors.New("admin self-registration forbidden")
	ErrEmailTaken             = errors.New("email already registered")
	ErrEmailTakenConcurrently = errors.New("email registered concurrently")
	ErrOTPInvalid             = errors.New("otp invalid")
	ErrOTPExpired             = errors.New("otp expired or invalid")

	ErrChildEmailTaken    = errors.New("child email already registered")
	ErrInvitationPending  = errors.New("invitation already pending")
	ErrInvitationNotFound = errors.New("invitation not found")

	ErrLinkExpired = errors.New("link expired")
	ErrLinkInvalid = errors.New("link invalid")

	ErrNotConfigured = errors.New("missing configuration")
)

// RegistrationPendingError reports an unconsumed OTP for the email along with
// how long the caller has to wait before a new one can be requested.
type RegistrationPendingError struct {
	Remaining time.Duration
}

func (e *RegistrationPendingError) Error() string {
	return fmt.Sprintf("registration already pending, retry in %s", e.Remaining.Round(time.Second))
}
