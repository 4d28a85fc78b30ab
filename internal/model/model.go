package model

import (
	"errors"
	"time"
)

// Role selects one of the four identity tables. Email uniqueness is enforced
// per table, not globally.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleParent  Role = "parent"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

var ErrUnknownRole = errors.New("unknown role")

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleAdmin, RoleParent, RoleTeacher, RoleStudent:
		return Role(raw), nil
	default:
		return "", ErrUnknownRole
	}
}

type User struct {
	ID           int64
	Role         Role
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	PhoneNumber  string
	ParentID     *int64
	IsApproved   *bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingRegistration lives in the ephemeral store under otp:register:<email>
// between the registration request and the OTP verification. It is consumed
// on the first verification attempt or dropped by TTL, never updated.
type PendingRegistration struct {
	PasswordHash string `json:"password_hash"`
	PhoneNumber  string `json:"phone_number"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	OTPCode      string `json:"otp_code"`
	Role         Role   `json:"role"`
}

// PendingChildInvitation lives under child_reg_pending:<email> between a
// parent's invitation and the child completing registration via the signed
// link.
type PendingChildInvitation struct {
	ParentID  int64  `json:"parent_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	DocsURL   string `json:"docs_url,omitempty"`
}
