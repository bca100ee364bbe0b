package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Account roles
const (
	RoleAdmin  = "admin"
	RolePlayer = "player"
)

// Account is a chip-holding ledger account. Balance is authoritative in
// Postgres; rows are never deleted.
type Account struct {
	ID              string          `json:"id" db:"id"`
	Email           string          `json:"email" db:"email"`
	DisplayName     string          `json:"display_name" db:"display_name"`
	Role            string          `json:"role" db:"role"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	IsBanned        bool            `json:"is_banned" db:"is_banned"`
	BanReason       string          `json:"ban_reason,omitempty" db:"ban_reason"`
	BannedAt        *time.Time      `json:"banned_at,omitempty" db:"banned_at"`
	BannedBy        *string         `json:"banned_by,omitempty" db:"banned_by"`
	IsVerified      bool            `json:"is_verified" db:"is_verified"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
	VerifiedBy      *string         `json:"verified_by,omitempty" db:"verified_by"`
	SuspiciousCount int             `json:"suspicious_count" db:"suspicious_count"`
	SuspiciousFlags StringList      `json:"suspicious_flags,omitempty" db:"suspicious_flags"`
	LastActivityAt  *time.Time      `json:"last_activity_at,omitempty" db:"last_activity_at"`
	RecoveryEnabled bool            `json:"recovery_enabled" db:"recovery_enabled"`
	PasswordHash    string          `json:"-" db:"password_hash"`
	Version         int             `json:"version" db:"version"` // for optimistic locking
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Principal is the authenticated caller of a ledger operation, extracted
// from the JWT by the auth middleware.
type Principal struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// AccountFilter narrows account listings.
type AccountFilter struct {
	Role     string
	Banned   *bool
	Verified *bool
	Limit    int
	Offset   int
}

// RegisterRequest creates a player account.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	DisplayName string `json:"display_name" validate:"required,min=2,max=64"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token   string   `json:"token"`
	Account *Account `json:"account"`
}

type BanRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=200"`
}

// StringList is a JSONB-backed string array (suspicious activity flags).
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, l)
}
