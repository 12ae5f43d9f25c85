package models

import (
	"time"

	"gorm.io/gorm"
)

// TournamentUser is a local snapshot of user data needed for settlement.
// Populated lazily the first time a payment settles for a user (and by the
// profile sync, which is owned by the gateway side).
// CreditBalance is the stored running balance; it must only ever change via a
// single atomic UPDATE ... SET credit_balance = credit_balance + ? so that two
// concurrent settlements cannot lose an update.
type TournamentUser struct {
	ID             string `json:"id" gorm:"primaryKey;type:uuid"`
	ExternalUserID string `json:"external_user_id" gorm:"uniqueIndex;not null"` // The profile service's UUID
	Username       string `json:"username" gorm:"index"`
	Email          string `json:"email,omitempty"`
	CreditBalance  int64  `json:"credit_balance" gorm:"not null;default:0"`

	Timestamps
}

// EmailRateLimit is one counter bucket of the store-backed batch-mail limiter.
// Keyed by (caller, endpoint, window_start) so the quota holds across
// concurrent service instances, not just per process.
type EmailRateLimit struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	CallerID    string    `json:"caller_id" gorm:"not null;uniqueIndex:idx_rate_limit_caller_window"`
	Endpoint    string    `json:"endpoint" gorm:"not null;uniqueIndex:idx_rate_limit_caller_window"`
	WindowStart time.Time `json:"window_start" gorm:"not null;uniqueIndex:idx_rate_limit_caller_window;index"`
	Count       int       `json:"count" gorm:"not null;default:0"`
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
