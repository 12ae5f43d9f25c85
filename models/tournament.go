package models

import (
	"time"
)

// Tournament is the slice of tournament state the settlement core reads.
// CRUD for tournaments lives in the publishing service; this service only
// re-validates status and capacity at settlement time.
type Tournament struct {
	ID              string    `json:"id" gorm:"primaryKey;type:uuid"`
	Name            string    `json:"name" gorm:"not null"`
	Slug            string    `json:"slug" gorm:"index"`
	Description     string    `json:"description"`
	Status          string    `json:"status" gorm:"default:'draft'"` // draft | open | closed | completed
	EntryFee        float64   `json:"entry_fee" gorm:"default:0"`
	MaxParticipants int       `json:"max_participants" gorm:"default:0"` // 0 = unlimited
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`

	Registrations []TournamentRegistration `json:"registrations,omitempty" gorm:"foreignKey:TournamentID"`

	Timestamps
}

// TournamentRegistration links a user to a tournament once their entry-fee
// payment settles. Created exactly once per (tournament, user) pair — the
// unique index is the authoritative guard against duplicate webhooks.
// Never mutated after creation.
type TournamentRegistration struct {
	ID             string `json:"id" gorm:"primaryKey;type:uuid"`
	TournamentID   string `json:"tournament_id" gorm:"not null;index;uniqueIndex:idx_registrations_tournament_user"`
	ExternalUserID string `json:"external_user_id" gorm:"not null;uniqueIndex:idx_registrations_tournament_user"`
	Email          string `json:"email"`
	// ProviderPaymentID is the Mercado Pago payment that paid for this seat.
	ProviderPaymentID string    `json:"provider_payment_id"`
	AmountPaid        float64   `json:"amount_paid" gorm:"default:0"`
	JoinedAt          time.Time `json:"joined_at" gorm:"autoCreateTime"`
}
