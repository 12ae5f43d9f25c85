package models

import (
	"time"
)

// PaymentStatus is the lifecycle state of a credit purchase payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment represents a credit purchase known to us before settlement.
// Created at checkout time by the purchase flow; mutated only by the webhook
// settlement path. Allowed transitions: pending → confirmed, pending → failed.
// A confirmed payment is never re-settled.
type Payment struct {
	ID             string        `json:"id" gorm:"primaryKey;type:uuid"`
	ExternalUserID string        `json:"external_user_id" gorm:"index;not null"` // UUID from Profile Service
	Amount         float64       `json:"amount" gorm:"not null"`                 // currency amount charged
	Credits        int64         `json:"credits" gorm:"not null"`                // credits granted on confirmation
	Status         PaymentStatus `json:"status" gorm:"type:varchar(16);default:'pending';index"`
	// ProviderPaymentID is the Mercado Pago payment id — the key webhooks settle by.
	ProviderPaymentID string     `json:"provider_payment_id" gorm:"uniqueIndex;not null"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`

	Timestamps
}

// LedgerEntryType tags the cause of a balance change.
type LedgerEntryType string

const (
	LedgerEntryPurchase LedgerEntryType = "purchase"
	LedgerEntrySpend    LedgerEntryType = "spend"
	LedgerEntryRefund   LedgerEntryType = "refund"
	LedgerEntryAdjust   LedgerEntryType = "adjustment"
)

// CreditLedgerEntry is an append-only record of a balance change.
// Never updated or deleted; the running balance lives on TournamentUser
// and is incremented in the same transaction that appends the entry.
type CreditLedgerEntry struct {
	ID             string          `json:"id" gorm:"primaryKey;type:uuid"`
	ExternalUserID string          `json:"external_user_id" gorm:"index;not null"`
	Credits        int64           `json:"credits" gorm:"not null"` // signed: positive = grant, negative = spend
	Type           LedgerEntryType `json:"type" gorm:"type:varchar(16);not null"`
	Description    string          `json:"description"`
	PaymentID      *string         `json:"payment_id,omitempty" gorm:"type:uuid;index"` // causing Payment, if any
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime"`
}
