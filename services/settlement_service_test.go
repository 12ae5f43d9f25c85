package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tournament-payments-system/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Payment{},
		&models.CreditLedgerEntry{},
		&models.TournamentUser{},
		&models.Tournament{},
		&models.TournamentRegistration{},
		&models.EmailRateLimit{},
	))
	return db
}

// fakeFetcher serves canned payment resources in place of the Mercado Pago API.
type fakeFetcher struct {
	mu       sync.Mutex
	payments map[string]*ProviderPayment
	calls    int
}

func (f *fakeFetcher) GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("provider has no payment %s", paymentID)
	}
	return p, nil
}

// fakeSender records sends and can be told to fail for specific recipients.
type fakeSender struct {
	mu        sync.Mutex
	sent      []sentMail
	failAddrs map[string]bool
	notify    chan sentMail
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

func newFakeSender() *fakeSender {
	return &fakeSender{failAddrs: map[string]bool{}, notify: make(chan sentMail, 16)}
}

func (f *fakeSender) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := sentMail{To: to[0], Subject: subject, Body: htmlBody}
	select {
	case f.notify <- m:
	default:
	}
	if f.failAddrs[to[0]] {
		return errors.New("smtp: recipient rejected")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSettlement(t *testing.T, fetcher *fakeFetcher, sender EmailSender) (*SettlementService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	svc := NewSettlementService(db, fetcher, sender, "test-secret")
	return svc, db
}

func seedPendingPayment(t *testing.T, db *gorm.DB, userID, providerID string, credits int64) models.Payment {
	t.Helper()
	p := models.Payment{
		ID:                uuid.NewString(),
		ExternalUserID:    userID,
		Amount:            9.99,
		Credits:           credits,
		Status:            models.PaymentStatusPending,
		ProviderPaymentID: providerID,
	}
	require.NoError(t, db.Create(&p).Error)
	return p
}

func userBalance(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var user models.TournamentUser
	err := db.Where("external_user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0
	}
	require.NoError(t, err)
	return user.CreditBalance
}

func ledgerCount(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.CreditLedgerEntry{}).Where("external_user_id = ?", userID).Count(&n).Error)
	return n
}

func TestSettleCreditPurchase_Approved(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-1": {ID: 1, Status: ProviderStatusApproved, TransactionAmount: 9.99},
	}}
	svc, db := newTestSettlement(t, fetcher, nil)
	payment := seedPendingPayment(t, db, "user-1", "mp-1", 100)

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))

	var settled models.Payment
	require.NoError(t, db.First(&settled, "id = ?", payment.ID).Error)
	assert.Equal(t, models.PaymentStatusConfirmed, settled.Status)
	assert.NotNil(t, settled.ConfirmedAt)

	assert.EqualValues(t, 100, userBalance(t, db, "user-1"))
	assert.EqualValues(t, 1, ledgerCount(t, db, "user-1"))

	var entry models.CreditLedgerEntry
	require.NoError(t, db.Where("external_user_id = ?", "user-1").First(&entry).Error)
	assert.EqualValues(t, 100, entry.Credits)
	assert.Equal(t, models.LedgerEntryPurchase, entry.Type)
	require.NotNil(t, entry.PaymentID)
	assert.Equal(t, payment.ID, *entry.PaymentID)
}

func TestSettleCreditPurchase_RedeliveryIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-1": {ID: 1, Status: ProviderStatusApproved},
	}}
	svc, db := newTestSettlement(t, fetcher, nil)
	seedPendingPayment(t, db, "user-1", "mp-1", 100)

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))
	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))

	assert.EqualValues(t, 100, userBalance(t, db, "user-1"), "redelivery must not credit twice")
	assert.EqualValues(t, 1, ledgerCount(t, db, "user-1"), "redelivery must not append a second ledger entry")
}

func TestSettleCreditPurchase_Rejected(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-1": {ID: 1, Status: ProviderStatusRejected},
	}}
	svc, db := newTestSettlement(t, fetcher, nil)
	payment := seedPendingPayment(t, db, "user-1", "mp-1", 100)

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))

	var settled models.Payment
	require.NoError(t, db.First(&settled, "id = ?", payment.ID).Error)
	assert.Equal(t, models.PaymentStatusFailed, settled.Status)
	assert.EqualValues(t, 0, userBalance(t, db, "user-1"))
	assert.EqualValues(t, 0, ledgerCount(t, db, "user-1"))
}

func TestSettleCreditPurchase_AlreadyConfirmedIsNoOp(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-1": {ID: 1, Status: ProviderStatusApproved},
	}}
	svc, db := newTestSettlement(t, fetcher, nil)

	now := time.Now()
	p := models.Payment{
		ID:                uuid.NewString(),
		ExternalUserID:    "user-1",
		Credits:           100,
		Status:            models.PaymentStatusConfirmed,
		ProviderPaymentID: "mp-1",
		ConfirmedAt:       &now,
	}
	require.NoError(t, db.Create(&p).Error)

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))

	assert.EqualValues(t, 0, userBalance(t, db, "user-1"))
	assert.EqualValues(t, 0, ledgerCount(t, db, "user-1"))
}

func TestSettleCreditPurchase_UnknownLocalRecord(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-ghost": {ID: 9, Status: ProviderStatusApproved},
	}}
	svc, _ := newTestSettlement(t, fetcher, nil)

	err := svc.SettlePayment(context.Background(), "mp-ghost")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestSettleCreditPurchase_ProviderStillPending(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-1": {ID: 1, Status: ProviderStatusPending},
	}}
	svc, db := newTestSettlement(t, fetcher, nil)
	payment := seedPendingPayment(t, db, "user-1", "mp-1", 100)

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))

	var unchanged models.Payment
	require.NoError(t, db.First(&unchanged, "id = ?", payment.ID).Error)
	assert.Equal(t, models.PaymentStatusPending, unchanged.Status)
}

func TestSettleCreditPurchase_TwoPurchasesAccumulate(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-1": {ID: 1, Status: ProviderStatusApproved},
		"mp-2": {ID: 2, Status: ProviderStatusApproved},
	}}
	svc, db := newTestSettlement(t, fetcher, nil)
	seedPendingPayment(t, db, "user-1", "mp-1", 100)
	seedPendingPayment(t, db, "user-1", "mp-2", 250)

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-1"))
	require.NoError(t, svc.SettlePayment(context.Background(), "mp-2"))

	assert.EqualValues(t, 350, userBalance(t, db, "user-1"), "each settlement must add its own amount")
	assert.EqualValues(t, 2, ledgerCount(t, db, "user-1"))
}

func seedTournament(t *testing.T, db *gorm.DB, status string, maxParticipants int) models.Tournament {
	t.Helper()
	tour := models.Tournament{
		ID:              uuid.NewString(),
		Name:            "Friday Night Smash",
		Slug:            "friday-night-smash",
		Status:          status,
		EntryFee:        15,
		MaxParticipants: maxParticipants,
	}
	require.NoError(t, db.Create(&tour).Error)
	return tour
}

func registrationPayment(tournamentID, userID, email string) *ProviderPayment {
	return &ProviderPayment{
		ID:                77,
		Status:            ProviderStatusApproved,
		TransactionAmount: 15,
		Metadata: map[string]interface{}{
			"type":          "tournament_registration",
			"tournament_id": tournamentID,
			"user_id":       userID,
			"user_email":    email,
		},
	}
}

func registrationCount(t *testing.T, db *gorm.DB, tournamentID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.TournamentRegistration{}).Where("tournament_id = ?", tournamentID).Count(&n).Error)
	return n
}

func TestSettleRegistration_CreatesExactlyOneRow(t *testing.T) {
	sender := newFakeSender()
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{}}
	svc, db := newTestSettlement(t, fetcher, sender)
	tour := seedTournament(t, db, "open", 8)
	fetcher.payments["mp-reg"] = registrationPayment(tour.ID, "user-1", "player@example.com")

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-reg"))
	require.NoError(t, svc.SettlePayment(context.Background(), "mp-reg"))

	assert.EqualValues(t, 1, registrationCount(t, db, tour.ID), "redelivery must not double-book the seat")

	select {
	case mail := <-sender.notify:
		assert.Equal(t, "player@example.com", mail.To)
		assert.Contains(t, mail.Subject, "Friday Night Smash")
		assert.Contains(t, mail.Body, "friday-night-smash")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a confirmation email")
	}
}

func TestSettleRegistration_FullTournamentRejected(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{}}
	svc, db := newTestSettlement(t, fetcher, nil)
	tour := seedTournament(t, db, "open", 1)

	require.NoError(t, db.Create(&models.TournamentRegistration{
		ID:             uuid.NewString(),
		TournamentID:   tour.ID,
		ExternalUserID: "someone-else",
	}).Error)

	fetcher.payments["mp-reg"] = registrationPayment(tour.ID, "user-1", "player@example.com")

	err := svc.SettlePayment(context.Background(), "mp-reg")
	assert.ErrorIs(t, err, ErrTournamentFull)
	assert.EqualValues(t, 1, registrationCount(t, db, tour.ID), "an approved payment must not overbook a full tournament")
}

func TestSettleRegistration_ClosedTournamentRejected(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{}}
	svc, db := newTestSettlement(t, fetcher, nil)
	tour := seedTournament(t, db, "closed", 8)
	fetcher.payments["mp-reg"] = registrationPayment(tour.ID, "user-1", "player@example.com")

	err := svc.SettlePayment(context.Background(), "mp-reg")
	assert.ErrorIs(t, err, ErrTournamentClosed)
	assert.EqualValues(t, 0, registrationCount(t, db, tour.ID))
}

func TestSettleRegistration_UnknownTournament(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-reg": registrationPayment(uuid.NewString(), "user-1", "player@example.com"),
	}}
	svc, _ := newTestSettlement(t, fetcher, nil)

	err := svc.SettlePayment(context.Background(), "mp-reg")
	assert.ErrorIs(t, err, ErrTournamentNotFound)
}

func TestSettleRegistration_IncompleteMetadata(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{
		"mp-reg": {
			ID:     77,
			Status: ProviderStatusApproved,
			Metadata: map[string]interface{}{
				"type": "tournament_registration",
				// tournament_id and user_id missing
			},
		},
	}}
	svc, _ := newTestSettlement(t, fetcher, nil)

	err := svc.SettlePayment(context.Background(), "mp-reg")
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestSettleRegistration_NonApprovedIsIgnored(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{}}
	svc, db := newTestSettlement(t, fetcher, nil)
	tour := seedTournament(t, db, "open", 8)

	p := registrationPayment(tour.ID, "user-1", "player@example.com")
	p.Status = ProviderStatusRejected
	fetcher.payments["mp-reg"] = p

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-reg"))
	assert.EqualValues(t, 0, registrationCount(t, db, tour.ID))
}

func TestSettleRegistration_EmailFailureDoesNotUnwind(t *testing.T) {
	sender := newFakeSender()
	sender.failAddrs["player@example.com"] = true

	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{}}
	svc, db := newTestSettlement(t, fetcher, sender)
	tour := seedTournament(t, db, "open", 8)
	fetcher.payments["mp-reg"] = registrationPayment(tour.ID, "user-1", "player@example.com")

	require.NoError(t, svc.SettlePayment(context.Background(), "mp-reg"))

	// wait for the async dispatch to run (and fail)
	select {
	case <-sender.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the dispatcher to attempt a send")
	}

	assert.EqualValues(t, 1, registrationCount(t, db, tour.ID), "a dispatch failure must never roll back the registration")
}

func TestSettleRegistration_UnlimitedCapacity(t *testing.T) {
	fetcher := &fakeFetcher{payments: map[string]*ProviderPayment{}}
	svc, db := newTestSettlement(t, fetcher, nil)
	tour := seedTournament(t, db, "open", 0) // 0 = unlimited

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("mp-reg-%d", i)
		fetcher.payments[id] = registrationPayment(tour.ID, fmt.Sprintf("user-%d", i), "")
		require.NoError(t, svc.SettlePayment(context.Background(), id))
	}

	assert.EqualValues(t, 3, registrationCount(t, db, tour.ID))
}
