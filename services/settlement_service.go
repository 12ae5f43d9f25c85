package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"tournament-payments-system/models"
	"tournament-payments-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Terminal settlement outcomes. The webhook handler maps these to 4xx so
// Mercado Pago stops retrying — retrying cannot change them. Anything else
// (store or API failure) is surfaced as 5xx so the provider re-delivers later,
// which is safe because every settlement path is idempotent.
var (
	ErrPaymentNotFound    = errors.New("payment record not found")
	ErrTournamentNotFound = errors.New("tournament not found")
	ErrTournamentClosed   = errors.New("tournament is not open for registration")
	ErrTournamentFull     = errors.New("tournament is full")
	ErrInvalidIntent      = errors.New("registration metadata is incomplete")
)

// SettlementService applies confirmed payment outcomes to durable state.
type SettlementService struct {
	DB            *gorm.DB
	Payments      PaymentFetcher
	Sender        EmailSender
	WebhookSecret string
	SiteBaseURL   string
}

func NewSettlementService(db *gorm.DB, payments PaymentFetcher, sender EmailSender, webhookSecret string) *SettlementService {
	siteURL := os.Getenv("PUBLIC_SITE_URL")
	if siteURL == "" {
		siteURL = "https://play.tournaments.gg"
	}
	return &SettlementService{
		DB:            db,
		Payments:      payments,
		Sender:        sender,
		WebhookSecret: webhookSecret,
		SiteBaseURL:   siteURL,
	}
}

// webhookEvent is the (untrusted) notification body. Only type/action/data.id
// are read; everything authoritative is re-fetched from the API.
type webhookEvent struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID interface{} `json:"id"` // sent as string or number depending on event source
	} `json:"data"`
}

func (e *webhookEvent) paymentID() string {
	switch v := e.Data.ID.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// HandlePaymentWebhook processes a Mercado Pago payment notification.
// Empty bodies are connectivity tests and acknowledged without touching the
// store. Deliveries may be duplicated and arrive out of order — every path
// below is safe to run twice.
func (s *SettlementService) HandlePaymentWebhook(c *fiber.Ctx) error {
	body := c.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return c.JSON(fiber.Map{"received": true})
	}

	if s.WebhookSecret == "" {
		// fail closed — an unset secret must never mean "allow unsigned"
		log.Println("❌ [WEBHOOK] MP_WEBHOOK_SECRET is not configured — refusing notification")
		return c.Status(500).JSON(fiber.Map{"error": "webhook secret not configured"})
	}

	signature := c.Get("x-signature")
	requestID := c.Get("x-request-id")
	if signature == "" || requestID == "" {
		log.Printf("🚫 [WEBHOOK] Missing signature headers (x-signature: %t, x-request-id: %t)", signature != "", requestID != "")
		return c.Status(401).JSON(fiber.Map{"error": "missing signature headers"})
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var event webhookEvent
	if err := dec.Decode(&event); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	paymentID := event.paymentID()

	if !VerifyWebhookSignature(signature, requestID, paymentID, s.WebhookSecret) {
		log.Printf("🚫 [WEBHOOK] Invalid signature for request %s", requestID)
		return c.Status(401).JSON(fiber.Map{"error": "invalid signature"})
	}

	// Only payment updates are of interest. Everything else is acknowledged so
	// the provider stops retrying, with no further processing.
	if event.Type != "payment" || event.Action != "payment.updated" {
		log.Printf("➡️ [WEBHOOK] Ignoring event type=%s action=%s", event.Type, event.Action)
		return c.JSON(fiber.Map{"received": true})
	}
	if paymentID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "missing payment id in event data"})
	}

	// Best-effort audit copy of the verified raw payload. fasthttp reuses the
	// request buffer, so the goroutine gets its own copy.
	payload := make([]byte, len(body))
	copy(payload, body)
	go utils.ArchiveWebhookPayload(requestID, payload)

	if err := s.SettlePayment(c.Context(), paymentID); err != nil {
		switch {
		case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrTournamentNotFound):
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrTournamentClosed), errors.Is(err, ErrTournamentFull):
			log.Printf("⚠️ [WEBHOOK] Terminal settlement rejection for payment %s: %v", paymentID, err)
			return c.Status(422).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrInvalidIntent):
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		default:
			// transient — 5xx so Mercado Pago's retry re-delivers
			log.Printf("❌ [WEBHOOK] Settlement failed for payment %s: %v", paymentID, err)
			return c.Status(500).JSON(fiber.Map{"error": "settlement failed"})
		}
	}

	return c.JSON(fiber.Map{"received": true})
}

// SettlePayment fetches the authoritative payment resource and settles it as
// either a credit purchase or a tournament registration, exactly once.
// Also invoked by the reconciliation worker for webhooks that never arrived.
func (s *SettlementService) SettlePayment(ctx context.Context, providerPaymentID string) error {
	payment, err := s.Payments.GetPayment(ctx, providerPaymentID)
	if err != nil {
		return fmt.Errorf("failed to fetch payment %s: %w", providerPaymentID, err)
	}

	if metaString(payment.Metadata, "type") == "tournament_registration" {
		return s.settleRegistration(ctx, providerPaymentID, payment)
	}
	return s.settleCreditPurchase(ctx, providerPaymentID, payment)
}

// settleCreditPurchase transitions the local payment record and credits the
// user's balance. The status guard in the UPDATE makes redelivery a no-op:
// only a pending record can transition, and the balance add plus ledger append
// happen in the same transaction as the transition.
func (s *SettlementService) settleCreditPurchase(ctx context.Context, providerPaymentID string, provider *ProviderPayment) error {
	var payment models.Payment
	if err := s.DB.WithContext(ctx).Where("provider_payment_id = ?", providerPaymentID).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("DB error fetching payment: %w", err)
	}

	switch provider.Status {
	case ProviderStatusApproved:
		if payment.Status == models.PaymentStatusConfirmed {
			log.Printf("♻️ [SETTLEMENT] Payment %s already confirmed — nothing to do", payment.ID)
			return nil
		}

		now := time.Now()
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Payment{}).
				Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
				Updates(map[string]interface{}{
					"status":       models.PaymentStatusConfirmed,
					"confirmed_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to confirm payment: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// a concurrent delivery settled it first
				log.Printf("♻️ [SETTLEMENT] Payment %s settled by a concurrent delivery", payment.ID)
				return nil
			}

			// Single-statement balance add — two settlements for the same user
			// must never lose an update.
			user := models.TournamentUser{
				ID:             uuid.NewString(),
				ExternalUserID: payment.ExternalUserID,
				CreditBalance:  payment.Credits,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "external_user_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"credit_balance": gorm.Expr("tournament_users.credit_balance + excluded.credit_balance"),
					"updated_at":     now,
				}),
			}).Create(&user).Error; err != nil {
				return fmt.Errorf("failed to credit balance: %w", err)
			}

			entry := models.CreditLedgerEntry{
				ID:             uuid.NewString(),
				ExternalUserID: payment.ExternalUserID,
				Credits:        payment.Credits,
				Type:           models.LedgerEntryPurchase,
				Description:    fmt.Sprintf("Credit purchase (Mercado Pago payment %s)", providerPaymentID),
				PaymentID:      &payment.ID,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to append ledger entry: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("✅ [SETTLEMENT] Credited %d credit(s) to user %s for payment %s", payment.Credits, payment.ExternalUserID, payment.ID)
		return nil

	case ProviderStatusRejected, ProviderStatusCancelled:
		res := s.DB.WithContext(ctx).Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
			Update("status", models.PaymentStatusFailed)
		if res.Error != nil {
			return fmt.Errorf("failed to mark payment failed: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			log.Printf("🚫 [SETTLEMENT] Payment %s marked failed (provider status: %s)", payment.ID, provider.Status)
		}
		return nil

	default:
		// still pending on the provider side — a later webhook will settle it
		log.Printf("➡️ [SETTLEMENT] Payment %s still %s — waiting for a final status", payment.ID, provider.Status)
		return nil
	}
}

// registrationIntent is the ephemeral intent carried as metadata on the
// provider's payment object. It has no local storage of its own.
type registrationIntent struct {
	TournamentID string
	UserID       string
	Email        string
}

// settleRegistration books a tournament seat for an approved entry-fee
// payment. Invariants (open status, capacity, no duplicate) are re-validated
// here, at settlement time — whatever the client believed when it started
// paying may have changed.
func (s *SettlementService) settleRegistration(ctx context.Context, providerPaymentID string, provider *ProviderPayment) error {
	if provider.Status != ProviderStatusApproved {
		log.Printf("➡️ [SETTLEMENT] Registration payment %s is %s — nothing to book", providerPaymentID, provider.Status)
		return nil
	}

	intent := registrationIntent{
		TournamentID: metaString(provider.Metadata, "tournament_id"),
		UserID:       metaString(provider.Metadata, "user_id"),
		Email:        metaString(provider.Metadata, "user_email"),
	}
	if intent.TournamentID == "" || intent.UserID == "" {
		return ErrInvalidIntent
	}

	// Fast-path idempotence check; the unique index is the real guard.
	var existing models.TournamentRegistration
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND external_user_id = ?", intent.TournamentID, intent.UserID).
		First(&existing).Error
	if err == nil {
		log.Printf("♻️ [SETTLEMENT] User %s already registered for tournament %s", intent.UserID, intent.TournamentID)
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("DB error checking registration: %w", err)
	}

	tournament, err := s.registerParticipant(ctx, intent, providerPaymentID, provider.TransactionAmount)
	if err != nil {
		return err
	}

	log.Printf("✅ [SETTLEMENT] Registered user %s for tournament %s (payment %s)", intent.UserID, tournament.Name, providerPaymentID)

	// Fire-and-forget confirmation — a mail failure must never unwind the
	// committed registration.
	go s.sendRegistrationConfirmation(tournament, intent, provider.TransactionAmount)

	return nil
}

// registerParticipant is the capacity-guarded insert. Status and capacity are
// checked first as a fast path, then the insert itself is a single guarded
// statement: it only lands while the seat count is below the limit, and the
// unique index swallows a duplicate from a racing redelivery.
func (s *SettlementService) registerParticipant(ctx context.Context, intent registrationIntent, providerPaymentID string, amount float64) (*models.Tournament, error) {
	var tournament models.Tournament
	if err := s.DB.WithContext(ctx).First(&tournament, "id = ?", intent.TournamentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, fmt.Errorf("DB error fetching tournament: %w", err)
	}

	if tournament.Status != "open" {
		return nil, ErrTournamentClosed
	}
	if tournament.MaxParticipants > 0 {
		var count int64
		if err := s.DB.WithContext(ctx).Model(&models.TournamentRegistration{}).
			Where("tournament_id = ?", intent.TournamentID).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("DB error counting registrations: %w", err)
		}
		if int(count) >= tournament.MaxParticipants {
			return nil, ErrTournamentFull
		}
	}

	now := time.Now()
	res := s.DB.WithContext(ctx).Exec(`
		INSERT INTO tournament_registrations
			(id, tournament_id, external_user_id, email, provider_payment_id, amount_paid, joined_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE ? = 0 OR (SELECT COUNT(*) FROM tournament_registrations WHERE tournament_id = ?) < ?
		ON CONFLICT (tournament_id, external_user_id) DO NOTHING`,
		uuid.NewString(), intent.TournamentID, intent.UserID, intent.Email, providerPaymentID, amount, now,
		tournament.MaxParticipants, intent.TournamentID, tournament.MaxParticipants,
	)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to insert registration: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// either a redelivery already holds the seat, or the last seat went to
		// someone else between the count and the insert
		var existing models.TournamentRegistration
		err := s.DB.WithContext(ctx).
			Where("tournament_id = ? AND external_user_id = ?", intent.TournamentID, intent.UserID).
			First(&existing).Error
		if err == nil {
			return &tournament, nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTournamentFull
		}
		return nil, fmt.Errorf("DB error re-checking registration: %w", err)
	}

	return &tournament, nil
}

func (s *SettlementService) sendRegistrationConfirmation(tournament *models.Tournament, intent registrationIntent, amount float64) {
	if s.Sender == nil || intent.Email == "" {
		return
	}

	tournamentSlug := tournament.Slug
	if tournamentSlug == "" {
		tournamentSlug = slug.Make(tournament.Name)
	}
	link := fmt.Sprintf("%s/tournaments/%s", s.SiteBaseURL, tournamentSlug)

	p := message.NewPrinter(language.English)
	body := fmt.Sprintf(`
		<h2>You're in! 🎮</h2>
		<p>Your registration for <strong>%s</strong> is confirmed.</p>
		<p>Entry fee paid: <strong>%s</strong></p>
		<p><a href="%s">View the tournament</a></p>
	`, tournament.Name, p.Sprintf("$%.2f", amount), link)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subject := fmt.Sprintf("Registration confirmed: %s", tournament.Name)
	if err := s.Sender.Send(ctx, []string{intent.Email}, subject, body); err != nil {
		// logged and dropped — settlement already committed
		log.Printf("⚠️ [SETTLEMENT] Failed to send confirmation email to %s: %v", intent.Email, err)
	}
}

func metaString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
