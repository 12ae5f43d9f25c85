package services

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"tournament-payments-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxBatchRecipients = 500
	maxSubjectLength   = 200
	maxMessageLength   = 5000
	maxTitleLength     = 150
	mailBatchSize      = 50

	rateLimitMaxCalls = 3
	rateLimitWindow   = 30 * time.Minute
	// counter buckets are smaller than the window so the quota approximates a
	// rolling window instead of resetting on a fixed boundary
	rateLimitBucket = 5 * time.Minute
)

// BatchResult reports the outcome of one mail batch. Transient, never persisted.
type BatchResult struct {
	Batch      int  `json:"batch"`
	Recipients int  `json:"recipients"`
	Success    bool `json:"success"`
}

// MailerService sends organizer announcements to tournament participants in
// rate-limited, fixed-size batches.
type MailerService struct {
	DB     *gorm.DB
	Sender EmailSender
	// BatchDelay is the pause between batches to avoid transport throttling.
	BatchDelay time.Duration
}

func NewMailerService(db *gorm.DB, sender EmailSender) *MailerService {
	return &MailerService{
		DB:         db,
		Sender:     sender,
		BatchDelay: 1 * time.Second,
	}
}

// SendBatchEmail handles POST /notifications/batch-email.
// The quota (3 calls per rolling 30 minutes per caller) is enforced through a
// store-backed counter, so it holds across concurrent service instances. A
// rejected call performs no sends at all; an accepted call runs every batch to
// completion and reports partial success rather than failing outright.
func (s *MailerService) SendBatchEmail(c *fiber.Ctx) error {
	callerID, _ := c.Locals("user_id").(string)
	if callerID == "" {
		return c.Status(401).JSON(fiber.Map{"error": "authentication required"})
	}

	type Req struct {
		Emails          []string `json:"emails"`
		Subject         string   `json:"subject"`
		Message         string   `json:"message"`
		TournamentTitle string   `json:"tournamentTitle"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	// All validation happens before any rate-limit charge or send.
	recipients := make([]string, 0, len(req.Emails))
	for _, e := range req.Emails {
		if e = strings.TrimSpace(e); e != "" {
			recipients = append(recipients, e)
		}
	}
	if len(recipients) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "emails is required"})
	}
	if len(recipients) > maxBatchRecipients {
		return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("too many recipients (max %d)", maxBatchRecipients)})
	}
	if req.Subject == "" {
		return c.Status(400).JSON(fiber.Map{"error": "subject is required"})
	}
	if len(req.Subject) > maxSubjectLength {
		return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("subject too long (max %d characters)", maxSubjectLength)})
	}
	if req.Message == "" {
		return c.Status(400).JSON(fiber.Map{"error": "message is required"})
	}
	if len(req.Message) > maxMessageLength {
		return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("message too long (max %d characters)", maxMessageLength)})
	}
	if len(req.TournamentTitle) > maxTitleLength {
		return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("tournamentTitle too long (max %d characters)", maxTitleLength)})
	}

	allowed, err := s.chargeRateLimit(c.Context(), callerID, "batch-email")
	if err != nil {
		log.Printf("❌ [BATCH_MAIL] Rate limit check failed for caller %s: %v", callerID, err)
		return c.Status(500).JSON(fiber.Map{"error": "rate limit check failed"})
	}
	if !allowed {
		log.Printf("🚫 [BATCH_MAIL] Caller %s over quota (%d per %s)", callerID, rateLimitMaxCalls, rateLimitWindow)
		return c.Status(429).JSON(fiber.Map{
			"error": fmt.Sprintf("rate limit exceeded: max %d batch sends per %d minutes", rateLimitMaxCalls, int(rateLimitWindow.Minutes())),
		})
	}

	// Organizer input must not inject markup into the email body.
	subject := html.EscapeString(req.Subject)
	bodyHTML := buildAnnouncementBody(html.EscapeString(req.TournamentTitle), html.EscapeString(req.Message))

	results := make([]BatchResult, 0, (len(recipients)+mailBatchSize-1)/mailBatchSize)
	successfulBatches := 0

	for start := 0; start < len(recipients); start += mailBatchSize {
		end := start + mailBatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]
		batchNum := len(results) + 1

		// Each recipient is addressed individually so the full list is never
		// exposed to any single recipient.
		batchOK := true
		for _, addr := range batch {
			if err := s.Sender.Send(c.Context(), []string{addr}, subject, bodyHTML); err != nil {
				log.Printf("⚠️ [BATCH_MAIL] Batch %d: failed to send to %s: %v", batchNum, addr, err)
				batchOK = false
			}
		}
		if batchOK {
			successfulBatches++
		} else {
			log.Printf("⚠️ [BATCH_MAIL] Batch %d completed with failures (%d recipient(s))", batchNum, len(batch))
		}
		results = append(results, BatchResult{Batch: batchNum, Recipients: len(batch), Success: batchOK})

		if end < len(recipients) && s.BatchDelay > 0 {
			time.Sleep(s.BatchDelay)
		}
	}

	p := message.NewPrinter(language.English)
	log.Printf("✅ [BATCH_MAIL] Caller %s: %s recipient(s) in %d batch(es), %d successful",
		callerID, p.Sprint(len(recipients)), len(results), successfulBatches)

	return c.JSON(fiber.Map{
		"success":           successfulBatches == len(results),
		"totalEmails":       len(recipients),
		"successfulBatches": successfulBatches,
		"totalBatches":      len(results),
		"results":           results,
	})
}

// chargeRateLimit atomically increments the caller's counter bucket, then
// checks the rolling total. The increment-first ordering means two racing
// calls both observe each other; a rejected call still counts, which only ever
// errs on the strict side.
func (s *MailerService) chargeRateLimit(ctx context.Context, callerID, endpoint string) (bool, error) {
	now := time.Now().UTC()
	bucket := models.EmailRateLimit{
		ID:          uuid.NewString(),
		CallerID:    callerID,
		Endpoint:    endpoint,
		WindowStart: now.Truncate(rateLimitBucket),
		Count:       1,
	}
	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "caller_id"}, {Name: "endpoint"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count": gorm.Expr("email_rate_limits.count + 1"),
		}),
	}).Create(&bucket).Error; err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	var total int64
	if err := s.DB.WithContext(ctx).Model(&models.EmailRateLimit{}).
		Select("COALESCE(SUM(count), 0)").
		Where("caller_id = ? AND endpoint = ? AND window_start > ?", callerID, endpoint, now.Add(-rateLimitWindow)).
		Scan(&total).Error; err != nil {
		return false, fmt.Errorf("failed to sum rate limit counters: %w", err)
	}

	return total <= rateLimitMaxCalls, nil
}

func buildAnnouncementBody(escapedTitle, escapedMessage string) string {
	heading := "Tournament announcement"
	if escapedTitle != "" {
		heading = escapedTitle
	}
	return fmt.Sprintf(`
		<h2>%s</h2>
		<p>%s</p>
		<hr>
		<p style="color:#888;font-size:12px">You are receiving this because you registered for this tournament.</p>
	`, heading, strings.ReplaceAll(escapedMessage, "\n", "<br>"))
}
