package workers

import (
	"context"
	"log"
	"time"

	"tournament-payments-system/models"
	"tournament-payments-system/services"

	"gorm.io/gorm"
)

// ReconciliationWorker re-settles pending payments whose webhook never
// arrived (or was lost to a transient failure). It re-fetches each payment
// from Mercado Pago and runs the normal settlement path — safe to repeat,
// since settlement is idempotent.
type ReconciliationWorker struct {
	DB       *gorm.DB
	Settler  *services.SettlementService
	Cutoff   time.Duration // only reconcile payments pending at least this long
	PageSize int
}

func NewReconciliationWorker(db *gorm.DB, settler *services.SettlementService) *ReconciliationWorker {
	return &ReconciliationWorker{
		DB:       db,
		Settler:  settler,
		Cutoff:   15 * time.Minute,
		PageSize: 50,
	}
}

// PollPendingPayments runs the reconciliation loop until ctx is cancelled.
func PollPendingPayments(ctx context.Context, w *ReconciliationWorker, pollInterval time.Duration) {
	log.Println("Starting pending-payment reconciliation (DB-backed)...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Payment reconciliation stopped.")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.Cutoff)

			var pending []models.Payment
			err := w.DB.
				Where("status = ? AND created_at < ?", models.PaymentStatusPending, cutoff).
				Order("created_at ASC").
				Limit(w.PageSize).
				Find(&pending).Error
			if err != nil {
				log.Printf("❌ Error loading pending payments: %v", err)
				continue
			}
			if len(pending) == 0 {
				continue
			}

			log.Printf("📥 Reconciling %d stale pending payment(s)...", len(pending))

			settled := 0
			for _, p := range pending {
				if err := w.Settler.SettlePayment(ctx, p.ProviderPaymentID); err != nil {
					// leave it pending — the next tick (or a late webhook) retries
					log.Printf("⚠️ Reconciliation failed for payment %s: %v", p.ID, err)
					continue
				}
				settled++
			}

			log.Printf("✅ Reconciliation pass done: %d/%d payment(s) processed", settled, len(pending))
		}
	}
}
