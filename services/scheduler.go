// services/scheduler.go
package services

import (
	"log"
	"time"

	"tournament-payments-system/models"

	"github.com/go-co-op/gocron/v2"
)

// StartRateLimitCleanup prunes expired rate-limit counter buckets so the
// table stays bounded. Buckets older than the quota window play no part in
// any rolling total.
func (s *MailerService) StartRateLimitCleanup() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every 10 minutes: drop counter buckets that fell out of every window
	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			cutoff := time.Now().UTC().Add(-rateLimitWindow - time.Hour)
			res := s.DB.Where("window_start < ?", cutoff).Delete(&models.EmailRateLimit{})
			if res.Error != nil {
				log.Printf("[Scheduler] Failed to prune rate limit buckets: %v", res.Error)
				return
			}
			if res.RowsAffected > 0 {
				log.Printf("🧹 Pruned %d expired rate limit bucket(s)", res.RowsAffected)
			}
		}),
	)
}
