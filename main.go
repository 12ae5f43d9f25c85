package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tournament-payments-system/handlers"
	"tournament-payments-system/middleware"
	"tournament-payments-system/models"
	"tournament-payments-system/services"
	"tournament-payments-system/utils"
	"tournament-payments-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB — webhook and mail payloads are small
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed (webhook paths authenticate by signature)
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitWebhookArchive(); err != nil {
		log.Fatal("failed to initialize webhook archive:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Payment{},
		&models.CreditLedgerEntry{},
		&models.TournamentUser{},
		&models.Tournament{},
		&models.TournamentRegistration{},
		&models.EmailRateLimit{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	webhookSecret := os.Getenv("MP_WEBHOOK_SECRET")
	if webhookSecret == "" {
		// the webhook handler fails closed on every request until this is fixed
		log.Println("❌ MP_WEBHOOK_SECRET is not set — all payment notifications will be refused")
	}

	mpClient := services.NewMercadoPagoClient()
	sender := services.NewSMTPSenderFromEnv()
	settlementService := services.NewSettlementService(db, mpClient, sender, webhookSecret)
	mailerService := services.NewMailerService(db, sender)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Reconciliation: re-settle pending payments whose webhook was lost ---
	reconciliation := workers.NewReconciliationWorker(db, settlementService)
	go workers.PollPendingPayments(ctx, reconciliation, 5*time.Minute)

	mailerService.StartRateLimitCleanup()

	// ✅ Setup routes
	handlers.SetupPaymentRoutes(app, settlementService, mailerService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Payment reconciliation running (every 5m)")
	log.Println("✅ Rate limit cleanup scheduled (every 10m)")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
