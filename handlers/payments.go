package handlers

import (
	"tournament-payments-system/middleware"
	"tournament-payments-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPaymentRoutes(app *fiber.App, settlementService *services.SettlementService, mailerService *services.MailerService) {
	// 🔓 Webhook endpoint — reachable by Mercado Pago, authenticated by signature
	app.Options("/webhooks/payments", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/webhooks/payments", func(c *fiber.Ctx) error {
		// liveness probe — the provider pings before enabling deliveries
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/webhooks/payments", settlementService.HandlePaymentWebhook)

	// 🔐 Authenticated routes
	secured := app.Group("/", middleware.UserContextMiddleware())
	secured.Post("/notifications/batch-email", mailerService.SendBatchEmail)
}
