// handlers/entry_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"game-entry-service/middleware"
)

func SetupEntryRoutes(app *fiber.App, h *EntryHandler, log *zap.Logger) {
	// 🔓 Gateway auth only
	app.Get("/games/:id/status", h.GameStatus)

	// 🔐 Caller identity required
	userCtx := middleware.UserContextMiddleware(log)
	app.Post("/games/:id/confirm-payment", userCtx, h.ConfirmPayment)
	app.Get("/games/:id/participants/me", userCtx, h.MyParticipation)

	// 🛠️ Operators
	admin := app.Group("/admin", userCtx, middleware.RequireRole(middleware.RoleAdmin))
	admin.Post("/games/:id/participants/:user_id/refund", h.Refund)
}
