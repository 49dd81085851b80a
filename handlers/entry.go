// handlers/entry.go
package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"game-entry-service/middleware"
	"game-entry-service/models"
	"game-entry-service/services"
)

// EntryService is what the entry routes need from services.ConfirmService.
type EntryService interface {
	ConfirmPayment(ctx context.Context, gameID, txHash, callerUserID string) (*services.ConfirmResult, error)
	GameStatus(ctx context.Context, gameID string) (*services.GameStatus, error)
	Participant(ctx context.Context, gameID, userID string) (*models.Participant, error)
	Refund(ctx context.Context, gameID, userID string) (*models.Participant, error)
}

type EntryHandler struct {
	Service EntryService
	Log     *zap.Logger
}

func NewEntryHandler(svc EntryService, log *zap.Logger) *EntryHandler {
	return &EntryHandler{Service: svc, Log: log}
}

type confirmPaymentRequest struct {
	TxHash string `json:"tx_hash"`
}

// ConfirmPayment handles POST /games/:id/confirm-payment.
func (h *EntryHandler) ConfirmPayment(c *fiber.Ctx) error {
	var req confirmPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   services.KindValidation,
			"message": "request body must be JSON with tx_hash",
		})
	}

	res, err := h.Service.ConfirmPayment(c.UserContext(), c.Params("id"), req.TxHash, middleware.UserID(c))
	if err != nil {
		return h.confirmError(c, err)
	}
	return c.JSON(res)
}

// MyParticipation handles GET /games/:id/participants/me.
func (h *EntryHandler) MyParticipation(c *fiber.Ctx) error {
	p, err := h.Service.Participant(c.UserContext(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		if errors.Is(err, services.ErrParticipantNotFound) {
			return c.JSON(fiber.Map{"status": models.ParticipantStatusNone, "joined": false})
		}
		return h.internalError(c, "failed to load participant", err)
	}
	return c.JSON(fiber.Map{
		"status":      p.Status,
		"joined":      models.IsConfirmedPaid(p),
		"participant": p,
	})
}

// GameStatus handles GET /games/:id/status.
func (h *EntryHandler) GameStatus(c *fiber.Ctx) error {
	st, err := h.Service.GameStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, services.ErrGameNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   services.KindNotFound,
				"message": "game not found",
			})
		}
		return h.internalError(c, "failed to load game status", err)
	}
	return c.JSON(st)
}

// Refund handles POST /admin/games/:id/participants/:user_id/refund.
func (h *EntryHandler) Refund(c *fiber.Ctx) error {
	gameID, userID := c.Params("id"), strings.TrimSpace(c.Params("user_id"))
	p, err := h.Service.Refund(c.UserContext(), gameID, userID)
	switch {
	case errors.Is(err, services.ErrParticipantNotFound):
		return c.Status(StatusForKind(services.KindNotFound)).JSON(fiber.Map{
			"error":   services.KindNotFound,
			"message": "participant not found",
		})
	case errors.Is(err, services.ErrInvalidTransition):
		return c.Status(StatusForKind(services.KindValidation)).JSON(fiber.Map{
			"error":   services.KindValidation,
			"message": "only joined participants can be refunded",
		})
	case err != nil:
		return h.internalError(c, "refund failed", err)
	}

	h.Log.Info("💸 [REFUND] seat released",
		zap.String("game_id", gameID),
		zap.String("user_id", userID),
		zap.String("by", middleware.UserID(c)),
	)
	return c.JSON(p)
}

func (h *EntryHandler) confirmError(c *fiber.Ctx, err error) error {
	var ce *services.ConfirmError
	if !errors.As(err, &ce) {
		return h.internalError(c, "confirm payment failed", err)
	}
	body := fiber.Map{
		"error":   ce.Kind,
		"message": ce.Detail,
	}
	if len(ce.Meta) > 0 {
		body["meta"] = ce.Meta
	}
	return c.Status(StatusForKind(ce.Kind)).JSON(body)
}

func (h *EntryHandler) internalError(c *fiber.Ctx, msg string, err error) error {
	h.Log.Error("❌ [HTTP] "+msg, zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   services.KindServerError,
		"message": "internal error, please retry",
	})
}

// StatusForKind maps a rejection kind onto an HTTP status.
func StatusForKind(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindForbidden:
		return fiber.StatusForbidden
	case services.KindNotFound:
		return fiber.StatusNotFound
	case services.KindCapacityFull, services.KindRegistrationClosed, services.KindReplayConflict:
		return fiber.StatusConflict
	case services.KindVerificationFailed:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
