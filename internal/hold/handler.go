package hold

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes hold endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a hold HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	AccountID  string     `json:"account_id"`
	Amount     int64      `json:"amount"`
	RelatedRef string     `json:"related_ref"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type captureRequest struct {
	CaptureAmount         int64  `json:"capture_amount"`
	CounterpartyAccountID string `json:"counterparty_account_id"`
}

type resolveRequest struct {
	Outcome        string `json:"outcome"`
	OwnerAccountID string `json:"owner_account_id"`
}

// Create reserves funds for an order or booking.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Create(c.UserContext(), CreateInput{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		RelatedRef:     req.RelatedRef,
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(result)
}

// Release cancels an active hold.
func (h *Handler) Release(c *fiber.Ctx) error {
	result, err := h.service.Release(c.UserContext(), c.Params("holdId"), c.Get(idempotencyKeyHeader))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(result)
}

// Capture converts an active hold into a debit towards the counterparty.
func (h *Handler) Capture(c *fiber.Ctx) error {
	var req captureRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Capture(c.UserContext(), CaptureInput{
		HoldID:                c.Params("holdId"),
		CaptureAmount:         req.CaptureAmount,
		CounterpartyAccountID: req.CounterpartyAccountID,
		IdempotencyKey:        c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(result)
}

// ResolveBooking applies the refund policy for a finalized booking.
func (h *Handler) ResolveBooking(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.ResolveBooking(c.UserContext(), ResolveInput{
		BookingRef:     c.Params("bookingRef"),
		Outcome:        BookingOutcome(req.Outcome),
		OwnerAccountID: req.OwnerAccountID,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(result)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrHoldNotActive):
		return fiber.NewError(http.StatusConflict, "hold is no longer active")
	case errors.Is(err, ledger.ErrHoldNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, idempotency.ErrKeyConflict):
		return fiber.NewError(http.StatusConflict, "idempotency key reused with different request")
	case errors.Is(err, idempotency.ErrInProgress):
		return fiber.NewError(http.StatusConflict, "duplicate request currently processing")
	case errors.Is(err, ledger.ErrVersionConflict):
		return fiber.NewError(http.StatusServiceUnavailable, "transient contention, retry")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
