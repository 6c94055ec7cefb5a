package transfer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes transfer, top-up, refund and withdrawal endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a transfer HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	RelatedRef    string `json:"related_ref"`
}

type topupRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_ref"`
}

type refundRequest struct {
	AccountID  string `json:"account_id"`
	Amount     int64  `json:"amount"`
	RelatedRef string `json:"related_ref"`
}

type withdrawRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

type completeWithdrawalRequest struct {
	GatewayRef string `json:"gateway_ref"`
}

// Transfer moves funds between two wallets.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.TransferFunds(c.UserContext(), TransferInput{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		RelatedRef:     req.RelatedRef,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(result)
}

// VerifyTopup credits a confirmed gateway deposit.
func (h *Handler) VerifyTopup(c *fiber.Ctx) error {
	var req topupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.VerifyTopup(c.UserContext(), TopupInput{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	status := http.StatusCreated
	if result.AlreadyApplied {
		status = http.StatusOK
	}
	return c.Status(status).JSON(result)
}

// Refund issues a compensating credit for an earlier charge.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Refund(c.UserContext(), RefundInput{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		RelatedRef:     req.RelatedRef,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(result)
}

// RequestWithdrawal reserves funds and initiates a payout.
func (h *Handler) RequestWithdrawal(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	withdrawal, err := h.service.RequestWithdrawal(c.UserContext(), WithdrawInput{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Destination:    req.Destination,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusAccepted).JSON(withdrawal)
}

// GetWithdrawal returns one withdrawal record.
func (h *Handler) GetWithdrawal(c *fiber.Ctx) error {
	withdrawal, err := h.service.GetWithdrawal(c.UserContext(), c.Params("withdrawalId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(withdrawal)
}

// CompleteWithdrawal settles a payout the gateway confirmed.
func (h *Handler) CompleteWithdrawal(c *fiber.Ctx) error {
	var req completeWithdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	withdrawal, err := h.service.CompleteWithdrawal(c.UserContext(), c.Params("withdrawalId"), req.GatewayRef)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(withdrawal)
}

// FailWithdrawal releases the reservation after a gateway rejection.
func (h *Handler) FailWithdrawal(c *fiber.Ctx) error {
	withdrawal, err := h.service.FailWithdrawal(c.UserContext(), c.Params("withdrawalId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(withdrawal)
}

// CancelWithdrawal releases a payout the user cancelled.
func (h *Handler) CancelWithdrawal(c *fiber.Ctx) error {
	withdrawal, err := h.service.CancelWithdrawal(c.UserContext(), c.Params("withdrawalId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(withdrawal)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrHoldNotActive):
		return fiber.NewError(http.StatusConflict, "hold is no longer active")
	case errors.Is(err, ErrWithdrawalNotPending):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrWithdrawalNotFound), errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrHoldNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, idempotency.ErrKeyConflict):
		return fiber.NewError(http.StatusConflict, "idempotency key reused with different request")
	case errors.Is(err, idempotency.ErrInProgress):
		return fiber.NewError(http.StatusConflict, "duplicate request currently processing")
	case errors.Is(err, ErrGatewayUnavailable):
		return fiber.NewError(http.StatusBadGateway, "payment gateway unavailable")
	case errors.Is(err, ledger.ErrVersionConflict):
		return fiber.NewError(http.StatusServiceUnavailable, "transient contention, retry")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
