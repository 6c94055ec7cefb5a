package account

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes account HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func ownerType(raw string) (ledger.OwnerType, error) {
	switch ledger.OwnerType(raw) {
	case ledger.OwnerUser, ledger.OwnerDriver, ledger.OwnerVendor, ledger.OwnerMarketer:
		return ledger.OwnerType(raw), nil
	default:
		return "", fiber.NewError(http.StatusBadRequest, "unknown owner type")
	}
}

// Balance returns the owner's available and held balances.
func (h *Handler) Balance(c *fiber.Ctx) error {
	kind, err := ownerType(c.Params("ownerType"))
	if err != nil {
		return err
	}
	balance, err := h.service.GetBalance(c.UserContext(), c.Params("ownerId"), kind)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(balance)
}

type entryResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	RelatedRef  string    `json:"related_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CommittedAt time.Time `json:"committed_at"`
}

// Transactions lists the owner's ledger entries, newest first. The before
// query parameter pages backwards in time.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	kind, err := ownerType(c.Params("ownerType"))
	if err != nil {
		return err
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "before must be RFC3339")
		}
		before = parsed
	}
	entries, err := h.service.ListTransactions(c.UserContext(), c.Params("ownerId"), kind, before, c.QueryInt("limit"))
	if err != nil {
		return mapError(err)
	}
	response := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, entryResponse{
			ID:          entry.ID,
			Type:        string(entry.Type),
			Amount:      entry.Amount,
			Status:      string(entry.Status),
			RelatedRef:  entry.RelatedRef,
			CreatedAt:   entry.CreatedAt,
			CommittedAt: entry.CommittedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": response})
}

type adjustmentRequest struct {
	AccountID  string `json:"account_id"`
	Type       string `json:"type"`
	Amount     int64  `json:"amount"`
	RelatedRef string `json:"related_ref"`
}

// CreateTransaction applies a manual credit or debit adjustment.
func (h *Handler) CreateTransaction(c *fiber.Ctx) error {
	var req adjustmentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.service.CreateTransaction(c.UserContext(), AdjustmentInput{
		AccountID:      req.AccountID,
		Type:           ledger.EntryType(req.Type),
		Amount:         req.Amount,
		RelatedRef:     req.RelatedRef,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(entryResponse{
		ID:          entry.ID,
		Type:        string(entry.Type),
		Amount:      entry.Amount,
		Status:      string(entry.Status),
		RelatedRef:  entry.RelatedRef,
		CreatedAt:   entry.CreatedAt,
		CommittedAt: entry.CommittedAt,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, idempotency.ErrKeyConflict):
		return fiber.NewError(http.StatusConflict, "idempotency key reused with different request")
	case errors.Is(err, idempotency.ErrInProgress):
		return fiber.NewError(http.StatusConflict, "duplicate request currently processing")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
