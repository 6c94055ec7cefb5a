package reconciliation

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/ledger"
)

// Handler exposes reconciliation endpoints for the finance back office.
type Handler struct {
	engine *Engine
}

// NewHandler builds a reconciliation HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type createPeriodRequest struct {
	Type  string    `json:"type"`
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

type raiseIssueRequest struct {
	Type           string `json:"type"`
	Description    string `json:"description"`
	Reference      string `json:"reference"`
	ExpectedAmount int64  `json:"expected_amount"`
	ActualAmount   int64  `json:"actual_amount"`
}

type resolveIssueRequest struct {
	Resolution string `json:"resolution"`
}

type failPeriodRequest struct {
	Reason string `json:"reason"`
}

// CreatePeriod opens a reconciliation window.
func (h *Handler) CreatePeriod(c *fiber.Ctx) error {
	var req createPeriodRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	period, err := h.engine.CreatePeriod(c.UserContext(), PeriodType(req.Type), req.Start, req.End)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(period)
}

// GetPeriod returns one period.
func (h *Handler) GetPeriod(c *fiber.Ctx) error {
	period, err := h.engine.GetPeriod(c.UserContext(), c.Params("periodId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(period)
}

// ListPeriods returns the most recent periods.
func (h *Handler) ListPeriods(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	periods, err := h.engine.ListPeriods(c.UserContext(), limit)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"periods": periods})
}

// SubmitStatement records the gateway statement and reports discrepancies.
func (h *Handler) SubmitStatement(c *fiber.Ctx) error {
	var statement Statement
	if err := c.BodyParser(&statement); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	period, issues, err := h.engine.SubmitStatement(c.UserContext(), c.Params("periodId"), statement)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"period": period, "issues": issues})
}

// ListIssues returns the issues attached to a period.
func (h *Handler) ListIssues(c *fiber.Ctx) error {
	issues, err := h.engine.ListIssues(c.UserContext(), c.Params("periodId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"issues": issues})
}

// RaiseIssue records a manually discovered discrepancy.
func (h *Handler) RaiseIssue(c *fiber.Ctx) error {
	var req raiseIssueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	issue, err := h.engine.RaiseIssue(c.UserContext(), c.Params("periodId"),
		IssueType(req.Type), req.Description, req.Reference, req.ExpectedAmount, req.ActualAmount)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(issue)
}

// ResolveIssue marks an issue handled.
func (h *Handler) ResolveIssue(c *fiber.Ctx) error {
	var req resolveIssueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	issue, err := h.engine.ResolveIssue(c.UserContext(), c.Params("issueId"), req.Resolution)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(issue)
}

// CompletePeriod closes a fully reconciled period.
func (h *Handler) CompletePeriod(c *fiber.Ctx) error {
	period, err := h.engine.CompletePeriod(c.UserContext(), c.Params("periodId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(period)
}

// FailPeriod abandons a period that cannot be reconciled.
func (h *Handler) FailPeriod(c *fiber.Ctx) error {
	var req failPeriodRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	period, err := h.engine.MarkFailed(c.UserContext(), c.Params("periodId"), req.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(period)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPeriodNotFound), errors.Is(err, ErrIssueNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidPeriodState), errors.Is(err, ErrUnresolvedIssues):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
