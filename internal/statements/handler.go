package statements

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/soundledger/soundledger/internal/fees"
	"github.com/soundledger/soundledger/internal/platform/httpx"
	"github.com/soundledger/soundledger/internal/recoupment"
	"github.com/soundledger/soundledger/internal/shared"
	"github.com/soundledger/soundledger/internal/splits"
)

const dateLayout = "2006-01-02"

// Handler exposes the royalty engine over JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	waterfall Waterfall
	splits    *splits.Service
	validate  *validator.Validate
}

// NewHandler builds the statements HTTP handler.
func NewHandler(logger *slog.Logger, service *Service, waterfall Waterfall, splitSvc *splits.Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		waterfall: waterfall,
		splits:    splitSvc,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers royalty routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stream", h.calculateStream)
	r.Post("/statements/calculate", h.calculatePeriod)
	r.Post("/statements", h.saveStatement)
	r.Get("/statements/{id}", h.getStatement)
	r.Post("/statements/{id}/finalize", h.finalizeStatement)
	r.Post("/statements/{id}/pay", h.markPaid)
	r.Post("/statements/{id}/dispute", h.dispute)
	r.Get("/users/{userID}/statements", h.listUserStatements)
	r.Post("/recoupment/apply", h.applyRecoupment)
	r.Post("/splits/calculate", h.calculateSplits)
}

type calculateStreamRequest struct {
	Source      string  `json:"source" validate:"required"`
	SourceType  string  `json:"source_type" validate:"required"`
	Streams     int64   `json:"streams" validate:"gte=0"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	UserCentric bool    `json:"user_centric"`
	OccurredAt  string  `json:"occurred_at" validate:"required"`
	Tier        string  `json:"tier" validate:"required,oneof=free standard pro label enterprise"`
}

func (h *Handler) calculateStream(w http.ResponseWriter, r *http.Request) {
	var req calculateStreamRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	occurredAt, err := time.Parse(dateLayout, req.OccurredAt)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: occurred_at must be YYYY-MM-DD", httpx.ErrValidation))
		return
	}

	calc := h.service.CalculateStream(r.Context(), RevenueEvent{
		Source:      req.Source,
		SourceType:  req.SourceType,
		Streams:     req.Streams,
		Amount:      req.Amount,
		Currency:    req.Currency,
		UserCentric: req.UserCentric,
		OccurredAt:  occurredAt,
	}, fees.Tier(req.Tier))
	httpx.JSON(w, http.StatusOK, calc)
}

type calculatePeriodRequest struct {
	UserID      int64  `json:"user_id" validate:"required,gt=0"`
	PeriodStart string `json:"period_start" validate:"required"`
	PeriodEnd   string `json:"period_end" validate:"required"`
	ReleaseID   *int64 `json:"release_id"`
}

func (h *Handler) decodePeriodRequest(r *http.Request) (calculatePeriodRequest, time.Time, time.Time, error) {
	var req calculatePeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return req, time.Time{}, time.Time{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return req, time.Time{}, time.Time{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	}
	start, err := time.Parse(dateLayout, req.PeriodStart)
	if err != nil {
		return req, time.Time{}, time.Time{}, fmt.Errorf("%w: period_start must be YYYY-MM-DD", httpx.ErrValidation)
	}
	end, err := time.Parse(dateLayout, req.PeriodEnd)
	if err != nil {
		return req, time.Time{}, time.Time{}, fmt.Errorf("%w: period_end must be YYYY-MM-DD", httpx.ErrValidation)
	}
	if end.Before(start) {
		return req, time.Time{}, time.Time{}, fmt.Errorf("%w: period_end before period_start", httpx.ErrValidation)
	}
	return req, start, end, nil
}

func (h *Handler) calculatePeriod(w http.ResponseWriter, r *http.Request) {
	req, start, end, err := h.decodePeriodRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	statement, err := h.service.CalculatePeriod(r.Context(), req.UserID, start, end, req.ReleaseID)
	if err != nil {
		h.respondPeriodError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

func (h *Handler) respondPeriodError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrInvalidPeriod), errors.Is(err, ErrEventScanLimit):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
	default:
		h.logger.Error("calculate period", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) saveStatement(w http.ResponseWriter, r *http.Request) {
	req, start, end, err := h.decodePeriodRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Refuse before computing: the waterfall inside CalculatePeriod moves
	// money, and the period already has its permanent record.
	exists, err := h.service.HasStatementForPeriod(r.Context(), req.UserID, start, end, req.ReleaseID)
	if err != nil {
		h.logger.Error("statement existence check", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if exists {
		httpx.RespondError(w, fmt.Errorf("%w: statement already exists for period", httpx.ErrDuplicate))
		return
	}
	period, err := h.service.CalculatePeriod(r.Context(), req.UserID, start, end, req.ReleaseID)
	if err != nil {
		h.respondPeriodError(w, err)
		return
	}
	statement, err := h.service.SaveStatement(r.Context(), period)
	if err != nil {
		if errors.Is(err, ErrDuplicateStatement) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrDuplicate, err))
			return
		}
		h.logger.Error("save statement", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, statement)
}

func (h *Handler) statementID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid statement id", httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) getStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	statement, err := h.service.GetStatement(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrStatementNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("get statement", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(r *http.Request, id uuid.UUID) error) {
	id, ok := h.statementID(w, r)
	if !ok {
		return
	}
	if err := fn(r, id); err != nil {
		switch {
		case errors.Is(err, ErrStatementNotFound):
			httpx.RespondError(w, httpx.ErrNotFound)
		case errors.Is(err, ErrInvalidTransition):
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err))
		default:
			h.logger.Error("statement transition", slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	statement, err := h.service.GetStatement(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

func (h *Handler) finalizeStatement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.service.FinalizeStatement(r.Context(), id)
	})
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.service.MarkStatementPaid(r.Context(), id)
	})
}

func (h *Handler) dispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.service.DisputeStatement(r.Context(), id)
	})
}

func (h *Handler) listUserStatements(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	req := ListStatementsRequest{
		UserID:  userID,
		Status:  Status(r.URL.Query().Get("status")),
		Page:    page,
		PerPage: perPage,
	}
	statements, total, err := h.service.GetUserStatements(r.Context(), req)
	if err != nil {
		h.logger.Error("list statements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"statements": statements,
		"pagination": shared.NewPagination(req.Page, req.PerPage, total),
	})
}

type applyRecoupmentRequest struct {
	UserID int64   `json:"user_id" validate:"required,gt=0"`
	Amount float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) applyRecoupment(w http.ResponseWriter, r *http.Request) {
	var req applyRecoupmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	results, err := h.waterfall.Apply(r.Context(), req.UserID, req.Amount)
	if err != nil {
		h.logger.Error("apply recoupment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"results":        results,
		"total_deducted": recoupment.TotalDeduction(results),
	})
}

type calculateSplitsRequest struct {
	ReleaseID    int64   `json:"release_id" validate:"required,gt=0"`
	GrossRevenue float64 `json:"gross_revenue" validate:"gte=0"`
	NetRevenue   float64 `json:"net_revenue" validate:"gte=0"`
}

func (h *Handler) calculateSplits(w http.ResponseWriter, r *http.Request) {
	var req calculateSplitsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	breakdowns, err := h.splits.CalculateSplitAmounts(r.Context(), req.ReleaseID, req.GrossRevenue, req.NetRevenue)
	if err != nil {
		if errors.Is(err, splits.ErrNegativePercentage) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("calculate splits", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"breakdowns": breakdowns})
}
