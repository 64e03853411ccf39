package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/temple-erp/temple-erp/internal/platform/httpx"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// Handler exposes stock endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapStockView))
		r.Get("/stock/{warehouseID}/{productID}", h.balance)
		r.Get("/stock/{warehouseID}/{productID}/card", h.stockCard)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapStockAdjust))
		r.Post("/stock/adjustments", h.adjust)
	})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, ok := h.keys(w, r)
	if !ok {
		return
	}
	bal, err := h.service.GetBalance(r.Context(), warehouseID, productID)
	if err != nil {
		h.logger.Error("stock balance", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, ok := h.keys(w, r)
	if !ok {
		return
	}
	filter := StockCardFilter{WarehouseID: warehouseID, ProductID: productID, Limit: httpx.QueryInt(r, "limit", 200)}
	if from, err := time.Parse("2006-01-02", r.URL.Query().Get("from")); err == nil {
		filter.From = from
	}
	if to, err := time.Parse("2006-01-02", r.URL.Query().Get("to")); err == nil {
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		h.logger.Error("stock card", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	card, err := h.service.PostAdjustment(r.Context(), actor, req)
	if err != nil {
		if errors.Is(err, ErrNegativeStock) || errors.Is(err, ErrInvalidQuantity) || errors.Is(err, ErrInvalidUnitCost) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Stock Rejected", err.Error())
			return
		}
		h.logger.Error("stock adjustment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, card)
}

func (h *Handler) keys(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	warehouseID, err := httpx.IDParam(r, "warehouseID")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	return warehouseID, productID, true
}
