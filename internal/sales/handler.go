package sales

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/temple-erp/temple-erp/internal/platform/httpx"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// LockPort serialises requests against one aggregate.
type LockPort interface {
	WithLock(ctx context.Context, kind string, id int64, fn func(context.Context) error) error
}

// Handler exposes sales order endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	locks   LockPort
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, locks LockPort, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, locks: locks, rbac: rbac}
}

// MountRoutes registers sales order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapSalesOrderManage, rbac.CapDeliveryView))
		r.Get("/sales-orders", h.list)
		r.Get("/sales-orders/{id}", h.show)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapSalesOrderManage))
		r.Post("/sales-orders", h.create)
		r.Post("/sales-orders/{id}/confirm", h.confirm)
		r.Post("/sales-orders/{id}/cancel", h.cancel)
	})
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.CreateSalesOrder(r.Context(), actorOf(r), req)
	if err != nil {
		h.fail(w, "create sales order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Status: OrderStatus(r.URL.Query().Get("status")),
		Limit:  httpx.QueryInt(r, "limit", 50),
		Offset: httpx.QueryInt(r, "offset", 0),
	}
	orders, err := h.service.ListSalesOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, "list sales orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetSalesOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get sales order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var order SalesOrder
	err := h.locks.WithLock(r.Context(), orderEntity, id, func(ctx context.Context) error {
		var err error
		order, err = h.service.ConfirmSalesOrder(ctx, actorOf(r), id)
		return err
	})
	if err != nil {
		h.fail(w, "confirm sales order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var order SalesOrder
	err := h.locks.WithLock(r.Context(), orderEntity, id, func(ctx context.Context) error {
		var err error
		order, err = h.service.CancelSalesOrder(ctx, actorOf(r), id, req.Reason)
		return err
	})
	if err != nil {
		h.fail(w, "cancel sales order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) id(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if shared.KindOf(err) == "" {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorOf(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}
