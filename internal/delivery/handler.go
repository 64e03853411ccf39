package delivery

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

// Handler exposes delivery order endpoints.
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

// MountRoutes registers delivery order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/delivery-orders", func(r chi.Router) {
		r.With(h.rbac.RequireAll(rbac.CapDeliveryView)).Get("/", h.list)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryView)).Get("/{id}", h.show)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryCreate)).Post("/", h.create)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryCreate)).Post("/{id}/submit", h.submit)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryQC)).Post("/{id}/quality-check", h.qualityCheck)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryComplete)).Post("/{id}/complete", h.complete)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryCancel)).Post("/{id}/cancel", h.cancel)
		r.With(h.rbac.RequireAll(rbac.CapDeliveryDelete)).Delete("/{id}", h.remove)
	})
}

type qualityRequest struct {
	Lines []QualityLineInput `json:"lines" validate:"required,min=1,dive"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var do DeliveryOrder
	// Drafts against one sales order are created one at a time.
	err := h.locks.WithLock(r.Context(), "sales_order", req.SalesOrderID, func(ctx context.Context) error {
		var err error
		do, err = h.service.CreateDeliveryOrder(ctx, actorOf(r), req)
		return err
	})
	if err != nil {
		h.fail(w, "create delivery order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, do)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		SalesOrderID: int64(httpx.QueryInt(r, "sales_order_id", 0)),
		Status:       Status(r.URL.Query().Get("status")),
		Limit:        httpx.QueryInt(r, "limit", 50),
		Offset:       httpx.QueryInt(r, "offset", 0),
	}
	orders, err := h.service.ListDeliveryOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, "list delivery orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	do, err := h.service.GetDeliveryOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get delivery order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, do)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "submit delivery order", func(ctx context.Context, id int64) (DeliveryOrder, error) {
		return h.service.SubmitForQualityCheck(ctx, actorOf(r), id)
	})
}

func (h *Handler) qualityCheck(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.transition(w, r, "record delivery quality check", func(ctx context.Context, id int64) (DeliveryOrder, error) {
		return h.service.RecordQualityCheck(ctx, actorOf(r), id, req.Lines)
	})
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "complete delivery order", func(ctx context.Context, id int64) (DeliveryOrder, error) {
		return h.service.CompleteDelivery(ctx, actorOf(r), id)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.transition(w, r, "cancel delivery order", func(ctx context.Context, id int64) (DeliveryOrder, error) {
		return h.service.CancelDeliveryOrder(ctx, actorOf(r), id, req.Reason)
	})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	err := h.locks.WithLock(r.Context(), doEntity, id, func(ctx context.Context) error {
		return h.service.DeleteDeliveryOrder(ctx, actorOf(r), id)
	})
	if err != nil {
		h.fail(w, "delete delivery order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, int64) (DeliveryOrder, error)) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var do DeliveryOrder
	err := h.locks.WithLock(r.Context(), doEntity, id, func(ctx context.Context) error {
		var err error
		do, err = fn(ctx, id)
		return err
	})
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, do)
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
