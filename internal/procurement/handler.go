package procurement

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/platform/httpx"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// LockPort serialises requests against one aggregate.
type LockPort interface {
	WithLock(ctx context.Context, kind string, id int64, fn func(context.Context) error) error
}

// Handler manages procurement endpoints.
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

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapPOView, rbac.CapPRCreate))
		r.Get("/purchase-requests/{id}", h.showPR)
		r.Get("/purchase-orders", h.listPOs)
		r.Get("/purchase-orders/{id}", h.showPO)
		r.Get("/purchase-orders/{id}/grns", h.listGRNs)
		r.Get("/grns/{id}", h.showGRN)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPRCreate))
		r.Post("/purchase-requests", h.createPR)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPRSubmit))
		r.Post("/purchase-requests/{id}/submit", h.submitPR)
		r.Post("/purchase-requests/{id}/cancel", h.cancelPR)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPRConvert))
		r.Post("/purchase-requests/{id}/convert", h.convertPR)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPOCreate))
		r.Post("/purchase-orders", h.createPO)
	})
	r.With(h.rbac.RequireAll(rbac.CapPOSubmit)).Post("/purchase-orders/{id}/submit", h.submitPO)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPOApprove))
		r.Post("/purchase-orders/{id}/approve", h.approvePO)
		r.Post("/purchase-orders/{id}/reject", h.rejectPO)
	})
	r.With(h.rbac.RequireAll(rbac.CapPOCancel)).Post("/purchase-orders/{id}/cancel", h.cancelPO)
	r.With(h.rbac.RequireAll(rbac.CapPODelete)).Delete("/purchase-orders/{id}", h.deletePO)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapGRNCreate))
		r.Post("/grns", h.createGRN)
		r.Post("/grns/{id}/cancel", h.cancelGRN)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapGRNComplete))
		r.Post("/grns/{id}/quality", h.qualityGRN)
		r.Post("/grns/{id}/complete", h.completeGRN)
	})
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type optionalReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type qualityRequest struct {
	Lines []QualityLineInput `json:"lines" validate:"required,min=1,dive"`
}

type approvalResponse struct {
	Order   PurchaseOrder `json:"order"`
	Invoice ap.Invoice    `json:"invoice"`
}

func (h *Handler) createPR(w http.ResponseWriter, r *http.Request) {
	var req CreatePRInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pr, err := h.service.CreatePurchaseRequest(r.Context(), actorOf(r), req)
	if err != nil {
		h.fail(w, "create purchase request", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pr)
}

func (h *Handler) showPR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	pr, err := h.service.GetPurchaseRequest(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) submitPR(w http.ResponseWriter, r *http.Request) {
	h.prTransition(w, r, "submit purchase request", h.service.SubmitPurchaseRequest)
}

func (h *Handler) cancelPR(w http.ResponseWriter, r *http.Request) {
	h.prTransition(w, r, "cancel purchase request", h.service.CancelPurchaseRequest)
}

func (h *Handler) prTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, shared.Actor, int64) (PurchaseRequest, error)) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var pr PurchaseRequest
	err := h.locks.WithLock(r.Context(), prEntity, id, func(ctx context.Context) error {
		var err error
		pr, err = fn(ctx, actorOf(r), id)
		return err
	})
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) convertPR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req ConvertPRInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.PRID = id
	var po PurchaseOrder
	err := h.locks.WithLock(r.Context(), prEntity, id, func(ctx context.Context) error {
		var err error
		po, err = h.service.CreatePOFromPR(ctx, actorOf(r), req)
		return err
	})
	if err != nil {
		h.fail(w, "convert purchase request", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	var req CreatePOInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), actorOf(r), req)
	if err != nil {
		h.fail(w, "create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) listPOs(w http.ResponseWriter, r *http.Request) {
	filter := ListPOFilter{
		Status:     POStatus(r.URL.Query().Get("status")),
		SupplierID: int64(httpx.QueryInt(r, "supplier_id", 0)),
		Limit:      httpx.QueryInt(r, "limit", 50),
		Offset:     httpx.QueryInt(r, "offset", 0),
	}
	orders, err := h.service.ListPurchaseOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, "list purchase orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) showPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	po, err := h.service.GetPurchaseOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) submitPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var po PurchaseOrder
	err := h.locks.WithLock(r.Context(), poEntity, id, func(ctx context.Context) error {
		var err error
		po, err = h.service.SubmitPurchaseOrder(ctx, actorOf(r), id)
		return err
	})
	if err != nil {
		h.fail(w, "submit purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) approvePO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var resp approvalResponse
	err := h.locks.WithLock(r.Context(), poEntity, id, func(ctx context.Context) error {
		var err error
		resp.Order, resp.Invoice, err = h.service.ApprovePurchaseOrder(ctx, actorOf(r), id)
		return err
	})
	if err != nil {
		h.fail(w, "approve purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) rejectPO(w http.ResponseWriter, r *http.Request) {
	h.poWithReason(w, r, "reject purchase order", true, h.service.RejectPurchaseOrder)
}

func (h *Handler) cancelPO(w http.ResponseWriter, r *http.Request) {
	h.poWithReason(w, r, "cancel purchase order", false, h.service.CancelPurchaseOrder)
}

func (h *Handler) poWithReason(w http.ResponseWriter, r *http.Request, op string, required bool, fn func(context.Context, shared.Actor, int64, string) (PurchaseOrder, error)) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var reason string
	if required {
		var req reasonRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		reason = req.Reason
	} else if r.ContentLength > 0 {
		var req optionalReasonRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		reason = req.Reason
	}
	var po PurchaseOrder
	err := h.locks.WithLock(r.Context(), poEntity, id, func(ctx context.Context) error {
		var err error
		po, err = fn(ctx, actorOf(r), id, reason)
		return err
	})
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) deletePO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	err := h.locks.WithLock(r.Context(), poEntity, id, func(ctx context.Context) error {
		return h.service.DeletePurchaseOrder(ctx, actorOf(r), id)
	})
	if err != nil {
		h.fail(w, "delete purchase order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listGRNs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	grns, err := h.service.ListGoodsReceipts(r.Context(), id)
	if err != nil {
		h.fail(w, "list goods receipts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grns)
}

func (h *Handler) showGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	grn, err := h.service.GetGoodsReceipt(r.Context(), id)
	if err != nil {
		h.fail(w, "get goods receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) createGRN(w http.ResponseWriter, r *http.Request) {
	var req CreateGRNInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var grn GoodsReceipt
	err := h.locks.WithLock(r.Context(), poEntity, req.POID, func(ctx context.Context) error {
		var err error
		grn, err = h.service.CreateGoodsReceipt(ctx, actorOf(r), req)
		return err
	})
	if err != nil {
		h.fail(w, "create goods receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grn)
}

func (h *Handler) qualityGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req qualityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var grn GoodsReceipt
	err := h.locks.WithLock(r.Context(), grnEntity, id, func(ctx context.Context) error {
		var err error
		grn, err = h.service.RecordQualityCheck(ctx, actorOf(r), id, req.Lines)
		return err
	})
	if err != nil {
		h.fail(w, "record quality check", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) completeGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var grn GoodsReceipt
	err := h.locks.WithLock(r.Context(), grnEntity, id, func(ctx context.Context) error {
		var err error
		grn, err = h.service.CompleteGoodsReceipt(ctx, actorOf(r), id)
		return err
	})
	if err != nil {
		h.fail(w, "complete goods receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
}

func (h *Handler) cancelGRN(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req optionalReasonRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	var grn GoodsReceipt
	err := h.locks.WithLock(r.Context(), grnEntity, id, func(ctx context.Context) error {
		var err error
		grn, err = h.service.CancelGoodsReceipt(ctx, actorOf(r), id, req.Reason)
		return err
	})
	if err != nil {
		h.fail(w, "cancel goods receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, grn)
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
