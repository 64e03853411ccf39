package ap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/temple-erp/temple-erp/internal/platform/httpx"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// LockPort serialises requests against one aggregate.
type LockPort interface {
	WithLock(ctx context.Context, kind string, id int64, fn func(context.Context) error) error
}

// Handler manages payables endpoints.
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

// MountRoutes registers payables routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapInvoiceView))
		r.Get("/invoices", h.listInvoices)
		r.Get("/invoices/aging", h.aging)
		r.Get("/invoices/aging.xlsx", h.agingExport)
		r.Get("/invoices/{id}", h.showInvoice)
		r.Get("/invoices/{id}/payments", h.listPayments)
		r.Get("/payments/{id}", h.showPayment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapInvoiceCreate))
		r.Post("/invoices", h.createInvoice)
		r.Post("/invoices/{id}/post", h.postInvoice)
		r.Post("/invoices/{id}/cancel", h.cancelInvoice)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapInvoiceMigrate))
		r.Post("/invoices/{id}/migrate", h.migrate)
		r.Post("/invoices/migrations/retry", h.retryMigrations)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPaymentRecord))
		r.Post("/invoices/{id}/payments", h.recordPayment)
		r.Post("/payments/{id}/cancel", h.cancelPayment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.CapPaymentApprove))
		r.Post("/payments/{id}/approve", h.approvePayment)
	})
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type approvalRequest struct {
	Approve *bool  `json:"approve" validate:"required"`
	Notes   string `json:"notes" validate:"max=500"`
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListInvoicesFilter{
		Status: InvoiceStatus(q.Get("status")),
		Limit:  httpx.QueryInt(r, "limit", 50),
		Offset: httpx.QueryInt(r, "offset", 0),
	}
	filter.SupplierID = int64(httpx.QueryInt(r, "supplier_id", 0))
	invoices, err := h.service.ListInvoices(r.Context(), filter)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) showInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(r.Context(), id)
	if err != nil {
		h.fail(w, "list payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payments)
}

func (h *Handler) showPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.fail(w, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}
	bucket, err := h.service.CalculateAging(r.Context(), asOf)
	if err != nil {
		h.fail(w, "aging", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bucket)
}

func (h *Handler) agingExport(w http.ResponseWriter, r *http.Request) {
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	bucket, lines, err := h.service.AgingDetail(r.Context(), asOf)
	if err != nil {
		h.fail(w, "aging export", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=ap-aging-%s.xlsx", asOf.Format("20060102")))
	if err := WriteAgingWorkbook(w, asOf, bucket, lines); err != nil {
		h.logger.Error("aging export", slog.Any("error", err))
	}
}

func asOfParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "as_of must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return parsed, true
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), actorOf(r), req)
	if err != nil {
		h.fail(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) postInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var inv Invoice
	err := h.locks.WithLock(r.Context(), invoiceEntity, id, func(ctx context.Context) error {
		var err error
		inv, err = h.service.PostInvoice(ctx, actorOf(r), id)
		return err
	})
	if err != nil {
		h.fail(w, "post invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var inv Invoice
	err := h.locks.WithLock(r.Context(), invoiceEntity, id, func(ctx context.Context) error {
		var err error
		inv, err = h.service.CancelInvoice(ctx, actorOf(r), id, req.Reason)
		return err
	})
	if err != nil {
		h.fail(w, "cancel invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) migrate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	inv, err := h.service.MigrateToAccounting(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, "migrate invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) retryMigrations(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.RetryFailedMigrations(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, "retry migrations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req PaymentInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.InvoiceID = id
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	var p Payment
	err := h.locks.WithLock(r.Context(), invoiceEntity, id, func(ctx context.Context) error {
		var err error
		p, err = h.service.RecordPayment(ctx, actorOf(r), req)
		return err
	})
	if err != nil {
		h.fail(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) approvePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var p Payment
	err := h.locks.WithLock(r.Context(), paymentEntity, id, func(ctx context.Context) error {
		var err error
		p, err = h.service.ApprovePayment(ctx, actorOf(r), id, *req.Approve, req.Notes)
		return err
	})
	if err != nil {
		h.fail(w, "approve payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var p Payment
	err := h.locks.WithLock(r.Context(), paymentEntity, id, func(ctx context.Context) error {
		var err error
		p, err = h.service.CancelPayment(ctx, actorOf(r), id, req.Reason)
		return err
	})
	if err != nil {
		h.fail(w, "cancel payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
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
