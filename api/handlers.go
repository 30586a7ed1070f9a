/*
handlers.go - HTTP API handlers for the billing ledger

PURPOSE:
  Exposes the ledger via REST. Handles HTTP request/response and JSON
  serialization, and delegates to payments, reconcile and factory.

ENDPOINTS (all under /api/tenancies/{tenancy}):
  Ledger:
    GET  /transactions                 Paginated list, newest first
         ?customer_type&customer_id&type&limit&cursor&direction=next|prev&at
    GET  /customers/{type}/{id}/items/{itemId}?at   Item quantity
    GET  /customers/{type}/{id}/products?at          Owned products

  Refunds:
    POST /refunds                      Validate, call processor, persist

  Reconciliation:
    POST /reconcile                    Collect-all run, returns the report
    GET  /reconcile/runs?limit         Persisted run summaries

ARCHITECTURE:
  Handler holds all dependencies:
  - Backend:  Row storage (memory or sqlite)
  - Service:  Ledger replay and queries
  - Refunds:  Refund service bound to a payment processor
  - Runs:     Run history, nil when the backend does not keep one

ERROR HANDLING:
  Errors are returned as JSON via statusFor:
  - 400: Validation errors, bad cursors, unknown entry types
  - 404: Purchase, product or scenario not found
  - 409: Already refunded
  - 502: Payment processor failure
  - 500: Integrity and storage errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/billing-ledger/factory"
	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/reconcile"
)

const timestampLayout = time.RFC3339

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage a Handler needs.
type Backend interface {
	payments.Store
	payments.Writer
	payments.RefundStore
}

// Options tunes a Handler.
type Options struct {
	ListCacheSize int
	Tolerance     int64
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend  Backend
	Service  *payments.Service
	Refunds  *payments.RefundService
	Runs     reconcile.RunRecorder
	Products *factory.ProductFactory
	Logger   zerolog.Logger

	tolerance int64
}

// NewHandler wires a handler over backend. Run history is enabled when the
// backend implements reconcile.RunRecorder.
func NewHandler(backend Backend, processor payments.Processor, logger zerolog.Logger, opts Options) *Handler {
	service := payments.NewService(backend, logger)
	if opts.ListCacheSize > 0 {
		service.ListCacheSize = opts.ListCacheSize
	}
	h := &Handler{
		Backend:   backend,
		Service:   service,
		Refunds:   payments.NewRefundService(backend, processor, logger),
		Products:  factory.NewProductFactory(),
		Logger:    logger,
		tolerance: opts.Tolerance,
	}
	if runs, ok := backend.(reconcile.RunRecorder); ok {
		h.Runs = runs
	}
	return h
}

// Verifier returns a collect-all verifier over the handler's backend.
func (h *Handler) Verifier(tolerance int64) *reconcile.Verifier {
	return reconcile.NewVerifier(h.Backend, h.Service, h.Logger, reconcile.Options{
		Mode:      reconcile.CollectAll,
		Tolerance: tolerance,
	})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListTransactions returns one page of the tenancy's ledger.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenancy := tenancyParam(r)
	q := r.URL.Query()

	at, err := h.atParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeFailure(w, err)
		return
	}
	filter := payments.ListFilter{
		CustomerType: generic.CustomerType(q.Get("customer_type")),
		CustomerID:   q.Get("customer_id"),
		Type:         payments.TransactionType(q.Get("type")),
	}
	if filter.CustomerType != "" && !filter.CustomerType.Valid() {
		writeFailure(w, &generic.ValidationError{Field: "customer_type", Reason: fmt.Sprintf("unknown customer type %q", filter.CustomerType)})
		return
	}

	list := h.Service.NewListAt(tenancy, at)
	query := payments.PageQuery{Filter: filter, Limit: limit, Cursor: q.Get("cursor")}

	var page payments.Page
	switch q.Get("direction") {
	case "", "next":
		page, err = list.Next(r.Context(), query)
	case "prev":
		page, err = list.Prev(r.Context(), query)
	default:
		err = &generic.ValidationError{Field: "direction", Reason: "must be next or prev"}
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	// adjusted_by is derived over the whole filtered result so a page sees
	// references from transactions on other pages. The list memoizes the
	// replay, so All does not rebuild.
	all, err := list.All(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	linked := make(map[string]payments.Transaction, len(all))
	for _, tx := range payments.LinkAdjustments(all) {
		linked[tx.ID] = tx
	}
	items := make([]payments.Transaction, len(page.Items))
	for i, tx := range page.Items {
		items[i] = linked[tx.ID]
	}

	writeJSON(w, http.StatusOK, TransactionPageResponse{
		Transactions: items,
		IsFirst:      page.IsFirst,
		IsLast:       page.IsLast,
		NextCursor:   page.Cursor,
		PrevCursor:   page.PrevCursor,
		AtMillis:     at,
	})
}

// GetItemBalance returns a customer's quantity of one item.
func (h *Handler) GetItemBalance(w http.ResponseWriter, r *http.Request) {
	customer, err := customerParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	at, err := h.atParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	itemID := chi.URLParam(r, "itemId")

	qty, err := h.Service.ItemBalance(r.Context(), tenancyParam(r), itemID, customer, at)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemBalanceDTO{Customer: customer, ItemID: itemID, Quantity: qty, AtMillis: at})
}

// GetOwnedProducts returns the products a customer holds.
func (h *Handler) GetOwnedProducts(w http.ResponseWriter, r *http.Request) {
	customer, err := customerParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	at, err := h.atParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	products, err := h.Service.OwnedProducts(r.Context(), tenancyParam(r), customer, at)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OwnedProductsResponse{Customer: customer, Products: toOwnedProductDTOs(products), AtMillis: at})
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// CreateRefund refunds part or all of a purchase.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PurchaseID == "" {
		writeFailure(w, &generic.ValidationError{Field: "purchase_id", Reason: "required"})
		return
	}

	res, err := h.Refunds.Refund(r.Context(), payments.RefundRequest{
		Tenancy:      tenancyParam(r),
		PurchaseType: payments.PurchaseType(req.PurchaseType),
		PurchaseID:   req.PurchaseID,
		Entries:      req.Entries,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RefundDTO{
		RefundID:          res.RefundID,
		Quantity:          res.Quantity,
		AmountUSD:         generic.FromMinorUnits(res.AmountMinorUnits, generic.USD),
		RemainingQuantity: res.RemainingQuantity,
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// TriggerReconcile runs a collect-all verification synchronously.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := decodeStrict(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at := h.Service.Now()
	if req.AtMillis != nil {
		at = *req.AtMillis
	}
	tolerance := h.tolerance
	if req.Tolerance != nil {
		if *req.Tolerance < 0 {
			writeFailure(w, &generic.ValidationError{Field: "tolerance", Reason: "must not be negative"})
			return
		}
		tolerance = *req.Tolerance
	}

	run := h.Verifier(tolerance).NewRun(tenancyParam(r), at)
	report, err := run.Execute(r.Context())
	h.recordRun(r, run, report, err)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListReconcileRuns returns recent run summaries, newest first.
func (h *Handler) ListReconcileRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeError(w, http.StatusNotFound, "Run history is not kept by this store", nil)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		writeFailure(w, err)
		return
	}
	if limit == 0 {
		limit = 50
	}
	runs, err := h.Runs.ListReconcileRuns(r.Context(), tenancyParam(r), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	dtos := make([]ReconcileRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toReconcileRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) recordRun(r *http.Request, run *reconcile.Run, report *reconcile.Report, runErr error) {
	if h.Runs == nil {
		return
	}
	if err := h.Runs.SaveReconcileRun(r.Context(), run.Record(report, runErr)); err != nil {
		h.Logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to save reconcile run")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func tenancyParam(r *http.Request) generic.TenancyID {
	return generic.TenancyID(chi.URLParam(r, "tenancy"))
}

func customerParam(r *http.Request) (generic.Customer, error) {
	c := generic.Customer{
		Type: generic.CustomerType(chi.URLParam(r, "customerType")),
		ID:   chi.URLParam(r, "customerId"),
	}
	if !c.Type.Valid() {
		return generic.Customer{}, &generic.ValidationError{Field: "customer_type", Reason: fmt.Sprintf("unknown customer type %q", c.Type)}
	}
	return c, nil
}

// atParam reads ?at=<millis>, defaulting to the service clock.
func (h *Handler) atParam(r *http.Request) (generic.Millis, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return h.Service.Now(), nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &generic.ValidationError{Field: "at", Reason: "must be non-negative epoch milliseconds"}
	}
	return generic.Millis(n), nil
}

func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &generic.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return n, nil
}

func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	var verr *generic.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, status, resp)
}

// writeFailure maps a domain error to its status.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeError(w, status, http.StatusText(status), err)
}

func statusFor(err error) int {
	var pe *payments.ProcessorError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
