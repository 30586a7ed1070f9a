/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract. Transactions are emitted through
  payments.Transaction's own codec so the wire form matches stored entries;
  everything else is flattened here.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Wrappers around lists and pages

SEE ALSO:
  - handlers.go: Uses these types
  - payments/transaction.go: Transaction codec
*/
package api

import (
	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/reconcile"
)

// =============================================================================
// LEDGER
// =============================================================================

// TransactionPageResponse is one page of the transaction list.
type TransactionPageResponse struct {
	Transactions []payments.Transaction `json:"transactions"`
	IsFirst      bool                   `json:"is_first"`
	IsLast       bool                   `json:"is_last"`
	NextCursor   string                 `json:"next_cursor,omitempty"`
	PrevCursor   string                 `json:"prev_cursor,omitempty"`
	AtMillis     generic.Millis         `json:"at_millis"`
}

// ItemBalanceDTO is a customer's quantity of one item at an instant.
type ItemBalanceDTO struct {
	Customer generic.Customer `json:"customer"`
	ItemID   string           `json:"item_id"`
	Quantity int64            `json:"quantity"`
	AtMillis generic.Millis   `json:"at_millis"`
}

// OwnedProductDTO is one owned product.
type OwnedProductDTO struct {
	ProductID string           `json:"product_id"`
	Type      string           `json:"type"`
	Quantity  int64            `json:"quantity"`
	SourceID  string           `json:"source_id"`
	Product   payments.Product `json:"product"`
}

// OwnedProductsResponse lists a customer's products.
type OwnedProductsResponse struct {
	Customer generic.Customer  `json:"customer"`
	Products []OwnedProductDTO `json:"products"`
	AtMillis generic.Millis    `json:"at_millis"`
}

func toOwnedProductDTOs(products []payments.OwnedProduct) []OwnedProductDTO {
	out := make([]OwnedProductDTO, len(products))
	for i, p := range products {
		out[i] = OwnedProductDTO{
			ProductID: p.ProductID,
			Type:      string(p.Type),
			Quantity:  p.Quantity,
			SourceID:  p.SourceID,
			Product:   p.Product,
		}
	}
	return out
}

// =============================================================================
// REFUNDS
// =============================================================================

// CreateRefundRequest is the body of POST /refunds.
type CreateRefundRequest struct {
	PurchaseType string                     `json:"purchase_type"`
	PurchaseID   string                     `json:"purchase_id"`
	Entries      []payments.RefundSelection `json:"entries"`
}

// RefundDTO is the outcome of an applied refund.
type RefundDTO struct {
	RefundID          string `json:"refund_id"`
	Quantity          int64  `json:"quantity"`
	AmountUSD         string `json:"amount_usd"`
	RemainingQuantity int64  `json:"remaining_quantity"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileRequest is the optional body of POST /reconcile.
type ReconcileRequest struct {
	AtMillis  *generic.Millis `json:"at_millis,omitempty"`
	Tolerance *int64          `json:"tolerance,omitempty"`
}

// ReconcileRunDTO is a persisted run summary.
type ReconcileRunDTO struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Customers   int    `json:"customers"`
	Findings    int    `json:"findings"`
	Mismatches  int    `json:"mismatches"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

func toReconcileRunDTO(r reconcile.RunRecord) ReconcileRunDTO {
	return ReconcileRunDTO{
		ID:          r.ID,
		Mode:        string(r.Mode),
		Status:      r.Status,
		Customers:   r.Customers,
		Findings:    r.Findings,
		Mismatches:  r.Mismatches,
		Error:       r.Error,
		StartedAt:   r.StartedAt.UTC().Format(timestampLayout),
		CompletedAt: r.CompletedAt.UTC().Format(timestampLayout),
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	Tenancy    string `json:"tenancy"`
}

// LoadScenarioResponse reports what a scenario wrote.
type LoadScenarioResponse struct {
	ScenarioID string             `json:"scenario_id"`
	Tenancy    string             `json:"tenancy"`
	Customers  []generic.Customer `json:"customers"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}
