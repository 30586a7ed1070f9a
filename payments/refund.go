/*
refund.go - Refund validation and the refund flow

PURPOSE:
  Checks a refund request against the purchase it targets, then drives the
  external payment processor and persists the result. Validation is pure
  and independent of the simulation; it only shares the entry layout so the
  product-grant index is computed, never hard-coded.

VALIDATION (in order, per selected entry):
  1. entry_index is inside the purchase transaction
  2. entry_index is the product-grant entry
  3. quantity is an integer
  4. quantity is not negative
  5. entry_index is not selected twice
  6. quantity does not exceed the purchased quantity
  Then the requested amount (USD) must be >= 0 and <= price x quantity.

FLOW:
  validate -> processor refund -> (subscriptions) processor quantity update
  -> persist refundedAt. Any processor failure returns before storage is
  touched, so a failed refund leaves no partial state.

STATE MACHINE (subscriptions):
  active --partial--> active, reduced quantity at the processor, refundedAt set
  active --full-----> cancel_at_period_end, refundedAt set
  refundedAt set ---> rejected (ErrAlreadyRefunded)

SEE ALSO:
  - purchases.go: LayoutFor
  - store.go: RefundStore
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/metrics"
)

// RefundSelection is one requested refund line.
type RefundSelection struct {
	EntryIndex int             `json:"entry_index"`
	Quantity   decimal.Decimal `json:"quantity"`
	AmountUSD  string          `json:"amount_usd"`
}

// RefundRequest targets one purchase.
type RefundRequest struct {
	Tenancy      generic.TenancyID
	PurchaseType PurchaseType
	PurchaseID   string
	Entries      []RefundSelection
}

// RefundTarget is what the validator needs to know about a purchase.
type RefundTarget struct {
	Layout   PurchaseLayout
	Quantity int64
	Product  Product
	PriceID  *string
}

// RefundTotals are the validated amounts to apply.
type RefundTotals struct {
	Quantity         int64
	AmountMinorUnits int64
}

// ValidateRefund checks selections against a purchase and returns totals.
func ValidateRefund(target RefundTarget, selections []RefundSelection) (RefundTotals, error) {
	if len(selections) == 0 {
		return RefundTotals{}, &generic.ValidationError{Field: "entries", Reason: "at least one entry is required"}
	}

	grantIndex := target.Layout.GrantIndex()
	count := target.Layout.EntryCount()
	seen := make(map[int]bool, len(selections))
	purchased := decimal.NewFromInt(target.Quantity)
	var totals RefundTotals
	var amount int64

	for _, sel := range selections {
		switch {
		case sel.EntryIndex < 0 || sel.EntryIndex >= count:
			return RefundTotals{}, &generic.ValidationError{Field: "entry_index", Reason: fmt.Sprintf("%d is outside the %d entries of the purchase", sel.EntryIndex, count)}
		case sel.EntryIndex != grantIndex:
			return RefundTotals{}, &generic.ValidationError{Field: "entry_index", Reason: fmt.Sprintf("only the product grant entry (%d) can be refunded", grantIndex)}
		case !sel.Quantity.IsInteger():
			return RefundTotals{}, &generic.ValidationError{Field: "quantity", Reason: "must be an integer"}
		case sel.Quantity.IsNegative():
			return RefundTotals{}, &generic.ValidationError{Field: "quantity", Reason: "must not be negative"}
		case seen[sel.EntryIndex]:
			return RefundTotals{}, &generic.ValidationError{Field: "entry_index", Reason: fmt.Sprintf("%d selected more than once", sel.EntryIndex)}
		case sel.Quantity.GreaterThan(purchased):
			return RefundTotals{}, &generic.ValidationError{Field: "quantity", Reason: fmt.Sprintf("%s exceeds purchased quantity %d", sel.Quantity, target.Quantity)}
		}
		seen[sel.EntryIndex] = true
		totals.Quantity += sel.Quantity.IntPart()

		minor, err := generic.ToMinorUnits(sel.AmountUSD, generic.USD)
		if err != nil {
			return RefundTotals{}, err
		}
		if minor < 0 {
			return RefundTotals{}, &generic.ValidationError{Field: "amount_usd", Reason: "must not be negative"}
		}
		amount += minor
	}

	price, ok := target.Product.SelectedPrice(target.PriceID)
	if !ok {
		return RefundTotals{}, &generic.ValidationError{Field: "price", Reason: "purchase has no refundable price"}
	}
	usd, ok := price.Amounts[generic.USD.Code]
	if !ok {
		return RefundTotals{}, &generic.ValidationError{Field: "price", Reason: "refunds require a USD price"}
	}
	unit, err := generic.ToMinorUnits(usd, generic.USD)
	if err != nil {
		return RefundTotals{}, err
	}
	if total := unit * target.Quantity; amount > total {
		return RefundTotals{}, &generic.ValidationError{Field: "amount_usd", Reason: fmt.Sprintf("%d cents exceeds refundable total %d cents", amount, total)}
	}
	totals.AmountMinorUnits = amount
	return totals, nil
}

// =============================================================================
// REFUND SERVICE
// =============================================================================

// Processor is the external payment processor.
type Processor interface {
	Refund(ctx context.Context, paymentID string, amountMinorUnits int64, currency string) error
	UpdateSubscriptionQuantity(ctx context.Context, processorSubscriptionID string, quantity int64, cancelAtPeriodEnd bool) error
}

// RefundService validates refunds and applies them.
type RefundService struct {
	Store     RefundStore
	Processor Processor
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// NewRefundService creates a refund service.
func NewRefundService(store RefundStore, processor Processor, logger zerolog.Logger) *RefundService {
	return &RefundService{Store: store, Processor: processor, Clock: time.Now, Logger: logger}
}

// RefundResult is returned after a successful refund.
type RefundResult struct {
	RefundID string
	RefundTotals
	RemainingQuantity int64
}

// Refund validates the request, calls the processor, then persists.
func (s *RefundService) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var (
		res RefundResult
		err error
	)
	switch req.PurchaseType {
	case PurchaseSubscription:
		res, err = s.refundSubscription(ctx, req)
	case PurchaseOneTimePurchase:
		res, err = s.refundOneTimePurchase(ctx, req)
	default:
		err = &generic.ValidationError{Field: "purchase_type", Reason: fmt.Sprintf("unknown purchase type %q", req.PurchaseType)}
	}

	logger := s.Logger.With().
		Str("tenancy", string(req.Tenancy)).
		Str("purchase_type", string(req.PurchaseType)).
		Str("purchase_id", req.PurchaseID).
		Logger()
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(string(req.PurchaseType), refundOutcome(err)).Inc()
		logger.Warn().Err(err).Msg("refund rejected")
		return RefundResult{}, err
	}
	metrics.RefundsTotal.WithLabelValues(string(req.PurchaseType), "ok").Inc()
	logger.Info().
		Str("refund_id", res.RefundID).
		Int64("quantity", res.Quantity).
		Int64("amount_cents", res.AmountMinorUnits).
		Msg("refund applied")
	return res, nil
}

func (s *RefundService) refundSubscription(ctx context.Context, req RefundRequest) (RefundResult, error) {
	sub, err := s.Store.GetSubscription(ctx, req.Tenancy, req.PurchaseID)
	if err != nil {
		return RefundResult{}, err
	}
	if sub.RefundedAt != nil {
		return RefundResult{}, fmt.Errorf("subscription %s: %w", sub.ID, generic.ErrAlreadyRefunded)
	}

	totals, err := ValidateRefund(RefundTarget{
		Layout:   LayoutFor(PurchaseSubscription, sub.TestMode, sub.Product, sub.PriceID, sub.Quantity),
		Quantity: sub.Quantity,
		Product:  sub.Product,
		PriceID:  sub.PriceID,
	}, req.Entries)
	if err != nil {
		return RefundResult{}, err
	}

	if totals.AmountMinorUnits > 0 {
		invoice, err := s.Store.GetCreationInvoice(ctx, req.Tenancy, sub.ID)
		if err != nil {
			return RefundResult{}, err
		}
		if err := s.Processor.Refund(ctx, invoice.ProcessorPaymentID, totals.AmountMinorUnits, generic.USD.Code); err != nil {
			return RefundResult{}, &ProcessorError{Op: "refund", Err: err}
		}
	}

	remaining := sub.Quantity - totals.Quantity
	cancel := remaining == 0
	if totals.Quantity > 0 {
		if err := s.Processor.UpdateSubscriptionQuantity(ctx, sub.ProcessorSubscriptionID, remaining, cancel); err != nil {
			return RefundResult{}, &ProcessorError{Op: "update subscription", Err: err}
		}
	}

	now := s.Clock()
	record := s.record(PurchaseSubscription, sub.ID, totals, now)
	if err := s.Store.MarkSubscriptionRefunded(ctx, req.Tenancy, sub.ID, now, cancel, record); err != nil {
		return RefundResult{}, fmt.Errorf("persist subscription refund: %w", err)
	}
	return RefundResult{RefundID: record.ID, RefundTotals: totals, RemainingQuantity: remaining}, nil
}

func (s *RefundService) refundOneTimePurchase(ctx context.Context, req RefundRequest) (RefundResult, error) {
	p, err := s.Store.GetOneTimePurchase(ctx, req.Tenancy, req.PurchaseID)
	if err != nil {
		return RefundResult{}, err
	}
	if p.RefundedAt != nil {
		return RefundResult{}, fmt.Errorf("one-time purchase %s: %w", p.ID, generic.ErrAlreadyRefunded)
	}
	if p.TestMode {
		return RefundResult{}, &generic.ValidationError{Field: "purchase", Reason: "test mode purchases are not refundable"}
	}

	totals, err := ValidateRefund(RefundTarget{
		Layout:   LayoutFor(PurchaseOneTimePurchase, p.TestMode, p.Product, p.PriceID, p.Quantity),
		Quantity: p.Quantity,
		Product:  p.Product,
		PriceID:  p.PriceID,
	}, req.Entries)
	if err != nil {
		return RefundResult{}, err
	}

	if totals.AmountMinorUnits > 0 {
		if err := s.Processor.Refund(ctx, p.ProcessorPaymentID, totals.AmountMinorUnits, generic.USD.Code); err != nil {
			return RefundResult{}, &ProcessorError{Op: "refund", Err: err}
		}
	}

	now := s.Clock()
	record := s.record(PurchaseOneTimePurchase, p.ID, totals, now)
	if err := s.Store.MarkOneTimePurchaseRefunded(ctx, req.Tenancy, p.ID, now, record); err != nil {
		return RefundResult{}, fmt.Errorf("persist one-time purchase refund: %w", err)
	}
	return RefundResult{RefundID: record.ID, RefundTotals: totals, RemainingQuantity: p.Quantity - totals.Quantity}, nil
}

func (s *RefundService) record(kind PurchaseType, id string, totals RefundTotals, at time.Time) RefundRecord {
	return RefundRecord{
		ID:               uuid.NewString(),
		PurchaseType:     kind,
		PurchaseID:       id,
		Quantity:         totals.Quantity,
		AmountMinorUnits: totals.AmountMinorUnits,
		Currency:         generic.USD.Code,
		CreatedAt:        at,
	}
}

// ProcessorError wraps a failure of the external processor.
type ProcessorError struct {
	Op  string
	Err error
}

func (e *ProcessorError) Error() string { return fmt.Sprintf("payment processor %s: %v", e.Op, e.Err) }
func (e *ProcessorError) Unwrap() error { return e.Err }

func refundOutcome(err error) string {
	var pe *ProcessorError
	switch {
	case errors.As(err, &pe):
		return "processor_error"
	case generic.IsClientError(err), generic.IsConflict(err), generic.IsNotFound(err):
		return "rejected"
	default:
		return "store_error"
	}
}
