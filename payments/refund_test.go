package payments_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/store/memory"
)

// =============================================================================
// VALIDATOR
// =============================================================================

func seatsTarget() payments.RefundTarget {
	product := seatsProduct(payments.ExpiresNever, nil)
	return payments.RefundTarget{
		Layout:   payments.LayoutFor(payments.PurchaseSubscription, false, product, ptr("monthly"), 2),
		Quantity: 2,
		Product:  product,
		PriceID:  ptr("monthly"),
	}
}

func sel(index int, quantity, amount string) payments.RefundSelection {
	return payments.RefundSelection{EntryIndex: index, Quantity: decimal.RequireFromString(quantity), AmountUSD: amount}
}

func TestValidateRefund_Accepts(t *testing.T) {
	target := seatsTarget()
	require.Equal(t, 2, target.Layout.GrantIndex())

	totals, err := payments.ValidateRefund(target, []payments.RefundSelection{sel(2, "1", "10")})
	require.NoError(t, err)
	assert.Equal(t, payments.RefundTotals{Quantity: 1, AmountMinorUnits: 1000}, totals)

	totals, err = payments.ValidateRefund(target, []payments.RefundSelection{sel(2, "2", "20")})
	require.NoError(t, err)
	assert.Equal(t, payments.RefundTotals{Quantity: 2, AmountMinorUnits: 2000}, totals)

	totals, err = payments.ValidateRefund(target, []payments.RefundSelection{sel(2, "0", "0.01")})
	require.NoError(t, err)
	assert.Equal(t, payments.RefundTotals{Quantity: 0, AmountMinorUnits: 1}, totals)
}

func TestValidateRefund_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		selections []payments.RefundSelection
		field      string
	}{
		{"no entries", nil, "entries"},
		{"index out of range", []payments.RefundSelection{sel(4, "1", "10")}, "entry_index"},
		{"negative index", []payments.RefundSelection{sel(-1, "1", "10")}, "entry_index"},
		{"not the grant entry", []payments.RefundSelection{sel(1, "1", "10")}, "entry_index"},
		{"fractional quantity", []payments.RefundSelection{sel(2, "1.5", "10")}, "quantity"},
		{"negative quantity", []payments.RefundSelection{sel(2, "-1", "10")}, "quantity"},
		{"duplicate index", []payments.RefundSelection{sel(2, "1", "5"), sel(2, "1", "5")}, "entry_index"},
		{"over quantity", []payments.RefundSelection{sel(2, "3", "10")}, "quantity"},
		{"negative amount", []payments.RefundSelection{sel(2, "1", "-1")}, "amount_usd"},
		{"over amount", []payments.RefundSelection{sel(2, "1", "20.01")}, "amount_usd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payments.ValidateRefund(seatsTarget(), tt.selections)
			require.ErrorIs(t, err, generic.ErrValidation)
			var ve *generic.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateRefund_MalformedAmount(t *testing.T) {
	_, err := payments.ValidateRefund(seatsTarget(), []payments.RefundSelection{sel(2, "1", "1.005")})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestValidateRefund_RequiresUSDPrice(t *testing.T) {
	target := seatsTarget()
	target.Product.Prices.ByID = map[string]payments.Price{"monthly": {Amounts: map[string]string{"EUR": "9"}}}

	_, err := payments.ValidateRefund(target, []payments.RefundSelection{sel(2, "1", "0")})
	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "price", ve.Field)

	target.PriceID = nil
	_, err = payments.ValidateRefund(target, []payments.RefundSelection{sel(2, "1", "0")})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// REFUND SERVICE
// =============================================================================

type processorCall struct {
	Op       string
	ID       string
	Amount   int64
	Quantity int64
	Cancel   bool
}

type fakeProcessor struct {
	calls     []processorCall
	refundErr error
}

func (p *fakeProcessor) Refund(_ context.Context, paymentID string, amount int64, currency string) error {
	p.calls = append(p.calls, processorCall{Op: "refund:" + currency, ID: paymentID, Amount: amount})
	return p.refundErr
}

func (p *fakeProcessor) UpdateSubscriptionQuantity(_ context.Context, id string, quantity int64, cancel bool) error {
	p.calls = append(p.calls, processorCall{Op: "update", ID: id, Quantity: quantity, Cancel: cancel})
	return nil
}

var refundClock = day(2025, time.January, 20)

func newRefundService(store *memory.Store, processor payments.Processor) *payments.RefundService {
	svc := payments.NewRefundService(store, processor, zerolog.Nop())
	svc.Clock = func() time.Time { return refundClock }
	return svc
}

func subscriptionRefund(id string, selections ...payments.RefundSelection) payments.RefundRequest {
	return payments.RefundRequest{Tenancy: tenancy, PurchaseType: payments.PurchaseSubscription, PurchaseID: id, Entries: selections}
}

func TestRefundService_PartialSubscriptionRefund(t *testing.T) {
	// GIVEN: Subscription of 2
	// WHEN: Refunding 1 unit for $10
	// THEN: Processor refunds 1000 cents, quantity drops to 1, refundedAt set

	store := newStore(t)
	ctx := context.Background()
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	processor := &fakeProcessor{}

	res, err := newRefundService(store, processor).Refund(ctx, subscriptionRefund("sub-1", sel(2, "1", "10")))
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Quantity)
	assert.Equal(t, int64(1000), res.AmountMinorUnits)
	assert.Equal(t, int64(1), res.RemainingQuantity)
	assert.NotEmpty(t, res.RefundID)
	assert.Equal(t, []processorCall{
		{Op: "refund:USD", ID: "pay-sub-1", Amount: 1000},
		{Op: "update", ID: "proc-sub-1", Quantity: 1},
	}, processor.calls)

	row, err := store.GetSubscription(ctx, tenancy, "sub-1")
	require.NoError(t, err)
	require.NotNil(t, row.RefundedAt)
	assert.True(t, row.RefundedAt.Equal(refundClock))
	assert.False(t, row.CancelAtPeriodEnd)

	records, err := store.Refunds(ctx, tenancy)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.RefundID, records[0].ID)
	assert.Equal(t, "USD", records[0].Currency)
}

func TestRefundService_SecondRefundRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	processor := &fakeProcessor{}
	svc := newRefundService(store, processor)

	_, err := svc.Refund(ctx, subscriptionRefund("sub-1", sel(2, "1", "10")))
	require.NoError(t, err)
	calls := len(processor.calls)

	_, err = svc.Refund(ctx, subscriptionRefund("sub-1", sel(2, "1", "10")))
	assert.ErrorIs(t, err, generic.ErrAlreadyRefunded)
	assert.True(t, generic.IsConflict(err))
	assert.Len(t, processor.calls, calls, "processor not called again")
}

func TestRefundService_FullSubscriptionRefund_CancelsAtPeriodEnd(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	processor := &fakeProcessor{}

	res, err := newRefundService(store, processor).Refund(ctx, subscriptionRefund("sub-1", sel(2, "2", "20")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RemainingQuantity)
	assert.Equal(t, processorCall{Op: "update", ID: "proc-sub-1", Quantity: 0, Cancel: true}, processor.calls[1])

	row, err := store.GetSubscription(ctx, tenancy, "sub-1")
	require.NoError(t, err)
	assert.True(t, row.CancelAtPeriodEnd)

	// The ledger now shows the refund and the cancel.
	txs := replay(t, store, generic.FromTime(refundClock.Add(time.Hour)))
	assert.Contains(t, byID(txs), "sub-1:refund")
	assert.Contains(t, byID(txs), "sub-1:cancel")
}

func TestRefundService_ZeroAmount_SkipsProcessorRefund(t *testing.T) {
	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	processor := &fakeProcessor{}

	_, err := newRefundService(store, processor).Refund(context.Background(), subscriptionRefund("sub-1", sel(2, "1", "0")))
	require.NoError(t, err)
	assert.Equal(t, []processorCall{{Op: "update", ID: "proc-sub-1", Quantity: 1}}, processor.calls)
}

func TestRefundService_ProcessorFailure_LeavesStorageUntouched(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	boom := errors.New("card network down")
	processor := &fakeProcessor{refundErr: boom}

	_, err := newRefundService(store, processor).Refund(ctx, subscriptionRefund("sub-1", sel(2, "1", "10")))
	require.ErrorIs(t, err, boom)
	var pe *payments.ProcessorError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "refund", pe.Op)

	row, err := store.GetSubscription(ctx, tenancy, "sub-1")
	require.NoError(t, err)
	assert.Nil(t, row.RefundedAt)
	records, err := store.Refunds(ctx, tenancy)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Len(t, processor.calls, 1, "no quantity update after a failed refund")
}

func TestRefundService_ValidationFailure_NoProcessorCall(t *testing.T) {
	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	processor := &fakeProcessor{}

	_, err := newRefundService(store, processor).Refund(context.Background(), subscriptionRefund("sub-1", sel(2, "3", "10")))
	assert.True(t, generic.IsClientError(err))
	assert.Empty(t, processor.calls)
}

func TestRefundService_OneTimePurchase(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	row := payments.OneTimePurchaseRow{
		ID: "otp-1", Customer: bob, ProductID: ptr("credits"), PriceID: ptr("once"),
		Product: creditsProduct(payments.ExpiresWhenPurchaseExpires), Quantity: 2,
		ProcessorPaymentID: "pay-otp-1", CreatedAt: day(2025, time.January, 2),
	}
	require.NoError(t, store.SaveOneTimePurchase(ctx, tenancy, row))
	processor := &fakeProcessor{}

	// Layout: money-transfer, product-grant, item-quantity-change.
	res, err := newRefundService(store, processor).Refund(ctx, payments.RefundRequest{
		Tenancy: tenancy, PurchaseType: payments.PurchaseOneTimePurchase, PurchaseID: "otp-1",
		Entries: []payments.RefundSelection{sel(1, "2", "10")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.AmountMinorUnits)
	assert.Equal(t, []processorCall{{Op: "refund:USD", ID: "pay-otp-1", Amount: 1000}}, processor.calls)

	txs := replay(t, store, generic.FromTime(refundClock.Add(time.Hour)))
	assert.Contains(t, byID(txs), "otp-1:refund")
	assert.Equal(t, int64(0), balance(t, txs, "credits", bob, generic.FromTime(refundClock.Add(time.Hour))))
}

func TestRefundService_Rejections(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveOneTimePurchase(ctx, tenancy, payments.OneTimePurchaseRow{
		ID: "otp-test", Customer: bob, ProductID: ptr("credits"), PriceID: ptr("once"),
		Product: creditsProduct(payments.ExpiresNever), Quantity: 1, TestMode: true, CreatedAt: day(2025, time.January, 2),
	}))
	svc := newRefundService(store, &fakeProcessor{})

	_, err := svc.Refund(ctx, subscriptionRefund("sub-missing", sel(2, "1", "1")))
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = svc.Refund(ctx, payments.RefundRequest{
		Tenancy: tenancy, PurchaseType: payments.PurchaseOneTimePurchase, PurchaseID: "otp-test",
		Entries: []payments.RefundSelection{sel(0, "1", "1")},
	})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = svc.Refund(ctx, payments.RefundRequest{Tenancy: tenancy, PurchaseType: "gift-card", PurchaseID: "x"})
	assert.ErrorIs(t, err, generic.ErrValidation)
}
