package payments_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
)

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestSimulate_SeatsSubscription_NoRepeat(t *testing.T) {
	// GIVEN: Monthly subscription of 2 for a product with 4 seats each
	// WHEN: Replayed mid-March
	// THEN: One start transaction and 8 seats

	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))

	now := generic.Date(2025, time.March, 15)
	txs := replay(t, store, now)

	require.Len(t, txs, 1)
	start := txs[0]
	assert.Equal(t, "sub-1", start.ID)
	assert.Equal(t, payments.TxSubscriptionStart, start.Type)
	assert.Equal(t, []payments.EntryType{
		payments.EntryActiveSubscriptionStart,
		payments.EntryMoneyTransfer,
		payments.EntryProductGrant,
		payments.EntryItemQuantityChange,
	}, entryTypes(start))
	assert.Empty(t, start.AdjustedBy)

	transfer := start.Entries[1].(payments.MoneyTransfer)
	assert.Equal(t, map[string]string{"USD": "20", "EUR": "19"}, transfer.ChargedAmount)
	assert.Equal(t, map[string]string{"USD": "20"}, transfer.NetAmount)

	grant := start.Entries[2].(payments.ProductGrant)
	assert.Equal(t, int64(2), grant.Quantity)
	assert.Equal(t, map[string]int{"seats": 3}, grant.ItemQuantityChangeIndices)
	require.NotNil(t, grant.SubscriptionID)
	assert.Equal(t, "sub-1", *grant.SubscriptionID)
	assert.Nil(t, grant.OneTimePurchaseID)

	assert.Equal(t, int64(8), balance(t, txs, "seats", alice, now))
	assert.Equal(t, int64(0), balance(t, txs, "seats", bob, now))
}

func TestSimulate_SeatsSubscription_MonthlyRepeat_NeverExpires(t *testing.T) {
	// GIVEN: 4 seats per unit repeating monthly, never expiring
	// WHEN: Replayed mid-March
	// THEN: Grants on Jan 1, Feb 1 and Mar 1 accumulate to 24

	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, &monthly)))

	now := generic.Date(2025, time.March, 15)
	txs := replay(t, store, now)

	renewals := ofType(txs, payments.TxItemGrantRenewal)
	require.Len(t, renewals, 2)
	// Newest first.
	assert.Equal(t, fmt.Sprintf("sub-1:repeat:%d:1-month", generic.Date(2025, time.March, 1)), renewals[0].ID)
	assert.Equal(t, fmt.Sprintf("sub-1:repeat:%d:1-month", generic.Date(2025, time.February, 1)), renewals[1].ID)
	assert.Equal(t, "sub-1", renewals[0].Details["source_transaction_id"])
	for _, r := range renewals {
		assert.Equal(t, []payments.EntryType{payments.EntryItemQuantityChange}, entryTypes(r))
	}

	assert.Equal(t, int64(24), balance(t, txs, "seats", alice, now))
	assert.Equal(t, int64(16), balance(t, txs, "seats", alice, generic.Date(2025, time.February, 20)))
}

func TestSimulate_SeatsSubscription_MonthlyRepeat_ExpiresWhenRepeated(t *testing.T) {
	// GIVEN: 4 seats per unit repeating monthly, expiring on each repeat
	// WHEN: Replayed mid-March
	// THEN: Each renewal expires the previous grant, balance stays 8

	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresWhenRepeated, &monthly)))

	now := generic.Date(2025, time.March, 15)
	txs := replay(t, store, now)

	renewals := ofType(txs, payments.TxItemGrantRenewal)
	require.Len(t, renewals, 2)
	feb, mar := renewals[1], renewals[0]
	assert.Equal(t, []payments.EntryType{payments.EntryItemQuantityExpire, payments.EntryItemQuantityChange}, entryTypes(feb))

	ref, ok := feb.Entries[0].Adjusts()
	require.True(t, ok)
	assert.Equal(t, payments.Ref{TransactionID: "sub-1", EntryIndex: 3}, ref)

	ref, ok = mar.Entries[0].Adjusts()
	require.True(t, ok)
	assert.Equal(t, payments.Ref{TransactionID: feb.ID, EntryIndex: 1}, ref)

	assert.Equal(t, int64(8), balance(t, txs, "seats", alice, now))
	assert.Equal(t, int64(8), balance(t, txs, "seats", alice, generic.Date(2025, time.February, 1)))
}

func TestSimulate_Renewal_ReBillsWithoutGranting(t *testing.T) {
	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil)))
	require.NoError(t, store.SaveSubscriptionInvoice(context.Background(), tenancy, payments.SubscriptionInvoiceRow{
		ID:             "inv-feb",
		SubscriptionID: "sub-1",
		CreatedAt:      day(2025, time.February, 1),
	}))

	now := generic.Date(2025, time.March, 15)
	txs := replay(t, store, now)

	renewal, ok := byID(txs)["inv-feb"]
	require.True(t, ok, "renewal transaction is keyed by invoice id")
	assert.Equal(t, payments.TxSubscriptionRenewal, renewal.Type)
	assert.Equal(t, []payments.EntryType{payments.EntryMoneyTransfer}, entryTypes(renewal))
	assert.NotContains(t, byID(txs), "sub-1-inv-0", "creation invoice is folded into the start")
	assert.Equal(t, int64(8), balance(t, txs, "seats", alice, now))
}

func TestSimulate_SubscriptionEnd_ExpiresPurchaseBoundItems(t *testing.T) {
	// GIVEN: Seats repeating monthly that expire with the purchase
	// WHEN: The subscription ends on Feb 15
	// THEN: Both grant slices expire, renewals stop

	store := newStore(t)
	row := seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresWhenPurchaseExpires, &monthly))
	row.EndedAt = ptr(day(2025, time.February, 15))
	saveSubscription(t, store, row)

	now := generic.Date(2025, time.March, 15)
	txs := replay(t, store, now)

	ids := byID(txs)
	end, ok := ids["sub-1:end"]
	require.True(t, ok)
	assert.Equal(t, payments.TxSubscriptionEnd, end.Type)
	assert.Equal(t, []payments.EntryType{
		payments.EntryActiveSubscriptionStop,
		payments.EntryProductRevocation,
		payments.EntryItemQuantityExpire,
		payments.EntryItemQuantityExpire,
	}, entryTypes(end))

	revoked, _ := end.Entries[1].Adjusts()
	assert.Equal(t, payments.Ref{TransactionID: "sub-1", EntryIndex: 2}, revoked)

	assert.Len(t, ofType(txs, payments.TxItemGrantRenewal), 1, "no renewal after the end")
	assert.Equal(t, int64(16), balance(t, txs, "seats", alice, generic.Date(2025, time.February, 10)))
	assert.Equal(t, int64(0), balance(t, txs, "seats", alice, now))
	assert.Empty(t, payments.OwnedProducts(txs, alice))
}

func TestSimulate_SubscriptionCancel_KeepsOwnership(t *testing.T) {
	store := newStore(t)
	row := seatsSubscription("sub-1", 1, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil))
	row.CancelAtPeriodEnd = true
	row.UpdatedAt = day(2025, time.January, 10)
	saveSubscription(t, store, row)

	now := generic.Date(2025, time.January, 20)
	txs := replay(t, store, now)

	cancel, ok := byID(txs)["sub-1:cancel"]
	require.True(t, ok)
	assert.Equal(t, generic.Date(2025, time.January, 10), cancel.EffectiveAt)
	require.Len(t, cancel.Entries, 1)
	change := cancel.Entries[0].(payments.ActiveSubscriptionChange)
	assert.Equal(t, payments.ChangeCancel, change.ChangeType)

	owned := payments.OwnedProducts(txs, alice)
	require.Len(t, owned, 1)
	assert.Equal(t, "team", owned[0].ProductID)
	assert.Equal(t, int64(4), balance(t, txs, "seats", alice, now))
}

func TestSimulate_SubscriptionRefund_NegatesChargeAndRevokes(t *testing.T) {
	store := newStore(t)
	row := seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresWhenPurchaseExpires, nil))
	row.RefundedAt = ptr(day(2025, time.January, 5))
	saveSubscription(t, store, row)

	now := generic.Date(2025, time.January, 20)
	txs := replay(t, store, now)

	refund, ok := byID(txs)["sub-1:refund"]
	require.True(t, ok)
	assert.Equal(t, payments.TxPurchaseRefund, refund.Type)
	assert.Equal(t, []payments.EntryType{
		payments.EntryMoneyTransfer,
		payments.EntryProductRevocation,
		payments.EntryItemQuantityExpire,
		payments.EntryActiveSubscriptionStop,
	}, entryTypes(refund))

	transfer := refund.Entries[0].(payments.MoneyTransfer)
	assert.Equal(t, map[string]string{"USD": "-20", "EUR": "-19"}, transfer.ChargedAmount)
	assert.Equal(t, map[string]string{"USD": "-20"}, transfer.NetAmount)

	assert.Equal(t, int64(0), balance(t, txs, "seats", alice, now))
	assert.Empty(t, payments.OwnedProducts(txs, alice))
}

// =============================================================================
// ONE-TIME PURCHASES
// =============================================================================

func TestSimulate_OneTimePurchase_TestModeSkipsMoney(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveOneTimePurchase(context.Background(), tenancy, payments.OneTimePurchaseRow{
		ID:        "otp-1",
		Customer:  bob,
		ProductID: ptr("credits"),
		PriceID:   ptr("once"),
		Product:   creditsProduct(payments.ExpiresNever),
		Quantity:  3,
		TestMode:  true,
		CreatedAt: day(2025, time.January, 2),
	}))

	now := generic.Date(2025, time.January, 3)
	txs := replay(t, store, now)

	require.Len(t, txs, 1)
	assert.Equal(t, payments.TxOneTimePurchase, txs[0].Type)
	assert.True(t, txs[0].TestMode)
	assert.Equal(t, []payments.EntryType{payments.EntryProductGrant, payments.EntryItemQuantityChange}, entryTypes(txs[0]))
	assert.Equal(t, int64(300), balance(t, txs, "credits", bob, now))

	layout := payments.LayoutFor(payments.PurchaseOneTimePurchase, true, creditsProduct(payments.ExpiresNever), ptr("once"), 3)
	assert.Equal(t, 0, layout.GrantIndex())
	assert.Equal(t, len(txs[0].Entries), layout.EntryCount())
}

func TestSimulate_OneTimePurchaseRefund_NoMoneyWhenNeverCharged(t *testing.T) {
	store := newStore(t)
	product := creditsProduct(payments.ExpiresWhenPurchaseExpires)
	require.NoError(t, store.SaveOneTimePurchase(context.Background(), tenancy, payments.OneTimePurchaseRow{
		ID:         "otp-1",
		Customer:   bob,
		ProductID:  ptr("credits"),
		Product:    product,
		Quantity:   1,
		CreatedAt:  day(2025, time.January, 2),
		RefundedAt: ptr(day(2025, time.January, 4)),
	}))

	txs := replay(t, store, generic.Date(2025, time.January, 5))

	refund, ok := byID(txs)["otp-1:refund"]
	require.True(t, ok)
	assert.Equal(t, []payments.EntryType{payments.EntryProductRevocation, payments.EntryItemQuantityExpire}, entryTypes(refund))
	assert.Equal(t, int64(100), balance(t, txs, "credits", bob, generic.Date(2025, time.January, 3)))
	assert.Equal(t, int64(0), balance(t, txs, "credits", bob, generic.Date(2025, time.January, 5)))
}

// =============================================================================
// MANUAL CHANGES
// =============================================================================

func TestSimulate_ManualChanges_GrantAndUsage(t *testing.T) {
	// GIVEN: +50 credits expiring Feb 1 and a usage of 10 on Jan 10
	// THEN: 40 while the grant is valid, 0 after it expires (never negative)

	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveItemQuantityChange(ctx, tenancy, payments.ItemQuantityChangeRow{
		ID: "chg-1", Customer: bob, ItemID: "credits", Quantity: 50,
		CreatedAt: day(2025, time.January, 1), ExpiresAt: ptr(day(2025, time.February, 1)),
	}))
	require.NoError(t, store.SaveItemQuantityChange(ctx, tenancy, payments.ItemQuantityChangeRow{
		ID: "chg-2", Customer: bob, ItemID: "credits", Quantity: -10,
		CreatedAt: day(2025, time.January, 10),
	}))

	txs := replay(t, store, generic.Date(2025, time.March, 1))

	require.Len(t, txs, 2)
	assert.Equal(t, "chg-2", txs[0].ID)
	assert.Equal(t, payments.TxManualItemQuantityChange, txs[0].Type)
	change := txs[1].Entries[0].(payments.ItemQuantityChange)
	require.NotNil(t, change.ExpiresAt)
	assert.Equal(t, generic.Date(2025, time.February, 1), *change.ExpiresAt)

	assert.Equal(t, int64(50), balance(t, txs, "credits", bob, generic.Date(2025, time.January, 5)))
	assert.Equal(t, int64(40), balance(t, txs, "credits", bob, generic.Date(2025, time.January, 15)))
	assert.Equal(t, int64(0), balance(t, txs, "credits", bob, generic.Date(2025, time.February, 2)))
}

// =============================================================================
// DEFAULT PRODUCTS
// =============================================================================

func freePlan(credits int64, repeat *generic.Interval, expires payments.ExpiresPolicy) payments.DefaultProductsSnapshot {
	return payments.DefaultProductsSnapshot{
		"free": {
			DisplayName:   "Free",
			ProductLineID: "plans",
			IncludedItems: map[string]payments.IncludedItem{
				"credits": {Quantity: credits, Repeat: repeat, Expires: expires},
			},
			Prices: payments.Prices{IncludeByDefault: true},
		},
	}
}

func TestSimulate_DefaultProducts_RepeatAndDecrease(t *testing.T) {
	// GIVEN: Free plan with 10 monthly credits that expire on repeat (Jan 1),
	//        reduced to 4 non-repeating credits on Feb 15
	// WHEN: Replayed mid-March
	// THEN: The Feb 1 renewal happens, the decrease consumes 6, the old
	//       renewal chain stops, every customer holds 4

	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveDefaultProductsSnapshot(ctx, tenancy, payments.DefaultProductsSnapshotRow{
		ID: "snap-1", Snapshot: freePlan(10, &monthly, payments.ExpiresWhenRepeated), CreatedAt: day(2025, time.January, 1),
	}))
	require.NoError(t, store.SaveDefaultProductsSnapshot(ctx, tenancy, payments.DefaultProductsSnapshotRow{
		ID: "snap-2", Snapshot: freePlan(4, nil, payments.ExpiresNever), CreatedAt: day(2025, time.February, 15),
	}))

	now := generic.Date(2025, time.March, 15)
	txs := replay(t, store, now)
	require.Len(t, txs, 3)

	ids := byID(txs)
	first := ids["default-products:snap-1"]
	assert.Equal(t, []payments.EntryType{payments.EntryDefaultProductsChange, payments.EntryDefaultProductItemGrant}, entryTypes(first))
	_, adjusts := first.Entries[0].Adjusts()
	assert.False(t, adjusts, "first snapshot has no predecessor")

	repeatID := fmt.Sprintf("default-products:snap-1:repeat:%d:1-month", generic.Date(2025, time.February, 1))
	repeat, ok := ids[repeatID]
	require.True(t, ok)
	assert.Equal(t, payments.TxDefaultItemGrantRepeat, repeat.Type)
	assert.Equal(t, []payments.EntryType{payments.EntryDefaultProductItemExpire, payments.EntryDefaultProductItemChange}, entryTypes(repeat))

	second := ids["default-products:snap-2"]
	assert.Equal(t, []payments.EntryType{payments.EntryDefaultProductsChange, payments.EntryDefaultProductItemExpire}, entryTypes(second))
	prev, ok := second.Entries[0].Adjusts()
	require.True(t, ok)
	assert.Equal(t, payments.Ref{TransactionID: "default-products:snap-1", EntryIndex: 0}, prev)
	expire := second.Entries[1].(payments.DefaultProductItemExpire)
	assert.Equal(t, int64(6), expire.Quantity)

	for _, c := range []generic.Customer{alice, bob, acme} {
		assert.Equal(t, int64(4), balance(t, txs, "credits", c, now), c.String())
	}
	assert.Equal(t, int64(10), balance(t, txs, "credits", alice, generic.Date(2025, time.February, 10)))
}

func TestSimulate_DefaultProducts_RemovedProductExpiresEverything(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveDefaultProductsSnapshot(ctx, tenancy, payments.DefaultProductsSnapshotRow{
		ID: "snap-1", Snapshot: freePlan(10, nil, payments.ExpiresNever), CreatedAt: day(2025, time.January, 1),
	}))
	require.NoError(t, store.SaveDefaultProductsSnapshot(ctx, tenancy, payments.DefaultProductsSnapshotRow{
		ID: "snap-2", Snapshot: payments.DefaultProductsSnapshot{}, CreatedAt: day(2025, time.January, 10),
	}))

	now := generic.Date(2025, time.January, 20)
	txs := replay(t, store, now)

	second := byID(txs)["default-products:snap-2"]
	assert.Equal(t, []payments.EntryType{payments.EntryDefaultProductsChange, payments.EntryDefaultProductItemExpire}, entryTypes(second))
	assert.Equal(t, int64(0), balance(t, txs, "credits", alice, now))
}

// =============================================================================
// DETERMINISM AND INTEGRITY
// =============================================================================

func TestSimulate_Deterministic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	saveSubscription(t, store, seatsSubscription("sub-1", 2, day(2025, time.January, 1), seatsProduct(payments.ExpiresWhenRepeated, &monthly)))
	saveSubscription(t, store, seatsSubscription("sub-2", 1, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, &monthly)))
	require.NoError(t, store.SaveDefaultProductsSnapshot(ctx, tenancy, payments.DefaultProductsSnapshotRow{
		ID: "snap-1", Snapshot: freePlan(10, &monthly, payments.ExpiresWhenRepeated), CreatedAt: day(2025, time.January, 1),
	}))

	now := generic.Date(2025, time.June, 1)
	first, err := json.Marshal(replay(t, store, now))
	require.NoError(t, err)
	second, err := json.Marshal(replay(t, store, now))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSimulate_FutureEventsNotProcessed(t *testing.T) {
	store := newStore(t)
	saveSubscription(t, store, seatsSubscription("sub-1", 1, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, &monthly)))

	assert.Empty(t, replay(t, store, generic.Date(2024, time.December, 31)))
	assert.Len(t, replay(t, store, generic.Date(2025, time.January, 31)), 1)
}

// orphanInvoiceStore returns an invoice whose subscription is not listed.
type orphanInvoiceStore struct {
	payments.Store
}

func (orphanInvoiceStore) ListSubscriptionInvoices(context.Context, generic.TenancyID, payments.CustomerFilter) ([]payments.SubscriptionInvoiceRow, error) {
	return []payments.SubscriptionInvoiceRow{{ID: "inv-x", SubscriptionID: "sub-missing", CreatedAt: day(2025, time.January, 2)}}, nil
}

func TestSimulate_MissingRow_IntegrityError(t *testing.T) {
	store := orphanInvoiceStore{Store: newStore(t)}

	seeds, err := payments.ExtractSeedEvents(context.Background(), store, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	_, err = payments.Simulate(seeds, generic.Date(2025, time.February, 1))

	require.ErrorIs(t, err, generic.ErrIntegrity)
	var integrity *generic.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "sub-missing", integrity.ID)
}

func TestLinkAdjustments_PopulatesBackReferences(t *testing.T) {
	store := newStore(t)
	row := seatsSubscription("sub-1", 1, day(2025, time.January, 1), seatsProduct(payments.ExpiresNever, nil))
	row.EndedAt = ptr(day(2025, time.January, 15))
	saveSubscription(t, store, row)

	txs := replay(t, store, generic.Date(2025, time.February, 1))
	linked := byID(payments.LinkAdjustments(txs))

	assert.Equal(t, []payments.Ref{{TransactionID: "sub-1:end", EntryIndex: 1}}, linked["sub-1"].AdjustedBy)
	assert.Empty(t, byID(txs)["sub-1"].AdjustedBy, "input is not mutated")
}
