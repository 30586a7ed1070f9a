package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/reconcile"
	"github.com/warp/billing-ledger/store/memory"
	"github.com/warp/billing-ledger/store/sqlite"
)

const tenancy = generic.TenancyID("tenancy-1")

var (
	alice   = generic.Customer{Type: generic.CustomerUser, ID: "alice"}
	bob     = generic.Customer{Type: generic.CustomerUser, ID: "bob"}
	monthly = generic.MustInterval(1, generic.UnitMonth)
)

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func plan() payments.Product {
	return payments.Product{
		DisplayName:   "Team plan",
		ProductLineID: "plans",
		IncludedItems: map[string]payments.IncludedItem{
			"seats": {Quantity: 4, Repeat: &monthly, Expires: payments.ExpiresWhenRepeated},
		},
		Prices: payments.Prices{ByID: map[string]payments.Price{
			"monthly": {Amounts: map[string]string{"USD": "10"}, Interval: &monthly},
		}},
	}
}

func credits() payments.Product {
	return payments.Product{
		DisplayName:   "Credit pack",
		IncludedItems: map[string]payments.IncludedItem{"credits": {Quantity: 100, Expires: payments.ExpiresNever}},
		Prices: payments.Prices{ByID: map[string]payments.Price{
			"once": {Amounts: map[string]string{"USD": "5"}},
		}},
	}
}

func subscription(id string, customer generic.Customer, created time.Time) payments.SubscriptionRow {
	return payments.SubscriptionRow{
		ID:                      id,
		Customer:                customer,
		ProductID:               ptr("team"),
		PriceID:                 ptr("monthly"),
		Product:                 plan(),
		Quantity:                2,
		Status:                  payments.StatusActive,
		CurrentPeriodStart:      created,
		CurrentPeriodEnd:        created.AddDate(0, 1, 0),
		ProcessorSubscriptionID: "proc-" + id,
		CreatedAt:               created,
		UpdatedAt:               created,
	}
}

// populate writes the same rows to any payments.Writer.
func populate(t *testing.T, w payments.Writer) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, w.SaveDefaultProductsSnapshot(ctx, tenancy, payments.DefaultProductsSnapshotRow{
		ID: "snap-1",
		Snapshot: payments.DefaultProductsSnapshot{"free": {
			ProductLineID: "plans",
			IncludedItems: map[string]payments.IncludedItem{"credits": {Quantity: 10, Repeat: &monthly, Expires: payments.ExpiresWhenRepeated}},
			Prices:        payments.Prices{IncludeByDefault: true},
		}},
		CreatedAt: day(2025, time.January, 1),
	}))

	sub := subscription("sub-1", alice, day(2025, time.January, 5))
	sub.BillingCycleAnchor = ptr(day(2025, time.January, 5))
	require.NoError(t, w.SaveSubscription(ctx, tenancy, sub))
	require.NoError(t, w.SaveSubscriptionInvoice(ctx, tenancy, payments.SubscriptionInvoiceRow{
		ID: "sub-1-inv-0", SubscriptionID: "sub-1", IsCreationInvoice: true, ProcessorPaymentID: "pay-0", CreatedAt: sub.CreatedAt,
	}))
	require.NoError(t, w.SaveSubscriptionInvoice(ctx, tenancy, payments.SubscriptionInvoiceRow{
		ID: "sub-1-inv-1", SubscriptionID: "sub-1", ProcessorPaymentID: "pay-1", CreatedAt: day(2025, time.February, 5),
	}))

	ended := subscription("sub-2", bob, day(2025, time.January, 7))
	ended.EndedAt = ptr(day(2025, time.February, 1))
	ended.Status = payments.StatusCanceled
	require.NoError(t, w.SaveSubscription(ctx, tenancy, ended))

	require.NoError(t, w.SaveOneTimePurchase(ctx, tenancy, payments.OneTimePurchaseRow{
		ID: "otp-1", Customer: bob, ProductID: ptr("credits"), PriceID: ptr("once"), Product: credits(),
		Quantity: 1, ProcessorPaymentID: "pay-otp", CreatedAt: day(2025, time.January, 9),
	}))
	require.NoError(t, w.SaveItemQuantityChange(ctx, tenancy, payments.ItemQuantityChangeRow{
		ID: "chg-1", Customer: alice, ItemID: "credits", Quantity: -3, CreatedAt: day(2025, time.January, 12),
		ExpiresAt: ptr(day(2025, time.December, 31)),
	}))
}

func TestStore_RowsRoundTrip(t *testing.T) {
	store := newStore(t)
	populate(t, store)
	ctx := context.Background()

	subs, err := store.ListSubscriptions(ctx, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	want := subscription("sub-1", alice, day(2025, time.January, 5))
	want.BillingCycleAnchor = ptr(day(2025, time.January, 5))
	assert.Equal(t, want, subs[0])
	assert.Equal(t, "sub-2", subs[1].ID)
	require.NotNil(t, subs[1].EndedAt)
	assert.True(t, subs[1].EndedAt.Equal(day(2025, time.February, 1)))

	snaps, err := store.ListDefaultProductsSnapshots(ctx, tenancy)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Snapshot["free"].Prices.IncludeByDefault)
	assert.Equal(t, payments.ExpiresWhenRepeated, snaps[0].Snapshot["free"].IncludedItems["credits"].Expires)

	purchases, err := store.ListOneTimePurchases(ctx, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, credits(), purchases[0].Product)

	changes, err := store.ListItemQuantityChanges(ctx, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(-3), changes[0].Quantity)
	require.NotNil(t, changes[0].ExpiresAt)
	assert.True(t, changes[0].ExpiresAt.Equal(day(2025, time.December, 31)))
}

func TestStore_CustomerFilter(t *testing.T) {
	store := newStore(t)
	populate(t, store)
	ctx := context.Background()
	onlyBob := payments.CustomerFilter{CustomerType: generic.CustomerUser, CustomerID: "bob"}

	subs, err := store.ListSubscriptions(ctx, tenancy, onlyBob)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-2", subs[0].ID)

	invoices, err := store.ListSubscriptionInvoices(ctx, tenancy, onlyBob)
	require.NoError(t, err)
	assert.Empty(t, invoices, "bob's subscription has no invoices")

	invoices, err = store.ListSubscriptionInvoices(ctx, tenancy, payments.CustomerFilter{CustomerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, invoices, 2)

	changes, err := store.ListItemQuantityChanges(ctx, tenancy, onlyBob)
	require.NoError(t, err)
	assert.Empty(t, changes)

	other, err := store.ListSubscriptions(ctx, "tenancy-2", payments.CustomerFilter{})
	require.NoError(t, err)
	assert.Empty(t, other, "rows are scoped to their tenancy")
}

func TestStore_LedgerMatchesMemoryStore(t *testing.T) {
	// GIVEN: The same rows in SQLite and in memory
	// WHEN: Both ledgers are replayed at the same instant
	// THEN: The transactions are identical

	ctx := context.Background()
	db := newStore(t)
	mem := memory.New()
	populate(t, db)
	populate(t, mem)

	at := generic.Date(2025, time.March, 20)
	fromDB, err := payments.ExtractSeedEvents(ctx, db, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	fromMem, err := payments.ExtractSeedEvents(ctx, mem, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)

	dbTxs, err := payments.Simulate(fromDB, at)
	require.NoError(t, err)
	memTxs, err := payments.Simulate(fromMem, at)
	require.NoError(t, err)

	require.NotEmpty(t, dbTxs)
	assert.Equal(t, memTxs, dbTxs)
}

func TestStore_InvoiceRequiresSubscription(t *testing.T) {
	store := newStore(t)

	err := store.SaveSubscriptionInvoice(context.Background(), tenancy, payments.SubscriptionInvoiceRow{
		ID: "inv-x", SubscriptionID: "missing", CreatedAt: day(2025, time.January, 1),
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_DuplicateSnapshotRejected(t *testing.T) {
	store := newStore(t)
	row := payments.DefaultProductsSnapshotRow{ID: "snap-1", Snapshot: payments.DefaultProductsSnapshot{}, CreatedAt: day(2025, time.January, 1)}

	require.NoError(t, store.SaveDefaultProductsSnapshot(context.Background(), tenancy, row))
	assert.Error(t, store.SaveDefaultProductsSnapshot(context.Background(), tenancy, row))
}

func TestStore_MarkSubscriptionRefunded(t *testing.T) {
	// GIVEN: An active subscription
	// WHEN: It is refunded in full
	// THEN: refundedAt, updatedAt and cancelAtPeriodEnd change together with
	//       the audit record, and a second refund is rejected

	store := newStore(t)
	populate(t, store)
	ctx := context.Background()
	at := day(2025, time.January, 20)
	record := payments.RefundRecord{
		ID: "ref-1", PurchaseType: payments.PurchaseSubscription, PurchaseID: "sub-1",
		Quantity: 2, AmountMinorUnits: 2000, Currency: "USD", CreatedAt: at,
	}

	require.NoError(t, store.MarkSubscriptionRefunded(ctx, tenancy, "sub-1", at, true, record))

	sub, err := store.GetSubscription(ctx, tenancy, "sub-1")
	require.NoError(t, err)
	require.NotNil(t, sub.RefundedAt)
	assert.True(t, sub.RefundedAt.Equal(at))
	assert.True(t, sub.UpdatedAt.Equal(at))
	assert.True(t, sub.CancelAtPeriodEnd)

	refunds, err := store.Refunds(ctx, tenancy)
	require.NoError(t, err)
	assert.Equal(t, []payments.RefundRecord{record}, refunds)

	err = store.MarkSubscriptionRefunded(ctx, tenancy, "sub-1", at, true, payments.RefundRecord{ID: "ref-2", CreatedAt: at})
	assert.ErrorIs(t, err, generic.ErrAlreadyRefunded)

	refunds, err = store.Refunds(ctx, tenancy)
	require.NoError(t, err)
	assert.Len(t, refunds, 1, "rejected refund leaves no record")

	err = store.MarkSubscriptionRefunded(ctx, tenancy, "sub-404", at, false, payments.RefundRecord{ID: "ref-3", CreatedAt: at})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_PartialRefundKeepsCancelFlag(t *testing.T) {
	store := newStore(t)
	populate(t, store)
	ctx := context.Background()
	at := day(2025, time.January, 20)

	require.NoError(t, store.MarkSubscriptionRefunded(ctx, tenancy, "sub-1", at, false, payments.RefundRecord{
		ID: "ref-1", PurchaseType: payments.PurchaseSubscription, PurchaseID: "sub-1", Quantity: 1, Currency: "USD", CreatedAt: at,
	}))

	sub, err := store.GetSubscription(ctx, tenancy, "sub-1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, int64(2), sub.Quantity)
}

func TestStore_OneTimePurchaseLookupsAndRefund(t *testing.T) {
	store := newStore(t)
	populate(t, store)
	ctx := context.Background()
	at := day(2025, time.January, 15)

	inv, err := store.GetCreationInvoice(ctx, tenancy, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1-inv-0", inv.ID)

	_, err = store.GetCreationInvoice(ctx, tenancy, "sub-2")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = store.GetOneTimePurchase(ctx, tenancy, "otp-404")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	require.NoError(t, store.MarkOneTimePurchaseRefunded(ctx, tenancy, "otp-1", at, payments.RefundRecord{
		ID: "ref-otp", PurchaseType: payments.PurchaseOneTimePurchase, PurchaseID: "otp-1", Quantity: 1, AmountMinorUnits: 500, Currency: "USD", CreatedAt: at,
	}))
	otp, err := store.GetOneTimePurchase(ctx, tenancy, "otp-1")
	require.NoError(t, err)
	require.NotNil(t, otp.RefundedAt)
	assert.True(t, otp.RefundedAt.Equal(at))

	err = store.MarkOneTimePurchaseRefunded(ctx, tenancy, "otp-1", at, payments.RefundRecord{ID: "ref-otp-2", CreatedAt: at})
	assert.ErrorIs(t, err, generic.ErrAlreadyRefunded)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sqlite.Tx) error {
		require.NoError(t, tx.SaveSubscription(ctx, tenancy, subscription("sub-tx", alice, day(2025, time.January, 1))))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = store.GetSubscription(ctx, tenancy, "sub-tx")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_DeleteTenancy(t *testing.T) {
	store := newStore(t)
	populate(t, store)
	ctx := context.Background()

	require.NoError(t, store.DeleteTenancy(ctx, tenancy))

	subs, err := store.ListSubscriptions(ctx, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	assert.Empty(t, subs)
	snaps, err := store.ListDefaultProductsSnapshots(ctx, tenancy)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestStore_ReconcileRuns(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	first := reconcile.RunRecord{
		ID: "run-1", Tenancy: tenancy, Mode: reconcile.CollectAll, Status: reconcile.StatusCompleted,
		Customers: 3, StartedAt: day(2025, time.March, 1), CompletedAt: day(2025, time.March, 1).Add(time.Second),
	}
	second := reconcile.RunRecord{
		ID: "run-2", Tenancy: tenancy, Mode: reconcile.FailFast, Status: reconcile.StatusFailed,
		Customers: 3, Findings: 1, Mismatches: 1, Error: "mismatch",
		StartedAt: day(2025, time.March, 2), CompletedAt: day(2025, time.March, 2).Add(time.Second),
	}
	require.NoError(t, store.SaveReconcileRun(ctx, first))
	require.NoError(t, store.SaveReconcileRun(ctx, second))

	runs, err := store.ListReconcileRuns(ctx, tenancy, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Equal(t, second, runs[0])
	assert.Empty(t, runs[1].Error)

	runs, err = store.ListReconcileRuns(ctx, tenancy, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
