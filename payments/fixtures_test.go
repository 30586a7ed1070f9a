package payments_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenancy = generic.TenancyID("tenancy-1")

var (
	alice = generic.Customer{Type: generic.CustomerUser, ID: "alice"}
	bob   = generic.Customer{Type: generic.CustomerUser, ID: "bob"}
	acme  = generic.Customer{Type: generic.CustomerTeam, ID: "acme"}

	monthly = generic.MustInterval(1, generic.UnitMonth)
)

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	return memory.New()
}

// seatsProduct sells a monthly plan at $10 that includes 4 seats per unit.
func seatsProduct(expires payments.ExpiresPolicy, repeat *generic.Interval) payments.Product {
	return payments.Product{
		DisplayName:   "Team plan",
		CustomerType:  generic.CustomerUser,
		ProductLineID: "plans",
		IncludedItems: map[string]payments.IncludedItem{
			"seats": {Quantity: 4, Repeat: repeat, Expires: expires},
		},
		Prices: payments.Prices{ByID: map[string]payments.Price{
			"monthly": {Amounts: map[string]string{"USD": "10", "EUR": "9.50"}, Interval: &monthly},
		}},
	}
}

// creditsProduct is a one-time pack of 100 credits at $5.
func creditsProduct(expires payments.ExpiresPolicy) payments.Product {
	return payments.Product{
		DisplayName: "Credit pack",
		IncludedItems: map[string]payments.IncludedItem{
			"credits": {Quantity: 100, Expires: expires},
		},
		Prices: payments.Prices{ByID: map[string]payments.Price{
			"once": {Amounts: map[string]string{"USD": "5"}},
		}},
	}
}

func saveSubscription(t *testing.T, store *memory.Store, row payments.SubscriptionRow) {
	t.Helper()
	if row.Customer == (generic.Customer{}) {
		row.Customer = alice
	}
	if row.Status == "" {
		row.Status = payments.StatusActive
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if row.ProcessorSubscriptionID == "" {
		row.ProcessorSubscriptionID = "proc-" + row.ID
	}
	ctx := context.Background()
	require.NoError(t, store.SaveSubscription(ctx, tenancy, row))
	require.NoError(t, store.SaveSubscriptionInvoice(ctx, tenancy, payments.SubscriptionInvoiceRow{
		ID:                 row.ID + "-inv-0",
		SubscriptionID:     row.ID,
		IsCreationInvoice:  true,
		ProcessorPaymentID: "pay-" + row.ID,
		CreatedAt:          row.CreatedAt,
	}))
}

func seatsSubscription(id string, quantity int64, created time.Time, product payments.Product) payments.SubscriptionRow {
	return payments.SubscriptionRow{
		ID:                 id,
		Customer:           alice,
		ProductID:          ptr("team"),
		PriceID:            ptr("monthly"),
		Product:            product,
		Quantity:           quantity,
		CurrentPeriodStart: created,
		CurrentPeriodEnd:   created.AddDate(0, 1, 0),
		CreatedAt:          created,
	}
}

func replay(t *testing.T, store payments.Store, now generic.Millis) []payments.Transaction {
	t.Helper()
	seeds, err := payments.ExtractSeedEvents(context.Background(), store, tenancy, payments.CustomerFilter{})
	require.NoError(t, err)
	txs, err := payments.Simulate(seeds, now)
	require.NoError(t, err)
	return txs
}

func balance(t *testing.T, txs []payments.Transaction, itemID string, customer generic.Customer, at generic.Millis) int64 {
	t.Helper()
	records, err := payments.ItemRecords(txs, itemID, customer)
	require.NoError(t, err)
	return generic.BalanceAt(records, at)
}

func byID(txs []payments.Transaction) map[string]payments.Transaction {
	out := make(map[string]payments.Transaction, len(txs))
	for _, tx := range txs {
		out[tx.ID] = tx
	}
	return out
}

func ofType(txs []payments.Transaction, kind payments.TransactionType) []payments.Transaction {
	var out []payments.Transaction
	for _, tx := range txs {
		if tx.Type == kind {
			out = append(out, tx)
		}
	}
	return out
}

func entryTypes(tx payments.Transaction) []payments.EntryType {
	out := make([]payments.EntryType, len(tx.Entries))
	for i, e := range tx.Entries {
		out[i] = e.Type()
	}
	return out
}
