package payments

import (
	"fmt"
	"sort"

	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// ITEM BALANCE - Ledger entries to balance records
// =============================================================================

// ItemRecords converts a customer's ledger into balance records for one item.
//
// Grant and change entries become records that run until their explicit
// expiry (or forever). An expire entry moves quantity out of the grant it
// references into a separate record that stops counting at the earlier of
// the expire time and the grant's own expiry. Default product entries apply
// to every customer.
func ItemRecords(txs []Transaction, itemID string, customer generic.Customer) ([]generic.LedgerRecord, error) {
	var records []generic.LedgerRecord
	byRef := make(map[Ref]int)

	// Grants first; an expire may share a timestamp with the grant it
	// references, so ordering alone is not enough.
	for _, tx := range txs {
		for i, entry := range tx.Entries {
			quantity, expires, ok := itemGrant(entry, itemID, customer)
			if !ok {
				continue
			}
			byRef[Ref{TransactionID: tx.ID, EntryIndex: i}] = len(records)
			records = append(records, generic.LedgerRecord{
				Amount:         quantity,
				GrantTime:      tx.EffectiveAt,
				ExpirationTime: expires,
			})
		}
	}

	for _, tx := range txs {
		for _, entry := range tx.Entries {
			quantity, ok := itemExpiry(entry, itemID, customer)
			if !ok {
				continue
			}
			ref, _ := entry.Adjusts()
			j, found := byRef[ref]
			if !found {
				return nil, &generic.IntegrityError{Kind: "item-grant", ID: ref.String(), Detail: fmt.Sprintf("expired by %s but never granted", tx.ID)}
			}
			records[j].Amount -= quantity
			if records[j].Amount < 0 {
				return nil, &generic.IntegrityError{Kind: "item-grant", ID: ref.String(), Detail: "expired more than granted"}
			}
			records = append(records, generic.LedgerRecord{
				Amount:         quantity,
				GrantTime:      records[j].GrantTime,
				ExpirationTime: generic.MinMillis(tx.EffectiveAt, records[j].ExpirationTime),
			})
		}
	}
	return records, nil
}

func itemGrant(entry Entry, itemID string, customer generic.Customer) (int64, generic.Millis, bool) {
	switch e := entry.(type) {
	case ItemQuantityChange:
		if e.ItemID != itemID || e.Customer != customer {
			return 0, 0, false
		}
		expires := generic.FarFuture
		if e.ExpiresAt != nil {
			expires = *e.ExpiresAt
		}
		return e.Quantity, expires, true
	case DefaultProductItemGrant:
		if e.ItemID != itemID {
			return 0, 0, false
		}
		return e.Quantity, generic.FarFuture, true
	case DefaultProductItemChange:
		if e.ItemID != itemID {
			return 0, 0, false
		}
		return e.Quantity, generic.FarFuture, true
	}
	return 0, 0, false
}

func itemExpiry(entry Entry, itemID string, customer generic.Customer) (int64, bool) {
	switch e := entry.(type) {
	case ItemQuantityExpire:
		return e.Quantity, e.ItemID == itemID && e.Customer == customer
	case DefaultProductItemExpire:
		return e.Quantity, e.ItemID == itemID
	}
	return 0, false
}

// =============================================================================
// OWNED PRODUCTS
// =============================================================================

// OwnershipType says how a customer came to own a product.
type OwnershipType string

const (
	OwnedViaSubscription    OwnershipType = "subscription"
	OwnedViaOneTimePurchase OwnershipType = "one_time"
	OwnedByDefault          OwnershipType = "include-by-default"
)

// OwnedProduct is one product a customer holds.
type OwnedProduct struct {
	ProductID string
	Type      OwnershipType
	Quantity  int64
	SourceID  string
	Product   Product
}

// OwnedProducts folds product grants and revocations, then adds default
// products whose product line is not already covered by a purchase.
func OwnedProducts(txs []Transaction, customer generic.Customer) []OwnedProduct {
	grants := make(map[Ref]*OwnedProduct)
	revoked := make(map[Ref]int64)
	var latestDefaults *DefaultProductsChange
	var latestDefaultsAt generic.Millis

	for _, tx := range txs {
		for i, entry := range tx.Entries {
			switch e := entry.(type) {
			case ProductGrant:
				if e.Customer != customer {
					continue
				}
				op := OwnedProduct{Quantity: e.Quantity, Product: e.Product}
				if e.ProductID != nil {
					op.ProductID = *e.ProductID
				}
				switch {
				case e.SubscriptionID != nil:
					op.Type, op.SourceID = OwnedViaSubscription, *e.SubscriptionID
				case e.OneTimePurchaseID != nil:
					op.Type, op.SourceID = OwnedViaOneTimePurchase, *e.OneTimePurchaseID
				}
				grants[Ref{TransactionID: tx.ID, EntryIndex: i}] = &op
			case ProductRevocation:
				if e.Customer != customer {
					continue
				}
				if ref, ok := e.Adjusts(); ok {
					revoked[ref] += e.Quantity
				}
			case DefaultProductsChange:
				if latestDefaults == nil || tx.EffectiveAt >= latestDefaultsAt {
					snapshot := e
					latestDefaults, latestDefaultsAt = &snapshot, tx.EffectiveAt
				}
			}
		}
	}

	var out []OwnedProduct
	covered := make(map[string]bool)
	for ref, op := range grants {
		qty := op.Quantity - revoked[ref]
		if qty <= 0 {
			continue
		}
		op.Quantity = qty
		covered[productLineKey(op.ProductID, op.Product)] = true
		out = append(out, *op)
	}
	if latestDefaults != nil {
		for _, pid := range latestDefaults.Snapshot.ProductIDs() {
			product := latestDefaults.Snapshot[pid]
			if covered[productLineKey(pid, product)] {
				continue
			}
			out = append(out, OwnedProduct{ProductID: pid, Type: OwnedByDefault, Quantity: 1, Product: product})
		}
	}
	SortOwnedProducts(out)
	return out
}

// SortOwnedProducts orders by product id, ownership type, quantity, source.
func SortOwnedProducts(products []OwnedProduct) {
	sort.Slice(products, func(i, j int) bool {
		a, b := products[i], products[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Quantity != b.Quantity {
			return a.Quantity < b.Quantity
		}
		return a.SourceID < b.SourceID
	})
}
