/*
expected.go - Expected balances recomputed straight from storage rows

PURPOSE:
  The ledger derives balances by replaying seed events through the engine.
  This file derives the same answers without the engine: it walks the rows
  of one customer and emits balance records directly, then asks
  generic.BalanceAt. Both sides meeting on the same balance calculator
  keeps the comparison about event semantics, not about arithmetic.

PURCHASED ITEMS (per purchase, per included item, q = item x row quantity):
  grants at the purchase time and at every repeat time before the purchase
  stops (ended or refunded). Repeat times chain from the cycle anchor.
    never                  -> each grant lasts forever
    when-repeated          -> each grant lasts until the next repeat
    when-purchase-expires  -> each grant lasts until the purchase stops

DEFAULT ITEMS:
  Snapshots are folded in order. A quantity change grants the increase or
  expires the decrease oldest-first; repeats chain from the snapshot that
  last configured the item and stop at the next snapshot.

MANUAL CHANGES:
  One record each, with the row's optional expiry.

SEE ALSO:
  - verifier.go: Compares this model with the ledger
  - generic/balance.go: BalanceAt
*/
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
)

// Rows is everything read from storage for one tenancy.
type Rows struct {
	Snapshots     []payments.DefaultProductsSnapshotRow
	Subscriptions []payments.SubscriptionRow
	Purchases     []payments.OneTimePurchaseRow
	Changes       []payments.ItemQuantityChangeRow
}

// Customers returns every customer that owns at least one row, sorted.
func (r *Rows) Customers() []generic.Customer {
	seen := make(map[generic.Customer]struct{})
	for _, s := range r.Subscriptions {
		seen[s.Customer] = struct{}{}
	}
	for _, p := range r.Purchases {
		seen[p.Customer] = struct{}{}
	}
	for _, c := range r.Changes {
		seen[c.Customer] = struct{}{}
	}
	out := make([]generic.Customer, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Expected is the model's view of one customer.
type Expected struct {
	Customer generic.Customer
	Items    map[string]int64
	Owned    []payments.OwnedProduct
}

// ExpectedFor recomputes item balances and owned products of one customer.
func ExpectedFor(rows *Rows, customer generic.Customer, at generic.Millis) Expected {
	records := make(map[string][]generic.LedgerRecord)
	for _, p := range customerPurchases(rows, customer) {
		p.addItemRecords(records, at)
	}
	for _, c := range rows.Changes {
		if c.Customer != customer {
			continue
		}
		expires := generic.FarFuture
		if c.ExpiresAt != nil {
			expires = generic.FromTime(*c.ExpiresAt)
		}
		records[c.ItemID] = append(records[c.ItemID], generic.LedgerRecord{
			Amount:         c.Quantity,
			GrantTime:      generic.FromTime(c.CreatedAt),
			ExpirationTime: expires,
		})
	}
	newDefaultFold().run(rows.Snapshots, at, records)

	items := make(map[string]int64, len(records))
	for itemID, recs := range records {
		items[itemID] = generic.BalanceAt(recs, at)
	}
	return Expected{
		Customer: customer,
		Items:    items,
		Owned:    expectedOwned(rows, customer, at),
	}
}

// =============================================================================
// PURCHASES
// =============================================================================

type purchase struct {
	kind      payments.PurchaseType
	id        string
	productID string
	product   payments.Product
	quantity  int64
	start     generic.Millis
	anchor    generic.Millis
	stop      generic.Millis // FarFuture while active
}

func customerPurchases(rows *Rows, customer generic.Customer) []purchase {
	var out []purchase
	for _, s := range rows.Subscriptions {
		if s.Customer != customer {
			continue
		}
		anchor := s.CreatedAt
		if s.BillingCycleAnchor != nil {
			anchor = *s.BillingCycleAnchor
		}
		out = append(out, purchase{
			kind:      payments.PurchaseSubscription,
			id:        s.ID,
			productID: deref(s.ProductID),
			product:   s.Product,
			quantity:  s.Quantity,
			start:     generic.FromTime(s.CreatedAt),
			anchor:    generic.FromTime(anchor),
			stop:      earliest(s.EndedAt, s.RefundedAt),
		})
	}
	for _, p := range rows.Purchases {
		if p.Customer != customer {
			continue
		}
		out = append(out, purchase{
			kind:      payments.PurchaseOneTimePurchase,
			id:        p.ID,
			productID: deref(p.ProductID),
			product:   p.Product,
			quantity:  p.Quantity,
			start:     generic.FromTime(p.CreatedAt),
			anchor:    generic.FromTime(p.CreatedAt),
			stop:      earliest(p.RefundedAt),
		})
	}
	return out
}

// activeAt reports whether the purchase had started and not stopped.
func (p purchase) activeAt(at generic.Millis) bool {
	return p.start <= at && at < p.stop
}

func (p purchase) addItemRecords(records map[string][]generic.LedgerRecord, at generic.Millis) {
	if p.start > at {
		return
	}
	for itemID, item := range p.product.IncludedItems {
		q := item.Quantity * p.quantity
		if q <= 0 {
			continue
		}
		grants := []generic.Millis{p.start}
		if item.Repeat != nil {
			for t := item.Repeat.AddTo(p.anchor); t < p.stop && t <= at; t = item.Repeat.AddTo(t) {
				grants = append(grants, t)
			}
		}
		for i, granted := range grants {
			expires := generic.FarFuture
			switch item.Expires {
			case payments.ExpiresWhenRepeated:
				if item.Repeat != nil {
					if next := nextRepeat(grants, i, item.Repeat, p.anchor); next < p.stop {
						expires = next
					}
				}
			case payments.ExpiresWhenPurchaseExpires:
				expires = p.stop
			}
			records[itemID] = append(records[itemID], generic.LedgerRecord{
				Amount:         q,
				GrantTime:      granted,
				ExpirationTime: expires,
			})
		}
	}
}

// nextRepeat is the repeat time following grant i. The first grant is
// followed by the first repeat from the anchor, not from the grant time.
func nextRepeat(grants []generic.Millis, i int, repeat *generic.Interval, anchor generic.Millis) generic.Millis {
	if i+1 < len(grants) {
		return grants[i+1]
	}
	if i == 0 {
		return repeat.AddTo(anchor)
	}
	return repeat.AddTo(grants[i])
}

// =============================================================================
// DEFAULT PRODUCTS
// =============================================================================

type defaultSlice struct {
	record int
	left   int64
}

type defaultItem struct {
	quantity     int64
	repeat       *generic.Interval
	whenRepeated bool
	slices       []defaultSlice
	configuredAt generic.Millis
}

type defaultFold struct {
	items   map[string]map[string]*defaultItem // product -> item
	records map[string][]generic.LedgerRecord
}

func newDefaultFold() *defaultFold {
	return &defaultFold{items: make(map[string]map[string]*defaultItem)}
}

func (f *defaultFold) run(snapshots []payments.DefaultProductsSnapshotRow, at generic.Millis, records map[string][]generic.LedgerRecord) {
	f.records = records
	ordered := append([]payments.DefaultProductsSnapshotRow(nil), snapshots...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	for i, snap := range ordered {
		t := generic.FromTime(snap.CreatedAt)
		if t > at {
			break
		}
		f.apply(snap.Snapshot, t)
		until := at
		if i+1 < len(ordered) {
			// A repeat landing on the next snapshot's instant never fires.
			until = min(at, generic.FromTime(ordered[i+1].CreatedAt)-1)
		}
		f.repeatUntil(until)
	}
}

func (f *defaultFold) apply(snapshot payments.DefaultProductsSnapshot, t generic.Millis) {
	next := make(map[string]map[string]*defaultItem)
	for _, pid := range unionKeys(f.items, snapshot) {
		product, inSnapshot := snapshot[pid]
		for _, itemID := range itemKeys(f.items[pid], product, inSnapshot) {
			state := f.items[pid][itemID]
			if state == nil {
				state = &defaultItem{}
			}
			var cfg payments.IncludedItem
			if inSnapshot {
				cfg = product.IncludedItems[itemID]
			}
			newQty := max(cfg.Quantity, 0)
			switch {
			case newQty < state.quantity:
				f.expire(itemID, state, state.quantity-newQty, t)
			case newQty > state.quantity:
				f.grant(itemID, state, newQty-state.quantity, t)
			}
			if newQty == 0 {
				continue
			}
			state.quantity = newQty
			state.repeat = cfg.Repeat
			state.whenRepeated = cfg.Expires == payments.ExpiresWhenRepeated
			state.configuredAt = t
			if next[pid] == nil {
				next[pid] = make(map[string]*defaultItem)
			}
			next[pid][itemID] = state
		}
	}
	f.items = next
}

// repeatUntil fires every repeat of every item up to and including until.
// Each item chains from the snapshot that last configured it.
func (f *defaultFold) repeatUntil(until generic.Millis) {
	for _, products := range f.items {
		for itemID, state := range products {
			if state.repeat == nil {
				continue
			}
			for t := state.repeat.AddTo(state.configuredAt); t <= until; t = state.repeat.AddTo(t) {
				if state.whenRepeated {
					f.expire(itemID, state, min(state.quantity, total(state.slices)), t)
				}
				f.grant(itemID, state, state.quantity, t)
				state.configuredAt = t
			}
		}
	}
}

func (f *defaultFold) grant(itemID string, state *defaultItem, quantity int64, t generic.Millis) {
	state.slices = append(state.slices, defaultSlice{record: len(f.records[itemID]), left: quantity})
	f.records[itemID] = append(f.records[itemID], generic.LedgerRecord{
		Amount:         quantity,
		GrantTime:      t,
		ExpirationTime: generic.FarFuture,
	})
}

// expire removes quantity oldest-first, splitting records the way an
// expiry entry splits the grant it references.
func (f *defaultFold) expire(itemID string, state *defaultItem, quantity int64, t generic.Millis) {
	recs := f.records[itemID]
	for quantity > 0 && len(state.slices) > 0 {
		s := &state.slices[0]
		take := min(s.left, quantity)
		recs[s.record].Amount -= take
		recs = append(recs, generic.LedgerRecord{
			Amount:         take,
			GrantTime:      recs[s.record].GrantTime,
			ExpirationTime: t,
		})
		s.left -= take
		quantity -= take
		if s.left == 0 {
			state.slices = state.slices[1:]
		}
	}
	f.records[itemID] = recs
}

func total(slices []defaultSlice) int64 {
	var n int64
	for _, s := range slices {
		n += s.left
	}
	return n
}

// =============================================================================
// OWNED PRODUCTS
// =============================================================================

func expectedOwned(rows *Rows, customer generic.Customer, at generic.Millis) []payments.OwnedProduct {
	var out []payments.OwnedProduct
	covered := make(map[string]bool)
	for _, p := range customerPurchases(rows, customer) {
		if !p.activeAt(at) || p.quantity <= 0 {
			continue
		}
		kind := payments.OwnedViaSubscription
		if p.kind == payments.PurchaseOneTimePurchase {
			kind = payments.OwnedViaOneTimePurchase
		}
		out = append(out, payments.OwnedProduct{
			ProductID: p.productID,
			Type:      kind,
			Quantity:  p.quantity,
			SourceID:  p.id,
			Product:   p.product,
		})
		covered[lineOf(p.productID, p.product)] = true
	}

	var latest *payments.DefaultProductsSnapshotRow
	for i := range rows.Snapshots {
		s := &rows.Snapshots[i]
		if generic.FromTime(s.CreatedAt) > at {
			continue
		}
		if latest == nil || !s.CreatedAt.Before(latest.CreatedAt) {
			latest = s
		}
	}
	if latest != nil {
		for _, pid := range latest.Snapshot.ProductIDs() {
			product := latest.Snapshot[pid]
			if covered[lineOf(pid, product)] {
				continue
			}
			out = append(out, payments.OwnedProduct{ProductID: pid, Type: payments.OwnedByDefault, Quantity: 1, Product: product})
		}
	}
	payments.SortOwnedProducts(out)
	return out
}

func lineOf(productID string, p payments.Product) string {
	if line := strings.TrimSpace(p.ProductLineID); line != "" {
		return "line:" + line
	}
	return "product:" + productID
}

// =============================================================================
// HELPERS
// =============================================================================

func earliest(times ...*time.Time) generic.Millis {
	out := generic.FarFuture
	for _, t := range times {
		if t != nil {
			out = min(out, generic.FromTime(*t))
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func unionKeys(prev map[string]map[string]*defaultItem, snapshot payments.DefaultProductsSnapshot) []string {
	set := make(map[string]struct{}, len(prev)+len(snapshot))
	for k := range prev {
		set[k] = struct{}{}
	}
	for k := range snapshot {
		set[k] = struct{}{}
	}
	return sortedSet(set)
}

func itemKeys(prev map[string]*defaultItem, product payments.Product, inSnapshot bool) []string {
	set := make(map[string]struct{})
	for k := range prev {
		set[k] = struct{}{}
	}
	if inSnapshot {
		for k := range product.IncludedItems {
			set[k] = struct{}{}
		}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
