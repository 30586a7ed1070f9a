package payments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// SEED EVENTS - One typed, timestamped event per storage row (plus derived
// end/cancel/refund events). No policy lives here.
// =============================================================================

// SeedEvent is implemented by the seed event types below and by the two
// repeat events the engine schedules on itself.
type SeedEvent interface {
	At() generic.Millis
	seedEvent()
}

type seedAt struct{ at generic.Millis }

func (s seedAt) At() generic.Millis { return s.at }
func (seedAt) seedEvent()           {}

type DefaultProductsChangeEvent struct {
	seedAt
	SnapshotID string
}

type SubscriptionStartEvent struct {
	seedAt
	SubscriptionID string
}

type SubscriptionRenewalEvent struct {
	seedAt
	InvoiceID string
}

type SubscriptionEndEvent struct {
	seedAt
	SubscriptionID string
}

type SubscriptionCancelEvent struct {
	seedAt
	SubscriptionID string
}

type SubscriptionRefundEvent struct {
	seedAt
	SubscriptionID string
}

type OneTimePurchaseEvent struct {
	seedAt
	PurchaseID string
}

type OneTimePurchaseRefundEvent struct {
	seedAt
	PurchaseID string
}

type ItemQuantityChangeEvent struct {
	seedAt
	ChangeID string
}

// DefaultItemRepeatEvent renews default-product items sharing one interval.
type DefaultItemRepeatEvent struct {
	seedAt
	CausedBy string
	Repeat   generic.Interval
	Items    []DefaultItemKey
}

// DefaultItemKey addresses one item of one default product.
type DefaultItemKey struct {
	ProductID string
	ItemID    string
}

// ItemGrantRepeatEvent renews purchased items sharing one interval.
type ItemGrantRepeatEvent struct {
	seedAt
	PurchaseKey string
	CausedBy    string
	Repeat      generic.Interval
	Items       []RepeatingItem
}

// RepeatingItem carries what the next renewal of one item expires and grants.
type RepeatingItem struct {
	ItemID              string
	Quantity            int64
	ExpiresWhenRepeated bool
	Adjusted            Ref
}

// =============================================================================
// EXTRACTION
// =============================================================================

// SeedSet is the result of one extraction: the ordered seed events plus the
// rows they reference, keyed by id.
type SeedSet struct {
	Events        []SeedEvent
	Snapshots     map[string]DefaultProductsSnapshotRow
	Subscriptions map[string]SubscriptionRow
	Invoices      map[string]SubscriptionInvoiceRow
	Purchases     map[string]OneTimePurchaseRow
	Changes       map[string]ItemQuantityChangeRow
}

func newSeedSet() *SeedSet {
	return &SeedSet{
		Snapshots:     make(map[string]DefaultProductsSnapshotRow),
		Subscriptions: make(map[string]SubscriptionRow),
		Invoices:      make(map[string]SubscriptionInvoiceRow),
		Purchases:     make(map[string]OneTimePurchaseRow),
		Changes:       make(map[string]ItemQuantityChangeRow),
	}
}

// ExtractSeedEvents reads every relevant row for the tenancy and converts
// each to seed events, ordered per table by (created, id).
func ExtractSeedEvents(ctx context.Context, store Store, tenancy generic.TenancyID, filter CustomerFilter) (*SeedSet, error) {
	snapshots, err := store.ListDefaultProductsSnapshots(ctx, tenancy)
	if err != nil {
		return nil, fmt.Errorf("list default products snapshots: %w", err)
	}
	subs, err := store.ListSubscriptions(ctx, tenancy, filter)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	invoices, err := store.ListSubscriptionInvoices(ctx, tenancy, filter)
	if err != nil {
		return nil, fmt.Errorf("list subscription invoices: %w", err)
	}
	purchases, err := store.ListOneTimePurchases(ctx, tenancy, filter)
	if err != nil {
		return nil, fmt.Errorf("list one-time purchases: %w", err)
	}
	changes, err := store.ListItemQuantityChanges(ctx, tenancy, filter)
	if err != nil {
		return nil, fmt.Errorf("list item quantity changes: %w", err)
	}

	set := newSeedSet()
	at := generic.FromTime

	sortByCreated(snapshots, func(r DefaultProductsSnapshotRow) (time.Time, string) { return r.CreatedAt, r.ID })
	for _, r := range snapshots {
		set.Snapshots[r.ID] = r
		set.Events = append(set.Events, DefaultProductsChangeEvent{seedAt{at(r.CreatedAt)}, r.ID})
	}

	sortByCreated(subs, func(r SubscriptionRow) (time.Time, string) { return r.CreatedAt, r.ID })
	for _, r := range subs {
		set.Subscriptions[r.ID] = r
		set.Events = append(set.Events, SubscriptionStartEvent{seedAt{at(r.CreatedAt)}, r.ID})
		if r.EndedAt != nil {
			set.Events = append(set.Events, SubscriptionEndEvent{seedAt{at(*r.EndedAt)}, r.ID})
		}
		if r.CancelAtPeriodEnd {
			set.Events = append(set.Events, SubscriptionCancelEvent{seedAt{at(cancelTime(r))}, r.ID})
		}
		if r.RefundedAt != nil {
			set.Events = append(set.Events, SubscriptionRefundEvent{seedAt{at(*r.RefundedAt)}, r.ID})
		}
	}

	sortByCreated(invoices, func(r SubscriptionInvoiceRow) (time.Time, string) { return r.CreatedAt, r.ID })
	for _, r := range invoices {
		if r.IsCreationInvoice {
			continue
		}
		set.Invoices[r.ID] = r
		set.Events = append(set.Events, SubscriptionRenewalEvent{seedAt{at(r.CreatedAt)}, r.ID})
	}

	sortByCreated(purchases, func(r OneTimePurchaseRow) (time.Time, string) { return r.CreatedAt, r.ID })
	for _, r := range purchases {
		set.Purchases[r.ID] = r
		set.Events = append(set.Events, OneTimePurchaseEvent{seedAt{at(r.CreatedAt)}, r.ID})
		if r.RefundedAt != nil {
			set.Events = append(set.Events, OneTimePurchaseRefundEvent{seedAt{at(*r.RefundedAt)}, r.ID})
		}
	}

	sortByCreated(changes, func(r ItemQuantityChangeRow) (time.Time, string) { return r.CreatedAt, r.ID })
	for _, r := range changes {
		set.Changes[r.ID] = r
		set.Events = append(set.Events, ItemQuantityChangeEvent{seedAt{at(r.CreatedAt)}, r.ID})
	}

	return set, nil
}

// cancelTime dates a cancel-at-period-end flag. Rows without an update
// stamp fall back to creation time.
func cancelTime(r SubscriptionRow) time.Time {
	if r.UpdatedAt.Before(r.CreatedAt) {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

func sortByCreated[T any](rows []T, key func(T) (time.Time, string)) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, idi := key(rows[i])
		tj, idj := key(rows[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
