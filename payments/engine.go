/*
engine.go - Transaction simulation

PURPOSE:
  Replays seed events in time order up to "now" and emits the immutable
  transactions of the ledger. The engine is the only place where billing
  policy lives: what a purchase grants, when grants renew, what an end or a
  refund takes away.

EVENT LOOP:
  The queue is drained while the earliest event is at or before now. A
  handler may push new events (item renewals) onto the same queue, so
  recurring grants are expanded on exact interval boundaries without
  recursion. The first future-dated event stops the loop and stays queued.

STATE (discarded after each build):
  purchases: "subscription:<id>" / "one-time-purchase:<id>" -> ActivePurchaseState
  defaults:  product id -> item id -> ActiveDefaultItemState

DETERMINISM:
  Every map is iterated in sorted key order and the queue breaks timestamp
  ties by insertion order, so identical rows replay to identical output.

INTEGRITY:
  A seed event whose row is missing from the SeedSet, a duplicate
  transaction id, or an expiry that cannot be matched to a grant slice
  aborts the build with a *generic.IntegrityError.

SEE ALSO:
  - purchases.go: Subscription and one-time purchase handlers
  - defaults.go: Default product handlers
  - seed.go: Event types
*/
package payments

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warp/billing-ledger/generic"
)

// PurchaseType distinguishes the two purchase kinds.
type PurchaseType string

const (
	PurchaseSubscription    PurchaseType = "subscription"
	PurchaseOneTimePurchase PurchaseType = "one-time-purchase"
)

func purchaseKey(kind PurchaseType, id string) string {
	return string(kind) + ":" + id
}

// ActivePurchaseState tracks one live subscription or one-time purchase.
type ActivePurchaseState struct {
	Kind         PurchaseType
	PurchaseID   string
	Customer     generic.Customer
	TestMode     bool
	Quantity     int64
	ProductID    *string
	Product      Product
	ProductGrant Ref
	Charged      map[string]string // nil when no money transfer was recorded
	Items        map[string]*PurchasedItemState
}

// PurchasedItemState is one included item of an active purchase.
type PurchasedItemState struct {
	Expires ExpiresPolicy
	Repeat  *generic.Interval
	Grants  GrantSlices
}

// ActiveDefaultItemState is one item of one default product.
type ActiveDefaultItemState struct {
	Quantity            int64
	Repeat              *generic.Interval
	ExpiresWhenRepeated bool
	SourceTxID          string
	Grants              GrantSlices
}

// Engine holds the state of a single build.
type Engine struct {
	now       generic.Millis
	seeds     *SeedSet
	queue     *generic.Queue[SeedEvent]
	purchases map[string]*ActivePurchaseState
	defaults  map[string]map[string]*ActiveDefaultItemState
	lastDflt  *string
	out       []Transaction
	ids       map[string]struct{}
}

// Simulate replays the seed set up to now and returns the ledger sorted
// newest first.
func Simulate(seeds *SeedSet, now generic.Millis) ([]Transaction, error) {
	e := &Engine{
		now:       now,
		seeds:     seeds,
		queue:     generic.NewQueue[SeedEvent](),
		purchases: make(map[string]*ActivePurchaseState),
		defaults:  make(map[string]map[string]*ActiveDefaultItemState),
		ids:       make(map[string]struct{}),
	}
	for _, ev := range seeds.Events {
		e.queue.Push(ev)
	}
	if err := e.run(); err != nil {
		return nil, err
	}
	SortNewestFirst(e.out)
	return e.out, nil
}

func (e *Engine) run() error {
	for {
		next, ok := e.queue.Peek()
		if !ok || next.At() > e.now {
			return nil
		}
		e.queue.Pop()
		if err := e.process(next); err != nil {
			return err
		}
	}
}

func (e *Engine) process(ev SeedEvent) error {
	switch ev := ev.(type) {
	case DefaultProductsChangeEvent:
		return e.defaultProductsChange(ev)
	case DefaultItemRepeatEvent:
		return e.defaultItemRepeat(ev)
	case SubscriptionStartEvent:
		return e.subscriptionStart(ev)
	case SubscriptionRenewalEvent:
		return e.subscriptionRenewal(ev)
	case SubscriptionEndEvent:
		return e.subscriptionEnd(ev)
	case SubscriptionCancelEvent:
		return e.subscriptionCancel(ev)
	case SubscriptionRefundEvent:
		return e.subscriptionRefund(ev)
	case OneTimePurchaseEvent:
		return e.oneTimePurchase(ev)
	case OneTimePurchaseRefundEvent:
		return e.oneTimePurchaseRefund(ev)
	case ItemGrantRepeatEvent:
		return e.itemGrantRepeat(ev)
	case ItemQuantityChangeEvent:
		return e.manualItemQuantityChange(ev)
	default:
		return fmt.Errorf("unhandled seed event %T", ev)
	}
}

// emit appends a transaction, enforcing id uniqueness.
func (e *Engine) emit(tx Transaction) error {
	if _, dup := e.ids[tx.ID]; dup {
		return &generic.IntegrityError{Kind: "transaction", ID: tx.ID, Detail: "emitted twice"}
	}
	e.ids[tx.ID] = struct{}{}
	if tx.AdjustedBy == nil {
		tx.AdjustedBy = []Ref{}
	}
	e.out = append(e.out, tx)
	return nil
}

func newTransaction(id string, kind TransactionType, at generic.Millis, testMode bool, entries []Entry) Transaction {
	return Transaction{
		ID:          id,
		Type:        kind,
		CreatedAt:   at,
		EffectiveAt: at,
		Entries:     entries,
		AdjustedBy:  []Ref{},
		TestMode:    testMode,
	}
}

func repeatTransactionID(causedBy string, at generic.Millis, repeat generic.Interval) string {
	return fmt.Sprintf("%s:repeat:%d:%s", causedBy, at, repeat.Key())
}

// grantIntegrity converts a grant-slice failure into an integrity error.
func grantIntegrity(txID string, err error) error {
	if errors.Is(err, generic.ErrInsufficientGrant) {
		return &generic.IntegrityError{Kind: "grant-slice", ID: txID, Detail: err.Error()}
	}
	return err
}

func missing(kind, id string) error {
	return &generic.IntegrityError{Kind: kind, ID: id}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
