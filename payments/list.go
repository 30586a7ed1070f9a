/*
list.go - Cursor-paginated view over a full replay

PURPOSE:
  A TransactionList answers page requests for one tenancy at one instant.
  The first request for a filter replays the whole relevant history; later
  pages of the same filter slice the memoized, already sorted result.

MEMO:
  Keyed by the canonical JSON of the filter. Concurrent requests for the
  same filter on the same list share one in-flight replay (singleflight).
  The memo is bounded (LRU) and lives only as long as the list: a fresh
  list is built per query so "now" never goes stale.

CURSORS:
  A cursor is the id of a transaction in the sorted result. Next returns
  the items after it, Prev the items before it.

SEE ALSO:
  - engine.go: Simulate
  - service.go: Creates lists
*/
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/metrics"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000

	defaultListCacheSize = 16
)

// OrderBy selects the sort order. Only newest-first is supported.
type OrderBy string

const OrderCreatedDesc OrderBy = "created-desc"

// ListFilter narrows a listing. Zero fields match everything.
type ListFilter struct {
	CustomerType generic.CustomerType `json:"customer_type,omitempty"`
	CustomerID   string               `json:"customer_id,omitempty"`
	Type         TransactionType      `json:"type,omitempty"`
}

func (f ListFilter) customerFilter() CustomerFilter {
	return CustomerFilter{CustomerType: f.CustomerType, CustomerID: f.CustomerID}
}

// key is the canonical serialization used for memoization.
func (f ListFilter) key() string {
	b, _ := json.Marshal(f)
	return string(b)
}

// Matches applies the filter to a finished transaction. Transactions that
// name no customer (default products) match every customer filter.
func (f ListFilter) Matches(tx Transaction) bool {
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	cf := f.customerFilter()
	for _, entry := range tx.Entries {
		if c, ok := entryCustomer(entry); ok && !cf.Matches(c) {
			return false
		}
	}
	return true
}

func entryCustomer(e Entry) (generic.Customer, bool) {
	switch e := e.(type) {
	case ActiveSubscriptionStart:
		return e.Customer, true
	case ActiveSubscriptionStop:
		return e.Customer, true
	case ActiveSubscriptionChange:
		return e.Customer, true
	case ProductGrant:
		return e.Customer, true
	case ProductRevocation:
		return e.Customer, true
	case ItemQuantityChange:
		return e.Customer, true
	case ItemQuantityExpire:
		return e.Customer, true
	case MoneyTransfer:
		return e.Customer, true
	case DefaultProductsChange, DefaultProductItemGrant, DefaultProductItemChange, DefaultProductItemExpire:
		return generic.Customer{}, false
	}
	return generic.Customer{}, false
}

// PageQuery is one page request.
type PageQuery struct {
	Filter  ListFilter
	Limit   int
	Cursor  string
	OrderBy OrderBy
}

// Page is one slice of the sorted result.
type Page struct {
	Items      []Transaction
	IsFirst    bool
	IsLast     bool
	Cursor     string // id of the last item, continue with Next
	PrevCursor string // id of the first item, continue with Prev
}

// TransactionList serves pages for one tenancy at one instant.
type TransactionList struct {
	store   Store
	tenancy generic.TenancyID
	now     generic.Millis
	logger  zerolog.Logger

	memo  *lru.Cache[string, []Transaction]
	group singleflight.Group
}

// NewTransactionList creates a list. cacheSize bounds the number of
// distinct filters memoized.
func NewTransactionList(store Store, tenancy generic.TenancyID, now generic.Millis, cacheSize int, logger zerolog.Logger) *TransactionList {
	if cacheSize <= 0 {
		cacheSize = defaultListCacheSize
	}
	memo, _ := lru.New[string, []Transaction](cacheSize) // only errors on non-positive size
	return &TransactionList{
		store:   store,
		tenancy: tenancy,
		now:     now,
		logger:  logger,
		memo:    memo,
	}
}

// Now is the instant the list replays up to.
func (l *TransactionList) Now() generic.Millis { return l.now }

// Next returns up to limit transactions after the cursor.
func (l *TransactionList) Next(ctx context.Context, q PageQuery) (Page, error) {
	txs, limit, err := l.prepare(ctx, q)
	if err != nil {
		return Page{}, err
	}
	start := 0
	if q.Cursor != "" {
		i, err := indexOf(txs, q.Cursor)
		if err != nil {
			return Page{}, err
		}
		start = i + 1
	}
	end := min(start+limit, len(txs))
	return makePage(txs, start, end), nil
}

// Prev returns up to limit transactions before the cursor. Without a cursor
// it returns the final page.
func (l *TransactionList) Prev(ctx context.Context, q PageQuery) (Page, error) {
	txs, limit, err := l.prepare(ctx, q)
	if err != nil {
		return Page{}, err
	}
	end := len(txs)
	if q.Cursor != "" {
		i, err := indexOf(txs, q.Cursor)
		if err != nil {
			return Page{}, err
		}
		end = i
	}
	start := max(end-limit, 0)
	return makePage(txs, start, end), nil
}

// All returns the complete filtered result by walking every page.
func (l *TransactionList) All(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	var out []Transaction
	q := PageQuery{Filter: filter, Limit: MaxPageLimit}
	for {
		page, err := l.Next(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.IsLast {
			return out, nil
		}
		q.Cursor = page.Cursor
	}
}

func (l *TransactionList) prepare(ctx context.Context, q PageQuery) ([]Transaction, int, error) {
	if q.OrderBy != "" && q.OrderBy != OrderCreatedDesc {
		return nil, 0, &generic.ValidationError{Field: "order_by", Reason: fmt.Sprintf("unsupported order %q", q.OrderBy)}
	}
	if q.Filter.Type != "" && !q.Filter.Type.Valid() {
		return nil, 0, &generic.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown transaction type %q", q.Filter.Type)}
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultPageLimit
	case limit < 0 || limit > MaxPageLimit:
		return nil, 0, &generic.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxPageLimit)}
	}
	txs, err := l.build(ctx, q.Filter)
	return txs, limit, err
}

// build returns the memoized replay for a filter, replaying on a miss.
func (l *TransactionList) build(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	key := filter.key()
	if txs, ok := l.memo.Get(key); ok {
		metrics.ListCacheTotal.WithLabelValues("hit").Inc()
		return txs, nil
	}

	v, err, shared := l.group.Do(key, func() (any, error) {
		if txs, ok := l.memo.Get(key); ok {
			return txs, nil
		}
		txs, err := l.replay(ctx, filter)
		if err != nil {
			return nil, err
		}
		l.memo.Add(key, txs)
		return txs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.ListCacheTotal.WithLabelValues("shared").Inc()
	} else {
		metrics.ListCacheTotal.WithLabelValues("miss").Inc()
	}
	return v.([]Transaction), nil
}

func (l *TransactionList) replay(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	started := time.Now()
	seeds, err := ExtractSeedEvents(ctx, l.store, l.tenancy, filter.customerFilter())
	if err != nil {
		metrics.LedgerBuildsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	all, err := Simulate(seeds, l.now)
	if err != nil {
		metrics.LedgerBuildsTotal.WithLabelValues("error").Inc()
		l.logger.Error().Err(err).Str("tenancy", string(l.tenancy)).Str("filter", filter.key()).Msg("ledger replay failed")
		return nil, err
	}

	txs := all
	if filter.Type != "" {
		txs = make([]Transaction, 0, len(all))
		for _, tx := range all {
			if tx.Type == filter.Type {
				txs = append(txs, tx)
			}
		}
	}

	elapsed := time.Since(started)
	metrics.LedgerBuildsTotal.WithLabelValues("ok").Inc()
	metrics.LedgerBuildDurationSeconds.Observe(elapsed.Seconds())
	metrics.LedgerBuildTransactions.Observe(float64(len(all)))
	l.logger.Debug().
		Str("tenancy", string(l.tenancy)).
		Str("filter", filter.key()).
		Int("seed_events", len(seeds.Events)).
		Int("transactions", len(txs)).
		Dur("elapsed", elapsed).
		Msg("ledger replayed")
	return txs, nil
}

func indexOf(txs []Transaction, id string) (int, error) {
	for i, tx := range txs {
		if tx.ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", generic.ErrInvalidCursor, id)
}

func makePage(txs []Transaction, start, end int) Page {
	page := Page{
		Items:   append([]Transaction(nil), txs[start:end]...),
		IsFirst: start == 0,
		IsLast:  end == len(txs),
	}
	if end > start {
		page.Cursor = txs[end-1].ID
		page.PrevCursor = txs[start].ID
	}
	return page
}
