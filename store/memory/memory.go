// Package memory provides an in-memory payments store for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/reconcile"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type tenancyData struct {
	snapshots     []payments.DefaultProductsSnapshotRow
	subscriptions map[string]payments.SubscriptionRow
	invoices      map[string]payments.SubscriptionInvoiceRow
	purchases     map[string]payments.OneTimePurchaseRow
	changes       []payments.ItemQuantityChangeRow
	refunds       []payments.RefundRecord
	runs          map[string]reconcile.RunRecord
}

// Store keeps rows per tenancy. Every read returns copies.
type Store struct {
	mu        sync.RWMutex
	tenancies map[generic.TenancyID]*tenancyData
}

var (
	_ payments.Store        = (*Store)(nil)
	_ payments.RefundStore  = (*Store)(nil)
	_ payments.Writer       = (*Store)(nil)
	_ reconcile.RunRecorder = (*Store)(nil)
)

func New() *Store {
	return &Store{tenancies: make(map[generic.TenancyID]*tenancyData)}
}

func (s *Store) data(tenancy generic.TenancyID) *tenancyData {
	d, ok := s.tenancies[tenancy]
	if !ok {
		d = &tenancyData{
			subscriptions: make(map[string]payments.SubscriptionRow),
			invoices:      make(map[string]payments.SubscriptionInvoiceRow),
			purchases:     make(map[string]payments.OneTimePurchaseRow),
			runs:          make(map[string]reconcile.RunRecord),
		}
		s.tenancies[tenancy] = d
	}
	return d
}

// Reset drops every row of every tenancy.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenancies = make(map[generic.TenancyID]*tenancyData)
}

// DeleteTenancy drops every row of one tenancy.
func (s *Store) DeleteTenancy(_ context.Context, tenancy generic.TenancyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenancies, tenancy)
	return nil
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) SaveDefaultProductsSnapshot(_ context.Context, tenancy generic.TenancyID, row payments.DefaultProductsSnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(tenancy)
	for _, existing := range d.snapshots {
		if existing.ID == row.ID {
			return fmt.Errorf("default products snapshot %s already exists", row.ID)
		}
	}
	d.snapshots = append(d.snapshots, row)
	return nil
}

// SaveSubscription inserts or replaces a subscription.
func (s *Store) SaveSubscription(_ context.Context, tenancy generic.TenancyID, row payments.SubscriptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data(tenancy).subscriptions[row.ID] = row
	return nil
}

// SaveSubscriptionInvoice inserts or replaces an invoice. The subscription
// must already exist.
func (s *Store) SaveSubscriptionInvoice(_ context.Context, tenancy generic.TenancyID, row payments.SubscriptionInvoiceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(tenancy)
	if _, ok := d.subscriptions[row.SubscriptionID]; !ok {
		return fmt.Errorf("invoice %s: subscription %s: %w", row.ID, row.SubscriptionID, generic.ErrNotFound)
	}
	d.invoices[row.ID] = row
	return nil
}

// SaveOneTimePurchase inserts or replaces a one-time purchase.
func (s *Store) SaveOneTimePurchase(_ context.Context, tenancy generic.TenancyID, row payments.OneTimePurchaseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data(tenancy).purchases[row.ID] = row
	return nil
}

func (s *Store) SaveItemQuantityChange(_ context.Context, tenancy generic.TenancyID, row payments.ItemQuantityChangeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(tenancy)
	d.changes = append(d.changes, row)
	return nil
}

// Refunds returns the refund audit records of a tenancy.
func (s *Store) Refunds(_ context.Context, tenancy generic.TenancyID) ([]payments.RefundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	return append([]payments.RefundRecord(nil), d.refunds...), nil
}

// =============================================================================
// READS (payments.Store)
// =============================================================================

func (s *Store) ListDefaultProductsSnapshots(_ context.Context, tenancy generic.TenancyID) ([]payments.DefaultProductsSnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	return append([]payments.DefaultProductsSnapshotRow(nil), d.snapshots...), nil
}

func (s *Store) ListSubscriptions(_ context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.SubscriptionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	var out []payments.SubscriptionRow
	for _, row := range d.subscriptions {
		if filter.Matches(row.Customer) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) ListSubscriptionInvoices(_ context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.SubscriptionInvoiceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	var out []payments.SubscriptionInvoiceRow
	for _, row := range d.invoices {
		sub, ok := d.subscriptions[row.SubscriptionID]
		if ok && filter.Matches(sub.Customer) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) ListOneTimePurchases(_ context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.OneTimePurchaseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	var out []payments.OneTimePurchaseRow
	for _, row := range d.purchases {
		if filter.Matches(row.Customer) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) ListItemQuantityChanges(_ context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.ItemQuantityChangeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	var out []payments.ItemQuantityChangeRow
	for _, row := range d.changes {
		if filter.Matches(row.Customer) {
			out = append(out, row)
		}
	}
	return out, nil
}

// =============================================================================
// REFUNDS (payments.RefundStore)
// =============================================================================

func (s *Store) GetSubscription(_ context.Context, tenancy generic.TenancyID, id string) (payments.SubscriptionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.tenancies[tenancy]; ok {
		if row, ok := d.subscriptions[id]; ok {
			return row, nil
		}
	}
	return payments.SubscriptionRow{}, fmt.Errorf("subscription %s: %w", id, generic.ErrNotFound)
}

func (s *Store) GetCreationInvoice(_ context.Context, tenancy generic.TenancyID, subscriptionID string) (payments.SubscriptionInvoiceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.tenancies[tenancy]; ok {
		for _, row := range d.invoices {
			if row.SubscriptionID == subscriptionID && row.IsCreationInvoice {
				return row, nil
			}
		}
	}
	return payments.SubscriptionInvoiceRow{}, fmt.Errorf("creation invoice of subscription %s: %w", subscriptionID, generic.ErrNotFound)
}

func (s *Store) GetOneTimePurchase(_ context.Context, tenancy generic.TenancyID, id string) (payments.OneTimePurchaseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.tenancies[tenancy]; ok {
		if row, ok := d.purchases[id]; ok {
			return row, nil
		}
	}
	return payments.OneTimePurchaseRow{}, fmt.Errorf("one-time purchase %s: %w", id, generic.ErrNotFound)
}

// MarkSubscriptionRefunded stamps refundedAt and records the refund. The
// row and the record change together or not at all.
func (s *Store) MarkSubscriptionRefunded(_ context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, cancelAtPeriodEnd bool, record payments.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(tenancy)
	row, ok := d.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, generic.ErrNotFound)
	}
	if row.RefundedAt != nil {
		return fmt.Errorf("subscription %s: %w", id, generic.ErrAlreadyRefunded)
	}
	at := refundedAt
	row.RefundedAt = &at
	row.UpdatedAt = refundedAt
	if cancelAtPeriodEnd {
		row.CancelAtPeriodEnd = true
	}
	d.subscriptions[id] = row
	d.refunds = append(d.refunds, record)
	return nil
}

func (s *Store) MarkOneTimePurchaseRefunded(_ context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, record payments.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(tenancy)
	row, ok := d.purchases[id]
	if !ok {
		return fmt.Errorf("one-time purchase %s: %w", id, generic.ErrNotFound)
	}
	if row.RefundedAt != nil {
		return fmt.Errorf("one-time purchase %s: %w", id, generic.ErrAlreadyRefunded)
	}
	at := refundedAt
	row.RefundedAt = &at
	d.purchases[id] = row
	d.refunds = append(d.refunds, record)
	return nil
}

// =============================================================================
// RECONCILE RUNS (reconcile.RunRecorder)
// =============================================================================

func (s *Store) SaveReconcileRun(_ context.Context, run reconcile.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data(run.Tenancy).runs[run.ID] = run
	return nil
}

// ListReconcileRuns returns runs newest first. A non-positive limit
// returns all of them.
func (s *Store) ListReconcileRuns(_ context.Context, tenancy generic.TenancyID, limit int) ([]reconcile.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tenancies[tenancy]
	if !ok {
		return nil, nil
	}
	out := make([]reconcile.RunRecord, 0, len(d.runs))
	for _, r := range d.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
