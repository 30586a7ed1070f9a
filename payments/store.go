/*
store.go - Storage collaborator contracts

PURPOSE:
  The ledger is rebuilt from the current mutable state of a few tables on
  every query. This file defines those rows and the read interface the
  ledger needs, plus the narrow write interface the refund flow uses.

KEY TABLES:
  default_products_snapshots: history of automatically granted products
  subscriptions:              recurring purchases
  subscription_invoices:      one per billing cycle (creation invoice excluded
                              from renewals)
  one_time_purchases:         single purchases
  item_quantity_changes:      manual grants and deductions

FILTERING:
  CustomerFilter narrows purchase and change rows to one customer. Default
  product snapshots are tenancy-wide and never filtered.

IMPLEMENTATIONS:
  - store/memory: In-memory, for tests and demos
  - store/sqlite: SQLite via database/sql

SEE ALSO:
  - seed.go: Turns rows into seed events
  - refund.go: Uses RefundStore
*/
package payments

import (
	"context"
	"time"

	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// ROWS
// =============================================================================

type DefaultProductsSnapshotRow struct {
	ID        string
	Snapshot  DefaultProductsSnapshot
	CreatedAt time.Time
}

// SubscriptionStatus mirrors the processor's subscription status.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

type SubscriptionRow struct {
	ID                      string
	Customer                generic.Customer
	ProductID               *string
	PriceID                 *string
	Product                 Product
	Quantity                int64
	Status                  SubscriptionStatus
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	CancelAtPeriodEnd       bool
	BillingCycleAnchor      *time.Time
	ProcessorSubscriptionID string
	TestMode                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
	EndedAt                 *time.Time
	RefundedAt              *time.Time
}

type SubscriptionInvoiceRow struct {
	ID                 string
	SubscriptionID     string
	IsCreationInvoice  bool
	ProcessorPaymentID string
	CreatedAt          time.Time
}

type OneTimePurchaseRow struct {
	ID                 string
	Customer           generic.Customer
	ProductID          *string
	PriceID            *string
	Product            Product
	Quantity           int64
	ProcessorPaymentID string
	TestMode           bool
	CreatedAt          time.Time
	RefundedAt         *time.Time
}

type ItemQuantityChangeRow struct {
	ID        string
	Customer  generic.Customer
	ItemID    string
	Quantity  int64
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// RefundRecord is the audit row written after a successful processor refund.
type RefundRecord struct {
	ID               string
	PurchaseType     PurchaseType
	PurchaseID       string
	Quantity         int64
	AmountMinorUnits int64
	Currency         string
	CreatedAt        time.Time
}

// =============================================================================
// INTERFACES
// =============================================================================

// CustomerFilter restricts rows to one customer. Zero values match all.
type CustomerFilter struct {
	CustomerType generic.CustomerType
	CustomerID   string
}

// Matches reports whether a customer passes the filter.
func (f CustomerFilter) Matches(c generic.Customer) bool {
	if f.CustomerType != "" && f.CustomerType != c.Type {
		return false
	}
	if f.CustomerID != "" && f.CustomerID != c.ID {
		return false
	}
	return true
}

// Store is the read side the ledger is rebuilt from.
type Store interface {
	ListDefaultProductsSnapshots(ctx context.Context, tenancy generic.TenancyID) ([]DefaultProductsSnapshotRow, error)
	ListSubscriptions(ctx context.Context, tenancy generic.TenancyID, filter CustomerFilter) ([]SubscriptionRow, error)
	ListSubscriptionInvoices(ctx context.Context, tenancy generic.TenancyID, filter CustomerFilter) ([]SubscriptionInvoiceRow, error)
	ListOneTimePurchases(ctx context.Context, tenancy generic.TenancyID, filter CustomerFilter) ([]OneTimePurchaseRow, error)
	ListItemQuantityChanges(ctx context.Context, tenancy generic.TenancyID, filter CustomerFilter) ([]ItemQuantityChangeRow, error)
}

// Writer loads rows, for demo scenarios and imports. DeleteTenancy drops
// every row of one tenancy.
type Writer interface {
	SaveDefaultProductsSnapshot(ctx context.Context, tenancy generic.TenancyID, row DefaultProductsSnapshotRow) error
	SaveSubscription(ctx context.Context, tenancy generic.TenancyID, row SubscriptionRow) error
	SaveSubscriptionInvoice(ctx context.Context, tenancy generic.TenancyID, row SubscriptionInvoiceRow) error
	SaveOneTimePurchase(ctx context.Context, tenancy generic.TenancyID, row OneTimePurchaseRow) error
	SaveItemQuantityChange(ctx context.Context, tenancy generic.TenancyID, row ItemQuantityChangeRow) error
	DeleteTenancy(ctx context.Context, tenancy generic.TenancyID) error
}

// RefundStore is the write side used by refunds. Get methods return
// generic.ErrNotFound (wrapped) when the row does not exist.
type RefundStore interface {
	GetSubscription(ctx context.Context, tenancy generic.TenancyID, id string) (SubscriptionRow, error)
	GetCreationInvoice(ctx context.Context, tenancy generic.TenancyID, subscriptionID string) (SubscriptionInvoiceRow, error)
	GetOneTimePurchase(ctx context.Context, tenancy generic.TenancyID, id string) (OneTimePurchaseRow, error)
	MarkSubscriptionRefunded(ctx context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, cancelAtPeriodEnd bool, record RefundRecord) error
	MarkOneTimePurchaseRefunded(ctx context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, record RefundRecord) error
}
