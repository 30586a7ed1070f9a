/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists the mutable purchase rows the ledger is rebuilt from, plus the
  refund audit trail and reconciliation run summaries. In production the
  same queries run against PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  payments.Store:        Reads for seed extraction
  payments.RefundStore:  Row lookups and refund stamping
  payments.Writer:       Row inserts for scenarios and imports
  reconcile.RunRecorder: Reconciliation run history

KEY TABLES:
  default_products_snapshots: Snapshot JSON per tenancy (insert only)
  subscriptions:              One row per subscription, updated in place
  subscription_invoices:      FK to subscriptions
  one_time_purchases:         One row per purchase
  item_quantity_changes:      Manual grants and deductions (insert only)
  refunds:                    Audit rows written by the refund flow
  reconcile_runs:             Verification run summaries

  Every table is keyed by (tenancy_id, id). Product snapshots are stored
  as JSON and decoded through factory.ProductFactory on read.

TIME FORMAT:
  TEXT columns in RFC3339 with a fixed nanosecond fraction, always UTC,
  so ORDER BY on a time column sorts chronologically.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

  ":memory:" databases are private to one connection, so the pool is
  pinned to a single connection for them.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := payments.NewService(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - payments/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/billing-ledger/factory"
	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
	"github.com/warp/billing-ledger/reconcile"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs them on the pool, Tx inside
// one database transaction.
type queries struct {
	db       dbtx
	products *factory.ProductFactory
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	conn *sql.DB
	mu   sync.Mutex
}

// Tx is a Store view bound to one database transaction.
type Tx struct {
	queries
}

var (
	_ payments.Store        = (*Store)(nil)
	_ payments.RefundStore  = (*Store)(nil)
	_ payments.Writer       = (*Store)(nil)
	_ reconcile.RunRecorder = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		queries: queries{db: db, products: factory.NewProductFactory()},
		conn:    db,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS default_products_snapshots (
		tenancy_id TEXT NOT NULL,
		id TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenancy_id, id)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		tenancy_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_type TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		product_id TEXT,
		price_id TEXT,
		product_json TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		status TEXT NOT NULL,
		current_period_start TEXT NOT NULL,
		current_period_end TEXT NOT NULL,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		billing_cycle_anchor TEXT,
		processor_subscription_id TEXT NOT NULL DEFAULT '',
		test_mode INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		ended_at TEXT,
		refunded_at TEXT,
		PRIMARY KEY (tenancy_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer
		ON subscriptions(tenancy_id, customer_type, customer_id);

	CREATE TABLE IF NOT EXISTS subscription_invoices (
		tenancy_id TEXT NOT NULL,
		id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		is_creation_invoice INTEGER NOT NULL DEFAULT 0,
		processor_payment_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenancy_id, id),
		FOREIGN KEY (tenancy_id, subscription_id) REFERENCES subscriptions(tenancy_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_subscription_invoices_subscription
		ON subscription_invoices(tenancy_id, subscription_id);

	CREATE TABLE IF NOT EXISTS one_time_purchases (
		tenancy_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_type TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		product_id TEXT,
		price_id TEXT,
		product_json TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		processor_payment_id TEXT NOT NULL DEFAULT '',
		test_mode INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		refunded_at TEXT,
		PRIMARY KEY (tenancy_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_one_time_purchases_customer
		ON one_time_purchases(tenancy_id, customer_type, customer_id);

	CREATE TABLE IF NOT EXISTS item_quantity_changes (
		tenancy_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_type TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (tenancy_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_item_quantity_changes_customer
		ON item_quantity_changes(tenancy_id, customer_type, customer_id);

	-- Refund audit trail, one row per successful processor refund
	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		tenancy_id TEXT NOT NULL,
		purchase_type TEXT NOT NULL,
		purchase_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		amount_minor_units INTEGER NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_purchase
		ON refunds(tenancy_id, purchase_type, purchase_id);

	-- Reconciliation runs (scheduled and on demand)
	CREATE TABLE IF NOT EXISTS reconcile_runs (
		id TEXT PRIMARY KEY,
		tenancy_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		customers INTEGER NOT NULL DEFAULT 0,
		findings INTEGER NOT NULL DEFAULT 0,
		mismatches INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconcile_runs_tenancy
		ON reconcile_runs(tenancy_id, started_at);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{db: sqlTx, products: s.products}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// DeleteTenancy drops every row of one tenancy.
func (s *Store) DeleteTenancy(ctx context.Context, tenancy generic.TenancyID) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteTenancy(ctx, tenancy)
	})
}

// DeleteTenancy drops every row of one tenancy. Invoices go before the
// subscriptions they reference.
func (q *queries) DeleteTenancy(ctx context.Context, tenancy generic.TenancyID) error {
	for _, table := range []string{
		"subscription_invoices", "subscriptions", "one_time_purchases",
		"item_quantity_changes", "default_products_snapshots", "refunds", "reconcile_runs",
	} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE tenancy_id = ?", tenancy); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// WRITES (payments.Writer)
// =============================================================================

func (q *queries) SaveDefaultProductsSnapshot(ctx context.Context, tenancy generic.TenancyID, row payments.DefaultProductsSnapshotRow) error {
	body, err := json.Marshal(row.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", row.ID, err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO default_products_snapshots (tenancy_id, id, snapshot_json, created_at)
		VALUES (?, ?, ?, ?)`,
		tenancy, row.ID, string(body), formatTime(row.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("default products snapshot %s already exists", row.ID)
	}
	return err
}

// SaveSubscription inserts or replaces a subscription.
func (q *queries) SaveSubscription(ctx context.Context, tenancy generic.TenancyID, row payments.SubscriptionRow) error {
	body, err := json.Marshal(row.Product)
	if err != nil {
		return fmt.Errorf("encode product of subscription %s: %w", row.ID, err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO subscriptions (tenancy_id, id, customer_type, customer_id, product_id, price_id,
			product_json, quantity, status, current_period_start, current_period_end,
			cancel_at_period_end, billing_cycle_anchor, processor_subscription_id, test_mode,
			created_at, updated_at, ended_at, refunded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenancy_id, id) DO UPDATE SET
			customer_type = excluded.customer_type,
			customer_id = excluded.customer_id,
			product_id = excluded.product_id,
			price_id = excluded.price_id,
			product_json = excluded.product_json,
			quantity = excluded.quantity,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			billing_cycle_anchor = excluded.billing_cycle_anchor,
			processor_subscription_id = excluded.processor_subscription_id,
			test_mode = excluded.test_mode,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			ended_at = excluded.ended_at,
			refunded_at = excluded.refunded_at`,
		tenancy, row.ID, string(row.Customer.Type), row.Customer.ID,
		nullString(row.ProductID), nullString(row.PriceID),
		string(body), row.Quantity, string(row.Status),
		formatTime(row.CurrentPeriodStart), formatTime(row.CurrentPeriodEnd),
		row.CancelAtPeriodEnd, nullTime(row.BillingCycleAnchor),
		row.ProcessorSubscriptionID, row.TestMode,
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
		nullTime(row.EndedAt), nullTime(row.RefundedAt),
	)
	return err
}

// SaveSubscriptionInvoice inserts or replaces an invoice. The subscription
// must already exist.
func (q *queries) SaveSubscriptionInvoice(ctx context.Context, tenancy generic.TenancyID, row payments.SubscriptionInvoiceRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO subscription_invoices (tenancy_id, id, subscription_id, is_creation_invoice,
			processor_payment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenancy_id, id) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			is_creation_invoice = excluded.is_creation_invoice,
			processor_payment_id = excluded.processor_payment_id,
			created_at = excluded.created_at`,
		tenancy, row.ID, row.SubscriptionID, row.IsCreationInvoice,
		row.ProcessorPaymentID, formatTime(row.CreatedAt),
	)
	if isForeignKeyError(err) {
		return fmt.Errorf("invoice %s: subscription %s: %w", row.ID, row.SubscriptionID, generic.ErrNotFound)
	}
	return err
}

// SaveOneTimePurchase inserts or replaces a one-time purchase.
func (q *queries) SaveOneTimePurchase(ctx context.Context, tenancy generic.TenancyID, row payments.OneTimePurchaseRow) error {
	body, err := json.Marshal(row.Product)
	if err != nil {
		return fmt.Errorf("encode product of one-time purchase %s: %w", row.ID, err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO one_time_purchases (tenancy_id, id, customer_type, customer_id, product_id,
			price_id, product_json, quantity, processor_payment_id, test_mode, created_at, refunded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenancy_id, id) DO UPDATE SET
			customer_type = excluded.customer_type,
			customer_id = excluded.customer_id,
			product_id = excluded.product_id,
			price_id = excluded.price_id,
			product_json = excluded.product_json,
			quantity = excluded.quantity,
			processor_payment_id = excluded.processor_payment_id,
			test_mode = excluded.test_mode,
			created_at = excluded.created_at,
			refunded_at = excluded.refunded_at`,
		tenancy, row.ID, string(row.Customer.Type), row.Customer.ID,
		nullString(row.ProductID), nullString(row.PriceID),
		string(body), row.Quantity, row.ProcessorPaymentID, row.TestMode,
		formatTime(row.CreatedAt), nullTime(row.RefundedAt),
	)
	return err
}

func (q *queries) SaveItemQuantityChange(ctx context.Context, tenancy generic.TenancyID, row payments.ItemQuantityChangeRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO item_quantity_changes (tenancy_id, id, customer_type, customer_id, item_id,
			quantity, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tenancy, row.ID, string(row.Customer.Type), row.Customer.ID, row.ItemID,
		row.Quantity, formatTime(row.CreatedAt), nullTime(row.ExpiresAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("item quantity change %s already exists", row.ID)
	}
	return err
}

// =============================================================================
// READS (payments.Store)
// =============================================================================

// customerClause matches every row when the filter field is empty.
const customerClause = `(? = '' OR customer_type = ?) AND (? = '' OR customer_id = ?)`

func customerArgs(f payments.CustomerFilter) []any {
	return []any{string(f.CustomerType), string(f.CustomerType), f.CustomerID, f.CustomerID}
}

func (q *queries) ListDefaultProductsSnapshots(ctx context.Context, tenancy generic.TenancyID) ([]payments.DefaultProductsSnapshotRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, snapshot_json, created_at
		FROM default_products_snapshots
		WHERE tenancy_id = ?
		ORDER BY created_at, id`, tenancy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.DefaultProductsSnapshotRow
	for rows.Next() {
		var (
			r             payments.DefaultProductsSnapshotRow
			body, created string
		)
		if err := rows.Scan(&r.ID, &body, &created); err != nil {
			return nil, err
		}
		if r.Snapshot, err = q.products.ParseSnapshot([]byte(body)); err != nil {
			return nil, fmt.Errorf("default products snapshot %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, customer_type, customer_id, product_id, price_id, product_json,
	quantity, status, current_period_start, current_period_end, cancel_at_period_end,
	billing_cycle_anchor, processor_subscription_id, test_mode, created_at, updated_at,
	ended_at, refunded_at`

func (q *queries) ListSubscriptions(ctx context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.SubscriptionRow, error) {
	args := append([]any{tenancy}, customerArgs(filter)...)
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenancy_id = ? AND `+customerClause+`
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.SubscriptionRow
	for rows.Next() {
		r, err := q.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) ListSubscriptionInvoices(ctx context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.SubscriptionInvoiceRow, error) {
	args := append([]any{tenancy}, customerArgs(filter)...)
	rows, err := q.db.QueryContext(ctx, `
		SELECT i.id, i.subscription_id, i.is_creation_invoice, i.processor_payment_id, i.created_at
		FROM subscription_invoices i
		JOIN subscriptions s ON s.tenancy_id = i.tenancy_id AND s.id = i.subscription_id
		WHERE i.tenancy_id = ? AND `+strings.NewReplacer("customer_", "s.customer_").Replace(customerClause)+`
		ORDER BY i.created_at, i.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.SubscriptionInvoiceRow
	for rows.Next() {
		r, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const purchaseColumns = `id, customer_type, customer_id, product_id, price_id, product_json,
	quantity, processor_payment_id, test_mode, created_at, refunded_at`

func (q *queries) ListOneTimePurchases(ctx context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.OneTimePurchaseRow, error) {
	args := append([]any{tenancy}, customerArgs(filter)...)
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM one_time_purchases
		WHERE tenancy_id = ? AND `+customerClause+`
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.OneTimePurchaseRow
	for rows.Next() {
		r, err := q.scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) ListItemQuantityChanges(ctx context.Context, tenancy generic.TenancyID, filter payments.CustomerFilter) ([]payments.ItemQuantityChangeRow, error) {
	args := append([]any{tenancy}, customerArgs(filter)...)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, customer_type, customer_id, item_id, quantity, created_at, expires_at
		FROM item_quantity_changes
		WHERE tenancy_id = ? AND `+customerClause+`
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.ItemQuantityChangeRow
	for rows.Next() {
		var (
			r            payments.ItemQuantityChangeRow
			customerType string
			created      string
			expires      sql.NullString
		)
		if err := rows.Scan(&r.ID, &customerType, &r.Customer.ID, &r.ItemID, &r.Quantity, &created, &expires); err != nil {
			return nil, err
		}
		r.Customer.Type = generic.CustomerType(customerType)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if r.ExpiresAt, err = parseNullTime(expires); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// REFUNDS (payments.RefundStore)
// =============================================================================

func (q *queries) GetSubscription(ctx context.Context, tenancy generic.TenancyID, id string) (payments.SubscriptionRow, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenancy_id = ? AND id = ?`, tenancy, id)
	r, err := q.scanSubscription(row)
	if err == sql.ErrNoRows {
		return payments.SubscriptionRow{}, fmt.Errorf("subscription %s: %w", id, generic.ErrNotFound)
	}
	return r, err
}

func (q *queries) GetCreationInvoice(ctx context.Context, tenancy generic.TenancyID, subscriptionID string) (payments.SubscriptionInvoiceRow, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, is_creation_invoice, processor_payment_id, created_at
		FROM subscription_invoices
		WHERE tenancy_id = ? AND subscription_id = ? AND is_creation_invoice = 1
		ORDER BY created_at, id
		LIMIT 1`, tenancy, subscriptionID)
	r, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return payments.SubscriptionInvoiceRow{}, fmt.Errorf("creation invoice of subscription %s: %w", subscriptionID, generic.ErrNotFound)
	}
	return r, err
}

func (q *queries) GetOneTimePurchase(ctx context.Context, tenancy generic.TenancyID, id string) (payments.OneTimePurchaseRow, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM one_time_purchases WHERE tenancy_id = ? AND id = ?`, tenancy, id)
	r, err := q.scanPurchase(row)
	if err == sql.ErrNoRows {
		return payments.OneTimePurchaseRow{}, fmt.Errorf("one-time purchase %s: %w", id, generic.ErrNotFound)
	}
	return r, err
}

// MarkSubscriptionRefunded stamps refundedAt and records the refund in one
// database transaction.
func (s *Store) MarkSubscriptionRefunded(ctx context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, cancelAtPeriodEnd bool, record payments.RefundRecord) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSubscriptionRefunded(ctx, tenancy, id, refundedAt, cancelAtPeriodEnd, record)
	})
}

// MarkOneTimePurchaseRefunded stamps refundedAt and records the refund in
// one database transaction.
func (s *Store) MarkOneTimePurchaseRefunded(ctx context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, record payments.RefundRecord) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkOneTimePurchaseRefunded(ctx, tenancy, id, refundedAt, record)
	})
}

func (q *queries) MarkSubscriptionRefunded(ctx context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, cancelAtPeriodEnd bool, record payments.RefundRecord) error {
	at := formatTime(refundedAt)
	res, err := q.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET refunded_at = ?, updated_at = ?,
			cancel_at_period_end = CASE WHEN ? THEN 1 ELSE cancel_at_period_end END
		WHERE tenancy_id = ? AND id = ? AND refunded_at IS NULL`,
		at, at, cancelAtPeriodEnd, tenancy, id,
	)
	if err != nil {
		return err
	}
	if err := q.checkStamped(ctx, res, "subscriptions", "subscription", tenancy, id); err != nil {
		return err
	}
	return q.insertRefund(ctx, tenancy, record)
}

func (q *queries) MarkOneTimePurchaseRefunded(ctx context.Context, tenancy generic.TenancyID, id string, refundedAt time.Time, record payments.RefundRecord) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE one_time_purchases SET refunded_at = ?
		WHERE tenancy_id = ? AND id = ? AND refunded_at IS NULL`,
		formatTime(refundedAt), tenancy, id,
	)
	if err != nil {
		return err
	}
	if err := q.checkStamped(ctx, res, "one_time_purchases", "one-time purchase", tenancy, id); err != nil {
		return err
	}
	return q.insertRefund(ctx, tenancy, record)
}

// checkStamped tells a missing row from an already refunded one when an
// UPDATE ... AND refunded_at IS NULL touched nothing.
func (q *queries) checkStamped(ctx context.Context, res sql.Result, table, kind string, tenancy generic.TenancyID, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE tenancy_id = ? AND id = ?", tenancy, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, generic.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, generic.ErrAlreadyRefunded)
}

func (q *queries) insertRefund(ctx context.Context, tenancy generic.TenancyID, r payments.RefundRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO refunds (id, tenancy_id, purchase_type, purchase_id, quantity,
			amount_minor_units, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, tenancy, string(r.PurchaseType), r.PurchaseID, r.Quantity,
		r.AmountMinorUnits, r.Currency, formatTime(r.CreatedAt),
	)
	return err
}

// Refunds returns the refund audit records of a tenancy, oldest first.
func (q *queries) Refunds(ctx context.Context, tenancy generic.TenancyID) ([]payments.RefundRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, purchase_type, purchase_id, quantity, amount_minor_units, currency, created_at
		FROM refunds WHERE tenancy_id = ?
		ORDER BY created_at, id`, tenancy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.RefundRecord
	for rows.Next() {
		var (
			r            payments.RefundRecord
			purchaseType string
			created      string
		)
		if err := rows.Scan(&r.ID, &purchaseType, &r.PurchaseID, &r.Quantity, &r.AmountMinorUnits, &r.Currency, &created); err != nil {
			return nil, err
		}
		r.PurchaseType = payments.PurchaseType(purchaseType)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILE RUNS (reconcile.RunRecorder)
// =============================================================================

// SaveReconcileRun inserts or updates a run summary.
func (q *queries) SaveReconcileRun(ctx context.Context, r reconcile.RunRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (id, tenancy_id, mode, status, customers, findings,
			mismatches, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			customers = excluded.customers,
			findings = excluded.findings,
			mismatches = excluded.mismatches,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Tenancy, string(r.Mode), r.Status, r.Customers, r.Findings,
		r.Mismatches, errorColumn(r.Error), formatTime(r.StartedAt), formatTime(r.CompletedAt),
	)
	return err
}

// ListReconcileRuns returns the most recent runs of a tenancy, newest first.
// A non-positive limit returns every run.
func (q *queries) ListReconcileRuns(ctx context.Context, tenancy generic.TenancyID, limit int) ([]reconcile.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, tenancy_id, mode, status, customers, findings, mismatches, error,
			started_at, completed_at
		FROM reconcile_runs
		WHERE tenancy_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?`, tenancy, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.RunRecord
	for rows.Next() {
		var (
			r                  reconcile.RunRecord
			tenancyID, mode    string
			runErr             sql.NullString
			started, completed string
		)
		if err := rows.Scan(&r.ID, &tenancyID, &mode, &r.Status, &r.Customers, &r.Findings,
			&r.Mismatches, &runErr, &started, &completed); err != nil {
			return nil, err
		}
		r.Tenancy = generic.TenancyID(tenancyID)
		r.Mode = reconcile.Mode(mode)
		r.Error = runErr.String
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func (q *queries) scanSubscription(row scanner) (payments.SubscriptionRow, error) {
	var (
		r                          payments.SubscriptionRow
		customerType, status, body string
		productID, priceID         sql.NullString
		periodStart, periodEnd     string
		anchor, ended, refunded    sql.NullString
		created, updated           string
	)
	if err := row.Scan(&r.ID, &customerType, &r.Customer.ID, &productID, &priceID, &body,
		&r.Quantity, &status, &periodStart, &periodEnd, &r.CancelAtPeriodEnd,
		&anchor, &r.ProcessorSubscriptionID, &r.TestMode, &created, &updated,
		&ended, &refunded); err != nil {
		return payments.SubscriptionRow{}, err
	}
	r.Customer.Type = generic.CustomerType(customerType)
	r.Status = payments.SubscriptionStatus(status)
	r.ProductID = stringPtr(productID)
	r.PriceID = stringPtr(priceID)

	var err error
	if r.Product, err = q.products.ParseProduct([]byte(body)); err != nil {
		return payments.SubscriptionRow{}, fmt.Errorf("subscription %s: %w", r.ID, err)
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&r.CurrentPeriodStart, periodStart}, {&r.CurrentPeriodEnd, periodEnd}, {&r.CreatedAt, created}, {&r.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return payments.SubscriptionRow{}, err
		}
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&r.BillingCycleAnchor, anchor}, {&r.EndedAt, ended}, {&r.RefundedAt, refunded}} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return payments.SubscriptionRow{}, err
		}
	}
	return r, nil
}

func (q *queries) scanPurchase(row scanner) (payments.OneTimePurchaseRow, error) {
	var (
		r                  payments.OneTimePurchaseRow
		customerType, body string
		productID, priceID sql.NullString
		created            string
		refunded           sql.NullString
	)
	if err := row.Scan(&r.ID, &customerType, &r.Customer.ID, &productID, &priceID, &body,
		&r.Quantity, &r.ProcessorPaymentID, &r.TestMode, &created, &refunded); err != nil {
		return payments.OneTimePurchaseRow{}, err
	}
	r.Customer.Type = generic.CustomerType(customerType)
	r.ProductID = stringPtr(productID)
	r.PriceID = stringPtr(priceID)

	var err error
	if r.Product, err = q.products.ParseProduct([]byte(body)); err != nil {
		return payments.OneTimePurchaseRow{}, fmt.Errorf("one-time purchase %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return payments.OneTimePurchaseRow{}, err
	}
	if r.RefundedAt, err = parseNullTime(refunded); err != nil {
		return payments.OneTimePurchaseRow{}, err
	}
	return r, nil
}

func scanInvoice(row scanner) (payments.SubscriptionInvoiceRow, error) {
	var (
		r       payments.SubscriptionInvoiceRow
		created string
	)
	if err := row.Scan(&r.ID, &r.SubscriptionID, &r.IsCreationInvoice, &r.ProcessorPaymentID, &created); err != nil {
		return payments.SubscriptionInvoiceRow{}, err
	}
	var err error
	r.CreatedAt, err = parseTime(created)
	return r, err
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is RFC3339 with a fixed nine-digit fraction so that TEXT
// ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func errorColumn(msg string) sql.NullString {
	return sql.NullString{String: msg, Valid: msg != ""}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
