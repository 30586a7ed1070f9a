/*
Package reconcile verifies the ledger against an independent model.

PURPOSE:
  Offline check that replaying a tenancy's rows through the engine gives
  the balances and owned products a simpler derivation expects. Used by
  the `verify` command, the reconcile endpoint and the scheduler.

MODES:
  FailFast:   stop at the first hard mismatch, returned as
              *generic.MismatchError
  CollectAll: verify every customer, return a sorted Report

SEVERITY:
  |expected - actual| <= Tolerance, non-zero -> warning
  anything larger, or owned products differ -> mismatch

CONCURRENCY:
  Customers are verified concurrently under errgroup with a bounded limit.
  Progress and findings live on the per-run Run value, so one Verifier
  can serve overlapping runs.

SEE ALSO:
  - expected.go: The independent model
  - api/scheduler.go: Periodic runs
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/metrics"
	"github.com/warp/billing-ledger/payments"
)

// Mode selects the failure behavior of a run.
type Mode string

const (
	FailFast   Mode = "fail-fast"
	CollectAll Mode = "collect-all"
)

// Severity grades a finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityMismatch Severity = "mismatch"
)

// Finding is one difference between the model and the ledger.
type Finding struct {
	Severity Severity         `json:"severity"`
	Customer generic.Customer `json:"customer"`
	Subject  string           `json:"subject"`
	Expected string           `json:"expected"`
	Actual   string           `json:"actual"`
}

// Report is the result of a completed run.
type Report struct {
	RunID     string            `json:"run_id"`
	Tenancy   generic.TenancyID `json:"tenancy"`
	At        generic.Millis    `json:"at_millis"`
	Customers int               `json:"customers"`
	Findings  []Finding         `json:"findings"`
}

// Mismatches counts hard findings.
func (r *Report) Mismatches() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == SeverityMismatch {
			n++
		}
	}
	return n
}

// Clean reports whether the run found nothing at all.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// Options configures a Verifier.
type Options struct {
	Mode        Mode
	Tolerance   int64
	Concurrency int
}

const defaultConcurrency = 4

// Verifier compares a payments.Service against the row model.
type Verifier struct {
	store   payments.Store
	service *payments.Service
	logger  zerolog.Logger
	opts    Options
}

// NewVerifier creates a verifier. The service must read the same store.
func NewVerifier(store payments.Store, service *payments.Service, logger zerolog.Logger, opts Options) *Verifier {
	if opts.Mode == "" {
		opts.Mode = CollectAll
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Verifier{store: store, service: service, logger: logger, opts: opts}
}

// Verify runs one verification of tenancy at the given instant.
func (v *Verifier) Verify(ctx context.Context, tenancy generic.TenancyID, at generic.Millis) (*Report, error) {
	return v.NewRun(tenancy, at).Execute(ctx)
}

// =============================================================================
// RUN
// =============================================================================

// Run holds the state of one verification.
type Run struct {
	ID      string
	Tenancy generic.TenancyID
	At      generic.Millis
	Started time.Time

	v        *Verifier
	mu       sync.Mutex
	total    int
	checked  int
	findings []Finding
}

// NewRun prepares a run without starting it.
func (v *Verifier) NewRun(tenancy generic.TenancyID, at generic.Millis) *Run {
	return &Run{ID: uuid.NewString(), Tenancy: tenancy, At: at, v: v}
}

// Progress returns how many customers have been checked out of the total.
func (r *Run) Progress() (checked, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checked, r.total
}

// Execute verifies every customer of the tenancy.
func (r *Run) Execute(ctx context.Context) (*Report, error) {
	r.Started = time.Now()
	logger := r.v.logger.With().Str("run_id", r.ID).Str("tenancy", string(r.Tenancy)).Logger()

	rows, err := loadRows(ctx, r.v.store, r.Tenancy)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	customers := rows.Customers()
	r.mu.Lock()
	r.total = len(customers)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.v.opts.Concurrency)
	for _, c := range customers {
		c := c
		g.Go(func() error {
			return r.verifyCustomer(gctx, rows, c)
		})
	}
	err = g.Wait()

	report := r.report(len(customers))
	var mismatch *generic.MismatchError
	switch {
	case errors.As(err, &mismatch):
		metrics.ReconcileRunsTotal.WithLabelValues("findings").Inc()
		logger.Warn().Str("customer", mismatch.Customer.String()).Str("subject", mismatch.Subject).Msg("reconciliation stopped at first mismatch")
		return report, err
	case err != nil:
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	case report.Clean():
		metrics.ReconcileRunsTotal.WithLabelValues("clean").Inc()
	default:
		metrics.ReconcileRunsTotal.WithLabelValues("findings").Inc()
	}

	logger.Info().
		Int("customers", report.Customers).
		Int("findings", len(report.Findings)).
		Int("mismatches", report.Mismatches()).
		Dur("duration", time.Since(r.Started)).
		Msg("reconciliation completed")
	return report, nil
}

func (r *Run) verifyCustomer(ctx context.Context, rows *Rows, customer generic.Customer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txs, err := r.v.service.CustomerTransactions(ctx, r.Tenancy, customer, r.At)
	if err != nil {
		return fmt.Errorf("replay %s: %w", customer, err)
	}
	expected := ExpectedFor(rows, customer, r.At)

	var findings []Finding
	for _, itemID := range itemIDs(expected.Items, txs, customer) {
		records, err := payments.ItemRecords(txs, itemID, customer)
		if err != nil {
			return fmt.Errorf("item %s of %s: %w", itemID, customer, err)
		}
		want, got := expected.Items[itemID], generic.BalanceAt(records, r.At)
		if want == got {
			continue
		}
		severity := SeverityMismatch
		if abs(want-got) <= r.v.opts.Tolerance {
			severity = SeverityWarning
		}
		findings = append(findings, Finding{
			Severity: severity,
			Customer: customer,
			Subject:  "item:" + itemID,
			Expected: fmt.Sprint(want),
			Actual:   fmt.Sprint(got),
		})
	}

	want, got := describeOwned(expected.Owned), describeOwned(payments.OwnedProducts(txs, customer))
	if want != got {
		findings = append(findings, Finding{
			Severity: SeverityMismatch,
			Customer: customer,
			Subject:  "owned-products",
			Expected: want,
			Actual:   got,
		})
	}

	r.mu.Lock()
	r.checked++
	r.findings = append(r.findings, findings...)
	r.mu.Unlock()

	for _, f := range findings {
		metrics.ReconcileFindingsTotal.WithLabelValues(string(f.Severity)).Inc()
		if f.Severity == SeverityMismatch && r.v.opts.Mode == FailFast {
			return &generic.MismatchError{Customer: f.Customer, Subject: f.Subject, Expected: f.Expected, Actual: f.Actual}
		}
	}
	return nil
}

func (r *Run) report(customers int) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	findings := append([]Finding(nil), r.findings...)
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Customer != b.Customer {
			return a.Customer.Less(b.Customer)
		}
		return a.Subject < b.Subject
	})
	return &Report{RunID: r.ID, Tenancy: r.Tenancy, At: r.At, Customers: customers, Findings: findings}
}

// =============================================================================
// HELPERS
// =============================================================================

func loadRows(ctx context.Context, store payments.Store, tenancy generic.TenancyID) (*Rows, error) {
	all := payments.CustomerFilter{}
	snapshots, err := store.ListDefaultProductsSnapshots(ctx, tenancy)
	if err != nil {
		return nil, fmt.Errorf("list default products snapshots: %w", err)
	}
	subs, err := store.ListSubscriptions(ctx, tenancy, all)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	purchases, err := store.ListOneTimePurchases(ctx, tenancy, all)
	if err != nil {
		return nil, fmt.Errorf("list one-time purchases: %w", err)
	}
	changes, err := store.ListItemQuantityChanges(ctx, tenancy, all)
	if err != nil {
		return nil, fmt.Errorf("list item quantity changes: %w", err)
	}
	return &Rows{Snapshots: snapshots, Subscriptions: subs, Purchases: purchases, Changes: changes}, nil
}

func describeOwned(products []payments.OwnedProduct) string {
	parts := make([]string, len(products))
	for i, p := range products {
		parts[i] = fmt.Sprintf("%s/%s/%d/%s", p.ProductID, p.Type, p.Quantity, p.SourceID)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// itemIDs is the union of items the model knows and items the ledger
// granted to the customer.
func itemIDs(items map[string]int64, txs []payments.Transaction, customer generic.Customer) []string {
	set := make(map[string]struct{}, len(items))
	for id := range items {
		set[id] = struct{}{}
	}
	for _, tx := range txs {
		for _, entry := range tx.Entries {
			switch e := entry.(type) {
			case payments.ItemQuantityChange:
				if e.Customer == customer {
					set[e.ItemID] = struct{}{}
				}
			case payments.DefaultProductItemGrant:
				set[e.ItemID] = struct{}{}
			case payments.DefaultProductItemChange:
				set[e.ItemID] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
