/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Pre-built scenarios that populate one tenancy with realistic rows.
	Products come from the embedded catalog.yaml through the product
	factory, so scenario data passes the same validation as real data.

AVAILABLE SCENARIOS:

	saas-basics:   Free default plan, team seats, credit pack, manual grant
	plan-changes:  Default quota raised mid-way, cancel at period end, ended plan
	refunds:       Partial subscription refund, full credit pack refund

HOW SCENARIOS WORK:
 1. Delete every row of the target tenancy
 2. Decode the catalog via factory
 3. Write rows through payments.Writer, dated relative to the service clock
 4. Refund scenarios go through the refund service and processor

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "saas-basics", "tenancy": "demo"}

NOTE:

	Loading replaces the tenancy. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Shared handler plumbing
  - factory/product.go: Catalog decoding
*/
package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-ledger/factory"
	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
)

//go:embed catalog.yaml
var catalogYAML []byte

// DefaultScenarioTenancy is used when a load request names no tenancy.
const DefaultScenarioTenancy = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(ctx context.Context, h *Handler, s *scenarioSeed) error

type scenario struct {
	ScenarioDTO
	load scenarioLoader
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "saas-basics",
			Name:        "SaaS Basics",
			Description: "Free default plan, a team on monthly seats, a one-time credit pack and a manual grant",
		},
		load: loadSaaSBasics,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "plan-changes",
			Name:        "Plan Changes",
			Description: "Default quota raised mid-way, a Pro plan cancelling at period end and an ended plan",
		},
		load: loadPlanChanges,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "refunds",
			Name:        "Refunds",
			Description: "A partially refunded team subscription and a fully refunded credit pack",
		},
		load: loadRefunds,
	},
}

// ScenarioIDs lists the available scenario ids in display order.
func ScenarioIDs() []string {
	ids := make([]string, len(scenarios))
	for i, s := range scenarios {
		ids[i] = s.ID
	}
	return ids
}

// Scenarios describes the available scenarios in display order.
func Scenarios() []ScenarioDTO {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	return dtos
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// LoadScenario replaces a tenancy's rows with a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Tenancy == "" {
		req.Tenancy = DefaultScenarioTenancy
	}

	customers, err := h.LoadScenarioInto(r.Context(), req.ScenarioID, generic.TenancyID(req.Tenancy))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoadScenarioResponse{ScenarioID: req.ScenarioID, Tenancy: req.Tenancy, Customers: customers})
}

// LoadScenarioInto loads a scenario into tenancy and returns the customers
// it created, sorted.
func (h *Handler) LoadScenarioInto(ctx context.Context, scenarioID string, tenancy generic.TenancyID) ([]generic.Customer, error) {
	var sc *scenario
	for i := range scenarios {
		if scenarios[i].ID == scenarioID {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		return nil, fmt.Errorf("scenario %q: %w", scenarioID, generic.ErrNotFound)
	}

	catalog, err := h.Products.ParseCatalogYAML(catalogYAML)
	if err != nil {
		return nil, fmt.Errorf("decode scenario catalog: %w", err)
	}
	if err := h.Backend.DeleteTenancy(ctx, tenancy); err != nil {
		return nil, fmt.Errorf("reset tenancy %s: %w", tenancy, err)
	}

	seed := &scenarioSeed{
		tenancy:   tenancy,
		catalog:   catalog,
		writer:    h.Backend,
		now:       h.Service.Clock().UTC(),
		customers: make(map[generic.Customer]struct{}),
	}
	seed.base = seed.now.AddDate(0, -4, 0).Truncate(24 * time.Hour)
	if err := sc.load(ctx, h, seed); err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", scenarioID, err)
	}

	h.Logger.Info().Str("scenario", scenarioID).Str("tenancy", string(tenancy)).Int("customers", len(seed.customers)).Msg("scenario loaded")
	return seed.customerList(), nil
}

// =============================================================================
// LOADERS
// =============================================================================

var (
	acmeTeam   = generic.Customer{Type: generic.CustomerTeam, ID: "acme"}
	globexTeam = generic.Customer{Type: generic.CustomerTeam, ID: "globex"}
	aliceUser  = generic.Customer{Type: generic.CustomerUser, ID: "alice"}
	bobUser    = generic.Customer{Type: generic.CustomerUser, ID: "bob"}
	carolUser  = generic.Customer{Type: generic.CustomerUser, ID: "carol"}
	daveUser   = generic.Customer{Type: generic.CustomerUser, ID: "dave"}
)

func loadSaaSBasics(ctx context.Context, _ *Handler, s *scenarioSeed) error {
	if err := s.defaults(ctx, "snap-free", s.base, s.catalog.Defaults); err != nil {
		return err
	}
	if err := s.subscription(ctx, "sub-acme", acmeTeam, "team", 3, s.base.AddDate(0, 0, 1), nil); err != nil {
		return err
	}
	if err := s.purchase(ctx, "otp-alice", aliceUser, "credits", 2, s.base.AddDate(0, 0, 10)); err != nil {
		return err
	}
	expires := s.now.AddDate(0, 0, 30)
	return s.change(ctx, "chg-alice", aliceUser, "credits", 25, s.now.AddDate(0, 0, -7), &expires)
}

func loadPlanChanges(ctx context.Context, _ *Handler, s *scenarioSeed) error {
	if err := s.defaults(ctx, "snap-v1", s.base, s.catalog.Defaults); err != nil {
		return err
	}
	raised := payments.DefaultProductsSnapshot{}
	for id, p := range s.catalog.Defaults {
		items := make(map[string]payments.IncludedItem, len(p.IncludedItems))
		for itemID, it := range p.IncludedItems {
			it.Quantity *= 2
			items[itemID] = it
		}
		p.IncludedItems = items
		raised[id] = p
	}
	if err := s.defaults(ctx, "snap-v2", s.base.AddDate(0, 2, 0), raised); err != nil {
		return err
	}

	err := s.subscription(ctx, "sub-bob", bobUser, "pro", 1, s.base.AddDate(0, 1, 3), func(row *payments.SubscriptionRow) {
		row.CancelAtPeriodEnd = true
		row.UpdatedAt = s.now.AddDate(0, 0, -5)
	})
	if err != nil {
		return err
	}

	err = s.subscription(ctx, "sub-carol", carolUser, "pro", 1, s.base.AddDate(0, 0, 5), func(row *payments.SubscriptionRow) {
		ended := s.base.AddDate(0, 1, 12)
		row.Status = payments.StatusCanceled
		row.EndedAt = &ended
		row.UpdatedAt = ended
	})
	return err
}

func loadRefunds(ctx context.Context, h *Handler, s *scenarioSeed) error {
	if err := s.subscription(ctx, "sub-globex", globexTeam, "team", 4, s.base.AddDate(0, 0, 2), nil); err != nil {
		return err
	}
	if err := s.purchase(ctx, "otp-dave", daveUser, "credits", 1, s.base.AddDate(0, 0, 20)); err != nil {
		return err
	}

	team, err := s.catalog.Product("team")
	if err != nil {
		return err
	}
	credits, err := s.catalog.Product("credits")
	if err != nil {
		return err
	}
	subLayout := payments.LayoutFor(payments.PurchaseSubscription, false, team, ptr("monthly"), 4)
	otpLayout := payments.LayoutFor(payments.PurchaseOneTimePurchase, false, credits, ptr("once"), 1)

	refunds := []payments.RefundRequest{
		{
			Tenancy: s.tenancy, PurchaseType: payments.PurchaseSubscription, PurchaseID: "sub-globex",
			Entries: []payments.RefundSelection{{EntryIndex: subLayout.GrantIndex(), Quantity: decimal.NewFromInt(1), AmountUSD: "49"}},
		},
		{
			Tenancy: s.tenancy, PurchaseType: payments.PurchaseOneTimePurchase, PurchaseID: "otp-dave",
			Entries: []payments.RefundSelection{{EntryIndex: otpLayout.GrantIndex(), Quantity: decimal.NewFromInt(1), AmountUSD: "10"}},
		},
	}
	for _, req := range refunds {
		if _, err := h.Refunds.Refund(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ROW BUILDERS
// =============================================================================

type scenarioSeed struct {
	tenancy   generic.TenancyID
	catalog   *factory.Catalog
	writer    payments.Writer
	now       time.Time
	base      time.Time
	customers map[generic.Customer]struct{}
}

func (s *scenarioSeed) customerList() []generic.Customer {
	out := make([]generic.Customer, 0, len(s.customers))
	for c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s *scenarioSeed) defaults(ctx context.Context, id string, at time.Time, snapshot payments.DefaultProductsSnapshot) error {
	return s.writer.SaveDefaultProductsSnapshot(ctx, s.tenancy, payments.DefaultProductsSnapshotRow{ID: id, Snapshot: snapshot, CreatedAt: at})
}

// subscription writes a monthly subscription with its creation invoice and
// one renewal invoice per elapsed month.
func (s *scenarioSeed) subscription(ctx context.Context, id string, customer generic.Customer, productID string, qty int64, created time.Time, mutate func(*payments.SubscriptionRow)) error {
	product, err := s.catalog.Product(productID)
	if err != nil {
		return err
	}
	periodStart := created
	for periodStart.AddDate(0, 1, 0).Before(s.now) {
		periodStart = periodStart.AddDate(0, 1, 0)
	}
	row := payments.SubscriptionRow{
		ID:                      id,
		Customer:                customer,
		ProductID:               ptr(productID),
		PriceID:                 ptr("monthly"),
		Product:                 product,
		Quantity:                qty,
		Status:                  payments.StatusActive,
		CurrentPeriodStart:      periodStart,
		CurrentPeriodEnd:        periodStart.AddDate(0, 1, 0),
		BillingCycleAnchor:      ptr(created),
		ProcessorSubscriptionID: "ps_" + id,
		CreatedAt:               created,
		UpdatedAt:               created,
	}
	if mutate != nil {
		mutate(&row)
	}
	if err := s.writer.SaveSubscription(ctx, s.tenancy, row); err != nil {
		return err
	}
	s.customers[customer] = struct{}{}

	stop := s.now
	if row.EndedAt != nil && row.EndedAt.Before(stop) {
		stop = *row.EndedAt
	}
	for n, at := 0, created; at.Before(stop); n, at = n+1, created.AddDate(0, n+1, 0) {
		invoice := payments.SubscriptionInvoiceRow{
			ID:                 fmt.Sprintf("inv-%s-%d", id, n),
			SubscriptionID:     id,
			IsCreationInvoice:  n == 0,
			ProcessorPaymentID: fmt.Sprintf("pi_%s_%d", id, n),
			CreatedAt:          at,
		}
		if err := s.writer.SaveSubscriptionInvoice(ctx, s.tenancy, invoice); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioSeed) purchase(ctx context.Context, id string, customer generic.Customer, productID string, qty int64, created time.Time) error {
	product, err := s.catalog.Product(productID)
	if err != nil {
		return err
	}
	s.customers[customer] = struct{}{}
	return s.writer.SaveOneTimePurchase(ctx, s.tenancy, payments.OneTimePurchaseRow{
		ID:                 id,
		Customer:           customer,
		ProductID:          ptr(productID),
		PriceID:            ptr("once"),
		Product:            product,
		Quantity:           qty,
		ProcessorPaymentID: "pi_" + id,
		CreatedAt:          created,
	})
}

func (s *scenarioSeed) change(ctx context.Context, id string, customer generic.Customer, itemID string, qty int64, created time.Time, expires *time.Time) error {
	s.customers[customer] = struct{}{}
	return s.writer.SaveItemQuantityChange(ctx, s.tenancy, payments.ItemQuantityChangeRow{
		ID:        id,
		Customer:  customer,
		ItemID:    itemID,
		Quantity:  qty,
		CreatedAt: created,
		ExpiresAt: expires,
	})
}

func ptr[T any](v T) *T { return &v }
