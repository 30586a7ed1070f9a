/*
Package generic provides the domain-agnostic building blocks of the billing ledger.

PURPOSE:
  Everything in this package is independent of what is being billed. It knows
  about instants, repeat intervals, exact money strings, a timestamp-ordered
  queue and the balance sweep over grant/usage/expiry records. The payments
  package composes these into a ledger of subscriptions, purchases and items.

KEY CONCEPTS:
  Millis:        An instant as epoch milliseconds. All comparisons use it.
  Interval:      A calendar repeat such as [1, "month"].
  Queue:         Min-heap of timed events with stable insertion tie-break.
  LedgerRecord:  One grant, usage or expiry contribution for an item.
  Currency:      ISO code plus the number of minor-unit decimals.

DESIGN PRINCIPLES:
  1. Nothing here reads the wall clock. "now" is always passed in.
  2. Money is never a float. Amounts are decimal strings scaled by currency.
  3. Errors are sentinels or structured types that unwrap to sentinels.

SEE ALSO:
  - payments/engine.go: Drives the queue
  - payments/items.go: Feeds LedgerRecords into BalanceAt
*/
package generic

import "fmt"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// TenancyID scopes every storage read.
type TenancyID string

// CustomerType identifies what kind of entity owns purchases and balances.
type CustomerType string

const (
	CustomerUser   CustomerType = "user"
	CustomerTeam   CustomerType = "team"
	CustomerCustom CustomerType = "custom"
)

// Valid reports whether the customer type is one of the known kinds.
func (c CustomerType) Valid() bool {
	switch c {
	case CustomerUser, CustomerTeam, CustomerCustom:
		return true
	}
	return false
}

// Customer is the owner of purchases, products and item balances.
type Customer struct {
	Type CustomerType `json:"customer_type"`
	ID   string       `json:"customer_id"`
}

func (c Customer) String() string {
	return fmt.Sprintf("%s:%s", c.Type, c.ID)
}

// Less orders customers by type then id.
func (c Customer) Less(other Customer) bool {
	if c.Type != other.Type {
		return c.Type < other.Type
	}
	return c.ID < other.ID
}
