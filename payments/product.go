package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-ledger/generic"
)

// =============================================================================
// PRODUCT SNAPSHOT - The purchased bundle as it was at purchase time
// =============================================================================

// ExpiresPolicy controls when an included item grant stops counting.
type ExpiresPolicy string

const (
	ExpiresNever               ExpiresPolicy = "never"
	ExpiresWhenRepeated        ExpiresPolicy = "when-repeated"
	ExpiresWhenPurchaseExpires ExpiresPolicy = "when-purchase-expires"
)

func (p ExpiresPolicy) valid() bool {
	switch p {
	case ExpiresNever, ExpiresWhenRepeated, ExpiresWhenPurchaseExpires:
		return true
	}
	return false
}

// IncludedItem is one entitlement bundled into a product.
type IncludedItem struct {
	Quantity int64             `json:"quantity"`
	Repeat   *generic.Interval `json:"repeat,omitempty"`
	Expires  ExpiresPolicy     `json:"expires"`
}

func (it *IncludedItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Quantity *int64          `json:"quantity"`
		Repeat   json.RawMessage `json:"repeat"`
		Expires  ExpiresPolicy   `json:"expires"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	repeat, err := generic.ParseRepeat(raw.Repeat)
	if err != nil {
		return err
	}
	out := IncludedItem{Repeat: repeat, Expires: raw.Expires}
	if raw.Quantity != nil {
		out.Quantity = *raw.Quantity
	}
	if out.Expires == "" {
		out.Expires = ExpiresNever
	}
	if !out.Expires.valid() {
		return &generic.ValidationError{Field: "included_items.expires", Reason: fmt.Sprintf("unknown policy %q", out.Expires)}
	}
	*it = out
	return nil
}

// Price is one purchasable price of a product.
// On the wire the currency amounts sit next to the price options:
//
//	{"USD": "10", "EUR": "9", "interval": [1, "month"]}
type Price struct {
	Amounts    map[string]string
	Interval   *generic.Interval
	FreeTrial  *generic.Interval
	ServerOnly bool
}

var priceOptionKeys = map[string]bool{"interval": true, "free_trial": true, "server_only": true}

func (p Price) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Amounts)+3)
	for code, amount := range p.Amounts {
		out[code] = amount
	}
	if p.Interval != nil {
		out["interval"] = p.Interval
	}
	if p.FreeTrial != nil {
		out["free_trial"] = p.FreeTrial
	}
	if p.ServerOnly {
		out["server_only"] = true
	}
	return json.Marshal(out)
}

func (p *Price) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Price{Amounts: make(map[string]string)}
	for key, value := range raw {
		switch key {
		case "interval":
			iv, err := generic.ParseRepeat(value)
			if err != nil {
				return err
			}
			out.Interval = iv
		case "free_trial":
			iv, err := generic.ParseRepeat(value)
			if err != nil {
				return err
			}
			out.FreeTrial = iv
		case "server_only":
			if err := json.Unmarshal(value, &out.ServerOnly); err != nil {
				return &generic.ValidationError{Field: "price.server_only", Reason: "must be a boolean"}
			}
		default:
			currency, ok := generic.LookupCurrency(key)
			if !ok {
				return &generic.ValidationError{Field: "price", Reason: fmt.Sprintf("unknown key %q", key)}
			}
			var amount string
			if err := json.Unmarshal(value, &amount); err != nil {
				return &generic.ValidationError{Field: "price." + key, Reason: "amount must be a string"}
			}
			if _, err := generic.ParseAmount(amount, currency); err != nil {
				return err
			}
			out.Amounts[key] = amount
		}
	}
	*p = out
	return nil
}

// Prices is either the literal "include-by-default" or a map of price id to Price.
type Prices struct {
	IncludeByDefault bool
	ByID             map[string]Price
}

const includeByDefault = "include-by-default"

func (p Prices) MarshalJSON() ([]byte, error) {
	if p.IncludeByDefault {
		return json.Marshal(includeByDefault)
	}
	if p.ByID == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.ByID)
}

func (p *Prices) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = Prices{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s != includeByDefault {
			return &generic.ValidationError{Field: "prices", Reason: fmt.Sprintf("unknown literal %q", s)}
		}
		*p = Prices{IncludeByDefault: true}
		return nil
	}
	var byID map[string]Price
	if err := json.Unmarshal(trimmed, &byID); err != nil {
		return err
	}
	*p = Prices{ByID: byID}
	return nil
}

// Product is the snapshot of a product stored on each purchase row.
type Product struct {
	DisplayName   string                  `json:"display_name,omitempty"`
	CustomerType  generic.CustomerType    `json:"customer_type,omitempty"`
	ProductLineID string                  `json:"product_line_id,omitempty"`
	Stackable     bool                    `json:"stackable,omitempty"`
	ServerOnly    bool                    `json:"server_only,omitempty"`
	IncludedItems map[string]IncludedItem `json:"included_items"`
	Prices        Prices                  `json:"prices"`
}

// GrantedItems returns the included items that actually grant something,
// ordered by item id. Items configured with a non-positive quantity are skipped.
func (p Product) GrantedItems() []ItemGrantSpec {
	ids := make([]string, 0, len(p.IncludedItems))
	for id, item := range p.IncludedItems {
		if item.Quantity > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]ItemGrantSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, ItemGrantSpec{ItemID: id, IncludedItem: p.IncludedItems[id]})
	}
	return out
}

// ItemGrantSpec pairs an item id with its configuration.
type ItemGrantSpec struct {
	ItemID string
	IncludedItem
}

// SelectedPrice resolves the price a purchase was made with. It returns
// false when there is no price id or the product is included by default.
// The returned price is stripped of purchase-only options.
func (p Product) SelectedPrice(priceID *string) (Price, bool) {
	if priceID == nil || p.Prices.IncludeByDefault {
		return Price{}, false
	}
	price, ok := p.Prices.ByID[*priceID]
	if !ok {
		return Price{}, false
	}
	price.ServerOnly = false
	price.FreeTrial = nil
	return price, true
}

// ChargedAmount multiplies every currency in the price by the purchase
// quantity and drops zero results.
func ChargedAmount(price Price, quantity int64) (map[string]string, error) {
	out := make(map[string]string)
	for _, currency := range generic.SupportedCurrencies {
		amount, ok := price.Amounts[currency.Code]
		if !ok {
			continue
		}
		total, err := generic.MultiplyAmount(amount, decimal.NewFromInt(quantity), currency)
		if err != nil {
			return nil, err
		}
		if generic.IsZeroAmount(total) {
			continue
		}
		out[currency.Code] = total
	}
	return out, nil
}

// NegateCharged flips the sign of every amount.
func NegateCharged(amounts map[string]string) map[string]string {
	out := make(map[string]string, len(amounts))
	for code, amount := range amounts {
		out[code] = generic.NegateAmount(amount)
	}
	return out
}

// NetAmount is the settlement view of a charge: USD only, "0" when absent.
func NetAmount(charged map[string]string) map[string]string {
	usd, ok := charged[generic.USD.Code]
	if !ok {
		usd = "0"
	}
	return map[string]string{generic.USD.Code: usd}
}

// DefaultProductsSnapshot maps product id to product for automatically
// granted products.
type DefaultProductsSnapshot map[string]Product

// ProductIDs returns the snapshot's product ids in sorted order.
func (s DefaultProductsSnapshot) ProductIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func productLineKey(productID string, p Product) string {
	if line := strings.TrimSpace(p.ProductLineID); line != "" {
		return "line:" + line
	}
	return "product:" + productID
}
