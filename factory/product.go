/*
Package factory provides JSON/YAML to Go product conversion.

PURPOSE:
  Converts product definitions into payments.Product values. Purchase rows
  store a JSON snapshot of the product as it was sold; catalogs (demo data,
  default products) are easier to write as YAML. Both paths end in the same
  JSON decoder so a product is validated exactly once, the same way.

JSON SCHEMA:
  {
    "display_name": "Team",
    "customer_type": "team",
    "product_line_id": "plans",
    "included_items": {
      "seats": {"quantity": 4, "repeat": [1, "month"], "expires": "when-repeated"}
    },
    "prices": {
      "monthly": {"USD": "10", "EUR": "9.50", "interval": [1, "month"]}
    }
  }

  "prices" may instead be the literal "include-by-default".

CATALOG (YAML):
  products:
    team: { ...product... }
  defaults:
    free: { ...product with prices: include-by-default... }

  Amounts must be quoted strings in YAML too; 10 and "10" are different
  values and only the string form is accepted.

VALIDATION (beyond the decoder):
  - customer_type, when present, is user, team or custom
  - included item quantities are not negative
  - default products are include-by-default
  - recurring prices (with an interval) define at least one amount

SEE ALSO:
  - payments/product.go: Product type and JSON codec
  - store/sqlite: Decodes product columns through ParseProduct
  - api/scenarios.go: Demo catalog
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
)

// ProductFactory converts product definitions to payments.Product.
type ProductFactory struct{}

// NewProductFactory creates a new product factory.
func NewProductFactory() *ProductFactory {
	return &ProductFactory{}
}

// ParseProduct decodes and validates one product snapshot.
func (f *ProductFactory) ParseProduct(data []byte) (payments.Product, error) {
	var p payments.Product
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return payments.Product{}, fmt.Errorf("parse product: %w", err)
	}
	if err := ValidateProduct(p); err != nil {
		return payments.Product{}, err
	}
	return p, nil
}

// ParseSnapshot decodes and validates a default products snapshot.
func (f *ProductFactory) ParseSnapshot(data []byte) (payments.DefaultProductsSnapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse default products snapshot: %w", err)
	}
	out := make(payments.DefaultProductsSnapshot, len(raw))
	for id, body := range raw {
		p, err := f.ParseProduct(body)
		if err != nil {
			return nil, fmt.Errorf("default product %s: %w", id, err)
		}
		if err := validateDefault(id, p); err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// ValidateProduct applies the checks the JSON decoder cannot express.
func ValidateProduct(p payments.Product) error {
	if p.CustomerType != "" && !p.CustomerType.Valid() {
		return &generic.ValidationError{Field: "customer_type", Reason: fmt.Sprintf("unknown customer type %q", p.CustomerType)}
	}
	for _, id := range sortedKeys(p.IncludedItems) {
		if id == "" {
			return &generic.ValidationError{Field: "included_items", Reason: "empty item id"}
		}
		if p.IncludedItems[id].Quantity < 0 {
			return &generic.ValidationError{Field: "included_items." + id, Reason: "quantity must not be negative"}
		}
	}
	for _, id := range sortedKeys(p.Prices.ByID) {
		price := p.Prices.ByID[id]
		if price.Interval != nil && len(price.Amounts) == 0 {
			return &generic.ValidationError{Field: "prices." + id, Reason: "recurring price without an amount"}
		}
	}
	return nil
}

func validateDefault(id string, p payments.Product) error {
	if !p.Prices.IncludeByDefault && len(p.Prices.ByID) > 0 {
		return &generic.ValidationError{Field: "defaults." + id, Reason: "default products must be include-by-default"}
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a set of sellable products plus the default products every
// customer receives.
type Catalog struct {
	Products map[string]payments.Product
	Defaults payments.DefaultProductsSnapshot
}

// Product returns a catalog product or an error naming the missing id.
func (c *Catalog) Product(id string) (payments.Product, error) {
	p, ok := c.Products[id]
	if !ok {
		return payments.Product{}, fmt.Errorf("catalog product %s: %w", id, generic.ErrNotFound)
	}
	return p, nil
}

// ProductIDs returns sellable product ids in sorted order.
func (c *Catalog) ProductIDs() []string { return sortedKeys(c.Products) }

type catalogDoc struct {
	Products map[string]any `yaml:"products" json:"products"`
	Defaults map[string]any `yaml:"defaults" json:"defaults"`
}

// ParseCatalogYAML decodes a YAML catalog.
func (f *ProductFactory) ParseCatalogYAML(data []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return f.buildCatalog(doc)
}

// ParseCatalogJSON decodes a JSON catalog with the same layout.
func (f *ProductFactory) ParseCatalogJSON(data []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return f.buildCatalog(doc)
}

// buildCatalog re-encodes each product as JSON and runs it through
// ParseProduct, so YAML and JSON catalogs share one decoder.
func (f *ProductFactory) buildCatalog(doc catalogDoc) (*Catalog, error) {
	cat := &Catalog{
		Products: make(map[string]payments.Product, len(doc.Products)),
		Defaults: make(payments.DefaultProductsSnapshot, len(doc.Defaults)),
	}
	for _, id := range sortedKeys(doc.Products) {
		p, err := f.productFromTree(doc.Products[id])
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", id, err)
		}
		cat.Products[id] = p
	}
	for _, id := range sortedKeys(doc.Defaults) {
		p, err := f.productFromTree(doc.Defaults[id])
		if err != nil {
			return nil, fmt.Errorf("default product %s: %w", id, err)
		}
		if err := validateDefault(id, p); err != nil {
			return nil, err
		}
		cat.Defaults[id] = p
	}
	return cat, nil
}

func (f *ProductFactory) productFromTree(tree any) (payments.Product, error) {
	body, err := json.Marshal(tree)
	if err != nil {
		return payments.Product{}, err
	}
	return f.ParseProduct(body)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
