package factory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/factory"
	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/payments"
)

const catalogYAML = `
products:
  team:
    display_name: Team
    customer_type: team
    product_line_id: plans
    included_items:
      seats: {quantity: 4, repeat: [1, month], expires: when-repeated}
    prices:
      monthly: {USD: "10", EUR: "9.50", interval: [1, month]}
  credits:
    display_name: Credit pack
    stackable: true
    included_items:
      credits: {quantity: 100}
    prices:
      once: {USD: "5"}
defaults:
  free:
    product_line_id: plans
    included_items:
      credits: {quantity: 10, repeat: [1, month], expires: when-repeated}
    prices: include-by-default
`

func TestParseCatalogYAML(t *testing.T) {
	// GIVEN: A catalog with two sellable products and one default
	// WHEN: Parsed
	// THEN: Products decode through the same codec as stored snapshots

	cat, err := factory.NewProductFactory().ParseCatalogYAML([]byte(catalogYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"credits", "team"}, cat.ProductIDs())

	team, err := cat.Product("team")
	require.NoError(t, err)
	assert.Equal(t, generic.CustomerTeam, team.CustomerType)
	assert.Equal(t, payments.ExpiresWhenRepeated, team.IncludedItems["seats"].Expires)
	require.NotNil(t, team.IncludedItems["seats"].Repeat)
	assert.Equal(t, generic.MustInterval(1, generic.UnitMonth), *team.IncludedItems["seats"].Repeat)
	assert.Equal(t, "9.50", team.Prices.ByID["monthly"].Amounts["EUR"])

	credits, err := cat.Product("credits")
	require.NoError(t, err)
	assert.True(t, credits.Stackable)
	assert.Equal(t, payments.ExpiresNever, credits.IncludedItems["credits"].Expires)

	require.Contains(t, cat.Defaults, "free")
	assert.True(t, cat.Defaults["free"].Prices.IncludeByDefault)

	_, err = cat.Product("enterprise")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestParseCatalogJSON_MatchesYAML(t *testing.T) {
	f := factory.NewProductFactory()
	fromYAML, err := f.ParseCatalogYAML([]byte(catalogYAML))
	require.NoError(t, err)

	fromJSON, err := f.ParseCatalogJSON([]byte(`{
		"products": {
			"team": {
				"display_name": "Team", "customer_type": "team", "product_line_id": "plans",
				"included_items": {"seats": {"quantity": 4, "repeat": [1, "month"], "expires": "when-repeated"}},
				"prices": {"monthly": {"USD": "10", "EUR": "9.50", "interval": [1, "month"]}}
			}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, fromYAML.Products["team"], fromJSON.Products["team"])
	assert.Empty(t, fromJSON.Defaults)
}

func TestParseCatalog_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unquoted amount", `
products:
  p:
    included_items: {}
    prices:
      once: {USD: 5}
`},
		{"negative quantity", `
products:
  p:
    included_items:
      seats: {quantity: -1}
    prices: {}
`},
		{"unknown customer type", `
products:
  p:
    customer_type: robot
    included_items: {}
    prices: {}
`},
		{"priced default", `
defaults:
  free:
    included_items: {}
    prices:
      once: {USD: "1"}
`},
		{"unknown product field", `
products:
  p:
    colour: blue
    included_items: {}
    prices: {}
`},
		{"recurring price without amount", `
products:
  p:
    included_items: {}
    prices:
      monthly: {interval: [1, month]}
`},
		{"not yaml", "products: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.NewProductFactory().ParseCatalogYAML([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseProduct_ValidationErrorNamesField(t *testing.T) {
	_, err := factory.NewProductFactory().ParseProduct([]byte(`{"included_items":{"seats":{"quantity":-2}},"prices":{}}`))

	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "included_items.seats", verr.Field)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestParseSnapshot(t *testing.T) {
	f := factory.NewProductFactory()

	snap, err := f.ParseSnapshot([]byte(`{"free":{"included_items":{"credits":{"quantity":3}},"prices":"include-by-default"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"free"}, snap.ProductIDs())
	assert.Equal(t, int64(3), snap["free"].IncludedItems["credits"].Quantity)

	_, err = f.ParseSnapshot([]byte(`{"paid":{"included_items":{},"prices":{"once":{"USD":"1"}}}}`))
	assert.ErrorIs(t, err, generic.ErrValidation)
}
