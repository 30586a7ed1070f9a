package generic

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal strings scaled by currency decimals
// =============================================================================

// Currency is an ISO code with its minor-unit precision.
type Currency struct {
	Code     string
	Decimals int32
}

// SupportedCurrencies is the ordered set of currencies a price may define.
var SupportedCurrencies = []Currency{
	{Code: "USD", Decimals: 2},
	{Code: "EUR", Decimals: 2},
	{Code: "GBP", Decimals: 2},
	{Code: "JPY", Decimals: 0},
	{Code: "INR", Decimals: 2},
}

// USD is the settlement currency for net amounts and refunds.
var USD = SupportedCurrencies[0]

// LookupCurrency finds a supported currency by code.
func LookupCurrency(code string) (Currency, bool) {
	for _, c := range SupportedCurrencies {
		if c.Code == code {
			return c, true
		}
	}
	return Currency{}, false
}

var amountPattern = regexp.MustCompile(`^-?([0-9]+)(\.([0-9]+))?$`)

// ParseAmount validates an amount string for a currency and returns it as a
// decimal. Leading zeros and more fractional digits than the currency
// allows are rejected.
func ParseAmount(amount string, c Currency) (decimal.Decimal, error) {
	m := amountPattern.FindStringSubmatch(amount)
	if m == nil {
		return decimal.Decimal{}, &AmountError{Amount: amount, Currency: c.Code, Reason: "not a decimal number"}
	}
	if whole := m[1]; len(whole) > 1 && whole[0] == '0' {
		return decimal.Decimal{}, &AmountError{Amount: amount, Currency: c.Code, Reason: "leading zeros"}
	}
	if frac := m[3]; int32(len(frac)) > c.Decimals {
		return decimal.Decimal{}, &AmountError{Amount: amount, Currency: c.Code, Reason: fmt.Sprintf("at most %d decimals", c.Decimals)}
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, &AmountError{Amount: amount, Currency: c.Code, Reason: err.Error()}
	}
	return d, nil
}

// MultiplyAmount multiplies an amount by an integer quantity. A quantity
// with a fractional part is rejected rather than rounded.
func MultiplyAmount(amount string, quantity decimal.Decimal, c Currency) (string, error) {
	if !quantity.IsInteger() {
		return "", fmt.Errorf("%w: %s", ErrNonIntegerQuantity, quantity)
	}
	d, err := ParseAmount(amount, c)
	if err != nil {
		return "", err
	}
	return d.Mul(quantity).String(), nil
}

// ToMinorUnits converts an amount to an integer count of minor units
// (cents for USD).
func ToMinorUnits(amount string, c Currency) (int64, error) {
	d, err := ParseAmount(amount, c)
	if err != nil {
		return 0, err
	}
	return d.Shift(c.Decimals).IntPart(), nil
}

// FromMinorUnits formats a count of minor units as an amount string with
// the currency's full precision.
func FromMinorUnits(minor int64, c Currency) string {
	return decimal.New(minor, -c.Decimals).StringFixed(c.Decimals)
}

// NegateAmount flips the sign of an amount string. Zero stays "0".
func NegateAmount(amount string) string {
	if amount == "0" || amount == "" {
		return amount
	}
	if strings.HasPrefix(amount, "-") {
		return amount[1:]
	}
	return "-" + amount
}

// IsZeroAmount reports whether an amount string represents zero.
func IsZeroAmount(amount string) bool {
	d, err := decimal.NewFromString(amount)
	return err == nil && d.IsZero()
}
