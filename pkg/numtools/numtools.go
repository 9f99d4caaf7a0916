package numtools

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// GatewayUnits converts a minor-unit amount to the unit the gateway quotes in,
// by floor division with the configured subdivision factor. A factor of 10
// turns Rials into Tomans.
func GatewayUnits(amount decimal.Decimal, factor int64) (int64, error) {
	if factor <= 0 {
		return 0, fmt.Errorf("subdivision factor must be positive, got %d", factor)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative, got %s", amount)
	}
	return amount.Div(decimal.NewFromInt(factor)).Floor().IntPart(), nil
}
