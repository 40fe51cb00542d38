package shared

import "github.com/shopspring/decimal"

// minorUnitsPerMajor is the scale between the gateway's integer amounts and
// the decimal amounts stored in the ledger. The gateway speaks minor currency
// units (cents); everything internal uses decimals.
var minorUnitsPerMajor = decimal.NewFromInt(100)

// ToMinorUnits converts a decimal amount to gateway minor units, rounding to
// the nearest cent first so fractional remainders never reach the gateway.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Mul(minorUnitsPerMajor).IntPart()
}

// FromMinorUnits converts a gateway minor-unit amount to a decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorUnitsPerMajor)
}
