package binance

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeSymbol uppercases a symbol and appends the USDT quote suffix when
// missing, so "sol" and "SOLUSDT" address the same market.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol != "" && !strings.HasSuffix(symbol, "USDT") {
		symbol += "USDT"
	}
	return symbol
}

// FloorToStep floors a quantity to an integer multiple of the symbol's
// stepSize by divide-floor-multiply. A non-positive step returns the value
// unchanged.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// FloorToTick floors a price to an integer multiple of the symbol's tickSize.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	return FloorToStep(price, tick)
}

// FormatQuantity renders a decimal the way the order endpoints expect:
// plain notation with trailing zeros trimmed.
func FormatQuantity(v decimal.Decimal) string {
	s := v.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
