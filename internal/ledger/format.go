package ledger

import "github.com/shopspring/decimal"

// FormatCrypto renders a crypto amount with 8 decimal places.
func FormatCrypto(d decimal.Decimal) string {
	return d.StringFixed(8)
}

// FormatUSD renders a USD-denominated amount as a $-prefixed 2-decimal
// string.
func FormatUSD(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
