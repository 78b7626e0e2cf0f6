package rest

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// formatPrice rounds to cents at or above one dollar and to four places below it.
func formatPrice(v float64) string {
	d := decimal.NewFromFloat(v)
	if d.LessThan(decimal.NewFromInt(1)) {
		return d.Round(4).String()
	}
	return d.Round(2).String()
}

func formatQty(v float64) string {
	return decimal.NewFromFloat(v).Round(9).String()
}

func parseNumberOrZero(n json.Number) float64 {
	if n == "" {
		return 0
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
