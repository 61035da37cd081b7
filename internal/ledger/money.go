package ledger

import (
	"math"

	"github.com/shopspring/decimal"
)

// Balance arithmetic goes through decimal and is quantized to cents so
// repeated open/close cycles cannot accumulate float drift.

func decFrom(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func roundCents(v float64) float64 {
	f, _ := decFrom(v).Round(2).Float64()
	return f
}

// addMoney computes a+b-... style balance updates exactly, in cents.
func addMoney(terms ...float64) float64 {
	sum := decimal.Zero
	for _, t := range terms {
		sum = sum.Add(decFrom(t))
	}
	f, _ := sum.Round(2).Float64()
	return f
}
