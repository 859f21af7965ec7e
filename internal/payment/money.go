package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places money is kept at.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Round rounds to cents. shopspring rounds half away from zero, which is
// half-up for the non-negative amounts handled here.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// IsCents reports whether d has no precision beyond cents.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(Scale))
}

// Sum adds installment amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// SplitTaxInclusive splits a tax-inclusive total into subtotal and tax. Only
// the subtotal is rounded; the tax is the remainder so the two always add
// back to total.
func SplitTaxInclusive(total, ratePercent decimal.Decimal) (subtotal, tax decimal.Decimal) {
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(hundred))
	subtotal = total.DivRound(divisor, Scale)
	return subtotal, total.Sub(subtotal)
}

// AddMonths moves t forward n calendar months, clamping to the last day of
// the target month (Jan 31 + 1 month is Feb 28 or 29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
