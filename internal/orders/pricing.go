package orders

import "github.com/shopspring/decimal"

// TaxRate is the fixed tax multiplier applied to every order subtotal.
var TaxRate = decimal.NewFromFloat(0.16)

var taxFactor = decimal.NewFromInt(1).Add(TaxRate)

type Totals struct {
	Subtotal decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals sums qty*unit_price over the line items and applies tax.
// Total is rounded half-up to 2 decimal places. Pure function: used at
// creation and amendment time against the frozen price snapshots.
func ComputeTotals(items []LineItem) Totals {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Qty))))
	}
	return Totals{
		Subtotal: subtotal,
		Total:    subtotal.Mul(taxFactor).Round(2),
	}
}
