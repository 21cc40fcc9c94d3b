package emission

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// VATKindCode is the authority code for IVA, the only tax kind emitted.
const VATKindCode = "2"

// defaultTaxCode is used for percentages outside the authority table.
const defaultTaxCode = "0"

var (
	hundred = decimal.NewFromInt(100)

	taxCodes = map[int64]string{
		0:  "0",
		5:  "5",
		12: "2",
		13: "10",
		14: "3",
		15: "4",
	}
)

// TaxCode maps a tax percentage to the authority codigoPorcentaje. Only
// whole rates in the table match; 12.5 is not 12.
func TaxCode(percent decimal.Decimal) string {
	if !percent.Equal(percent.Truncate(0)) {
		return defaultTaxCode
	}
	if code, ok := taxCodes[percent.IntPart()]; ok {
		return code
	}
	return defaultTaxCode
}

// Round2 rounds half-up to cents. Amounts here are never negative, so
// decimal's half-away-from-zero matches half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineTotals are the derived amounts for one LineItem.
type LineTotals struct {
	Item            taxdoc.LineItem
	DiscountPercent decimal.Decimal
	Gross           decimal.Decimal
	Discount        decimal.Decimal
	Base            decimal.Decimal
	Tax             decimal.Decimal
	TaxCode         string
}

// TaxBucket accumulates bases and taxes sharing a tax percentage. Rates
// outside the table share code 0 but keep separate buckets.
type TaxBucket struct {
	Code    string
	Percent decimal.Decimal
	Base    decimal.Decimal
	Tax     decimal.Decimal
}

// Totals is the aggregator output.
type Totals struct {
	Lines         []LineTotals
	Buckets       []TaxBucket
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	GrandTotal    decimal.Decimal
}

// Aggregate computes per-line base and tax, rounding each line to cents
// before accumulating, and groups them into buckets in first-seen order.
func Aggregate(items []taxdoc.LineItem) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, apperror.ErrInvalidLineItem.WithMessage("at least one line item is required")
	}

	totals := Totals{
		Lines:         make([]LineTotals, 0, len(items)),
		Subtotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		TaxTotal:      decimal.Zero,
	}
	index := make(map[string]int)

	for i, item := range items {
		if !item.Quantity.IsPositive() {
			return Totals{}, apperror.ErrInvalidLineItem.
				WithMessage(fmt.Sprintf("line %d: quantity must be greater than zero", i+1)).
				WithDetail("line", i+1)
		}
		if item.UnitPrice.IsNegative() {
			return Totals{}, apperror.ErrInvalidLineItem.
				WithMessage(fmt.Sprintf("line %d: unit price cannot be negative", i+1)).
				WithDetail("line", i+1)
		}

		line := computeLine(item)
		totals.Lines = append(totals.Lines, line)
		totals.Subtotal = totals.Subtotal.Add(line.Base)
		totals.DiscountTotal = totals.DiscountTotal.Add(line.Discount)

		rate := item.TaxPercent.String()
		pos, ok := index[rate]
		if !ok {
			pos = len(totals.Buckets)
			index[rate] = pos
			totals.Buckets = append(totals.Buckets, TaxBucket{
				Code:    line.TaxCode,
				Percent: item.TaxPercent,
				Base:    decimal.Zero,
				Tax:     decimal.Zero,
			})
		}
		totals.Buckets[pos].Base = totals.Buckets[pos].Base.Add(line.Base)
		totals.Buckets[pos].Tax = totals.Buckets[pos].Tax.Add(line.Tax)
	}

	for _, b := range totals.Buckets {
		totals.TaxTotal = totals.TaxTotal.Add(b.Tax)
	}
	totals.GrandTotal = totals.Subtotal.Add(totals.TaxTotal)

	return totals, nil
}

func computeLine(item taxdoc.LineItem) LineTotals {
	disc := clampPercent(item.DiscountPercent)
	gross := item.Quantity.Mul(item.UnitPrice)
	base := Round2(gross.Mul(hundred.Sub(disc)).Div(hundred))
	tax := Round2(base.Mul(item.TaxPercent).Div(hundred))
	roundedGross := Round2(gross)

	discount := roundedGross.Sub(base)
	if discount.IsNegative() {
		discount = decimal.Zero
	}

	return LineTotals{
		Item:            item,
		DiscountPercent: disc,
		Gross:           roundedGross,
		Discount:        discount,
		Base:            base,
		Tax:             tax,
		TaxCode:         TaxCode(item.TaxPercent),
	}
}

func clampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}
