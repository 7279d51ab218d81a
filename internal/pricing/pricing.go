package pricing

import (
	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
)

// serviceChargeRate is applied to the base price of service-charge products.
var serviceChargeRate = decimal.RequireFromString("0.10")

var hundred = decimal.NewFromInt(100)

type Options struct {
	GSTPercentOverride      *decimal.Decimal
	PackagingCharge         *decimal.Decimal
	ServiceChargeApplicable *bool
}

// HasDiscount reports whether the discount price is set and strictly between
// zero and the list price.
func HasDiscount(product domain.Product) bool {
	if product.DiscountPrice == nil {
		return false
	}
	d := *product.DiscountPrice
	return d.IsPositive() && d.LessThan(product.Price)
}

// UnitPrice is the effective per-unit price before tax and charges.
func UnitPrice(product domain.Product) decimal.Decimal {
	if HasDiscount(product) {
		return *product.DiscountPrice
	}
	return product.Price
}

// ComputeInvoice prices quantity units of product. Intermediate amounts keep
// full precision; only Total and Savings are rounded to two places.
func ComputeInvoice(product domain.Product, quantity decimal.Decimal, opts Options) domain.Invoice {
	inv := Compute(product, quantity, opts)
	inv.Total = inv.Total.Round(2)
	inv.Savings = inv.Savings.Round(2)
	return inv
}

// Compute is ComputeInvoice without the final rounding, for callers that
// aggregate several lines before rounding once.
func Compute(product domain.Product, quantity decimal.Decimal, opts Options) domain.Invoice {
	gstPercent := product.GSTPercent
	if opts.GSTPercentOverride != nil {
		gstPercent = *opts.GSTPercentOverride
	}
	packaging := product.PackagingCharge
	if opts.PackagingCharge != nil {
		packaging = *opts.PackagingCharge
	}
	serviceApplicable := product.ServiceChargeApplicable
	if opts.ServiceChargeApplicable != nil {
		serviceApplicable = *opts.ServiceChargeApplicable
	}

	hasDiscount := HasDiscount(product)
	unit := UnitPrice(product)
	base := unit.Mul(quantity)
	gst := base.Mul(gstPercent).Div(hundred)
	service := decimal.Zero
	if serviceApplicable {
		service = base.Mul(serviceChargeRate)
	}
	savings := decimal.Zero
	if hasDiscount {
		savings = product.Price.Sub(*product.DiscountPrice).Mul(quantity)
	}

	return domain.Invoice{
		HasDiscount:   hasDiscount,
		UnitPrice:     unit,
		BasePrice:     base,
		GSTAmount:     gst,
		ServiceCharge: service,
		Packaging:     packaging,
		Total:         base.Add(gst).Add(service).Add(packaging),
		Savings:       savings,
	}
}
