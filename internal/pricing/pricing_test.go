package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func TestComputeInvoiceDiscountedWithServiceCharge(t *testing.T) {
	product := domain.Product{
		Price:                   dec("100"),
		DiscountPrice:           decPtr("80"),
		GSTPercent:              dec("5"),
		PackagingCharge:         dec("10"),
		ServiceChargeApplicable: true,
	}

	inv := ComputeInvoice(product, dec("2"), Options{})
	if !inv.BasePrice.Equal(dec("160")) {
		t.Fatalf("expected base 160, got %s", inv.BasePrice)
	}
	if !inv.GSTAmount.Equal(dec("8")) {
		t.Fatalf("expected gst 8, got %s", inv.GSTAmount)
	}
	if !inv.ServiceCharge.Equal(dec("16")) {
		t.Fatalf("expected service charge 16, got %s", inv.ServiceCharge)
	}
	if inv.Total.StringFixed(2) != "194.00" {
		t.Fatalf("expected total 194.00, got %s", inv.Total.StringFixed(2))
	}
	if !inv.Savings.Equal(dec("40")) {
		t.Fatalf("expected savings 40, got %s", inv.Savings)
	}
	if !inv.HasDiscount {
		t.Fatalf("expected discount to apply")
	}
}

func TestHasDiscountOnlyStrictlyBetweenZeroAndPrice(t *testing.T) {
	cases := map[string]bool{
		"0":    false,
		"-5":   false,
		"100":  false,
		"120":  false,
		"99.9": true,
		"0.01": true,
	}
	for discount, want := range cases {
		p := domain.Product{Price: dec("100"), DiscountPrice: decPtr(discount)}
		if got := HasDiscount(p); got != want {
			t.Fatalf("discount %s: expected %v, got %v", discount, want, got)
		}
	}
	if HasDiscount(domain.Product{Price: dec("100")}) {
		t.Fatalf("expected no discount when unset")
	}
}

func TestComputeInvoiceIgnoresInvalidDiscount(t *testing.T) {
	product := domain.Product{Price: dec("50"), DiscountPrice: decPtr("60"), GSTPercent: dec("0")}
	inv := ComputeInvoice(product, dec("3"), Options{})
	if !inv.Total.Equal(dec("150")) || !inv.Savings.IsZero() {
		t.Fatalf("expected list price total 150 and no savings, got %s / %s", inv.Total, inv.Savings)
	}
}

func TestComputeInvoiceRoundsOnlyFinalAmounts(t *testing.T) {
	product := domain.Product{Price: dec("0.335"), GSTPercent: dec("18")}
	inv := ComputeInvoice(product, dec("3"), Options{})
	// 1.005 + 0.1809 = 1.1859
	if !inv.BasePrice.Equal(dec("1.005")) {
		t.Fatalf("expected unrounded base 1.005, got %s", inv.BasePrice)
	}
	if inv.Total.String() != "1.19" {
		t.Fatalf("expected total 1.19, got %s", inv.Total)
	}
}

func TestComputeInvoiceOverrides(t *testing.T) {
	product := domain.Product{
		Price:                   dec("200"),
		GSTPercent:              dec("12"),
		PackagingCharge:         dec("15"),
		ServiceChargeApplicable: true,
	}
	off := false
	inv := ComputeInvoice(product, dec("1"), Options{
		GSTPercentOverride:      decPtr("0"),
		PackagingCharge:         decPtr("0"),
		ServiceChargeApplicable: &off,
	})
	if !inv.Total.Equal(dec("200")) {
		t.Fatalf("expected overrides to strip charges, got %s", inv.Total)
	}
}

func TestComputeInvoiceIsDeterministic(t *testing.T) {
	product := domain.Product{Price: dec("33.33"), DiscountPrice: decPtr("29.99"), GSTPercent: dec("5"), PackagingCharge: dec("2.5")}
	first := ComputeInvoice(product, dec("1.5"), Options{})
	for i := 0; i < 10; i++ {
		next := ComputeInvoice(product, dec("1.5"), Options{})
		if !next.Total.Equal(first.Total) || !next.Savings.Equal(first.Savings) {
			t.Fatalf("expected stable totals, got %s vs %s", next.Total, first.Total)
		}
	}
}

func TestServiceChargeIsTenPercentOfBase(t *testing.T) {
	if !serviceChargeRate.Equal(dec("0.10")) {
		t.Fatalf("expected service charge rate 0.10, got %s", serviceChargeRate)
	}
	product := domain.Product{Price: dec("333.33"), ServiceChargeApplicable: true}
	inv := Compute(product, dec("3"), Options{})
	if !inv.ServiceCharge.Equal(dec("99.999")) {
		t.Fatalf("expected unrounded service charge 99.999, got %s", inv.ServiceCharge)
	}
}
