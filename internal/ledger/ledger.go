package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
)

// Balance is the folded ledger position of one holder for one product.
type Balance struct {
	In       decimal.Decimal
	Out      decimal.Decimal
	Consumed decimal.Decimal
	Reserved decimal.Decimal
}

func (b Balance) Quantity() decimal.Decimal {
	return b.In.Sub(b.Out).Sub(b.Consumed)
}

// Available is what a debit may draw on once strict reservations are honored.
func (b Balance) Available() decimal.Decimal {
	return b.Quantity().Sub(b.Reserved)
}

func (b Balance) Negative() bool {
	return b.Quantity().IsNegative()
}

// Apply folds one transfer into the balance of holderID.
func (b Balance) Apply(holderID string, rec domain.TransferRecord) Balance {
	if rec.ToHolderID == holderID {
		b.In = b.In.Add(rec.Quantity)
	}
	if rec.FromHolderID == holderID {
		b.Out = b.Out.Add(rec.Quantity)
	}
	return b
}

// Fold computes per-product balances for holderID from the full ledger and the
// consumption log. Entries not touching the holder are ignored.
func Fold(holderID string, transfers []domain.TransferRecord, consumptions []domain.Consumption) map[string]Balance {
	out := make(map[string]Balance)
	for _, rec := range transfers {
		if rec.ToHolderID != holderID && rec.FromHolderID != holderID {
			continue
		}
		out[rec.ProductID] = out[rec.ProductID].Apply(holderID, rec)
	}
	for _, c := range consumptions {
		if c.HolderID != holderID {
			continue
		}
		bal := out[c.ProductID]
		bal.Consumed = bal.Consumed.Add(c.Quantity)
		out[c.ProductID] = bal
	}
	return out
}

// Classify maps a quantity onto the product's stock level.
func Classify(quantity decimal.Decimal, minStock decimal.Decimal) domain.StockLevel {
	switch {
	case quantity.Sign() <= 0:
		return domain.StockLevelOutOfStock
	case quantity.LessThanOrEqual(minStock):
		return domain.StockLevelLowStock
	default:
		return domain.StockLevelInStock
	}
}

// UsedSince is assigned minus held, floored at zero. Manual corrections can
// make the difference negative; callers see zero.
func UsedSince(assigned decimal.Decimal, held decimal.Decimal) decimal.Decimal {
	used := assigned.Sub(held)
	if used.IsNegative() {
		return decimal.Zero
	}
	return used
}

// AssignedSince sums transfers into holderID for productID at or after since.
func AssignedSince(holderID string, productID string, transfers []domain.TransferRecord, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, rec := range transfers {
		if rec.ToHolderID != holderID || rec.ProductID != productID {
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		total = total.Add(rec.Quantity)
	}
	return total
}

// Shortfalls compares required quantities against available balances and
// returns one warning per short line, in the order of required.
func Shortfalls(required []domain.OrderLine, balances map[string]Balance, honorReservations bool) []domain.StockWarning {
	var warnings []domain.StockWarning
	for _, line := range required {
		bal := balances[line.ProductID]
		available := bal.Quantity()
		if honorReservations {
			available = bal.Available()
		}
		if available.LessThan(line.Quantity) {
			warnings = append(warnings, domain.StockWarning{
				ProductID: line.ProductID,
				Required:  line.Quantity,
				Available: available,
			})
		}
	}
	return warnings
}
