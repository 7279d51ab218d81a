package dispatch

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"kitchenstock/backend/internal/domain"
)

// Candidate is one kitchen with its current position in the products an
// order needs.
type Candidate struct {
	Kitchen    domain.Holder
	Available  map[string]decimal.Decimal
	OpenOrders int
}

type Engine struct {
	busyAt   int
	minScore float64
}

func NewEngine(busyAt int) *Engine {
	if busyAt < 1 {
		busyAt = 10
	}
	return &Engine{
		busyAt:   busyAt,
		minScore: 0.05,
	}
}

// Rank scores every online kitchen for lines and returns them best first.
// Kitchens scoring under the floor are dropped.
func (e *Engine) Rank(lines []domain.OrderLine, candidates []Candidate) []domain.KitchenSuggestion {
	required := normalizeLines(lines)
	if len(required) == 0 {
		return []domain.KitchenSuggestion{}
	}

	result := make([]domain.KitchenSuggestion, 0, len(candidates))
	for _, c := range candidates {
		if !c.Kitchen.IsKitchen() || !c.Kitchen.Online() {
			continue
		}

		covered := 0
		depth := 0.0
		shortfall := make([]domain.StockWarning, 0)
		for _, line := range required {
			available := c.Available[line.ProductID]
			if available.GreaterThanOrEqual(line.Quantity) {
				covered++
			} else {
				shortfall = append(shortfall, domain.StockWarning{
					ProductID: line.ProductID,
					Required:  line.Quantity,
					Available: available,
				})
			}
			// three times the requirement counts as full depth
			ratio, _ := available.Div(line.Quantity).Float64()
			depth += clamp(ratio/3.0, 0, 1)
		}

		coverage := float64(covered) / float64(len(required))
		depthScore := depth / float64(len(required))
		load := clamp(float64(c.OpenOrders)/float64(e.busyAt), 0, 1)

		score :=
			0.60*coverage +
				0.25*depthScore +
				0.15*(1-load)

		confidence := clamp(score, 0, 1)
		if confidence < e.minScore {
			continue
		}

		suggestion := domain.KitchenSuggestion{
			KitchenID:    c.Kitchen.ID,
			KitchenName:  c.Kitchen.Name,
			Score:        round2(confidence),
			ReasonCode:   deriveReason(coverage, depthScore, 1-load),
			FullyCovered: covered == len(required),
			OpenOrders:   c.OpenOrders,
		}
		if len(shortfall) > 0 {
			suggestion.Shortfall = shortfall
		}
		result = append(result, suggestion)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Score == result[j].Score {
			return result[i].KitchenID < result[j].KitchenID
		}
		return result[i].Score > result[j].Score
	})
	return result
}

// normalizeLines merges repeated products and drops non-positive quantities.
func normalizeLines(lines []domain.OrderLine) []domain.OrderLine {
	aggregated := make(map[string]decimal.Decimal, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || !line.Quantity.IsPositive() {
			continue
		}
		aggregated[line.ProductID] = aggregated[line.ProductID].Add(line.Quantity)
	}

	result := make([]domain.OrderLine, 0, len(aggregated))
	for productID, qty := range aggregated {
		result = append(result, domain.OrderLine{ProductID: productID, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result
}

func deriveReason(coverage float64, depth float64, idle float64) string {
	type reasonWeight struct {
		code  string
		value float64
	}

	reasons := []reasonWeight{
		{code: "covers_order", value: coverage},
		{code: "deep_stock", value: depth},
		{code: "light_load", value: idle},
	}

	sort.SliceStable(reasons, func(i, j int) bool {
		return reasons[i].value > reasons[j].value
	})
	return reasons[0].code
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
