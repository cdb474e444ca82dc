package discount

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Apply calculates the discount for the given rule and cart items.
// It returns ErrInvalid when the cart does not satisfy the rule's minimum
// item count requirement.
func Apply(rule *Rule, items []Item) (Applied, error) {
	totalQty := totalQuantity(items)
	if rule.MinItems > 0 && totalQty < rule.MinItems {
		return Applied{}, ErrInvalid
	}

	subtotal := calcSubtotal(items)

	switch rule.Type {
	case TypePercentage:
		return applyPercentage(rule, subtotal), nil
	case TypeFixed:
		return applyFixed(rule, subtotal), nil
	case TypeFreeLowest:
		return applyFreeLowest(rule, items), nil
	default:
		return Applied{}, errors.Errorf("unsupported discount type: %q", rule.Type)
	}
}

func applyPercentage(rule *Rule, subtotal decimal.Decimal) Applied {
	amount := subtotal.Mul(rule.Value).Div(hundred)
	amount = floorAtZero(amount).Round(2)

	return Applied{
		Amount:      amount,
		Description: rule.Description,
	}
}

func applyFixed(rule *Rule, subtotal decimal.Decimal) Applied {
	amount := decimal.Min(rule.Value, subtotal)
	amount = floorAtZero(amount).Round(2)

	return Applied{
		Amount:      amount,
		Description: rule.Description,
	}
}

func applyFreeLowest(rule *Rule, items []Item) Applied {
	lowest := findLowestUnitPrice(items)

	return Applied{
		Amount:      floorAtZero(lowest).Round(2),
		Description: rule.Description,
	}
}

// calcSubtotal returns the sum of price * quantity across all items.
func calcSubtotal(items []Item) decimal.Decimal {
	sum := zero
	for _, item := range items {
		line := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		sum = sum.Add(line)
	}
	return sum
}

// totalQuantity returns the sum of quantities across all items.
func totalQuantity(items []Item) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

// findLowestUnitPrice returns the lowest unit price among the given items.
// If items is empty it returns zero.
func findLowestUnitPrice(items []Item) decimal.Decimal {
	if len(items) == 0 {
		return zero
	}
	lowest := items[0].Price
	for _, item := range items[1:] {
		if item.Price.LessThan(lowest) {
			lowest = item.Price
		}
	}
	return lowest
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
