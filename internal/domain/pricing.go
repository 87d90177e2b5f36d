package domain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// ErrInvalidDiscount reports a discount that cannot be evaluated.
var ErrInvalidDiscount = errors.New("domain: invalid discount")

// ApplyDiscounts chains discounts over subtotal in the order supplied. Amount-off codes subtract a fixed
// number of cents; percent-off codes scale the running total. The running total is carried exactly and
// rounded half away from zero to the cent once, after the last discount. The result never drops below zero.
func ApplyDiscounts(subtotalCents int64, discounts []AppliedDiscount) (int64, error) {
	if subtotalCents < 0 {
		return 0, fmt.Errorf("%w: negative subtotal %d", ErrInvalidDiscount, subtotalCents)
	}
	total := new(big.Rat).SetInt64(subtotalCents)
	for _, discount := range discounts {
		switch {
		case discount.AmountOffCents != nil && discount.PercentOff != nil:
			return 0, fmt.Errorf("%w: %s sets both amount and percent", ErrInvalidDiscount, discount.Name)
		case discount.AmountOffCents != nil:
			total.Sub(total, new(big.Rat).SetInt64(*discount.AmountOffCents))
		case discount.PercentOff != nil:
			pct := *discount.PercentOff
			if pct < 0 || pct > 100 || math.IsNaN(pct) {
				return 0, fmt.Errorf("%w: %s percent %v out of range", ErrInvalidDiscount, discount.Name, pct)
			}
			total.Mul(total, remainingShare(pct))
		default:
			return 0, fmt.Errorf("%w: %s has no value", ErrInvalidDiscount, discount.Name)
		}
		if total.Sign() < 0 {
			total.SetInt64(0)
		}
	}
	return roundHalfAwayFromZero(total), nil
}

// remainingShare returns (100 - pct) / 100, reading pct as the decimal it prints as so 33.3 stays 33.3.
func remainingShare(pct float64) *big.Rat {
	share, ok := new(big.Rat).SetString(strconv.FormatFloat(pct, 'f', -1, 64))
	if !ok {
		share = new(big.Rat).SetFloat64(pct)
	}
	share.Sub(big.NewRat(100, 1), share)
	return share.Quo(share, big.NewRat(100, 1))
}

// roundHalfAwayFromZero expects a non-negative value.
func roundHalfAwayFromZero(value *big.Rat) int64 {
	num := new(big.Int).Mul(value.Num(), big.NewInt(2))
	num.Add(num, value.Denom())
	den := new(big.Int).Mul(value.Denom(), big.NewInt(2))
	return num.Quo(num, den).Int64()
}

// PriceLine is one priced cart entry.
type PriceLine struct {
	RecipeID    string
	RecipeName  string
	ServingSize int
	PriceRef    string
	PriceCents  int64
}

// Quote is the result of pricing a set of lines with a list of discounts.
type Quote struct {
	Lines         []PriceLine
	SubtotalCents int64
	TotalCents    int64
	Breakdown     OrderBreakdown
}

// BuildQuote prices lines and applies discounts in order, producing the breakdown persisted on the order.
func BuildQuote(lines []PriceLine, discounts []AppliedDiscount) (Quote, error) {
	var subtotal int64
	items := make(map[string]int64, len(lines))
	for _, line := range lines {
		if line.PriceCents < 0 {
			return Quote{}, fmt.Errorf("domain: negative price for %s", line.RecipeID)
		}
		subtotal += line.PriceCents
		items[line.PriceRef] += line.PriceCents
	}
	total, err := ApplyDiscounts(subtotal, discounts)
	if err != nil {
		return Quote{}, err
	}
	promos := make([]AppliedDiscount, len(discounts))
	copy(promos, discounts)
	return Quote{
		Lines:         lines,
		SubtotalCents: subtotal,
		TotalCents:    total,
		Breakdown:     OrderBreakdown{Items: items, PromoCodes: promos},
	}, nil
}

// CentsToDollars converts minor units to a float for presentation and gateway metadata.
func CentsToDollars(cents int64) float64 {
	return float64(cents) / 100
}

// DollarsToCents converts a decimal dollar amount from an external boundary into minor units.
func DollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// FormatCents renders cents as a plain decimal string, e.g. 3500 -> "35.00".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + fmt.Sprintf("%02d", cents%100)
}

// BreakdownView is the decimal representation of OrderBreakdown exposed to clients and the gateway.
type BreakdownView struct {
	Items      map[string]float64    `json:"items"`
	PromoCodes []AppliedDiscountView `json:"promo_codes"`
}

// AppliedDiscountView is the decimal representation of AppliedDiscount.
type AppliedDiscountView struct {
	Name       string   `json:"name"`
	AmountOff  *float64 `json:"amount_off"`
	PercentOff *float64 `json:"percent_off"`
}

// View converts the breakdown into decimal units.
func (b OrderBreakdown) View() BreakdownView {
	view := BreakdownView{
		Items:      make(map[string]float64, len(b.Items)),
		PromoCodes: make([]AppliedDiscountView, 0, len(b.PromoCodes)),
	}
	for ref, cents := range b.Items {
		view.Items[ref] = CentsToDollars(cents)
	}
	for _, promo := range b.PromoCodes {
		entry := AppliedDiscountView{Name: promo.Name, PercentOff: promo.PercentOff}
		if promo.AmountOffCents != nil {
			amount := CentsToDollars(*promo.AmountOffCents)
			entry.AmountOff = &amount
		}
		view.PromoCodes = append(view.PromoCodes, entry)
	}
	return view
}
