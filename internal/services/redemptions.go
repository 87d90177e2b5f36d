package services

import (
	"maps"
	"slices"

	"github.com/rasoibox/api/internal/repositories"
)

// redemptionDeltas computes the counter adjustments that move from the previously applied codes to
// next. Codes missing from known are skipped and decrements never take a counter below zero.
func redemptionDeltas(previous, next []string, known []DiscountCode) []repositories.RedemptionAdjustment {
	current := make(map[string]int64, len(known))
	for _, code := range known {
		current[code.Name] = code.Redemptions
	}
	deltas := make(map[string]int64, len(previous)+len(next))
	for _, name := range previous {
		deltas[name]--
	}
	for _, name := range next {
		deltas[name]++
	}

	adjustments := make([]repositories.RedemptionAdjustment, 0, len(deltas))
	for _, name := range sortedKeys(deltas) {
		redemptions, ok := current[name]
		if !ok {
			continue
		}
		delta := deltas[name]
		if redemptions+delta < 0 {
			delta = -redemptions
		}
		if delta == 0 {
			continue
		}
		adjustments = append(adjustments, repositories.RedemptionAdjustment{Name: name, Delta: delta})
	}
	return adjustments
}

func unionNames(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
