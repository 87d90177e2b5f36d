package services

import (
	"reflect"
	"testing"

	"github.com/rasoibox/api/internal/repositories"
)

func TestRedemptionDeltas(t *testing.T) {
	known := []DiscountCode{
		{Name: "KEEP", Redemptions: 3},
		{Name: "NEW", Redemptions: 0},
		{Name: "OLD", Redemptions: 2},
		{Name: "DRAINED", Redemptions: 0},
	}
	cases := []struct {
		name     string
		previous []string
		next     []string
		want     []repositories.RedemptionAdjustment
	}{
		{
			name: "first attach",
			next: []string{"NEW"},
			want: []repositories.RedemptionAdjustment{{Name: "NEW", Delta: 1}},
		},
		{
			name:     "unchanged codes net to nothing",
			previous: []string{"KEEP"},
			next:     []string{"KEEP"},
			want:     []repositories.RedemptionAdjustment{},
		},
		{
			name:     "swap",
			previous: []string{"KEEP", "OLD"},
			next:     []string{"KEEP", "NEW"},
			want: []repositories.RedemptionAdjustment{
				{Name: "NEW", Delta: 1},
				{Name: "OLD", Delta: -1},
			},
		},
		{
			name:     "never below zero",
			previous: []string{"DRAINED"},
			want:     []repositories.RedemptionAdjustment{},
		},
		{
			name: "unknown codes skipped",
			next: []string{"GHOST"},
			want: []repositories.RedemptionAdjustment{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := redemptionDeltas(tc.previous, tc.next, known)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestUnionNamesKeepsFirstOccurrence(t *testing.T) {
	got := unionNames([]string{"A", "B"}, []string{"B", "C"})
	if !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected union %v", got)
	}
}
