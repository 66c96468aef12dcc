package story

import (
	"testing"
	"time"
)

func TestSelectOrdersMildFirstNewestFirst(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	in := []Story{
		{ID: "spicy-new", Spiciness: Spicy, CreatedAt: base.Add(5 * time.Hour)},
		{ID: "mild-old", Spiciness: Mild, CreatedAt: base},
		{ID: "medium", Spiciness: Medium, CreatedAt: base.Add(time.Hour)},
		{ID: "mild-new", Spiciness: Mild, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "blocked", Spiciness: Mild, CreatedAt: base.Add(9 * time.Hour)},
	}
	got := Select(in, Filters{}, IDSet{"blocked": {}})
	want := []string{"mild-new", "mild-old", "medium", "spicy-new"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("got[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestFiltersMatch(t *testing.T) {
	t.Parallel()
	st := Story{Ownership: "Original", Status: "approved", Category: "drama", Spiciness: Medium}
	tests := []struct {
		name string
		f    Filters
		want bool
	}{
		{name: "empty", f: Filters{}, want: true},
		{name: "ownership case-insensitive", f: Filters{Ownership: []string{"original"}}, want: true},
		{name: "status mismatch", f: Filters{Status: []string{"draft"}}, want: false},
		{name: "category list", f: Filters{Categories: []string{"comedy", "drama"}}, want: true},
		{name: "too spicy", f: Filters{MaxSpiciness: Mild}, want: false},
		{name: "spice ok", f: Filters{MaxSpiciness: Medium}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(st); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectLimitAndTiers(t *testing.T) {
	t.Parallel()
	now := time.Now()
	in := []Story{
		{ID: "a", Spiciness: Spicy, CreatedAt: now},
		{ID: "b", Spiciness: Mild, CreatedAt: now},
		{ID: "c", Spiciness: Mild, CreatedAt: now.Add(-time.Minute)},
	}
	got := Select(in, Filters{Limit: 2}, nil)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected selection: %+v", got)
	}
	tiers := Tiers(Select(in, Filters{}, nil))
	if len(tiers[Mild]) != 2 || len(tiers[Spicy]) != 1 || len(tiers[Medium]) != 0 {
		t.Fatalf("unexpected tiers: %+v", tiers)
	}
}
