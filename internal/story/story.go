// Package story holds the Story entity and the content-selection policy:
// blacklisted stories are excluded, filters narrow by ownership, status and
// category, and the result is ordered mild-first, newest-first within a tier.
package story

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Spiciness tiers. Lower is safer.
type Spiciness int

const (
	Mild   Spiciness = 1
	Medium Spiciness = 2
	Spicy  Spiciness = 3
)

func (s Spiciness) Valid() bool { return s >= Mild && s <= Spicy }

func (s Spiciness) String() string {
	switch s {
	case Mild:
		return "mild"
	case Medium:
		return "medium"
	case Spicy:
		return "spicy"
	default:
		return fmt.Sprintf("spiciness(%d)", int(s))
	}
}

type Story struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Category  string    `json:"category"`
	Status    string    `json:"status"`
	Ownership string    `json:"ownership"`
	Spiciness Spiciness `json:"spiciness"`
	Tags      []string  `json:"tags,omitempty"`
	VideoPath string    `json:"video_path,omitempty"`
	ImagePath string    `json:"image_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filters narrow eligible stories. Empty lists match everything; matching is
// case-insensitive.
type Filters struct {
	Ownership  []string `json:"ownership,omitempty"`
	Status     []string `json:"status,omitempty"`
	Categories []string `json:"categories,omitempty"`
	// MaxSpiciness excludes stories above the tier (0 = no limit).
	MaxSpiciness Spiciness `json:"max_spiciness,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// IDSet is a set of story ids.
type IDSet map[string]struct{}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Repository is the story collaborator.
type Repository interface {
	FindEligible(ctx context.Context, f Filters, exclude IDSet) ([]Story, error)
	BlacklistedIDs(ctx context.Context) (IDSet, error)
	Put(ctx context.Context, s Story) error
	Blacklist(ctx context.Context, id, reason string) error
}

// Matches reports whether st passes f. It ignores Limit.
func (f Filters) Matches(st Story) bool {
	if !matchAny(f.Ownership, st.Ownership) || !matchAny(f.Status, st.Status) || !matchAny(f.Categories, st.Category) {
		return false
	}
	if f.MaxSpiciness.Valid() && st.Spiciness > f.MaxSpiciness {
		return false
	}
	return true
}

func matchAny(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return slices.ContainsFunc(allowed, func(a string) bool {
		return strings.ToLower(strings.TrimSpace(a)) == v
	})
}

// Order sorts stories by (spiciness ascending, createdAt descending).
// Ties keep their input order.
func Order(stories []Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		a, b := stories[i], stories[j]
		if a.Spiciness != b.Spiciness {
			return a.Spiciness < b.Spiciness
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// Tiers partitions ordered stories by spiciness.
func Tiers(stories []Story) map[Spiciness][]Story {
	out := map[Spiciness][]Story{}
	for _, st := range stories {
		out[st.Spiciness] = append(out[st.Spiciness], st)
	}
	return out
}

// Select applies exclusion and filters to candidates, orders the result and
// truncates to f.Limit. Repositories use it so every driver shares the policy.
func Select(candidates []Story, f Filters, exclude IDSet) []Story {
	out := make([]Story, 0, len(candidates))
	for _, st := range candidates {
		if exclude.Has(st.ID) || !f.Matches(st) {
			continue
		}
		out = append(out, st)
	}
	Order(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
