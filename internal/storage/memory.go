package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"postflow/internal/campaign"
	"postflow/internal/post"
	"postflow/internal/story"
)

// memoryStore keeps everything in maps guarded by one mutex. Values are
// cloned on the way in and out so callers never share state with the store.
type memoryStore struct {
	mu        sync.Mutex
	posts     map[string]*post.ContentPost
	audit     []post.AuditEntry
	stories   map[string]story.Story
	blacklist map[string]string
	budgets   map[string]campaign.Budget
	tests     map[string]campaign.ABTest
	dedup     map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		posts:     map[string]*post.ContentPost{},
		stories:   map[string]story.Story{},
		blacklist: map[string]string{},
		budgets:   map[string]campaign.Budget{},
		tests:     map[string]campaign.ABTest{},
		dedup:     map[string]time.Time{},
	}
}

func (m *memoryStore) Posts() post.Repository         { return memPosts{m} }
func (m *memoryStore) Audit() post.AuditLog           { return memAudit{m} }
func (m *memoryStore) Stories() story.Repository      { return memStories{m} }
func (m *memoryStore) Campaigns() campaign.Repository { return memCampaigns{m} }
func (m *memoryStore) Close() error                   { return nil }

func (m *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

// ---- posts ----

type memPosts struct{ m *memoryStore }

func (r memPosts) Get(_ context.Context, id string) (*post.ContentPost, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, post.ErrNotFound)
	}
	return p.Clone(), nil
}

func (r memPosts) Create(_ context.Context, p *post.ContentPost) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.posts[p.ID]; ok {
		return fmt.Errorf("post %s already exists", p.ID)
	}
	p.Version = 1
	r.m.posts[p.ID] = p.Clone()
	return nil
}

func (r memPosts) Save(_ context.Context, p *post.ContentPost) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cur, ok := r.m.posts[p.ID]
	if !ok {
		return fmt.Errorf("post %s: %w", p.ID, post.ErrNotFound)
	}
	if cur.Version != p.Version {
		return post.ErrConflict
	}
	p.Version++
	r.m.posts[p.ID] = p.Clone()
	return nil
}

func (r memPosts) FindDueForPosting(_ context.Context, now time.Time) ([]*post.ContentPost, error) {
	return r.collect(func(p *post.ContentPost) bool {
		return p.Status == post.StatusScheduled && !p.ScheduledAt.IsZero() && !p.ScheduledAt.After(now)
	}), nil
}

func (r memPosts) FindByStatus(_ context.Context, statuses ...post.Status) ([]*post.ContentPost, error) {
	return r.collect(func(p *post.ContentPost) bool {
		return slices.Contains(statuses, p.Status)
	}), nil
}

func (r memPosts) HasPostForStory(_ context.Context, storyID string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, p := range r.m.posts {
		if p.StoryID == storyID {
			return true, nil
		}
	}
	return false, nil
}

// collect returns matching posts ordered by (scheduledAt, id).
func (r memPosts) collect(match func(*post.ContentPost) bool) []*post.ContentPost {
	r.m.mu.Lock()
	out := make([]*post.ContentPost, 0)
	for _, p := range r.m.posts {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	r.m.mu.Unlock()
	slices.SortFunc(out, comparePosts)
	return out
}

func comparePosts(a, b *post.ContentPost) int {
	if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ---- audit ----

type memAudit struct{ m *memoryStore }

func (r memAudit) Append(_ context.Context, e post.AuditEntry) error {
	r.m.mu.Lock()
	r.m.audit = append(r.m.audit, e)
	r.m.mu.Unlock()
	return nil
}

func (r memAudit) ForPost(_ context.Context, postID string) ([]post.AuditEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []post.AuditEntry
	for _, e := range r.m.audit {
		if e.PostID == postID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---- stories ----

type memStories struct{ m *memoryStore }

func (r memStories) FindEligible(_ context.Context, f story.Filters, exclude story.IDSet) ([]story.Story, error) {
	r.m.mu.Lock()
	all := make([]story.Story, 0, len(r.m.stories))
	for _, st := range r.m.stories {
		all = append(all, st)
	}
	r.m.mu.Unlock()
	// Map order is random; fix the input order so ties stay deterministic.
	slices.SortFunc(all, func(a, b story.Story) int { return cmp.Compare(a.ID, b.ID) })
	return story.Select(all, f, exclude), nil
}

func (r memStories) BlacklistedIDs(_ context.Context) (story.IDSet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make(story.IDSet, len(r.m.blacklist))
	for id := range r.m.blacklist {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r memStories) Put(_ context.Context, st story.Story) error {
	r.m.mu.Lock()
	st.Tags = append([]string(nil), st.Tags...)
	r.m.stories[st.ID] = st
	r.m.mu.Unlock()
	return nil
}

func (r memStories) Blacklist(_ context.Context, id, reason string) error {
	r.m.mu.Lock()
	r.m.blacklist[id] = reason
	r.m.mu.Unlock()
	return nil
}

// ---- campaigns ----

type memCampaigns struct{ m *memoryStore }

func (r memCampaigns) ActiveBudgets(_ context.Context, now time.Time) ([]campaign.Budget, error) {
	r.m.mu.Lock()
	var out []campaign.Budget
	for _, b := range r.m.budgets {
		if b.Active(now) {
			out = append(out, b)
		}
	}
	r.m.mu.Unlock()
	slices.SortFunc(out, func(a, b campaign.Budget) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r memCampaigns) SaveBudget(_ context.Context, b campaign.Budget) error {
	r.m.mu.Lock()
	r.m.budgets[b.ID] = b
	r.m.mu.Unlock()
	return nil
}

func (r memCampaigns) RunningABTests(_ context.Context) ([]campaign.ABTest, error) {
	r.m.mu.Lock()
	var out []campaign.ABTest
	for _, t := range r.m.tests {
		if t.Status == campaign.TestRunning {
			out = append(out, t)
		}
	}
	r.m.mu.Unlock()
	slices.SortFunc(out, func(a, b campaign.ABTest) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r memCampaigns) SaveABTest(_ context.Context, t campaign.ABTest) error {
	r.m.mu.Lock()
	r.m.tests[t.ID] = t
	r.m.mu.Unlock()
	return nil
}
