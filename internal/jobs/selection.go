package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/story"
	"postflow/internal/task/scheduler"
	logx "postflow/pkg/logx"
)

const NameContentSelection = "content-selection"

// SelectContent returns eligible stories: blacklisted ids excluded, filters
// applied, ordered mild-first and newest-first within a tier.
func SelectContent(ctx context.Context, repo story.Repository, f story.Filters) ([]story.Story, error) {
	blacklist, err := repo.BlacklistedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	stories, err := repo.FindEligible(ctx, f, blacklist)
	if err != nil {
		return nil, fmt.Errorf("find eligible stories: %w", err)
	}
	// The ordering is product policy; don't trust the repository with it.
	stories = story.Select(stories, f, blacklist)
	return stories, nil
}

// Selection is the latest content-selection output.
type Selection struct {
	At    time.Time           `json:"at"`
	Tiers map[string][]string `json:"tiers"` // spiciness -> story ids, in order
	Total int                 `json:"total"`
}

// SelectionJob refreshes the ordered selection of eligible stories.
type SelectionJob struct {
	stories story.Repository
	filters story.Filters
	log     logx.Logger
	clock   clockwork.Clock

	mu     sync.Mutex
	latest Selection
}

func NewSelectionJob(stories story.Repository, filters story.Filters, clock clockwork.Clock, log logx.Logger) *SelectionJob {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SelectionJob{stories: stories, filters: filters, clock: clock, log: log.With(logx.String("job", NameContentSelection))}
}

func (j *SelectionJob) Execute(ctx context.Context) (scheduler.Result, error) {
	stories, err := SelectContent(ctx, j.stories, j.filters)
	if err != nil {
		return scheduler.Result{}, err
	}
	sel := Selection{At: j.clock.Now(), Tiers: map[string][]string{}, Total: len(stories)}
	counts := map[string]int{"total": len(stories)}
	for tier, list := range story.Tiers(stories) {
		ids := make([]string, 0, len(list))
		for _, st := range list {
			ids = append(ids, st.ID)
		}
		sel.Tiers[tier.String()] = ids
		counts[tier.String()] = len(ids)
	}
	j.mu.Lock()
	j.latest = sel
	j.mu.Unlock()

	j.log.Debug("content selected", logx.Int("total", len(stories)))
	return scheduler.Result{Message: fmt.Sprintf("%d eligible stories", len(stories)), Counts: counts}, nil
}

// Latest returns the last selection (zero before the first run).
func (j *SelectionJob) Latest() Selection {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.latest
}
