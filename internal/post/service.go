package post

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/eventbus"
	logx "postflow/pkg/logx"
)

// Repository persists posts. Save is optimistic: it fails with ErrConflict
// when the stored version differs from p.Version, and bumps p.Version on
// success.
type Repository interface {
	Get(ctx context.Context, id string) (*ContentPost, error)
	Create(ctx context.Context, p *ContentPost) error
	Save(ctx context.Context, p *ContentPost) error
	FindDueForPosting(ctx context.Context, now time.Time) ([]*ContentPost, error)
	FindByStatus(ctx context.Context, statuses ...Status) ([]*ContentPost, error)
	HasPostForStory(ctx context.Context, storyID string) (bool, error)
}

// AuditEntry records one status-relevant change.
type AuditEntry struct {
	PostID string    `json:"post_id"`
	Action string    `json:"action"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
	ForPost(ctx context.Context, postID string) ([]AuditEntry, error)
}

// Event is the payload of post.* bus events.
type Event struct {
	PostID   string    `json:"post_id"`
	Action   string    `json:"action"`
	Status   Status    `json:"status"`
	Platform string    `json:"platform,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Service applies admin operations with read-validate-write.
type Service struct {
	repo  Repository
	audit AuditLog
	clock clockwork.Clock
	log   logx.Logger
	bus   eventbus.Bus
}

type ServiceOption func(*Service)

func WithClock(c clockwork.Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewService(repo Repository, audit AuditLog, log logx.Logger, bus eventbus.Bus, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, audit: audit, clock: clockwork.NewRealClock(), log: log, bus: bus}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, d Draft) (*ContentPost, error) {
	now := s.clock.Now()
	p, err := New(d, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	s.record(ctx, AuditEntry{PostID: p.ID, Action: "create", To: p.Status, At: now})
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*ContentPost, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) MarkReady(ctx context.Context, id string) (*ContentPost, error) {
	return s.mutate(ctx, id, "mark_ready", "", func(p *ContentPost, now time.Time) error { return p.MarkReady(now) })
}

func (s *Service) Approve(ctx context.Context, id string) (*ContentPost, error) {
	return s.mutate(ctx, id, "approve", "", func(p *ContentPost, now time.Time) error { return p.Approve(now) })
}

func (s *Service) Reject(ctx context.Context, id, reason string) (*ContentPost, error) {
	return s.mutate(ctx, id, "reject", reason, func(p *ContentPost, now time.Time) error { return p.Reject(reason, now) })
}

func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*ContentPost, error) {
	return s.mutate(ctx, id, "schedule", at.Format(time.RFC3339), func(p *ContentPost, now time.Time) error { return p.Schedule(at, now) })
}

func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) (*ContentPost, error) {
	return s.mutate(ctx, id, "reschedule", at.Format(time.RFC3339), func(p *ContentPost, now time.Time) error { return p.Reschedule(at, now) })
}

func (s *Service) UpdateContent(ctx context.Context, id string, u ContentUpdate) (*ContentPost, error) {
	return s.mutate(ctx, id, "update_content", "", func(p *ContentPost, now time.Time) error { return p.UpdateContent(u, now) })
}

func (s *Service) SetPlatforms(ctx context.Context, id string, set PlatformSet) (*ContentPost, error) {
	return s.mutate(ctx, id, "set_platforms", set.String(), func(p *ContentPost, now time.Time) error { return p.SetPlatforms(set, now) })
}

func (s *Service) Requeue(ctx context.Context, id string, at time.Time) (*ContentPost, error) {
	p, err := s.mutate(ctx, id, "requeue", at.Format(time.RFC3339), func(p *ContentPost, now time.Time) error { return p.Requeue(at, now) })
	if err == nil && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.PostRequeued, Data: Event{PostID: p.ID, Action: "requeue", Status: p.Status, At: p.UpdatedAt}})
	}
	return p, err
}

// mutate loads, validates via fn and saves with a version check. A
// concurrent writer surfaces as ErrConflict; nothing is retried here.
func (s *Service) mutate(ctx context.Context, id, action, detail string, fn func(p *ContentPost, now time.Time) error) (*ContentPost, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := p.Status
	now := s.clock.Now()
	if err := fn(p, now); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("%s post %s: %w", action, id, err)
	}
	s.log.Debug("post updated", logx.String("post", id), logx.String("action", action), logx.String("from", string(from)), logx.String("to", string(p.Status)))
	s.record(ctx, AuditEntry{PostID: id, Action: action, From: from, To: p.Status, Detail: detail, At: now})
	return p, nil
}

func (s *Service) record(ctx context.Context, e AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("post", e.PostID), logx.String("action", e.Action), logx.Err(err))
	}
}
