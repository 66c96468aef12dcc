package post_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"postflow/internal/eventbus"
	"postflow/internal/post"
	"postflow/internal/storage"
	logx "postflow/pkg/logx"
)

func newService(t *testing.T) (*post.Service, storage.Store, *clockwork.FakeClock, eventbus.Bus) {
	t.Helper()
	st := storage.NewMemory()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	return post.NewService(st.Posts(), st.Audit(), logx.Nop(), bus, post.WithClock(fc)), st, fc, bus
}

func TestServiceLifecycleAudited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, fc, _ := newService(t)

	p, err := svc.Create(ctx, post.Draft{Caption: "hello", VideoPath: "/v.mp4", Platforms: post.NewPlatformSet(post.TikTok)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkReady(ctx, p.ID); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err := svc.Approve(ctx, p.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	at := fc.Now().Add(time.Hour)
	got, err := svc.Schedule(ctx, p.ID, at)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got.Status != post.StatusScheduled || !got.ScheduledAt.Equal(at) || got.Version != 4 {
		t.Fatalf("unexpected post: status=%s at=%s v=%d", got.Status, got.ScheduledAt, got.Version)
	}

	entries, err := st.Audit().ForPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	want := []string{"create", "mark_ready", "approve", "schedule"}
	if len(entries) != len(want) {
		t.Fatalf("audit entries = %+v", entries)
	}
	for i, a := range want {
		if entries[i].Action != a {
			t.Fatalf("entry %d = %s, want %s", i, entries[i].Action, a)
		}
	}
	if entries[3].From != post.StatusApproved || entries[3].To != post.StatusScheduled {
		t.Fatalf("schedule entry = %+v", entries[3])
	}
}

func TestServiceRejectsInvalidTransitionWithoutWriting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, fc, _ := newService(t)
	p, _ := svc.Create(ctx, post.Draft{Caption: "x", Platforms: post.NewPlatformSet(post.Instagram)})

	_, err := svc.Schedule(ctx, p.ID, fc.Now())
	var te *post.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("schedule draft err = %v", err)
	}
	stored, _ := st.Posts().Get(ctx, p.ID)
	if stored.Version != 1 || stored.Status != post.StatusDraft {
		t.Fatalf("failed transition must not write: %+v", stored)
	}
	if _, err := svc.Approve(ctx, "missing"); !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("missing post err = %v", err)
	}
}

func TestServiceUpdateContentAndPlatforms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _, _ := newService(t)
	p, _ := svc.Create(ctx, post.Draft{Caption: "x", Platforms: post.NewPlatformSet(post.TikTok, post.Instagram)})

	caption := "new caption"
	video := " /media/new.mp4 "
	got, err := svc.UpdateContent(ctx, p.ID, post.ContentUpdate{Caption: &caption, VideoPath: &video, Hashtags: []string{"#a"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Caption != caption || got.MediaPath() != "/media/new.mp4" || len(got.Hashtags) != 1 {
		t.Fatalf("unexpected content: %+v", got)
	}
	got, err = svc.SetPlatforms(ctx, p.ID, post.NewPlatformSet(post.Instagram))
	if err != nil {
		t.Fatalf("set platforms: %v", err)
	}
	if got.PlatformStatus.Get(post.TikTok).Status != post.PlatformSkipped {
		t.Fatalf("removed platform not skipped")
	}
}

func TestServiceRequeuePublishesEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, fc, bus := newService(t)
	events, unsub := bus.Subscribe(4, eventbus.PostRequeued)
	defer unsub()

	p, _ := svc.Create(ctx, post.Draft{Caption: "x", ImagePath: "/i.png", Platforms: post.NewPlatformSet(post.TikTok)})
	_, _ = svc.Approve(ctx, p.ID)
	_, _ = svc.Schedule(ctx, p.ID, fc.Now())

	// Simulate a failed fire.
	cur, _ := st.Posts().Get(ctx, p.ID)
	_ = cur.Claim(fc.Now())
	cur.BeginAttempt(post.TikTok)
	cur.RecordAttempt(post.Attempt{Platform: post.TikTok, Err: errors.New("503"), ErrorKind: "transport", Retriable: true, At: fc.Now()})
	cur.Resolve(fc.Now())
	if err := st.Posts().Save(ctx, cur); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := svc.Requeue(ctx, p.ID, fc.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got.Status != post.StatusScheduled || got.RetryCount != 1 {
		t.Fatalf("unexpected post: %+v", got)
	}
	select {
	case ev := <-events:
		data, ok := ev.Data.(post.Event)
		if !ok || data.PostID != p.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no requeue event")
	}

	if _, err := svc.Requeue(ctx, p.ID, fc.Now()); err == nil {
		t.Fatalf("requeue of a scheduled post should fail")
	}
}
