package post

import (
	"strings"
	"time"
)

// Skip reasons recorded on platform entries.
const (
	SkipRemoved  = "removed from target platforms"
	SkipDisabled = "adapter disabled"
)

// ReasonAllSkipped is recorded when no targeted platform was attempted.
const ReasonAllSkipped = "all target platforms skipped"

// ---- Admin transitions ----

// MarkReady moves a draft to ready.
func (p *ContentPost) MarkReady(now time.Time) error {
	if p.Status != StatusDraft {
		return &TransitionError{From: p.Status, Op: "mark ready"}
	}
	p.Status = StatusReady
	p.UpdatedAt = now
	return nil
}

func (p *ContentPost) Approve(now time.Time) error {
	if p.Status != StatusDraft && p.Status != StatusReady {
		return &TransitionError{From: p.Status, Op: "approve"}
	}
	p.Status = StatusApproved
	p.UpdatedAt = now
	return nil
}

// Reject is allowed until the posting job has claimed the post.
func (p *ContentPost) Reject(reason string, now time.Time) error {
	switch p.Status {
	case StatusDraft, StatusReady, StatusApproved, StatusScheduled:
	default:
		return &TransitionError{From: p.Status, Op: "reject"}
	}
	p.Status = StatusRejected
	p.RejectReason = strings.TrimSpace(reason)
	p.UpdatedAt = now
	return nil
}

// Schedule sets scheduledAt and moves an approved post to scheduled.
func (p *ContentPost) Schedule(at, now time.Time) error {
	if p.Status != StatusApproved && p.Status != StatusScheduled {
		return &TransitionError{From: p.Status, Op: "schedule"}
	}
	if at.IsZero() {
		return ErrNoScheduleTime
	}
	if p.Platforms.Empty() {
		return ErrNoPlatforms
	}
	p.ScheduledAt = at
	p.Status = StatusScheduled
	p.UpdatedAt = now
	return nil
}

// Reschedule changes scheduledAt without changing status. Failed and
// partially posted posts go through Requeue instead.
func (p *ContentPost) Reschedule(at, now time.Time) error {
	switch p.Status {
	case StatusDraft, StatusReady, StatusApproved, StatusScheduled:
	default:
		return &TransitionError{From: p.Status, Op: "reschedule"}
	}
	if at.IsZero() {
		return ErrNoScheduleTime
	}
	p.ScheduledAt = at
	p.UpdatedAt = now
	return nil
}

// ContentUpdate holds optional replacements; nil fields are left unchanged.
type ContentUpdate struct {
	Caption   *string
	Hashtags  []string
	VideoPath *string
	ImagePath *string
}

func (p *ContentPost) UpdateContent(u ContentUpdate, now time.Time) error {
	if !p.Status.editable() {
		return ErrContentLocked
	}
	if u.Caption != nil {
		p.Caption = *u.Caption
	}
	if u.Hashtags != nil {
		p.Hashtags = append([]string(nil), u.Hashtags...)
	}
	if u.VideoPath != nil {
		p.VideoPath = strings.TrimSpace(*u.VideoPath)
	}
	if u.ImagePath != nil {
		p.ImagePath = strings.TrimSpace(*u.ImagePath)
	}
	p.UpdatedAt = now
	return nil
}

// SetPlatforms replaces the target set. Added platforms become Pending;
// removed ones become Skipped and keep their record. A platform that is
// Posted or Posting cannot be removed.
func (p *ContentPost) SetPlatforms(set PlatformSet, now time.Time) error {
	switch p.Status {
	case StatusPosting, StatusPosted, StatusRejected:
		return &TransitionError{From: p.Status, Op: "change platforms of"}
	}
	if set.Empty() {
		return ErrNoPlatforms
	}
	for _, pl := range p.Platforms.Slice() {
		if set.Has(pl) {
			continue
		}
		switch p.PlatformStatus[pl].Status {
		case PlatformPosted, PlatformPosting:
			return ErrPlatformLocked
		}
	}

	for _, pl := range Platforms() {
		st := p.PlatformStatus.at(pl)
		was, will := p.Platforms.Has(pl), set.Has(pl)
		switch {
		case was && !will:
			st.Status = PlatformSkipped
			st.SkipReason = SkipRemoved
		case !was && will:
			if st.Status != PlatformPosted {
				st.Status = PlatformPending
				st.SkipReason = ""
			}
		}
	}
	p.Platforms = set
	p.UpdatedAt = now

	if p.Status == StatusFailed || p.Status == StatusPartialPosted {
		if len(p.PendingPlatforms()) == 0 {
			p.resolve()
		}
	}
	return nil
}

// Requeue sends a failed or partially posted post back to scheduled.
// Failed entries and entries skipped while still targeted return to Pending;
// Posted entries are never touched.
func (p *ContentPost) Requeue(at, now time.Time) error {
	if p.Status != StatusFailed && p.Status != StatusPartialPosted {
		return &TransitionError{From: p.Status, Op: "requeue"}
	}
	if at.IsZero() {
		return ErrNoScheduleTime
	}
	retry := false
	for _, pl := range p.Platforms.Slice() {
		st := p.PlatformStatus.at(pl)
		switch st.Status {
		case PlatformFailed, PlatformSkipped:
			st.Status = PlatformPending
			st.SkipReason = ""
			retry = true
		case PlatformPending:
			retry = true
		}
	}
	if !retry {
		return ErrNothingToRetry
	}
	p.Status = StatusScheduled
	p.ScheduledAt = at
	p.RetryCount++
	p.FailureReason = ""
	p.UpdatedAt = now
	return nil
}

// ---- Posting job transitions ----

// Claim moves a scheduled post to posting. It is the posting job's first
// persisted write for the post.
func (p *ContentPost) Claim(now time.Time) error {
	if p.Status != StatusScheduled {
		return &TransitionError{From: p.Status, Op: "claim"}
	}
	p.Status = StatusPosting
	p.UpdatedAt = now
	return nil
}

// FailMissingMedia resolves a claimed post with no media. Platform entries
// stay Pending because nothing was attempted.
func (p *ContentPost) FailMissingMedia(now time.Time) error {
	if p.Status != StatusPosting {
		return &TransitionError{From: p.Status, Op: "fail"}
	}
	p.Status = StatusFailed
	p.FailureReason = ReasonMissingMedia
	p.UpdatedAt = now
	return nil
}

// BeginAttempt marks a pending platform as posting.
func (p *ContentPost) BeginAttempt(pl Platform) bool {
	if p.Status != StatusPosting || !pl.Valid() {
		return false
	}
	st := p.PlatformStatus.at(pl)
	if st.Status != PlatformPending {
		return false
	}
	st.Status = PlatformPosting
	return true
}

// Attempt is the settled outcome of one platform publish attempt.
type Attempt struct {
	Platform   Platform
	Posted     bool
	Skipped    bool
	SkipReason string
	MediaID    string
	ShareURL   string
	Err        error
	ErrorKind  string
	Retriable  bool
	At         time.Time
}

// RecordAttempt applies a settled attempt to a platform in Posting.
func (p *ContentPost) RecordAttempt(a Attempt) bool {
	if !a.Platform.Valid() {
		return false
	}
	st := p.PlatformStatus.at(a.Platform)
	if st.Status != PlatformPosting {
		return false
	}
	switch {
	case a.Skipped:
		st.Status = PlatformSkipped
		st.SkipReason = a.SkipReason
		if st.SkipReason == "" {
			st.SkipReason = SkipDisabled
		}
	case a.Err == nil && a.Posted:
		st.Status = PlatformPosted
		st.PostedAt = a.At
		st.MediaID = a.MediaID
		st.ShareURL = a.ShareURL
		st.Error = ""
		st.ErrorKind = ""
		st.Retriable = false
	default:
		st.Status = PlatformFailed
		st.Error = "publish failed"
		if a.Err != nil {
			st.Error = a.Err.Error()
		}
		st.ErrorKind = a.ErrorKind
		st.Retriable = a.Retriable
		st.LastFailedAt = a.At
		st.RetryCount++
	}
	return true
}

// Resolve recomputes the aggregate status once every attempt has settled.
// It reports false (and changes nothing) while any platform is still
// pending or posting.
func (p *ContentPost) Resolve(now time.Time) bool {
	if p.Status != StatusPosting {
		return false
	}
	for _, pl := range Platforms() {
		switch p.PlatformStatus[pl].Status {
		case PlatformPending, PlatformPosting:
			return false
		}
	}
	p.resolve()
	p.UpdatedAt = now
	return true
}

func (p *ContentPost) resolve() {
	p.Status, p.FailureReason = Aggregate(p.PlatformStatus)
}

// Aggregate derives the aggregate status from settled platform states.
// Skipped and untargeted platforms are ignored.
func Aggregate(ps PlatformStates) (Status, string) {
	posted, failed := 0, 0
	for _, pl := range Platforms() {
		switch ps[pl].Status {
		case PlatformPosted:
			posted++
		case PlatformFailed:
			failed++
		case PlatformPending, PlatformPosting:
			return StatusPosting, ""
		}
	}
	switch {
	case posted > 0 && failed == 0:
		return StatusPosted, ""
	case posted > 0 && failed > 0:
		return StatusPartialPosted, ""
	case failed > 0:
		return StatusFailed, "all attempted platforms failed"
	default:
		return StatusFailed, ReasonAllSkipped
	}
}

// AutoRetriable reports whether every failure on the post is retriable.
// Missing media and permanent platform errors are never retried automatically.
func (p *ContentPost) AutoRetriable() bool {
	if p.Status != StatusFailed && p.Status != StatusPartialPosted {
		return false
	}
	if p.FailureReason == ReasonMissingMedia || p.FailureReason == ReasonAllSkipped {
		return false
	}
	found := false
	for _, pl := range Platforms() {
		st := p.PlatformStatus[pl]
		if st.Status != PlatformFailed {
			continue
		}
		if !st.Retriable {
			return false
		}
		found = true
	}
	return found
}
