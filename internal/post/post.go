// Package post holds the ContentPost entity and its publish state machine.
//
// A post targets one or more platforms. Each platform has its own state
// record; the aggregate status is derived from those records once every
// attempt has settled.
package post

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the aggregate post status.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusReady         Status = "ready"
	StatusApproved      Status = "approved"
	StatusScheduled     Status = "scheduled"
	StatusPosting       Status = "posting"
	StatusPosted        Status = "posted"
	StatusPartialPosted Status = "partial_posted"
	StatusFailed        Status = "failed"
	StatusRejected      Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusApproved, StatusScheduled, StatusPosting,
		StatusPosted, StatusPartialPosted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// editable reports whether content fields may still change.
func (s Status) editable() bool {
	return s == StatusDraft || s == StatusReady || s == StatusApproved
}

// PlatformStatus is the per-platform status. The zero value means the
// platform was never targeted.
type PlatformStatus string

const (
	PlatformNone    PlatformStatus = ""
	PlatformPending PlatformStatus = "pending"
	PlatformPosting PlatformStatus = "posting"
	PlatformPosted  PlatformStatus = "posted"
	PlatformFailed  PlatformStatus = "failed"
	PlatformSkipped PlatformStatus = "skipped"
)

// PlatformState is the per-platform sub-record.
type PlatformState struct {
	Status       PlatformStatus `json:"status"`
	PostedAt     time.Time      `json:"posted_at,omitzero"`
	MediaID      string         `json:"media_id,omitempty"`
	ShareURL     string         `json:"share_url,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Retriable    bool           `json:"retriable,omitempty"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	RetryCount   int            `json:"retry_count"`
	LastFailedAt time.Time      `json:"last_failed_at,omitzero"`
}

// PlatformStates is a fixed-shape record indexed by Platform.
type PlatformStates [platformCount]PlatformState

func (ps *PlatformStates) Get(p Platform) PlatformState {
	if !p.Valid() {
		return PlatformState{}
	}
	return ps[p]
}

func (ps *PlatformStates) at(p Platform) *PlatformState { return &ps[p] }

// MarshalJSON encodes targeted platforms as an object keyed by platform name.
func (ps PlatformStates) MarshalJSON() ([]byte, error) {
	m := make(map[string]PlatformState, platformCount)
	for _, p := range Platforms() {
		if st := ps[p]; st.Status != PlatformNone {
			m[p.String()] = st
		}
	}
	return json.Marshal(m)
}

func (ps *PlatformStates) UnmarshalJSON(b []byte) error {
	var m map[string]PlatformState
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out PlatformStates
	for name, st := range m {
		p, err := ParsePlatform(name)
		if err != nil {
			return err
		}
		out[p] = st
	}
	*ps = out
	return nil
}

// ContentPost is one piece of content destined for one or more platforms.
type ContentPost struct {
	ID             string         `json:"id"`
	StoryID        string         `json:"story_id,omitempty"`
	Caption        string         `json:"caption"`
	Hashtags       []string       `json:"hashtags"`
	VideoPath      string         `json:"video_path,omitempty"`
	ImagePath      string         `json:"image_path,omitempty"`
	Platforms      PlatformSet    `json:"platforms"`
	ScheduledAt    time.Time      `json:"scheduled_at,omitzero"`
	Status         Status         `json:"status"`
	PlatformStatus PlatformStates `json:"platform_status"`
	RetryCount     int            `json:"retry_count"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Draft is the input for New.
type Draft struct {
	StoryID   string
	Caption   string
	Hashtags  []string
	VideoPath string
	ImagePath string
	Platforms PlatformSet
}

// New creates a Draft post with every target platform Pending.
func New(d Draft, now time.Time) (*ContentPost, error) {
	if d.Platforms.Empty() {
		return nil, ErrNoPlatforms
	}
	p := &ContentPost{
		ID:        uuid.NewString(),
		StoryID:   d.StoryID,
		Caption:   d.Caption,
		Hashtags:  append([]string(nil), d.Hashtags...),
		VideoPath: strings.TrimSpace(d.VideoPath),
		ImagePath: strings.TrimSpace(d.ImagePath),
		Platforms: d.Platforms,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, pl := range d.Platforms.Slice() {
		p.PlatformStatus.at(pl).Status = PlatformPending
	}
	return p, nil
}

// MediaPath returns the video path, falling back to the image path.
// Empty means the post has no usable media.
func (p *ContentPost) MediaPath() string {
	if v := strings.TrimSpace(p.VideoPath); v != "" {
		return v
	}
	return strings.TrimSpace(p.ImagePath)
}

// Clone returns a deep copy.
func (p *ContentPost) Clone() *ContentPost {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Hashtags = append([]string(nil), p.Hashtags...)
	return &cp
}

// Targeted lists platforms with a state record, including skipped ones.
func (p *ContentPost) Targeted() []Platform {
	out := make([]Platform, 0, platformCount)
	for _, pl := range Platforms() {
		if p.PlatformStatus[pl].Status != PlatformNone {
			out = append(out, pl)
		}
	}
	return out
}

// PendingPlatforms lists platforms awaiting an attempt.
func (p *ContentPost) PendingPlatforms() []Platform {
	out := make([]Platform, 0, platformCount)
	for _, pl := range Platforms() {
		if p.PlatformStatus[pl].Status == PlatformPending {
			out = append(out, pl)
		}
	}
	return out
}
