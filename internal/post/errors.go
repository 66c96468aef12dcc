package post

import (
	"errors"
	"fmt"
)

// ReasonMissingMedia is the failure reason recorded when a due post has
// neither a video nor an image.
const ReasonMissingMedia = "No video or image path found"

var (
	ErrContentLocked  = errors.New("content can only change while draft, ready or approved")
	ErrPlatformLocked = errors.New("platform already posted or posting")
	ErrNoPlatforms    = errors.New("at least one platform is required")
	ErrNoScheduleTime = errors.New("scheduled time required")
	ErrNothingToRetry = errors.New("no failed or pending platforms to retry")

	// Repository errors.
	ErrNotFound = errors.New("post not found")
	ErrConflict = errors.New("post was modified concurrently")
)

// TransitionError reports an operation that is not allowed from the post's
// current aggregate status.
type TransitionError struct {
	From Status
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a post in status %s", e.Op, e.From)
}

// MissingMediaError is fatal for a post; it is never retried automatically.
type MissingMediaError struct {
	PostID string
}

func (e *MissingMediaError) Error() string {
	return fmt.Sprintf("post %s: %s", e.PostID, ReasonMissingMedia)
}
