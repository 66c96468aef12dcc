package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"

	"postflow/internal/post"
)

// ErrAdapterDisabled is not a failure: the posting job records it as a skip.
var ErrAdapterDisabled = errors.New("publisher adapter disabled")

// Kind classifies publish failures.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
)

// Retriable kinds may succeed on a later fire without operator action.
func (k Kind) Retriable() bool {
	switch k {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// PublishError is a structured per-platform failure.
type PublishError struct {
	Platform post.Platform
	Kind     Kind
	Status   int // HTTP status, 0 when no response was received
	Err      error
}

func (e *PublishError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Platform, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Retriable() bool { return e.Kind.Retriable() }

// Classify wraps err into a PublishError. Errors that already carry a kind
// keep it; deadlines become timeouts and anything else is a transport error.
func Classify(pl post.Platform, err error) *PublishError {
	if err == nil {
		return nil
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindTransport
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &PublishError{Platform: pl, Kind: kind, Err: err}
}

func kindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 408:
		return KindTimeout
	case code == 429:
		return KindRateLimited
	case code >= 500:
		return KindTransport
	default:
		return KindValidation
	}
}
