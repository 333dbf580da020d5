// Package publisher talks to the downstream ActivityPub-compatible service.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the downstream service's view of a created or updated status.
type Status struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StatusParams describes a status to create.
type StatusParams struct {
	Text       string
	MediaIDs   []string
	Visibility string
	InReplyTo  string
}

// MediaFile is one attachment to upload.
type MediaFile struct {
	Data     []byte
	Mime     string
	Filename string
	AltText  string
}

// Publisher is the downstream surface the pipeline depends on. The production
// implementation is Client; tests substitute fakes.
type Publisher interface {
	Publish(ctx context.Context, p StatusParams) (*Status, error)
	Update(ctx context.Context, statusID, text string, mediaIDs []string) (*Status, error)
	Delete(ctx context.Context, statusID string) error
	UploadMedia(ctx context.Context, f MediaFile) (string, error)
}

// ErrKind classifies downstream API failures so retry logic and the pipeline's
// error table can pattern-match.
type ErrKind int

const (
	KindTransport ErrKind = iota
	KindRateLimited
	KindValidation
	KindNotFound
	KindEditNotAllowed
)

func (k ErrKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindEditNotAllowed:
		return "edit_not_allowed"
	default:
		return "transport"
	}
}

// APIError is a downstream failure with its classification payload.
type APIError struct {
	Kind       ErrKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("downstream %s (status=%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("downstream %s: %s", e.Kind, e.Message)
}

func kindOf(err error) (ErrKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsRateLimited reports whether err is a 429 that survived all retries.
func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsNotFound reports whether the downstream status no longer exists.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsEditNotAllowed reports whether the downstream refused an update or delete.
func IsEditNotAllowed(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindEditNotAllowed
}

// IsValidation reports a non-retryable 4xx other than the typed cases above.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsTransient reports errors the pipeline records as transient_error: exhausted
// rate limits, transport failures, and 5xx responses.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindTransport || k == KindRateLimited)
}
