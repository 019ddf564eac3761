// Package gateway declares the narrow contracts the core consumes from the
// moderation, rendering and publishing services.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

type Decision string

const (
	Approve   Decision = "approve"
	Reject    Decision = "reject"
	Uncertain Decision = "uncertain"
)

// CategoryError marks a verdict produced because the moderation service
// could not be reached or its answer could not be read.
const CategoryError = "Error"

type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	Category string   `json:"category"`
}

// Unavailable reports whether the verdict stands in for a failed call.
func (v Verdict) Unavailable() bool {
	return v.Decision == Uncertain && v.Category == CategoryError
}

// Moderator never returns an error: failures come back as an uncertain
// verdict with CategoryError.
type Moderator interface {
	Evaluate(ctx context.Context, text string) Verdict
}

type Renderer interface {
	Render(ctx context.Context, text string, id int64) (artifactPath string, err error)
}

// Publisher posts rendered artifacts. Failures are returned as *PublishError.
// The idempotency key is forwarded to the remote side so a retried call for
// the same content can be deduplicated there.
type Publisher interface {
	PublishSingle(ctx context.Context, artifactPath, idempotencyKey string) (remoteID string, err error)
	PublishBatch(ctx context.Context, artifactPaths []string, caption, idempotencyKey string) (remoteID string, err error)
	InvalidateSession()
}

type FailureKind string

const (
	FailureAuth      FailureKind = "auth"
	FailureRejected  FailureKind = "rejected"
	FailureTransport FailureKind = "transport"
	FailureMalformed FailureKind = "malformed"
)

var ErrAuthRequired = errors.New("re-authentication required")

type PublishError struct {
	Kind   FailureKind
	Detail string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed (%s): %s", e.Kind, e.Detail)
}

func (e *PublishError) Is(target error) bool {
	return target == ErrAuthRequired && e.Kind == FailureAuth
}

// IsAuthFailure reports whether err asks for a new session.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthRequired)
}
