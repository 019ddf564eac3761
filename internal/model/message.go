package model

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Rejected Status = "rejected"
	Review   Status = "review"
	Posted   Status = "posted"
	Failed   Status = "failed"

	// Claimed is the persisted marker held by a posting attempt between
	// a successful claim and its resolution. It never leaves the core.
	Claimed Status = "claimed"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Approved, Rejected, Review, Posted, Failed, Claimed:
		return true
	}
	return false
}

// ParseStatus accepts the public statuses only.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() || s == Claimed {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

type Message struct {
	ID               int64      `json:"id"`
	Text             string     `json:"text"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	PostedAt         *time.Time `json:"postedAt,omitempty"`
	ModerationReason *string    `json:"moderationReason,omitempty"`
	RemoteID         *string    `json:"remoteId,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	AdminNote        *string    `json:"adminNote,omitempty"`
	ClaimToken       *string    `json:"-"`
	ClaimedAt        *time.Time `json:"-"`
	Version          int64      `json:"version"`
}

var (
	ErrRemoteIDMismatch = errors.New("remote id must be set exactly when posted")
	ErrPostedAtMismatch = errors.New("posted at must be set exactly when posted")
	ErrMissingError     = errors.New("failed message must carry an error message")
	ErrStaleError       = errors.New("error message must be cleared outside failed")
	ErrClaimMismatch    = errors.New("claim fields must be set exactly when claimed")
)

// Validate checks the field invariants tied to the status.
func (m Message) Validate() error {
	if !m.Status.Valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	posted := m.Status == Posted
	if (m.RemoteID != nil) != posted {
		return ErrRemoteIDMismatch
	}
	if (m.PostedAt != nil) != posted {
		return ErrPostedAtMismatch
	}
	if m.Status == Failed && m.ErrorMessage == nil {
		return ErrMissingError
	}
	if m.Status != Failed && m.ErrorMessage != nil {
		return ErrStaleError
	}
	claimed := m.Status == Claimed
	if (m.ClaimToken != nil) != claimed || (m.ClaimedAt != nil) != claimed {
		return ErrClaimMismatch
	}
	return nil
}

func StrPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
