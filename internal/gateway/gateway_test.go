package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishErrorAuthMatching(t *testing.T) {
	auth := &PublishError{Kind: FailureAuth, Detail: "401"}
	assert.True(t, IsAuthFailure(auth))
	assert.True(t, IsAuthFailure(fmt.Errorf("wrapped: %w", auth)))

	other := &PublishError{Kind: FailureRejected, Detail: "400"}
	assert.False(t, IsAuthFailure(other))
	assert.False(t, IsAuthFailure(errors.New("plain")))

	var pe *PublishError
	assert.True(t, errors.As(fmt.Errorf("x: %w", other), &pe))
	assert.Equal(t, FailureRejected, pe.Kind)
	assert.Contains(t, other.Error(), "rejected")
}

func TestVerdictUnavailable(t *testing.T) {
	assert.True(t, Verdict{Decision: Uncertain, Category: CategoryError}.Unavailable())
	assert.False(t, Verdict{Decision: Uncertain, Category: "Ambiguous"}.Unavailable())
	assert.False(t, Verdict{Decision: Approve, Category: CategoryError}.Unavailable())
}
