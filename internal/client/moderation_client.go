package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gtacat51-art/insta-spotter/internal/gateway"
)

// ModerationClient asks the remote content-safety service for a verdict.
type ModerationClient struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

var _ gateway.Moderator = (*ModerationClient)(nil)

func NewModerationClient(url string, timeout time.Duration, log *zap.Logger) *ModerationClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &ModerationClient{
		url:    url,
		client: newHTTPClient(timeout),
		log:    log,
	}
}

type moderationRequest struct {
	Text string `json:"text"`
}

type rawVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Category string `json:"category"`
}

func (c *ModerationClient) Evaluate(ctx context.Context, text string) gateway.Verdict {
	status, body, err := postJSON(ctx, c.client, c.url, nil, moderationRequest{Text: text})
	if err != nil {
		return c.unavailable(err)
	}
	if status != http.StatusOK {
		return c.unavailable(fmt.Errorf("unexpected status code: %d body=%q", status, string(body)))
	}

	v, err := ParseVerdict(body)
	if err != nil {
		return c.unavailable(err)
	}
	return v
}

func (c *ModerationClient) unavailable(err error) gateway.Verdict {
	c.log.Warn("moderation unavailable", zap.Error(err))
	return gateway.Verdict{
		Decision: gateway.Uncertain,
		Reason:   "moderation unavailable: " + err.Error(),
		Category: gateway.CategoryError,
	}
}

var errEmptyVerdict = errors.New("empty verdict")

// ParseVerdict reads a verdict document, tolerating a fenced code block
// around the JSON. Unknown decisions map to uncertain.
func ParseVerdict(body []byte) (gateway.Verdict, error) {
	raw := stripFences(string(body))
	if raw == "" {
		return gateway.Verdict{}, errEmptyVerdict
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(raw), &rv); err != nil {
		return gateway.Verdict{}, fmt.Errorf("failed to decode json: %w body=%q", err, raw)
	}

	v := gateway.Verdict{
		Decision: normalizeDecision(rv.Decision),
		Reason:   strings.TrimSpace(rv.Reason),
		Category: strings.TrimSpace(rv.Category),
	}
	if v.Reason == "" {
		v.Reason = fmt.Sprintf("no reason given (decision %q)", rv.Decision)
	}
	return v, nil
}

func normalizeDecision(d string) gateway.Decision {
	switch strings.ToUpper(strings.TrimSpace(d)) {
	case "APPROVE", "APPROVED":
		return gateway.Approve
	case "REJECT", "REJECTED":
		return gateway.Reject
	default:
		return gateway.Uncertain
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
