package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gtacat51-art/insta-spotter/internal/gateway"
)

// PublishClient posts artifacts to the social feed through a session-holding
// HTTP API. One session token is shared by every caller; concurrent logins
// collapse into a single request.
type PublishClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	log      *zap.Logger

	mu    sync.RWMutex
	token string

	login singleflight.Group
}

var _ gateway.Publisher = (*PublishClient)(nil)

func NewPublishClient(baseURL, username, password string, timeout time.Duration, log *zap.Logger) *PublishClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &PublishClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   newHTTPClient(timeout),
		log:      log,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type storyRequest struct {
	Path string `json:"path"`
}

type albumRequest struct {
	Paths   []string `json:"paths"`
	Caption string   `json:"caption"`
}

type publishResponse struct {
	ID string `json:"id"`
}

func (c *PublishClient) PublishSingle(ctx context.Context, artifactPath, idempotencyKey string) (string, error) {
	return c.publish(ctx, "/stories", storyRequest{Path: artifactPath}, idempotencyKey)
}

func (c *PublishClient) PublishBatch(ctx context.Context, artifactPaths []string, caption, idempotencyKey string) (string, error) {
	if len(artifactPaths) == 0 {
		return "", &gateway.PublishError{Kind: gateway.FailureRejected, Detail: "empty batch"}
	}
	return c.publish(ctx, "/albums", albumRequest{Paths: artifactPaths, Caption: caption}, idempotencyKey)
}

// InvalidateSession drops the cached token; the next publish logs in again.
func (c *PublishClient) InvalidateSession() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	c.log.Info("publish session invalidated")
}

func (c *PublishClient) publish(ctx context.Context, path string, body any, idempotencyKey string) (string, error) {
	token, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	status, respBody, err := postJSON(ctx, c.client, c.baseURL+path, headers, body)
	if err != nil {
		return "", &gateway.PublishError{Kind: gateway.FailureTransport, Detail: err.Error()}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", &gateway.PublishError{Kind: gateway.FailureAuth, Detail: fmt.Sprintf("status %d body=%q", status, string(respBody))}
	case status != http.StatusOK && status != http.StatusCreated:
		return "", &gateway.PublishError{Kind: gateway.FailureRejected, Detail: fmt.Sprintf("status %d body=%q", status, string(respBody))}
	}

	var pr publishResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", &gateway.PublishError{Kind: gateway.FailureMalformed, Detail: fmt.Sprintf("failed to decode json: %v body=%q", err, string(respBody))}
	}
	if pr.ID == "" {
		return "", &gateway.PublishError{Kind: gateway.FailureMalformed, Detail: fmt.Sprintf("missing id in response body=%q", string(respBody))}
	}
	return pr.ID, nil
}

func (c *PublishClient) session(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	v, err, _ := c.login.Do("login", func() (any, error) {
		c.mu.RLock()
		current := c.token
		c.mu.RUnlock()
		if current != "" {
			return current, nil
		}

		// The login is shared by every waiter, so one caller going away must
		// not cancel it for the rest.
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.client.Timeout)
		defer cancel()

		status, body, err := postJSON(loginCtx, c.client, c.baseURL+"/login", nil, loginRequest{
			Username: c.username,
			Password: c.password,
		})
		if err != nil {
			return "", &gateway.PublishError{Kind: gateway.FailureTransport, Detail: "login: " + err.Error()}
		}
		if status != http.StatusOK {
			kind := gateway.FailureRejected
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				kind = gateway.FailureAuth
			}
			return "", &gateway.PublishError{Kind: kind, Detail: fmt.Sprintf("login status %d body=%q", status, string(body))}
		}

		var lr loginResponse
		if err := json.Unmarshal(body, &lr); err != nil || lr.Token == "" {
			return "", &gateway.PublishError{Kind: gateway.FailureMalformed, Detail: fmt.Sprintf("login response body=%q", string(body))}
		}

		c.mu.Lock()
		c.token = lr.Token
		c.mu.Unlock()
		c.log.Info("publish session established")
		return lr.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
