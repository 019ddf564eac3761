package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gtacat51-art/insta-spotter/internal/gateway"
)

// RenderClient turns message text into an image artifact on the render service.
type RenderClient struct {
	url    string
	client *http.Client
}

var _ gateway.Renderer = (*RenderClient)(nil)

func NewRenderClient(url string, timeout time.Duration) *RenderClient {
	return &RenderClient{url: url, client: newHTTPClient(timeout)}
}

type renderRequest struct {
	Text string `json:"text"`
	ID   int64  `json:"id"`
}

type renderResponse struct {
	Path string `json:"path"`
}

func (c *RenderClient) Render(ctx context.Context, text string, id int64) (string, error) {
	status, body, err := postJSON(ctx, c.client, c.url, nil, renderRequest{Text: text, ID: id})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d body=%q", status, string(body))
	}

	var rr renderResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if rr.Path == "" {
		return "", fmt.Errorf("missing path in response body=%q", string(body))
	}
	return rr.Path, nil
}
