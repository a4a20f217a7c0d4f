// Package httpsink is the JSON-over-HTTP plumbing shared by the submission
// sinks.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/shared/config"
	apperrors "github.com/phl-surveillance/platform/internal/shared/errors"
)

// Client posts JSON batches to a sink, rate limited on the client side.
type Client struct {
	sinkID     string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a client from sink configuration.
func New(cfg config.SinkConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		sinkID:  cfg.SinkID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// SinkID returns the configured sink identifier.
func (c *Client) SinkID() string {
	return c.sinkID
}

// PostJSON sends body to path and decodes the response into out.
// Network failures, timeouts, 429 and 5xx responses are AdapterUnavailable;
// other non-2xx responses are returned as plain errors since retrying them
// cannot succeed.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperrors.AdapterUnavailable(c.sinkID, fmt.Errorf("rate limiter: %w", err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", c.sinkID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", c.sinkID, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperrors.AdapterUnavailable(c.sinkID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return apperrors.AdapterUnavailable(c.sinkID, fmt.Errorf("server returned %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", c.sinkID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.AdapterUnavailable(c.sinkID, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// ParseStatus maps a sink verdict string. Unknown verdicts are treated as
// rejections so they surface for manual review.
func ParseStatus(s string) (adapters.SubmissionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "ok", "created":
		return adapters.SubmissionAccepted, true
	case "duplicate", "already_exists":
		return adapters.SubmissionDuplicate, true
	case "rejected", "error", "invalid":
		return adapters.SubmissionRejected, true
	}
	return adapters.SubmissionRejected, false
}
