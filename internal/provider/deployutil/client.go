package deployutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/logging"
)

// Client pushes generated artifacts to a provider admin API with retries.
type Client struct {
	HTTPClient *http.Client
	MaxRetries uint64 // attempts beyond the first, default 3
}

// NewClient creates a deploy client with sane defaults.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		MaxRetries: 3,
	}
}

// Push sends body to url with the given content type and extra headers,
// retrying transient failures with exponential backoff. Each attempt carries
// an X-Request-Id correlation header.
func (c *Client) Push(ctx context.Context, method, url, contentType, body string, headers map[string]string) error {
	requestID := uuid.NewString()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Request-Id", requestID)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err = fmt.Errorf("admin API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err) // client errors will not heal with retries
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		logging.Error("deploy push failed",
			zap.String("url", url),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return err
	}

	logging.Info("deploy push succeeded",
		zap.String("url", url),
		zap.String("request_id", requestID),
	)
	return nil
}
