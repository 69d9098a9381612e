// Package source fetches a user's public activity from the forum's JSON API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"linuxdo-notifier/pkg/notifier"
)

// DefaultBaseURL is the forum queried when no base URL is configured.
const DefaultBaseURL = "https://linux.do"

const (
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	maxBodySize = 8 << 20
)

// Kind classifies a fetch failure.
type Kind int

const (
	// KindTransport covers network, DNS and TLS failures.
	KindTransport Kind = iota
	// KindStatus is a non-2xx HTTP response.
	KindStatus
	// KindDecode is a response body that is not the expected JSON.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError describes a failed request against the forum.
type FetchError struct {
	Err        error
	URL        string
	Kind       Kind
	StatusCode int // Zero unless Kind is KindStatus
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
	case KindDecode:
		return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("request %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// temporary reports whether retrying the same request may succeed.
func (e *FetchError) temporary() bool {
	switch e.Kind {
	case KindTransport:
		return true
	case KindStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// IsAuthFailure reports whether err is a 401 or 403 response, which usually
// means the session cookie expired.
func IsAuthFailure(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindStatus {
		return false
	}
	return fe.StatusCode == http.StatusUnauthorized || fe.StatusCode == http.StatusForbidden
}

// Client talks to the forum API on behalf of one logged-in session.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	cookie   string
	attempts uint
	delay    time.Duration
}

// New creates a new forum client. The http.Client's timeout bounds every request.
func New(client *http.Client, baseURL, cookie string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:   client,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		cookie:   cookie,
		attempts: 3,
		delay:    time.Second,
	}
}

type topicsResponse struct {
	TopicList struct {
		Topics []notifier.Topic `json:"topics"`
	} `json:"topic_list"`
}

type repliesResponse struct {
	PostList struct {
		Posts []notifier.Post `json:"posts"`
	} `json:"post_list"`
}

// Topics returns the topics most recently created by username, newest first.
func (c *Client) Topics(ctx context.Context, username string) ([]notifier.Topic, error) {
	u, err := c.activityURL(username, "topics")
	if err != nil {
		return nil, err
	}
	var resp topicsResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	return resp.TopicList.Topics, nil
}

// Replies returns the replies most recently written by username, newest first.
func (c *Client) Replies(ctx context.Context, username string) ([]notifier.Post, error) {
	u, err := c.activityURL(username, "replies")
	if err != nil {
		return nil, err
	}
	var resp repliesResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	return resp.PostList.Posts, nil
}

// SessionValid probes whether the configured cookie still maps to a session.
// It never fails: any error counts as an invalid session.
func (c *Client) SessionValid(ctx context.Context) bool {
	u := c.baseURL + "/session/current.json"
	status, _, err := c.get(ctx, u)
	if err != nil {
		c.logger.Warn("Session probe failed", "url", u, "error", err)
		return false
	}
	return status == http.StatusOK
}

func (c *Client) activityURL(username, kind string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username is required")
	}
	return fmt.Sprintf("%s/u/%s/activity/%s.json", c.baseURL, url.PathEscape(username), kind), nil
}

// getJSON fetches rawURL and decodes a 2xx body into v, retrying transient failures.
func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	var last *FetchError

	err := retry.Do(
		func() error {
			status, body, err := c.get(ctx, rawURL)
			if err != nil {
				last = &FetchError{Kind: KindTransport, URL: rawURL, Err: err}
				return last
			}
			if status < 200 || status >= 300 {
				last = &FetchError{Kind: KindStatus, URL: rawURL, StatusCode: status, Err: fmt.Errorf("HTTP %d", status)}
				return last
			}
			if err := json.Unmarshal(body, v); err != nil {
				last = &FetchError{Kind: KindDecode, URL: rawURL, Err: err}
				return last
			}
			last = nil
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying forum request after error", "attempt", n, "url", rawURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var fe *FetchError
			if errors.As(err, &fe) {
				return fe.temporary()
			}
			return true
		}),
	)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return &FetchError{Kind: KindTransport, URL: rawURL, Err: err}
}

// get performs a single GET and returns the status code and body.
func (c *Client) get(ctx context.Context, rawURL string) (int, []byte, error) {
	c.logger.Debug("HTTP request starting", "method", "GET", "url", rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	// Note: Don't set Accept-Encoding - let Go's http.Client handle compression automatically
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", rawURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return 0, nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	c.logger.Debug("HTTP request completed",
		"url", rawURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(body))

	return resp.StatusCode, body, nil
}
