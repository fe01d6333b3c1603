// Package clubwise replays captured requests against the ClubWise action endpoint.
package clubwise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// RemoteCallError indicates the endpoint rejected a replayed request. The
// recorded session is assumed stale when this happens.
type RemoteCallError struct {
	Action     string
	StatusCode int
	Reason     string
}

func (e *RemoteCallError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Action, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Action, e.StatusCode)
}

// IsRemoteCallError checks if an error is a rejected replay.
func IsRemoteCallError(err error) bool {
	var rejected *RemoteCallError
	return errors.As(err, &rejected)
}

// Client creates replay sessions for one endpoint.
type Client struct {
	endpoint *url.URL
	timeout  time.Duration
	attempts uint
	logger   *slog.Logger
}

// Config holds replay client configuration.
type Config struct {
	Endpoint string        // CallAction/JSON URL
	Timeout  time.Duration // per request
	Attempts uint          // transport-level attempts per request
	Logger   *slog.Logger
}

// New creates a new replay client.
func New(cfg *Config) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q is not an absolute URL", cfg.Endpoint)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}
	return &Client{
		endpoint: u,
		timeout:  timeout,
		attempts: attempts,
		logger:   cfg.Logger,
	}, nil
}

// Session is a replay session rebuilt from persisted cookies. It is meant to
// live for one query and must not be shared between goroutines.
type Session struct {
	client *Client
	http   *resty.Client
}

// NewSession builds a fresh HTTP session carrying auth's cookies. Cookies
// whose domain does not match the endpoint host are dropped.
func (c *Client) NewSession(auth *courts.AuthState) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if auth != nil {
		cookies := make([]*http.Cookie, 0, len(auth.Cookies))
		for _, ck := range auth.Cookies {
			cookies = append(cookies, ck.HTTPCookie())
		}
		jar.SetCookies(c.endpoint, cookies)
	}

	h := resty.New()
	h.SetTimeout(c.timeout)
	h.SetCookieJar(jar)
	h.SetHeader("Content-Type", "application/json")
	h.SetHeader("Accept", "application/json, text/javascript, */*; q=0.01")
	h.SetHeader("User-Agent", userAgent)
	h.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(c.endpoint.Hostname()))

	return &Session{client: c, http: h}, nil
}

// Call posts body and returns the response body. A non-200 status, or a 200
// that is not JSON (the login page after a redirect), is a RemoteCallError.
// Transport errors are retried and then returned as is.
func (s *Session) Call(ctx context.Context, action string, body []byte) ([]byte, error) {
	c := s.client
	var (
		out      []byte
		rejected *RemoteCallError
	)

	err := retry.Do(
		func() error {
			c.logger.Info("HTTP request starting",
				"method", http.MethodPost,
				"url", c.endpoint.String(),
				"action", action,
				"bytes", len(body))

			startTime := time.Now()
			res, err := s.http.R().
				SetContext(ctx).
				SetBody(body).
				Post(c.endpoint.String())
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"action", action,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			c.logger.Info("HTTP request completed",
				"action", action,
				"status_code", res.StatusCode(),
				"duration_ms", duration.Milliseconds(),
				"content_length", len(res.Body()))

			if res.StatusCode() != http.StatusOK {
				rejected = &RemoteCallError{Action: action, StatusCode: res.StatusCode()}
				return retry.Unrecoverable(rejected)
			}
			if !json.Valid(res.Body()) {
				rejected = &RemoteCallError{Action: action, StatusCode: res.StatusCode(), Reason: "response is not JSON"}
				return retry.Unrecoverable(rejected)
			}

			out = res.Body()
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying replay after error", "attempt", n, "action", action, "error", err)
		}),
	)

	if rejected != nil {
		c.logger.Warn("Replay rejected by remote", "action", action, "status_code", rejected.StatusCode, "reason", rejected.Reason)
		return nil, rejected
	}
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return out, nil
}

// Exchange replays the date change and then, only if it succeeded, the show
// call in one session. It returns the show response body.
func (c *Client) Exchange(ctx context.Context, auth *courts.AuthState, dateChange, show []byte) ([]byte, error) {
	sess, err := c.NewSession(auth)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Call(ctx, payload.ActionChangeDate, dateChange); err != nil {
		return nil, fmt.Errorf("change date: %w", err)
	}
	body, err := sess.Call(ctx, payload.ActionShow, show)
	if err != nil {
		return nil, fmt.Errorf("show grid: %w", err)
	}
	return body, nil
}
