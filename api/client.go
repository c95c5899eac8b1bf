// Package api is the REST collaborator client for the Echo backend.
//
// Every request carries the stored bearer token and session correlation id;
// every response passes through a 401 check that fires the client's
// unauthorized hook regardless of which endpoint produced it. Failures are
// reported through a typed taxonomy (NetworkError, HTTPError, DecodeError)
// so callers can collapse categories themselves instead of the client doing
// it for them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout = 30 * time.Second

	headerSessionID = "X-Session-ID"

	pathLogin = "/auth/login"
	pathMe    = "/auth/me"
)

// CredentialSource supplies the stored credentials attached to outgoing
// requests. Implemented by session.Store.
type CredentialSource interface {
	Token() (string, bool)
	SessionID() (string, bool)
}

// Config holds configuration for creating a new Client.
type Config struct {
	BaseURL     string // required, e.g. "http://127.0.0.1:8000/api"
	Credentials CredentialSource
	Logger      *slog.Logger
	Timeout     time.Duration // optional, defaults to 30s
}

// Client is a thin resty wrapper over the backend REST API.
type Client struct {
	rc             *resty.Client
	logger         *slog.Logger
	onUnauthorized func()
}

// NewClient creates a new REST client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("api: logger is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c := &Client{logger: cfg.Logger}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if cfg.Credentials == nil {
			return nil
		}
		if tok, ok := cfg.Credentials.Token(); ok {
			req.SetHeader("Authorization", "Bearer "+tok)
		}
		if sid, ok := cfg.Credentials.SessionID(); ok {
			req.SetHeader(headerSessionID, sid)
		}
		return nil
	})

	// Global 401 interceptor: a 401 from ANY endpoint deauthorizes the whole
	// application, not just the request that produced it.
	rc.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if resp.StatusCode() == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.logger.Warn("Received 401, deauthorizing session",
				"path", resp.Request.URL)
			c.onUnauthorized()
		}
		return nil
	})

	c.rc = rc
	return c, nil
}

// SetUnauthorizedHook registers the callback fired on any 401 response.
// Must be called during wiring, before the client is shared across
// goroutines.
func (c *Client) SetUnauthorizedHook(fn func()) {
	c.onUnauthorized = fn
}

// Me fetches the authorized user's profile.
func (c *Client) Me(ctx context.Context) (*UserProfile, error) {
	resp, err := c.rc.R().SetContext(ctx).Get(pathMe)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if resp.IsError() {
		return nil, &HTTPError{Status: resp.StatusCode(), Body: bodyExcerpt(resp.Body())}
	}

	var out envelope[*UserProfile]
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if out.Data == nil {
		return nil, &DecodeError{Err: errors.New("missing data field in /auth/me response")}
	}
	return out.Data, nil
}

// Login exchanges credentials for a bearer token. The token is returned, not
// stored; persisting it is the caller's job.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		Post(pathLogin)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	if resp.IsError() {
		return "", &HTTPError{Status: resp.StatusCode(), Body: bodyExcerpt(resp.Body())}
	}

	var out envelope[loginData]
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", &DecodeError{Err: err}
	}
	if !out.Success {
		msg := out.Data.Message
		if msg == "" {
			msg = out.Message
		}
		return "", fmt.Errorf("%w: %s", ErrLoginRejected, msg)
	}
	if out.Data.Token == "" {
		return "", &DecodeError{Err: errors.New("login response carries no token")}
	}
	return out.Data.Token, nil
}

// bodyExcerpt truncates a response body for inclusion in error messages.
func bodyExcerpt(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "...(truncated)"
	}
	return string(b)
}
