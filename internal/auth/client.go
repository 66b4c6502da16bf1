// Package auth talks to the marketplace's join-authorization service. The
// service owns tokens and bookings; this package only asks whether a token
// may join a call and reports departures.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/logging"
)

// Grant is the authorization service's answer for one access token.
type Grant struct {
	Authorized  bool   `json:"authorized"`
	RoomName    string `json:"roomName"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// RedirectError is returned when the service answers with a redirect, which
// is how it sends unauthorized callers back to the booking page.
type RedirectError struct {
	Location string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("authorization redirected to %s", e.Location)
}

func (e *RedirectError) Unwrap() error { return callerr.ErrUnauthorized }

// Authorizer is what the signaling relay needs from this package.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (Grant, error)
}

// Config points at the service. TokenURL, when set, enables the OAuth2
// client-credentials flow for service-to-service calls.
type Config struct {
	AuthorizeURL string
	LeaveURL     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	MaxRetries   int
}

// Client implements Authorizer over HTTP.
type Client struct {
	http   *http.Client
	config Config
	logger *zap.Logger
}

// NewClient builds a client. ctx scopes the OAuth2 token source.
func NewClient(ctx context.Context, config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	hc := &http.Client{}
	if config.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     config.TokenURL,
			Scopes:       config.Scopes,
		}
		hc = cc.Client(ctx)
	}
	hc.Timeout = config.Timeout
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		http:   hc,
		config: config,
		logger: logging.Named(logger, "auth"),
	}
}

// Authorize asks whether accessToken may join a call.
func (c *Client) Authorize(ctx context.Context, accessToken string) (Grant, error) {
	if accessToken == "" {
		return Grant{}, callerr.Wrap("authorize", callerr.ErrUnauthorized, "missing access token")
	}
	u, err := url.Parse(c.config.AuthorizeURL)
	if err != nil {
		return Grant{}, fmt.Errorf("parse authorize URL: %w", err)
	}
	q := u.Query()
	q.Set("token", accessToken)
	u.RawQuery = q.Encode()

	var grant Grant
	err = c.do(ctx, "authorize", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}, func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
			return backoff.Permanent(fmt.Errorf("decode grant: %w", err))
		}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	if !grant.Authorized {
		return grant, callerr.Wrap("authorize", callerr.ErrUnauthorized, "token not authorized for this call")
	}
	return grant, nil
}

type leaveRequest struct {
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId"`
	LeftAt time.Time `json:"leftAt"`
}

// RecordLeave tells the booking system when a participant left.
func (c *Client) RecordLeave(ctx context.Context, roomID, userID string, at time.Time) error {
	if c.config.LeaveURL == "" {
		return nil
	}
	body, err := json.Marshal(leaveRequest{RoomID: roomID, UserID: userID, LeftAt: at.UTC()})
	if err != nil {
		return err
	}
	return c.do(ctx, "record leave", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.LeaveURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(*http.Response) error { return nil })
}

// do runs one request with retries on transport errors and 5xx answers.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), handle func(*http.Response) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.config.MaxRetries)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("request failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			return backoff.Permanent(&RedirectError{Location: resp.Header.Get("Location")})
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(callerr.Wrap(op, callerr.ErrUnauthorized, resp.Status))
		case resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%s: server answered %s", op, resp.Status)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%s: %s", op, resp.Status))
		}
		return handle(resp)
	}

	err := backoff.Retry(operation, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
