// Package api is the REST client for the delivery backend: login, logout
// and the role-scoped notification endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/courier/internal/model"
)

// DefaultTimeout is the per-request timeout of the underlying http.Client.
const DefaultTimeout = 30 * time.Second

// Client is a thin HTTP client for the backend REST API. It handles Bearer
// token authentication, JSON marshaling, and automatic retry with
// exponential backoff on HTTP 429.
//
// A Client is immutable; Authorized returns a copy bound to a token, so a
// request in flight keeps the token it started with.
type Client struct {
	baseURL    string
	role       model.Role
	token      string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates an unauthenticated client for role. The baseURL is the
// server root (e.g., https://api.example.com).
func NewClient(baseURL string, role model.Role, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		role:    role,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 3,
		logger:     logger.With("component", "api"),
	}
}

// Authorized returns a copy of c that sends token as its Bearer token.
func (c *Client) Authorized(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Role returns the role whose endpoints the client addresses.
func (c *Client) Role() model.Role {
	return c.role
}

// Login exchanges credentials for a session. The returned session carries
// the token but no heartbeat.
func (c *Client) Login(ctx context.Context, username, password string) (model.Session, error) {
	req := LoginRequest{Username: username, Password: password, UserType: c.role}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &resp); err != nil {
		return model.Session{}, err
	}
	if resp.Token == "" || resp.UserID == "" {
		return model.Session{}, fmt.Errorf("%w: login response without token or userId", ErrMalformedResponse)
	}
	return model.Session{
		SubjectID: resp.UserID,
		Role:      c.role,
		AuthToken: resp.Token,
	}, nil
}

// Logout revokes token on the server. The token is passed explicitly
// because the local session is already gone when this runs.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.Authorized(token).do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// FetchNotifications returns every notification of the signed-in user.
func (c *Client) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	var records []model.Notification
	if err := c.do(ctx, http.MethodGet, c.notificationsPath(""), nil, &records); err != nil {
		return nil, err
	}
	for i, n := range records {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: notification %d without id", ErrMalformedResponse, i)
		}
		if !n.Status.Valid() {
			return nil, fmt.Errorf("%w: notification %s has status %q", ErrMalformedResponse, n.ID, n.Status)
		}
	}
	return records, nil
}

// ConfirmNotification confirms one notification.
func (c *Client) ConfirmNotification(ctx context.Context, id model.NotificationID) error {
	return c.do(ctx, http.MethodPost, c.notificationsPath(id)+"/confirm", nil, nil)
}

// DeleteNotification deletes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id model.NotificationID) error {
	return c.do(ctx, http.MethodDelete, c.notificationsPath(id), nil, nil)
}

func (c *Client) notificationsPath(id model.NotificationID) string {
	p := "/api/" + string(c.role) + "/notifications"
	if id != "" {
		p += "/" + url.PathEscape(string(id))
	}
	return p
}

// do is the core HTTP method that builds the request, handles auth,
// rate limiting with exponential backoff, and JSON (de)serialization.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		requestID := uuid.NewString()
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		c.logger.Debug("request",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"request_id", requestID,
		)

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &AuthError{StatusCode: resp.StatusCode, Message: errorText(respBody)}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Message:    errorText(respBody),
			}
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
		}

		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func errorText(body []byte) string {
	var e ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.text() != "" {
		return e.text()
	}
	return strings.TrimSpace(string(body))
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
