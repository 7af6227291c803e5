package rmapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Default hosts for the reMarkable Cloud. The storage host is normally
// hardcoded; DiscoverStorage can resolve it per account instead.
const (
	DefaultAuthURL      = "https://webapp-prod.cloud.remarkable.engineering"
	DefaultStorageURL   = "https://document-storage-production-dot-remarkable-production.appspot.com"
	DefaultDiscoveryURL = "https://service-manager-production-dot-remarkable-production.appspot.com"

	// DefaultUserAgent is sent when the caller does not configure one.
	DefaultUserAgent = "rmcloud/0.1"
)

// Retry and backoff constants.
const (
	maxRetries     = 3
	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// errTokenUnavailable marks failures to obtain a bearer token. These are
// never retried at the HTTP layer.
var errTokenUnavailable = errors.New("obtaining token")

// maxErrorBody caps how much of an error response is kept in APIError.
const maxErrorBody = 4 << 10

// TokenSource provides the bearer user token for storage requests.
// Defined at the consumer per "accept interfaces, return structs".
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same bearer string.
type StaticToken string

// Token returns the static bearer string.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNotLoggedIn
	}

	return string(t), nil
}

// Endpoints holds the base URLs of the three services the client talks to.
type Endpoints struct {
	Auth      string
	Storage   string
	Discovery string
}

// DefaultEndpoints returns the production hosts.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Auth:      DefaultAuthURL,
		Storage:   DefaultStorageURL,
		Discovery: DefaultDiscoveryURL,
	}
}

// Client is an HTTP client for the reMarkable Cloud. It holds the base URLs
// and a TokenSource; every API operation is one request built from these.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string
	deviceDesc string

	// newDeviceID generates the device ID sent on registration.
	// Tests override it for deterministic request bodies.
	newDeviceID func() string

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a reMarkable Cloud client. token may be nil when only
// registration, refresh, or discovery are needed.
func NewClient(
	endpoints Endpoints, httpClient *http.Client, token TokenSource, logger *slog.Logger, userAgent string,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		endpoints:   trimEndpoints(endpoints),
		httpClient:  httpClient,
		token:       token,
		logger:      logger,
		userAgent:   userAgent,
		deviceDesc:  DefaultDeviceDesc,
		newDeviceID: newDeviceID,
		sleepFunc:   timeSleep,
	}
}

// FromToken creates a client that authenticates every storage request with
// the given user token and never refreshes it.
func FromToken(userToken string, endpoints Endpoints, httpClient *http.Client, logger *slog.Logger) *Client {
	return NewClient(endpoints, httpClient, StaticToken(userToken), logger, "")
}

// SetDeviceDesc overrides the device description sent on registration.
func (c *Client) SetDeviceDesc(desc string) {
	if desc != "" {
		c.deviceDesc = desc
	}
}

// SetStorageURL points storage requests at a different host, typically the
// result of DiscoverStorage.
func (c *Client) SetStorageURL(storageURL string) {
	if storageURL != "" {
		c.endpoints.Storage = strings.TrimRight(storageURL, "/")
	}
}

// SetTokenSource replaces the token source used for storage requests.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.token = ts
}

// Endpoints returns the base URLs in use.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

func trimEndpoints(e Endpoints) Endpoints {
	def := DefaultEndpoints()

	if e.Auth == "" {
		e.Auth = def.Auth
	}

	if e.Storage == "" {
		e.Storage = def.Storage
	}

	if e.Discovery == "" {
		e.Discovery = def.Discovery
	}

	e.Auth = strings.TrimRight(e.Auth, "/")
	e.Storage = strings.TrimRight(e.Storage, "/")
	e.Discovery = strings.TrimRight(e.Discovery, "/")

	return e
}

// authMode selects which credential a request carries.
type authMode int

const (
	authNone   authMode = iota // pre-signed blob URLs, registration, discovery
	authUser                   // user token from the TokenSource
	authBearer                 // explicit bearer (device token on refresh)
)

// request describes one outbound API call.
type request struct {
	method      string
	url         string
	body        io.Reader
	contentType string
	accept      string
	header      http.Header
	auth        authMode
	bearer      string
	length      int64 // 0 leaves ContentLength to net/http
	emptyBody   bool  // send an explicit Content-Length: 0
}

// do executes req and returns the response for a 2xx status. Non-2xx
// responses are read, closed, and returned as *APIError. GET and PUT are
// retried on transient failures when the body can be rewound; POST never is.
// The caller closes the response body on success.
func (c *Client) do(ctx context.Context, req *request) (*http.Response, error) {
	retryable := req.method != http.MethodPost && rewindable(req.body)
	path := displayPath(req.url)

	var attempt int
	for {
		if attempt > 0 {
			if err := rewindBody(req.body); err != nil {
				return nil, fmt.Errorf("rmapi: rewinding request body for retry: %w", err)
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("rmapi: request canceled: %w", ctx.Err())
			}

			if errors.Is(err, ErrNotLoggedIn) || errors.Is(err, errTokenUnavailable) {
				return nil, fmt.Errorf("rmapi: %s %s: %w", req.method, path, err)
			}

			if retryable && attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", req.method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("rmapi: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("rmapi: %s %s: %w", req.method, path, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", req.method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if retryable && isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", req.method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("rmapi: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     req.method,
			Path:       path,
			Message:    strings.TrimSpace(string(errBody)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, r *request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	switch r.auth {
	case authUser:
		if c.token == nil {
			return nil, ErrNotLoggedIn
		}

		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("%w: %w", errTokenUnavailable, tokErr)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	case authNone:
	}

	req.Header.Set("User-Agent", c.userAgent)

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	}

	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	switch {
	case r.emptyBody:
		req.Body = http.NoBody
		req.ContentLength = 0
	case r.length > 0:
		req.ContentLength = r.length
	}

	return c.httpClient.Do(req)
}

// rewindable reports whether a request body can be replayed on retry.
func rewindable(body io.Reader) bool {
	if body == nil {
		return true
	}

	_, ok := body.(io.Seeker)

	return ok
}

// rewindBody seeks a replayable body back to the start.
func rewindBody(body io.Reader) error {
	if s, ok := body.(io.Seeker); ok {
		_, err := s.Seek(0, io.SeekStart)
		return err
	}

	return nil
}

// displayPath strips the scheme, host, and query from a URL for logs and
// errors. Pre-signed blob URLs carry credentials in the query string.
func displayPath(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j:]
		} else {
			s = "/"
		}
	}

	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}

	return s
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
