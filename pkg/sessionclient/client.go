// Package sessionclient creates relay sessions over HTTP, retrying transient
// failures with a linearly growing delay.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessioncode"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultRequestTimeout = 10 * time.Second

	maxErrorBody = 64 << 10
)

// Config configures a Client. BaseURL points at the relay API root, for
// example http://localhost:8080/api.
type Config struct {
	BaseURL        string
	MaxAttempts    int
	BaseDelay      time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         logr.Logger
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, delay time.Duration)
}

type Client struct {
	cfg      Config
	endpoint string
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, apperr.Newf(apperr.KindConfiguration, "session service base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, apperr.Newf(apperr.KindConfiguration, "session service base URL %q must be http or https", base)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	cfg.BaseURL = base
	return &Client{cfg: cfg, endpoint: base + "/sessions"}, nil
}

// linearBackOff waits base, 2*base, 3*base, ... between attempts.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// CreateSession asks the relay for a new session. Rate limiting and client
// errors fail immediately; network failures, timeouts and 5xx responses are
// retried until MaxAttempts, then reported as RETRIES_EXHAUSTED.
func (c *Client) CreateSession(ctx context.Context, capabilities []string) (session.Session, error) {
	log := c.cfg.Logger.WithName("sessionclient")
	attempt := 0

	op := func() (session.Session, error) {
		attempt++
		sess, err := c.createOnce(ctx, capabilities)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return session.Session{}, backoff.Permanent(err)
		}
		return session.Session{}, err
	}

	sess, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{base: c.cfg.BaseDelay}),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.V(1).Info("session creation failed, retrying", "attempt", attempt, "delay", delay.String(), "err", err.Error())
			if c.cfg.OnRetry != nil {
				c.cfg.OnRetry(attempt, err, delay)
			}
		}),
	)
	if err == nil {
		return sess, nil
	}
	if ctx.Err() != nil {
		return session.Session{}, ctx.Err()
	}
	if retryable(err) {
		return session.Session{}, apperr.New(apperr.KindRetriesExhausted,
			fmt.Sprintf("session creation failed after %d attempts", attempt), err)
	}
	return session.Session{}, err
}

func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindNetwork, apperr.KindTimeout, apperr.KindServiceUnavailable:
		return true
	}
	return false
}

func (c *Client) createOnce(ctx context.Context, capabilities []string) (session.Session, error) {
	body, err := json.Marshal(session.CreateRequest{Capabilities: capabilities})
	if err != nil {
		return session.Session{}, apperr.New(apperr.KindValidation, "encode capabilities", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return session.Session{}, apperr.New(apperr.KindConfiguration, "build session request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return session.Session{}, apperr.New(apperr.KindTimeout,
				fmt.Sprintf("session request timed out after %s", c.cfg.RequestTimeout), err)
		}
		return session.Session{}, apperr.New(apperr.KindNetwork, "session request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return session.Session{}, statusError(resp)
	}

	var created session.CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return session.Session{}, apperr.New(apperr.KindTimeout, "session response timed out", err)
		}
		return session.Session{}, apperr.New(apperr.KindValidation, "malformed session response", err)
	}
	if err := validateCreated(created); err != nil {
		return session.Session{}, err
	}

	ttl := time.Duration(created.TTL) * time.Second
	return session.Session{
		Code:         created.Code,
		CreatedAt:    created.ExpiresAt.Add(-ttl),
		TTLSeconds:   created.TTL,
		ExpiresAt:    created.ExpiresAt,
		Capabilities: capabilities,
	}, nil
}

func validateCreated(created session.CreateResponse) error {
	var fields []apperr.FieldError
	if !sessioncode.Valid(created.Code) {
		fields = append(fields, apperr.FieldError{Field: "code", Message: "must be 8 characters from A-Z and 2-7"})
	}
	if created.TTL <= 0 {
		fields = append(fields, apperr.FieldError{Field: "ttl", Message: "must be positive"})
	}
	if created.ExpiresAt.IsZero() {
		fields = append(fields, apperr.FieldError{Field: "expiresAt", Message: "is required"})
	}
	if len(fields) > 0 {
		return apperr.Validation("unexpected session response shape", fields, nil)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	msg = fmt.Sprintf("session service returned %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited(msg, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= http.StatusInternalServerError:
		return apperr.Newf(apperr.KindServiceUnavailable, "%s", msg)
	default:
		return apperr.Newf(apperr.KindValidation, "%s", msg)
	}
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
