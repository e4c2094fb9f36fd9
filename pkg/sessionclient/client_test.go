package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body any) *http.Response {
	raw, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(raw))),
	}
}

func created() session.CreateResponse {
	return session.CreateResponse{Code: "ABCD2345", TTL: 3600, ExpiresAt: time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC)}
}

type retryRecord struct {
	attempt int
	delay   time.Duration
	kind    apperr.Kind
}

func newClient(t *testing.T, rt http.RoundTripper, attempts int, retries *[]retryRecord) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:        "http://relay.test/api/",
		MaxAttempts:    attempts,
		BaseDelay:      5 * time.Millisecond,
		RequestTimeout: 50 * time.Millisecond,
		HTTPClient:     &http.Client{Transport: rt},
		Logger:         testr.New(t),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if retries != nil {
				*retries = append(*retries, retryRecord{attempt: attempt, delay: delay, kind: apperr.KindOf(err)})
			}
		},
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	_, err = New(Config{BaseURL: "ftp://relay"})
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestCreateSessionSucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "http://relay.test/api/sessions", r.URL.String())
		switch calls.Add(1) {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return jsonResponse(http.StatusServiceUnavailable, map[string]string{"error": "store down"}), nil
		default:
			return jsonResponse(http.StatusCreated, created()), nil
		}
	})

	var retries []retryRecord
	sess, err := newClient(t, rt, 3, &retries).CreateSession(context.Background(), []string{"codap"})
	require.NoError(t, err)

	assert.Equal(t, "ABCD2345", sess.Code)
	assert.Equal(t, 3600, sess.TTLSeconds)
	assert.Equal(t, []string{"codap"}, sess.Capabilities)
	assert.True(t, sess.CreatedAt.Equal(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []retryRecord{
		{attempt: 1, delay: 5 * time.Millisecond, kind: apperr.KindNetwork},
		{attempt: 2, delay: 10 * time.Millisecond, kind: apperr.KindServiceUnavailable},
	}, retries)
}

func TestRateLimitIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		resp := jsonResponse(http.StatusTooManyRequests, map[string]string{"error": "slow down", "code": "RATE_LIMITED"})
		resp.Header.Set("Retry-After", "7")
		return resp, nil
	})

	_, err := newClient(t, rt, 5, nil).CreateSession(context.Background(), nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRateLimited, e.Kind)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
	assert.Contains(t, e.Message, "slow down")
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "bad body"}), nil
	})
	_, err := newClient(t, rt, 3, nil).CreateSession(context.Background(), nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetriesExhaustedKeepsLastError(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-r.Context().Done()
		return nil, r.Context().Err()
	})

	var retries []retryRecord
	_, err := newClient(t, rt, 2, &retries).CreateSession(context.Background(), nil)
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, apperr.KindRetriesExhausted, apperr.KindOf(err))

	last := errors.Unwrap(err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(last))
	require.Len(t, retries, 1)
	assert.Equal(t, apperr.KindTimeout, retries[0].kind)
}

func TestMalformedResponseShapeIsRejected(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusCreated, session.CreateResponse{Code: "lower123", TTL: 0}), nil
	})
	_, err := newClient(t, rt, 3, nil).CreateSession(context.Background(), nil)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Len(t, e.Fields, 3)
}

func TestCallerCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		cancel()
		return nil, errors.New("connection reset")
	})
	_, err := newClient(t, rt, 5, nil).CreateSession(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAgainstRealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req session.CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, []string{"codap"}, req.Capabilities)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(created())
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	sess, err := c.CreateSession(context.Background(), []string{"codap"})
	require.NoError(t, err)
	assert.Equal(t, "ABCD2345", sess.Code)
}
