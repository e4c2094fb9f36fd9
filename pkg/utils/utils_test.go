package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

func TestSSEWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sse.SendEvent("connected", map[string]string{"code": "ABCD2345"}))
	require.NoError(t, sse.SendEvent("heartbeat", map[string]int{"n": 1}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: connected\ndata: {\"code\":\"ABCD2345\"}\n\nevent: heartbeat\ndata: {\"n\":1}\n\n", rec.Body.String())
	assert.Error(t, sse.SendEvent("bad\nname", nil))
}

type noFlush struct{ http.ResponseWriter }

func TestSSEWriterRequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlush{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestRespondAppError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   apperr.Kind
	}{
		{"validation", apperr.Validation("bad", []apperr.FieldError{{Field: "code", Message: "x"}}, nil), http.StatusBadRequest, apperr.KindValidation},
		{"not found", apperr.NotFound("session %s", "X"), http.StatusNotFound, apperr.KindNotFound},
		{"timeout", apperr.New(apperr.KindTimeout, "slow", nil), http.StatusGatewayTimeout, apperr.KindTimeout},
		{"plain", errors.New("boom"), http.StatusInternalServerError, apperr.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondAppError(rec, testr.New(t), tc.err)
			assert.Equal(t, tc.status, rec.Code)

			var body ErrorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestRespondAppErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondAppError(rec, testr.New(t), apperr.RateLimited("slow down", 1500*time.Millisecond))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}
