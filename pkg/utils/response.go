package utils

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string              `json:"error"`
	Code   apperr.Kind         `json:"code,omitempty"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

// RespondJSON writes payload as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; a failed encode means the client left.
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError writes a bare error message.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondAppError maps err onto a status code and the error body. Errors
// without a kind are reported as internal without leaking their text.
func RespondAppError(w http.ResponseWriter, log logr.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Error(err, "unclassified error")
		RespondJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: apperr.KindInternal})
		return
	}

	status := apperr.HTTPStatus(e.Kind)
	if status >= http.StatusInternalServerError {
		log.Error(err, "request failed", "kind", e.Kind)
	}
	if e.Kind == apperr.KindRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	RespondJSON(w, status, ErrorBody{Error: e.Message, Code: e.Kind, Fields: e.Fields})
}
