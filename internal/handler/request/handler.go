package request

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/internal/wire"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessioncode"
	"github.com/zhouzirui/codap-relay/backend/pkg/utils"
)

const maxBodyBytes = 4 << 20

// Sessions loads live sessions.
type Sessions interface {
	Get(ctx context.Context, code string) (session.Session, error)
}

// Mailbox is the part of the mailbox the HTTP callers use.
type Mailbox interface {
	EnqueueRequest(ctx context.Context, sess session.Session, req tool.Request) error
	PostResponse(ctx context.Context, sess session.Session, resp tool.Response) error
	TakeResponse(ctx context.Context, code, id string) (tool.Response, error)
	AwaitResponse(ctx context.Context, code, id string, timeout time.Duration) (tool.Response, error)
}

type Options struct {
	// MaxWait caps the wait query parameter of response retrieval.
	MaxWait time.Duration
	Logger  logr.Logger
}

// Handler serves tool request submission and response exchange.
type Handler struct {
	sessions Sessions
	mailbox  Mailbox
	maxWait  time.Duration
	log      logr.Logger
}

func New(sessions Sessions, mailbox Mailbox, opts Options) *Handler {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	return &Handler{sessions: sessions, mailbox: mailbox, maxWait: opts.MaxWait, log: opts.Logger.WithName("request")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/request", h.handleSubmit)
	r.Get("/response", h.handleRetrieve)
	r.Post("/response", h.handlePost)
}

type queuedBody struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	req, err := wire.DecodeRequest(body)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	sess, err := h.sessions.Get(r.Context(), req.Code)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	if err := h.mailbox.EnqueueRequest(r.Context(), sess, req); err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, queuedBody{Status: "queued", ID: req.ID})
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	resp, err := wire.DecodeResponse(body)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	sess, err := h.sessions.Get(r.Context(), resp.Code)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	if err := h.mailbox.PostResponse(r.Context(), sess, resp); err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, queuedBody{Status: "stored", ID: resp.ID})
}

func (h *Handler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, id := q.Get("code"), q.Get("id")

	var fields []apperr.FieldError
	if !sessioncode.Valid(code) {
		fields = append(fields, apperr.FieldError{Field: "code", Message: "must be 8 characters from A-Z and 2-7"})
	}
	if strings.TrimSpace(id) == "" {
		fields = append(fields, apperr.FieldError{Field: "id", Message: "is required"})
	}
	wait, err := parseWait(q.Get("wait"))
	if err != nil {
		fields = append(fields, apperr.FieldError{Field: "wait", Message: "must be seconds or a duration such as 5s"})
	}
	if len(fields) > 0 {
		utils.RespondAppError(w, h.log, apperr.Validation("invalid response query", fields, nil))
		return
	}
	if wait > h.maxWait {
		wait = h.maxWait
	}

	var resp tool.Response
	if wait > 0 {
		resp, err = h.mailbox.AwaitResponse(r.Context(), code, id, wait)
	} else {
		resp, err = h.mailbox.TakeResponse(r.Context(), code, id)
	}
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Validation("unreadable body", []apperr.FieldError{{Field: "body", Message: "could not be read"}}, err)
	}
	return body, nil
}

var maxWaitSeconds = float64(math.MaxInt64) / float64(time.Second)

func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		// Inf, NaN and anything past the int64 nanosecond range would wrap.
		if math.IsNaN(secs) || secs < 0 || secs >= maxWaitSeconds {
			return 0, apperr.Newf(apperr.KindValidation, "wait %q out of range", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperr.New(apperr.KindValidation, "invalid wait", err)
	}
	return d, nil
}
