// Package stream serves the browser worker's long-lived connections: SSE for
// delivery only, WebSocket for delivery plus inbound tool responses.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	streamsvc "github.com/zhouzirui/codap-relay/backend/internal/service/stream"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/utils"
)

// Transport runs one stream to completion.
type Transport interface {
	Serve(ctx context.Context, code string, sink streamsvc.Sink) (string, error)
}

// Sessions loads live sessions.
type Sessions interface {
	Get(ctx context.Context, code string) (session.Session, error)
}

// Responses accepts results posted back by the worker.
type Responses interface {
	PostResponse(ctx context.Context, sess session.Session, resp tool.Response) error
}

type Options struct {
	Logger logr.Logger
	// CheckOrigin vets WebSocket upgrades. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	// PongWait is how long a WebSocket may stay silent, pongs included,
	// before it is dropped. Defaults to DefaultPongWait.
	PongWait time.Duration
	// PingInterval must be shorter than PongWait. Defaults to 9/10 of it.
	PingInterval time.Duration
}

// Handler serves /stream/{code} and /ws/{code}.
type Handler struct {
	transport Transport
	sessions  Sessions
	responses Responses
	log       logr.Logger
	upgrader  websocket.Upgrader

	pongWait     time.Duration
	pingInterval time.Duration
}

func New(transport Transport, sessions Sessions, responses Responses, opts Options) *Handler {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}
	return &Handler{
		transport: transport,
		sessions:  sessions,
		responses: responses,
		log:       opts.Logger.WithName("stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pongWait:     pongWait,
		pingInterval: pingInterval,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{code}", h.handleSSE)
	r.Get("/ws/{code}", h.handleWebSocket)
}

// sseSink adapts an SSE writer to the transport.
type sseSink struct {
	w *utils.SSEWriter
}

func (s sseSink) Send(ev streamsvc.Event) error {
	return s.w.SendEvent(ev.Type, ev.Data)
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	// Errors before the stream opens are plain HTTP responses.
	if _, err := h.sessions.Get(r.Context(), code); err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondAppError(w, h.log, apperr.New(apperr.KindInternal, "streaming unsupported", err))
		return
	}

	h.log.V(1).Info("sse stream opening", "code", code)
	reason, err := h.transport.Serve(r.Context(), code, sseSink{w: sse})
	if err != nil {
		h.log.V(1).Info("sse stream ended by peer", "code", code, "err", err.Error())
		return
	}
	h.log.V(1).Info("sse stream ended", "code", code, "reason", reason)
}
