package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	streamsvc "github.com/zhouzirui/codap-relay/backend/internal/service/stream"
	"github.com/zhouzirui/codap-relay/backend/internal/wire"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/utils"
)

const (
	frameToolResponse = "tool-response"
	frameAck          = "ack"
	frameError        = "error"

	writeWait  = 10 * time.Second
	maxMessage = 4 << 20

	DefaultPongWait = 60 * time.Second
)

// Frame is the WebSocket envelope in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type ackData struct {
	ID string `json:"id"`
}

type errorData struct {
	Error  string              `json:"error"`
	Code   apperr.Kind         `json:"code"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

// wsSink serializes writes from the transport and the reader.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) write(frame outFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSink) Send(ev streamsvc.Event) error {
	return s.write(outFrame{Type: ev.Type, Data: ev.Data})
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	sess, err := h.sessions.Get(r.Context(), code)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed", "code", code)
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		h.readLoop(ctx, conn, sink, sess.Code)
	}()
	go func() {
		defer cancel()
		h.pingLoop(ctx, sink)
	}()

	reason, err := h.transport.Serve(ctx, sess.Code, sink)
	if err != nil {
		h.log.V(1).Info("websocket stream ended by peer", "code", code, "err", err.Error())
		return
	}
	h.log.V(1).Info("websocket stream ended", "code", code, "reason", reason)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}

// pingLoop keeps an idle worker's read deadline from lapsing. It returns when
// the connection ends or a ping cannot be written.
func (h *Handler) pingLoop(ctx context.Context, sink *wsSink) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sink *wsSink, code string) {
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.V(1).Info("websocket read failed", "code", code, "err", err.Error())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))

		var reply outFrame
		switch frame.Type {
		case frameToolResponse:
			reply = h.acceptResponse(ctx, code, frame.Data)
		default:
			reply = errorFrame(apperr.Validation("unknown frame type",
				[]apperr.FieldError{{Field: "type", Message: "unsupported value " + frame.Type}}, nil))
		}
		if err := sink.write(reply); err != nil {
			return
		}
	}
}

func (h *Handler) acceptResponse(ctx context.Context, code string, data json.RawMessage) outFrame {
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		return errorFrame(err)
	}
	if resp.Code != code {
		return errorFrame(apperr.Validation("response for another session",
			[]apperr.FieldError{{Field: "code", Message: "must match the connected session"}}, nil))
	}
	sess, err := h.sessions.Get(ctx, code)
	if err != nil {
		return errorFrame(err)
	}
	if err := h.responses.PostResponse(ctx, sess, resp); err != nil {
		return errorFrame(err)
	}
	return outFrame{Type: frameAck, Data: ackData{ID: resp.ID}}
}

func errorFrame(err error) outFrame {
	e, ok := apperr.As(err)
	if !ok {
		return outFrame{Type: frameError, Data: errorData{Error: "internal error", Code: apperr.KindInternal}}
	}
	return outFrame{Type: frameError, Data: errorData{Error: e.Message, Code: e.Kind, Fields: e.Fields}}
}
