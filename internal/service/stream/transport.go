// Package stream delivers queued tool requests to the browser worker over a
// long-lived connection with heartbeats, fallback polling and a lifetime cap.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
)

const (
	EventConnected    = "connected"
	EventHeartbeat    = "heartbeat"
	EventToolRequest  = "tool-request"
	EventStreamClosed = "stream-closed"
)

// Reasons a stream ends.
const (
	ReasonLifetime       = "lifetime"
	ReasonSuperseded     = "superseded"
	ReasonSessionExpired = "session-expired"
	ReasonDisconnected   = "disconnected"
	ReasonShutdown       = "shutdown"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = time.Second
	DefaultMaxLifetime       = 10 * time.Minute

	requeueTimeout = 5 * time.Second
)

// State of one stream.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is one message on the stream.
type Event struct {
	Type string
	Data any
}

// Sink writes events to the underlying connection. A Send error means the
// peer is gone.
type Sink interface {
	Send(Event) error
}

// Sessions reports session liveness and loads sessions for requeueing.
type Sessions interface {
	Exists(ctx context.Context, code string) (bool, error)
	Get(ctx context.Context, code string) (session.Session, error)
}

// Queue is the drain side of the mailbox.
type Queue interface {
	DrainRequests(ctx context.Context, code string) ([]tool.Request, error)
	RequeueRequests(ctx context.Context, sess session.Session, reqs []tool.Request) error
	SubscribeRequests(code string) (<-chan struct{}, func())
}

type ConnectedData struct {
	Code string `json:"code"`
}

type HeartbeatData struct {
	Timestamp time.Time `json:"timestamp"`
}

type ClosedData struct {
	Reason string `json:"reason"`
}

// Config holds the stream timings.
type Config struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxLifetime       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	return c
}

type Options struct {
	Config      Config
	Clock       clock.WithTicker
	Logger      logr.Logger
	Metrics     *metrics.Metrics
	Connections *ConnectionManager
}

// Transport runs streams. One Transport serves every session.
type Transport struct {
	sessions Sessions
	queue    Queue
	cfg      Config
	clock    clock.WithTicker
	log      logr.Logger
	metrics  *metrics.Metrics
	conns    *ConnectionManager
}

func NewTransport(sessions Sessions, queue Queue, opts Options) *Transport {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Connections == nil {
		opts.Connections = NewConnectionManager()
	}
	return &Transport{
		sessions: sessions,
		queue:    queue,
		cfg:      opts.Config.withDefaults(),
		clock:    opts.Clock,
		log:      opts.Logger.WithName("stream"),
		metrics:  opts.Metrics,
		conns:    opts.Connections,
	}
}

// Connections exposes the open-stream table.
func (t *Transport) Connections() *ConnectionManager {
	return t.conns
}

// Serve runs one stream for code until it closes and returns the reason.
// The error is non-nil only when the sink failed.
func (t *Transport) Serve(ctx context.Context, code string, sink Sink) (string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s := &stream{Transport: t, code: code, sink: sink, log: t.log.WithValues("code", code)}
	connID := t.conns.Add(code, cancel)
	defer t.conns.Remove(code, connID)
	s.log = s.log.WithValues("conn", connID)

	wake, unsubscribe := t.queue.SubscribeRequests(code)
	defer unsubscribe()

	heartbeat := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	poll := t.clock.NewTicker(t.cfg.PollInterval)
	lifetime := t.clock.NewTimer(t.cfg.MaxLifetime)
	// All three stop together, on every exit path.
	defer func() {
		heartbeat.Stop()
		poll.Stop()
		lifetime.Stop()
		s.transition(StateClosed)
	}()

	if err := s.emit(EventConnected, ConnectedData{Code: code}); err != nil {
		return ReasonDisconnected, err
	}
	s.transition(StateOpen)
	t.metrics.StreamOpened()
	defer t.metrics.StreamClosed()

	// Anything queued before the worker connected goes out right away.
	if err := s.deliver(ctx); err != nil {
		return ReasonDisconnected, err
	}

	for {
		select {
		case <-ctx.Done():
			switch cause := context.Cause(ctx); {
			case errors.Is(cause, ErrSuperseded):
				return s.close(ReasonSuperseded)
			case errors.Is(cause, ErrShutdown):
				return s.close(ReasonShutdown)
			default:
				return ReasonDisconnected, nil
			}
		case <-lifetime.C():
			return s.close(ReasonLifetime)
		case now := <-heartbeat.C():
			if err := s.emit(EventHeartbeat, HeartbeatData{Timestamp: now.UTC()}); err != nil {
				return ReasonDisconnected, err
			}
		case <-poll.C():
			alive, err := t.sessions.Exists(ctx, code)
			if err != nil {
				s.log.Error(err, "liveness check failed, will retry on next poll")
				continue
			}
			if !alive {
				return s.close(ReasonSessionExpired)
			}
			if err := s.deliver(ctx); err != nil {
				return ReasonDisconnected, err
			}
		case <-wake:
			if err := s.deliver(ctx); err != nil {
				return ReasonDisconnected, err
			}
		}
	}
}

type stream struct {
	*Transport
	code  string
	sink  Sink
	state State
	log   logr.Logger
}

func (s *stream) transition(to State) {
	if s.state == to {
		return
	}
	s.log.V(1).Info("stream state", "from", s.state.String(), "to", to.String())
	s.state = to
}

func (s *stream) emit(eventType string, data any) error {
	if err := s.sink.Send(Event{Type: eventType, Data: data}); err != nil {
		return fmt.Errorf("send %s event: %w", eventType, err)
	}
	s.metrics.StreamEvent(eventType)
	return nil
}

func (s *stream) deliver(ctx context.Context) error {
	reqs, err := s.queue.DrainRequests(ctx, s.code)
	if err != nil {
		s.log.Error(err, "drain failed, will retry on next poll")
		return nil
	}
	for i, req := range reqs {
		if err := s.emit(EventToolRequest, req.Delivery()); err != nil {
			s.requeue(ctx, reqs[i:])
			return err
		}
	}
	return nil
}

// requeue hands undelivered requests back to the queue head so the next
// stream for the session receives them.
func (s *stream) requeue(ctx context.Context, reqs []tool.Request) {
	// The stream context is usually already cancelled here.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	sess, err := s.sessions.Get(ctx, s.code)
	if err == nil {
		err = s.queue.RequeueRequests(ctx, sess, reqs)
	}
	if err != nil {
		ids := make([]string, 0, len(reqs))
		for _, req := range reqs {
			ids = append(ids, req.ID)
		}
		s.log.Error(err, "undelivered tool requests lost", "ids", ids)
		return
	}
	s.log.Info("requeued undelivered tool requests", "count", len(reqs), "first", reqs[0].ID)
}

// close sends the terminal event. Delivery is best-effort.
func (s *stream) close(reason string) (string, error) {
	if err := s.emit(EventStreamClosed, ClosedData{Reason: reason}); err != nil {
		s.log.V(1).Info("terminal event not delivered", "reason", reason, "err", err.Error())
	}
	s.log.Info("stream closed", "reason", reason)
	return reason, nil
}
