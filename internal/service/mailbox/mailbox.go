// Package mailbox queues tool requests per session and holds one response
// slot per request. It never looks inside tool names or payloads.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/internal/store"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

const (
	DefaultAwaitPollInterval = 250 * time.Millisecond
	DefaultDrainBatch        = 50
)

// Options configures a Mailbox.
type Options struct {
	KeyPrefix         string
	AwaitPollInterval time.Duration
	DrainBatch        int
	Clock             clock.WithTicker
	Logger            logr.Logger
	Metrics           *metrics.Metrics
	Notifier          *Notifier
}

// Mailbox is safe for concurrent use by any number of producers and drainers.
type Mailbox struct {
	store        store.Store
	prefix       string
	pollInterval time.Duration
	drainBatch   int
	clock        clock.WithTicker
	log          logr.Logger
	metrics      *metrics.Metrics
	notifier     *Notifier
}

// New builds a mailbox over st.
func New(st store.Store, opts Options) *Mailbox {
	if opts.AwaitPollInterval <= 0 {
		opts.AwaitPollInterval = DefaultAwaitPollInterval
	}
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = DefaultDrainBatch
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier()
	}
	return &Mailbox{
		store:        st,
		prefix:       opts.KeyPrefix,
		pollInterval: opts.AwaitPollInterval,
		drainBatch:   opts.DrainBatch,
		clock:        opts.Clock,
		log:          opts.Logger.WithName("mailbox"),
		metrics:      opts.Metrics,
		notifier:     opts.Notifier,
	}
}

// SubscribeRequests returns a channel that receives a wake-up whenever a
// request is enqueued for code in this process.
func (m *Mailbox) SubscribeRequests(code string) (<-chan struct{}, func()) {
	return m.notifier.Subscribe(m.queueKey(code))
}

// EnqueueRequest appends req to the session queue. Its entries expire with
// the session so the queue can never outlive it. Request ids are unique
// within a session while outstanding.
func (m *Mailbox) EnqueueRequest(ctx context.Context, sess session.Session, req tool.Request) error {
	ttl := sess.Remaining(m.clock.Now())
	if ttl <= 0 {
		return apperr.NotFound("session %s expired", sess.Code)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return apperr.New(apperr.KindInternal, "encode tool request", err)
	}

	pending := m.pendingKey(sess.Code, req.ID)
	fresh, err := m.store.SetNX(ctx, pending, []byte(req.Tool), ttl)
	if err != nil {
		return unavailable(err)
	}
	if !fresh {
		return apperr.Validation("duplicate request id", []apperr.FieldError{{Field: "id", Message: "already outstanding for this session"}}, nil)
	}

	if err := m.store.Push(ctx, m.queueKey(sess.Code), payload, ttl); err != nil {
		_ = m.store.Delete(ctx, pending)
		return unavailable(err)
	}
	m.metrics.RequestEnqueued()
	m.notifier.Notify(m.queueKey(sess.Code))
	m.log.V(1).Info("request enqueued", "code", sess.Code, "id", req.ID, "tool", req.Tool)
	return nil
}

// DrainRequests removes and returns up to one batch of queued requests in
// FIFO order. Each element is removed atomically. A drainer that cannot
// deliver part of the batch hands it back with RequeueRequests, so delivery
// is at-least-once and workers deduplicate by id. Entries that fail to
// decode are logged and dropped.
func (m *Mailbox) DrainRequests(ctx context.Context, code string) ([]tool.Request, error) {
	key := m.queueKey(code)
	var out []tool.Request
	for len(out) < m.drainBatch {
		raw, err := m.store.Pop(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			if len(out) > 0 {
				m.log.Error(err, "drain interrupted, returning partial batch", "code", code, "count", len(out))
				return out, nil
			}
			return nil, unavailable(err)
		}
		var req tool.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			m.metrics.MalformedPayload()
			m.log.Error(err, "skipping malformed queued request", "code", code, "bytes", len(raw))
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// RequeueRequests puts reqs back at the head of the session queue in their
// original order, ahead of anything enqueued since they were drained.
func (m *Mailbox) RequeueRequests(ctx context.Context, sess session.Session, reqs []tool.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	ttl := sess.Remaining(m.clock.Now())
	if ttl <= 0 {
		return apperr.NotFound("session %s expired", sess.Code)
	}
	values := make([][]byte, 0, len(reqs))
	for _, req := range reqs {
		payload, err := json.Marshal(req)
		if err != nil {
			return apperr.New(apperr.KindInternal, "encode tool request", err)
		}
		values = append(values, payload)
	}
	if err := m.store.PushFront(ctx, m.queueKey(sess.Code), values, ttl); err != nil {
		return unavailable(err)
	}
	m.notifier.Notify(m.queueKey(sess.Code))
	m.log.V(1).Info("requests requeued", "code", sess.Code, "count", len(reqs))
	return nil
}

// Pending returns the number of queued requests for code.
func (m *Mailbox) Pending(ctx context.Context, code string) (int, error) {
	n, err := m.store.Len(ctx, m.queueKey(code))
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// PostResponse stores resp for its originating request. The slot is written
// once; a response for an id that is not outstanding is rejected.
func (m *Mailbox) PostResponse(ctx context.Context, sess session.Session, resp tool.Response) error {
	ttl := sess.Remaining(m.clock.Now())
	if ttl <= 0 {
		return apperr.NotFound("session %s expired", sess.Code)
	}
	pending := m.pendingKey(sess.Code, resp.ID)
	outstanding, err := m.store.Exists(ctx, pending)
	if err != nil {
		return unavailable(err)
	}
	if !outstanding {
		return apperr.NotFound("no outstanding request %s for session %s", resp.ID, sess.Code)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return apperr.New(apperr.KindInternal, "encode tool response", err)
	}
	written, err := m.store.SetNX(ctx, m.responseKey(sess.Code, resp.ID), payload, ttl)
	if err != nil {
		return unavailable(err)
	}
	if !written {
		return apperr.Validation("response already posted", []apperr.FieldError{{Field: "id", Message: "already has a response"}}, nil)
	}
	if err := m.store.Delete(ctx, pending); err != nil {
		m.log.Error(err, "clear pending marker", "code", sess.Code, "id", resp.ID)
	}
	m.metrics.ResponsePosted()
	m.notifier.Notify(m.responseKey(sess.Code, resp.ID))
	return nil
}

// TakeResponse reads and clears the response slot for (code, id).
func (m *Mailbox) TakeResponse(ctx context.Context, code, id string) (tool.Response, error) {
	key := m.responseKey(code, id)
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return tool.Response{}, apperr.NotFound("no response for request %s", id)
	}
	if err != nil {
		return tool.Response{}, unavailable(err)
	}
	var resp tool.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return tool.Response{}, apperr.New(apperr.KindInternal, "decode tool response", err)
	}
	if err := m.store.Delete(ctx, key); err != nil {
		m.log.Error(err, "clear response slot", "code", code, "id", id)
	}
	return resp, nil
}

// AwaitResponse waits up to timeout for the response to (code, id). It wakes
// on in-process posts and otherwise polls the store.
func (m *Mailbox) AwaitResponse(ctx context.Context, code, id string, timeout time.Duration) (tool.Response, error) {
	wake, cancel := m.notifier.Subscribe(m.responseKey(code, id))
	defer cancel()

	deadline := m.clock.NewTimer(timeout)
	defer deadline.Stop()
	poll := m.clock.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		resp, err := m.TakeResponse(ctx, code, id)
		if err == nil {
			return resp, nil
		}
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return tool.Response{}, err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return tool.Response{}, apperr.New(apperr.KindTimeout, "response wait exceeded caller deadline", ctx.Err())
			}
			return tool.Response{}, ctx.Err()
		case <-deadline.C():
			return tool.Response{}, apperr.Newf(apperr.KindTimeout, "no response to request %s within %s", id, timeout)
		case <-wake:
		case <-poll.C():
		}
	}
}

func (m *Mailbox) queueKey(code string) string {
	return m.prefix + "queue:" + code
}

func (m *Mailbox) pendingKey(code, id string) string {
	return m.prefix + "pending:" + code + ":" + id
}

func (m *Mailbox) responseKey(code, id string) string {
	return m.prefix + "response:" + code + ":" + id
}

func unavailable(err error) error {
	return apperr.New(apperr.KindServiceUnavailable, "mailbox store unreachable", err)
}
