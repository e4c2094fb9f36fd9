package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/store"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessioncode"
)

const (
	DefaultTTL         = time.Hour
	DefaultMaxAttempts = 5
)

// ErrCodeSpaceExhausted is returned when every generated candidate collided.
var ErrCodeSpaceExhausted = errors.New("could not mint a unique session code")

// Options configures a Registry.
type Options struct {
	TTL         time.Duration
	MaxAttempts int
	KeyPrefix   string
	Clock       clock.PassiveClock
	Logger      logr.Logger
	Metrics     *metrics.Metrics
	// Generate overrides code generation; tests use it to force collisions.
	Generate func() (string, error)
}

// Registry mints, validates and expires session codes. The store is the
// source of truth; the registry keeps no state of its own.
type Registry struct {
	store       store.Store
	ttl         time.Duration
	maxAttempts int
	prefix      string
	clock       clock.PassiveClock
	log         logr.Logger
	metrics     *metrics.Metrics
	generate    func() (string, error)
}

// NewRegistry builds a registry over st.
func NewRegistry(st store.Store, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Generate == nil {
		opts.Generate = sessioncode.Generate
	}
	return &Registry{
		store:       st,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		prefix:      opts.KeyPrefix,
		clock:       opts.Clock,
		log:         opts.Logger.WithName("registry"),
		metrics:     opts.Metrics,
		generate:    opts.Generate,
	}
}

// TTL returns the lifetime given to new sessions.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// ValidateFormat reports whether code has the session code shape. It never
// touches the store.
func (r *Registry) ValidateFormat(code string) bool {
	return sessioncode.Valid(code)
}

// Create mints a fresh code and persists the session with the registry TTL.
// SetNX makes the collision check and the write a single step, so two
// concurrent creators can never both claim the same code.
func (r *Registry) Create(ctx context.Context, capabilities []string) (session.Session, error) {
	now := r.clock.Now().UTC()
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			return session.Session{}, apperr.New(apperr.KindInternal, "generate session code", err)
		}

		sess := session.Session{
			Code:         code,
			CreatedAt:    now,
			TTLSeconds:   int(r.ttl / time.Second),
			ExpiresAt:    now.Add(r.ttl),
			Capabilities: capabilities,
		}
		payload, err := json.Marshal(sess)
		if err != nil {
			return session.Session{}, apperr.New(apperr.KindInternal, "encode session", err)
		}

		created, err := r.store.SetNX(ctx, r.key(code), payload, r.ttl)
		if err != nil {
			return session.Session{}, apperr.New(apperr.KindServiceUnavailable, "session store unreachable", err)
		}
		if created {
			r.metrics.SessionCreated()
			r.log.V(1).Info("session created", "code", code, "ttl", r.ttl, "capabilities", capabilities)
			return sess, nil
		}
		r.log.Info("session code collision, regenerating", "attempt", attempt)
	}
	return session.Session{}, apperr.New(apperr.KindInternal, fmt.Sprintf("gave up after %d attempts", r.maxAttempts), ErrCodeSpaceExhausted)
}

// Exists reports whether code names a live session. Malformed codes are
// never looked up.
func (r *Registry) Exists(ctx context.Context, code string) (bool, error) {
	if !sessioncode.Valid(code) {
		return false, nil
	}
	ok, err := r.store.Exists(ctx, r.key(code))
	if err != nil {
		return false, apperr.New(apperr.KindServiceUnavailable, "session store unreachable", err)
	}
	return ok, nil
}

// Get loads a live session.
func (r *Registry) Get(ctx context.Context, code string) (session.Session, error) {
	if !sessioncode.Valid(code) {
		return session.Session{}, apperr.Validation("invalid session code", []apperr.FieldError{{Field: "code", Message: "must be 8 characters from A-Z and 2-7"}}, nil)
	}
	raw, err := r.store.Get(ctx, r.key(code))
	if errors.Is(err, store.ErrNotFound) {
		return session.Session{}, apperr.NotFound("session %s not found or expired", code)
	}
	if err != nil {
		return session.Session{}, apperr.New(apperr.KindServiceUnavailable, "session store unreachable", err)
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return session.Session{}, apperr.New(apperr.KindInternal, "decode session", err)
	}
	// The store may lag the recorded expiry by its own clock granularity.
	if sess.Expired(r.clock.Now()) {
		return session.Session{}, apperr.NotFound("session %s not found or expired", code)
	}
	return sess, nil
}

func (r *Registry) key(code string) string {
	return r.prefix + "session:" + code
}
