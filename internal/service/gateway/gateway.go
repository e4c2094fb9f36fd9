// Package gateway decides, per agent identity, which tools are advertised and
// which session an invocation is routed to. Every identity starts unpaired and
// can only reach the session it paired with.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/internal/service/catalog"
	"github.com/zhouzirui/codap-relay/backend/internal/wire"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessioncode"
)

// PairingTool is the one tool every identity sees.
const PairingTool = "connect_to_session"

const DefaultInvokeTimeout = 30 * time.Second

// State of one identity's binding.
type State int

const (
	Unpaired State = iota
	Pairing
	Paired
)

func (s State) String() string {
	switch s {
	case Pairing:
		return "PAIRING"
	case Paired:
		return "PAIRED"
	default:
		return "UNPAIRED"
	}
}

// Binding is the capability state of one identity.
type Binding struct {
	State       State     `json:"-"`
	Paired      bool      `json:"paired"`
	SessionCode string    `json:"sessionCode,omitempty"`
	BoundAt     time.Time `json:"boundAt,omitempty"`
}

// Sessions is the registry view the gateway needs.
type Sessions interface {
	Exists(ctx context.Context, code string) (bool, error)
	Get(ctx context.Context, code string) (session.Session, error)
}

// Mailbox is the producer side of the mailbox.
type Mailbox interface {
	EnqueueRequest(ctx context.Context, sess session.Session, req tool.Request) error
	AwaitResponse(ctx context.Context, code, id string, timeout time.Duration) (tool.Response, error)
}

// Catalog is the externally executed tool set.
type Catalog interface {
	Tools() []catalog.Tool
	Lookup(name string) (catalog.Tool, bool)
}

type Options struct {
	InvokeTimeout time.Duration
	Clock         clock.PassiveClock
	Logger        logr.Logger
	Metrics       *metrics.Metrics
	// NewRequestID overrides request id generation.
	NewRequestID func() string
}

type slot struct {
	mu      sync.Mutex
	binding Binding
}

// Gateway owns the identity to binding table. Bindings of different
// identities never contend.
type Gateway struct {
	sessions      Sessions
	mailbox       Mailbox
	catalog       Catalog
	invokeTimeout time.Duration
	clock         clock.PassiveClock
	log           logr.Logger
	metrics       *metrics.Metrics
	newID         func() string

	slots sync.Map // Identity -> *slot
}

func New(sessions Sessions, mailbox Mailbox, cat Catalog, opts Options) *Gateway {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = uuid.NewString
	}
	return &Gateway{
		sessions:      sessions,
		mailbox:       mailbox,
		catalog:       cat,
		invokeTimeout: opts.InvokeTimeout,
		clock:         opts.Clock,
		log:           opts.Logger.WithName("gateway"),
		metrics:       opts.Metrics,
		newID:         opts.NewRequestID,
	}
}

// PairingToolSpec describes the pairing tool.
func PairingToolSpec() catalog.Tool {
	return catalog.Tool{
		Name:        PairingTool,
		Description: "Pair this agent connection with a CODAP browser session. Pass the 8-character session code shown in the CODAP plugin.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Session code, 8 characters from A-Z and 2-7.",
					"pattern":     "^[A-Z2-7]{8}$",
				},
			},
			"required": []any{"code"},
		},
	}
}

func (g *Gateway) slot(id Identity) *slot {
	if s, ok := g.slots.Load(id); ok {
		return s.(*slot)
	}
	s, _ := g.slots.LoadOrStore(id, &slot{})
	return s.(*slot)
}

// Binding returns a snapshot of id's binding.
func (g *Gateway) Binding(id Identity) Binding {
	s, ok := g.slots.Load(id)
	if !ok {
		return Binding{}
	}
	sl := s.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.binding
}

// ListTools returns the tools advertised to id: the pairing tool alone until
// id pairs, then the pairing tool followed by the full catalog.
func (g *Gateway) ListTools(id Identity) []catalog.Tool {
	tools := []catalog.Tool{PairingToolSpec()}
	if g.Binding(id).Paired {
		tools = append(tools, g.catalog.Tools()...)
	}
	return tools
}

// Pair binds id to code when code names a live session. On failure an
// existing binding is kept as it was.
func (g *Gateway) Pair(ctx context.Context, id Identity, code string) (Binding, error) {
	sl := g.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	log := g.log.WithValues("identity", id.Short(), "code", code)
	prev := sl.binding
	sl.binding.State = Pairing
	restore := func() { sl.binding = prev }

	if !sessioncode.Valid(code) {
		restore()
		g.metrics.Pairing("invalid")
		return prev, apperr.Validation("invalid session code",
			[]apperr.FieldError{{Field: "code", Message: "must be 8 characters from A-Z and 2-7"}}, nil)
	}
	alive, err := g.sessions.Exists(ctx, code)
	if err != nil {
		restore()
		g.metrics.Pairing("error")
		return prev, err
	}
	if !alive {
		restore()
		g.metrics.Pairing("not_found")
		log.Info("pairing failed, session not found")
		return prev, apperr.NotFound("session %s not found or expired", code)
	}

	sl.binding = Binding{State: Paired, Paired: true, SessionCode: code, BoundAt: g.clock.Now().UTC()}
	g.metrics.Pairing("success")
	if prev.Paired && prev.SessionCode != code {
		log.Info("identity re-paired", "previous", prev.SessionCode)
	} else {
		log.Info("identity paired")
	}
	return sl.binding, nil
}

// Invoke validates a catalog tool call from id, enqueues it against id's
// bound session and waits for the browser worker's result.
func (g *Gateway) Invoke(ctx context.Context, id Identity, name string, args json.RawMessage) (tool.Result, error) {
	binding := g.Binding(id)
	if !binding.Paired {
		return tool.Result{}, apperr.New(apperr.KindNotPaired,
			"this connection is not paired with a session; call "+PairingTool+" first", nil)
	}
	if _, ok := g.catalog.Lookup(name); !ok {
		return tool.Result{}, apperr.Validation("unknown tool",
			[]apperr.FieldError{{Field: "tool", Message: "not in the tool catalog"}}, nil)
	}

	code := binding.SessionCode
	sess, err := g.sessions.Get(ctx, code)
	if apperr.IsKind(err, apperr.KindNotFound) {
		g.unbind(id, code)
		return tool.Result{}, err
	}
	if err != nil {
		return tool.Result{}, err
	}

	req := tool.Request{Code: code, ID: g.newID(), Tool: name, Args: args}
	if err := wire.ValidateRequest(&req); err != nil {
		return tool.Result{}, err
	}
	if err := g.mailbox.EnqueueRequest(ctx, sess, req); err != nil {
		return tool.Result{}, err
	}

	g.log.V(1).Info("tool call queued", "identity", id.Short(), "code", code, "tool", name, "id", req.ID)
	resp, err := g.mailbox.AwaitResponse(ctx, code, req.ID, g.invokeTimeout)
	if err != nil {
		return tool.Result{}, err
	}
	return resp.Result, nil
}

// unbind reverts id to unpaired if it is still bound to code.
func (g *Gateway) unbind(id Identity, code string) {
	sl := g.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.binding.SessionCode == code {
		sl.binding = Binding{}
		g.log.Info("bound session expired, identity unpaired", "identity", id.Short(), "code", code)
	}
}

// Release forgets id entirely. Called when its connection ends.
func (g *Gateway) Release(id Identity) {
	g.slots.Delete(id)
}

// Len returns the number of identities with a binding slot.
func (g *Gateway) Len() int {
	n := 0
	g.slots.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
