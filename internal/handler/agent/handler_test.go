package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/internal/service/catalog"
	"github.com/zhouzirui/codap-relay/backend/internal/service/gateway"
	sessionsvc "github.com/zhouzirui/codap-relay/backend/internal/service/session"
	"github.com/zhouzirui/codap-relay/backend/internal/store"
)

type fakeSession struct {
	id          string
	ch          chan mcp.JSONRPCNotification
	initialized atomic.Bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, ch: make(chan mcp.JSONRPCNotification, 10)}
}

func (s *fakeSession) SessionID() string                                  { return s.id }
func (s *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.ch }
func (s *fakeSession) Initialize()                                        { s.initialized.Store(true) }
func (s *fakeSession) Initialized() bool                                  { return s.initialized.Load() }

type echoMailbox struct {
	mu   sync.Mutex
	reqs map[string]tool.Request
}

func (m *echoMailbox) EnqueueRequest(_ context.Context, _ session.Session, req tool.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[req.ID] = req
	return nil
}

func (m *echoMailbox) AwaitResponse(_ context.Context, code, id string, _ time.Duration) (tool.Response, error) {
	m.mu.Lock()
	req := m.reqs[id]
	m.mu.Unlock()
	text := fmt.Sprintf("%s on %s with %s", req.Tool, code, req.Args)
	return tool.Response{Code: code, ID: id, Result: tool.Result{Content: []tool.ContentBlock{tool.TextBlock(text)}}}, nil
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type toolResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type harness struct {
	t        *testing.T
	handler  *Handler
	gateway  *gateway.Gateway
	registry *sessionsvc.Registry
	catalog  *catalog.Catalog
	nextID   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	reg := sessionsvc.NewRegistry(store.NewMemoryStore(clk), sessionsvc.Options{Clock: clk})
	cat, err := catalog.Default()
	require.NoError(t, err)
	gw := gateway.New(reg, &echoMailbox{reqs: map[string]tool.Request{}}, cat, gateway.Options{Clock: clk})
	return &harness{
		t:        t,
		handler:  New(gw, cat, Options{Logger: testr.New(t)}),
		gateway:  gw,
		registry: reg,
		catalog:  cat,
	}
}

func (h *harness) connect(id, client string) (*fakeSession, context.Context) {
	h.t.Helper()
	sess := newFakeSession(id)
	srv := h.handler.Server()
	require.NoError(h.t, srv.RegisterSession(context.Background(), sess))
	ctx := srv.WithContext(context.WithValue(context.Background(), originKey{}, "https://codap.concord.org"), sess)
	h.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": client, "version": "1.0"},
	})
	return sess, ctx
}

func (h *harness) call(ctx context.Context, method string, params any) json.RawMessage {
	h.t.Helper()
	h.nextID++
	msg, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": h.nextID, "method": method, "params": params})
	require.NoError(h.t, err)

	out := h.handler.Server().HandleMessage(ctx, msg)
	raw, err := json.Marshal(out)
	require.NoError(h.t, err)
	var resp rpcResponse
	require.NoError(h.t, json.Unmarshal(raw, &resp))
	require.Nil(h.t, resp.Error, "rpc error for %s: %s", method, raw)
	return resp.Result
}

func (h *harness) listTools(ctx context.Context) []string {
	h.t.Helper()
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(h.t, json.Unmarshal(h.call(ctx, "tools/list", map[string]any{}), &res))
	names := make([]string, len(res.Tools))
	for i, tl := range res.Tools {
		names[i] = tl.Name
	}
	return names
}

func (h *harness) callTool(ctx context.Context, name string, args map[string]any) toolResult {
	h.t.Helper()
	var res toolResult
	require.NoError(h.t, json.Unmarshal(h.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}), &res))
	return res
}

func TestPairingScopedToConnection(t *testing.T) {
	h := newHarness(t)
	sess, err := h.registry.Create(context.Background(), nil)
	require.NoError(t, err)

	a, ctxA := h.connect("session-a", "claude-desktop")
	b, ctxB := h.connect("session-b", "claude-desktop")

	assert.Equal(t, []string{gateway.PairingTool}, h.listTools(ctxA))
	assert.Equal(t, []string{gateway.PairingTool}, h.listTools(ctxB))

	res := h.callTool(ctxA, gateway.PairingTool, map[string]any{"code": sess.Code})
	require.False(t, res.IsError, "%+v", res)
	assert.Contains(t, res.Content[0].Text, sess.Code)

	select {
	case n := <-a.ch:
		assert.Equal(t, mcp.MethodNotificationToolsListChanged, n.Method)
	case <-time.After(time.Second):
		t.Fatal("paired client was not told its tool list changed")
	}
	assert.Empty(t, b.ch)

	assert.Len(t, h.listTools(ctxA), h.catalog.Len()+1)
	assert.Equal(t, []string{gateway.PairingTool}, h.listTools(ctxB))

	denied := h.callTool(ctxB, "get_codap_datasets", nil)
	assert.True(t, denied.IsError)
	assert.True(t, strings.HasPrefix(denied.Content[0].Text, "NOT_PAIRED"), denied.Content[0].Text)

	ok := h.callTool(ctxA, "create_codap_graph", map[string]any{"dataContext": "mammals", "xAttribute": "mass"})
	require.False(t, ok.IsError, "%+v", ok)
	assert.Contains(t, ok.Content[0].Text, "create_codap_graph on "+sess.Code)
	assert.Contains(t, ok.Content[0].Text, `"xAttribute":"mass"`)
}

func TestPairingWithUnknownCode(t *testing.T) {
	h := newHarness(t)
	_, ctx := h.connect("s", "agent")

	res := h.callTool(ctx, gateway.PairingTool, map[string]any{"code": "QQQQQQQQ"})
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content[0].Text, "NOT_FOUND"), res.Content[0].Text)

	res = h.callTool(ctx, gateway.PairingTool, map[string]any{})
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content[0].Text, "VALIDATION_ERROR"), res.Content[0].Text)

	assert.Equal(t, []string{gateway.PairingTool}, h.listTools(ctx))
}

func TestUnregisterReleasesBinding(t *testing.T) {
	h := newHarness(t)
	sess, err := h.registry.Create(context.Background(), nil)
	require.NoError(t, err)
	_, ctx := h.connect("gone", "agent")

	res := h.callTool(ctx, gateway.PairingTool, map[string]any{"code": sess.Code})
	require.False(t, res.IsError)
	assert.Equal(t, 1, h.gateway.Len())

	h.handler.Server().UnregisterSession(context.Background(), "gone")
	assert.Equal(t, 0, h.gateway.Len())
}

func TestToCallResultMapsBlocks(t *testing.T) {
	data, mime := "aGk=", "image/png"
	res := toCallResult(tool.Result{Content: []tool.ContentBlock{
		tool.TextBlock("hello"),
		{Type: tool.ContentImage, Data: &data, MimeType: &mime},
	}, IsError: true})

	require.Len(t, res.Content, 2)
	assert.True(t, res.IsError)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
	img, ok := res.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
}
