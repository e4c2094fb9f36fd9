package gateway_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/internal/service/catalog"
	"github.com/zhouzirui/codap-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/codap-relay/backend/internal/service/mailbox"
	sessionsvc "github.com/zhouzirui/codap-relay/backend/internal/service/session"
	"github.com/zhouzirui/codap-relay/backend/internal/store"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

type fakeMailbox struct {
	mu       sync.Mutex
	enqueued []tool.Request
	reply    func(tool.Request) tool.Response
}

func (f *fakeMailbox) EnqueueRequest(_ context.Context, _ session.Session, req tool.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, req)
	return nil
}

func (f *fakeMailbox) AwaitResponse(_ context.Context, code, id string, _ time.Duration) (tool.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.enqueued {
		if req.ID == id {
			return f.reply(req), nil
		}
	}
	return tool.Response{}, apperr.Newf(apperr.KindTimeout, "no response to %s", id)
}

func (f *fakeMailbox) requests() []tool.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tool.Request(nil), f.enqueued...)
}

type fixture struct {
	gw       *gateway.Gateway
	registry *sessionsvc.Registry
	mailbox  *fakeMailbox
	catalog  *catalog.Catalog
	clock    *testingclock.FakeClock
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	reg := sessionsvc.NewRegistry(store.NewMemoryStore(clk), sessionsvc.Options{TTL: time.Hour, Clock: clk})
	cat, err := catalog.Default()
	require.NoError(t, err)
	mb := &fakeMailbox{reply: func(req tool.Request) tool.Response {
		return tool.Response{Code: req.Code, ID: req.ID, Result: tool.Result{Content: []tool.ContentBlock{tool.TextBlock("ran " + req.Tool)}}}
	}}
	m := metrics.New(prometheus.NewRegistry())
	gw := gateway.New(reg, mb, cat, gateway.Options{Clock: clk, Logger: testr.New(t), Metrics: m})
	return &fixture{gw: gw, registry: reg, mailbox: mb, catalog: cat, clock: clk, metrics: m}
}

func (f *fixture) session(t *testing.T) session.Session {
	t.Helper()
	sess, err := f.registry.Create(context.Background(), []string{"codap"})
	require.NoError(t, err)
	return sess
}

func names(tools []catalog.Tool) []string {
	out := make([]string, len(tools))
	for i, tl := range tools {
		out[i] = tl.Name
	}
	return out
}

func TestIdentityDerivation(t *testing.T) {
	a := gateway.Metadata{ConnectionID: "mcp-1", ClientName: "claude-desktop", Origin: "https://codap.concord.org"}
	b := a
	b.ConnectionID = "mcp-2"

	assert.Equal(t, gateway.DeriveIdentity(a), gateway.DeriveIdentity(a))
	assert.NotEqual(t, gateway.DeriveIdentity(a), gateway.DeriveIdentity(b))
	// Field boundaries matter.
	assert.NotEqual(t,
		gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "ab", ClientName: "c"}),
		gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "a", ClientName: "bc"}))
	assert.Len(t, gateway.DeriveIdentity(a).Short(), 12)
}

func TestUnpairedSeesOnlyPairingTool(t *testing.T) {
	f := newFixture(t)
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "x"})

	assert.Equal(t, []string{gateway.PairingTool}, names(f.gw.ListTools(id)))
	assert.False(t, f.gw.Binding(id).Paired)

	_, err := f.gw.Invoke(context.Background(), id, "get_codap_datasets", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindNotPaired))
	assert.Empty(t, f.mailbox.requests())
}

func TestGatewayIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t)
	a := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "conn-a", ClientName: "agent"})
	b := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "conn-b", ClientName: "agent"})

	binding, err := f.gw.Pair(ctx, a, sess.Code)
	require.NoError(t, err)
	assert.True(t, binding.Paired)
	assert.Equal(t, sess.Code, binding.SessionCode)
	assert.Equal(t, gateway.Paired, binding.State)
	assert.Equal(t, f.clock.Now(), binding.BoundAt)

	var wg sync.WaitGroup
	var aTools, bTools []catalog.Tool
	wg.Add(2)
	go func() { defer wg.Done(); aTools = f.gw.ListTools(a) }()
	go func() { defer wg.Done(); bTools = f.gw.ListTools(b) }()
	wg.Wait()

	assert.Len(t, aTools, f.catalog.Len()+1)
	assert.Equal(t, gateway.PairingTool, aTools[0].Name)
	assert.Len(t, bTools, 1)

	_, err = f.gw.Invoke(ctx, b, "create_codap_table", json.RawMessage(`{"dataContext":"x"}`))
	assert.True(t, apperr.IsKind(err, apperr.KindNotPaired))

	result, err := f.gw.Invoke(ctx, a, "create_codap_table", json.RawMessage(`{"dataContext":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ran create_codap_table"}, result.Texts())

	reqs := f.mailbox.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, sess.Code, reqs[0].Code)
	assert.NotEmpty(t, reqs[0].ID)
	assert.JSONEq(t, `{"dataContext":"x"}`, string(reqs[0].Args))
}

func TestPairFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "c"})

	_, err := f.gw.Pair(ctx, id, "invalid1")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.gw.Pair(ctx, id, "ZZZZZZZZ")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.Equal(t, gateway.Unpaired, f.gw.Binding(id).State)
	assert.Len(t, f.gw.ListTools(id), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Pairings.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Pairings.WithLabelValues("not_found")))
}

func TestFailedRepairKeepsBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t)
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "c"})

	_, err := f.gw.Pair(ctx, id, sess.Code)
	require.NoError(t, err)
	_, err = f.gw.Pair(ctx, id, "ZZZZZZZZ")
	require.Error(t, err)

	b := f.gw.Binding(id)
	assert.True(t, b.Paired)
	assert.Equal(t, sess.Code, b.SessionCode)
}

func TestRepairMovesBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, second := f.session(t), f.session(t)
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "c"})

	_, err := f.gw.Pair(ctx, id, first.Code)
	require.NoError(t, err)
	_, err = f.gw.Pair(ctx, id, second.Code)
	require.NoError(t, err)

	_, err = f.gw.Invoke(ctx, id, "get_codap_datasets", nil)
	require.NoError(t, err)
	assert.Equal(t, second.Code, f.mailbox.requests()[0].Code)
}

func TestExpiredSessionUnpairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t)
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "c"})
	_, err := f.gw.Pair(ctx, id, sess.Code)
	require.NoError(t, err)

	f.clock.Step(2 * time.Hour)
	_, err = f.gw.Invoke(ctx, id, "get_codap_datasets", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.False(t, f.gw.Binding(id).Paired)
	assert.Len(t, f.gw.ListTools(id), 1)
}

func TestInvokeRejectsUnknownToolAndBadArgs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t)
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "c"})
	_, err := f.gw.Pair(ctx, id, sess.Code)
	require.NoError(t, err)

	_, err = f.gw.Invoke(ctx, id, "rm_rf", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.gw.Invoke(ctx, id, "get_codap_items", json.RawMessage(`{"dataContext":`))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Empty(t, f.mailbox.requests())
}

func TestReleaseForgetsIdentity(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t)
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "c"})
	_, err := f.gw.Pair(context.Background(), id, sess.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.Len())

	f.gw.Release(id)
	assert.Equal(t, 0, f.gw.Len())
	assert.False(t, f.gw.Binding(id).Paired)
}

func TestConcurrentPairingOfManyIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessions := []session.Session{f.session(t), f.session(t)}

	var wg sync.WaitGroup
	ids := make([]gateway.Identity, 40)
	for i := range ids {
		ids[i] = gateway.DeriveIdentity(gateway.Metadata{ConnectionID: string(rune('A' + i))})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.gw.Pair(ctx, ids[i], sessions[i%2].Code)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		assert.Equal(t, sessions[i%2].Code, f.gw.Binding(id).SessionCode)
	}
}

// End to end through a real mailbox with a worker that drains and answers.
func TestInvokeThroughMailbox(t *testing.T) {
	clk := clock.RealClock{}
	st := store.NewMemoryStore(clk)
	reg := sessionsvc.NewRegistry(st, sessionsvc.Options{})
	mb := mailbox.New(st, mailbox.Options{AwaitPollInterval: 5 * time.Millisecond})
	cat, err := catalog.Default()
	require.NoError(t, err)
	gw := gateway.New(reg, mb, cat, gateway.Options{InvokeTimeout: 2 * time.Second, Logger: testr.New(t)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := reg.Create(ctx, nil)
	require.NoError(t, err)

	go func() {
		wake, stop := mb.SubscribeRequests(sess.Code)
		defer stop()
		for {
			reqs, _ := mb.DrainRequests(ctx, sess.Code)
			for _, req := range reqs {
				resp := tool.Response{Code: sess.Code, ID: req.ID, Result: tool.Result{Content: []tool.ContentBlock{tool.TextBlock("ok:" + req.Tool)}}}
				_ = mb.PostResponse(ctx, sess, resp)
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: "e2e"})
	_, err = gw.Pair(ctx, id, sess.Code)
	require.NoError(t, err)

	result, err := gw.Invoke(ctx, id, "get_codap_components", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok:get_codap_components"}, result.Texts())
}
