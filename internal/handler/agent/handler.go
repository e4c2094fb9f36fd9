// Package agent exposes the capability gateway to LLM agents over MCP, both
// as streamable HTTP and over stdio.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/internal/service/catalog"
	"github.com/zhouzirui/codap-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

// Gateway is the per-identity capability gate.
type Gateway interface {
	ListTools(id gateway.Identity) []catalog.Tool
	Pair(ctx context.Context, id gateway.Identity, code string) (gateway.Binding, error)
	Invoke(ctx context.Context, id gateway.Identity, name string, args json.RawMessage) (tool.Result, error)
	Release(id gateway.Identity)
}

// Tools is the catalog registered on the MCP server.
type Tools interface {
	Tools() []catalog.Tool
}

type Options struct {
	Name    string
	Version string
	Logger  logr.Logger
}

type originKey struct{}

// Handler owns the MCP server and maps MCP sessions to gateway identities.
type Handler struct {
	gateway Gateway
	server  *server.MCPServer
	http    *server.StreamableHTTPServer
	log     logr.Logger

	// MCP session id -> identity, set on initialize.
	identities sync.Map
}

// New builds the MCP server. Every catalog tool is registered up front; the
// tool filter hides the ones an identity has not unlocked.
func New(gw Gateway, tools Tools, opts Options) *Handler {
	if opts.Name == "" {
		opts.Name = "codap-relay"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	h := &Handler{gateway: gw, log: opts.Logger.WithName("mcp")}

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(h.afterInitialize)
	hooks.AddOnUnregisterSession(h.onUnregister)

	h.server = server.NewMCPServer(opts.Name, opts.Version,
		server.WithToolCapabilities(true),
		server.WithToolFilter(h.filterTools),
		server.WithHooks(hooks),
		server.WithRecovery(),
	)

	pairing := gateway.PairingToolSpec()
	h.server.AddTool(mcp.NewToolWithRawSchema(pairing.Name, pairing.Description, pairing.RawSchema()), h.pair)
	for _, t := range tools.Tools() {
		h.server.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, t.RawSchema()), h.invoke)
	}

	h.http = server.NewStreamableHTTPServer(h.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return context.WithValue(ctx, originKey{}, r.Header.Get("Origin"))
		}),
	)
	return h
}

// Server returns the underlying MCP server.
func (h *Handler) Server() *server.MCPServer {
	return h.server
}

// RegisterRoutes mounts the streamable HTTP endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Handle("/mcp", h.http)
}

// ServeStdio speaks MCP over in/out until ctx ends.
func (h *Handler) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(h.server).Listen(ctx, in, out)
}

func (h *Handler) afterInitialize(ctx context.Context, _ any, msg *mcp.InitializeRequest, _ *mcp.InitializeResult) {
	sess := server.ClientSessionFromContext(ctx)
	if sess == nil {
		return
	}
	id := gateway.DeriveIdentity(gateway.Metadata{
		ConnectionID: sess.SessionID(),
		ClientName:   msg.Params.ClientInfo.Name,
		Origin:       originFrom(ctx),
	})
	h.identities.Store(sess.SessionID(), id)
	h.log.Info("agent connected", "client", msg.Params.ClientInfo.Name, "identity", id.Short())
}

func (h *Handler) onUnregister(_ context.Context, sess server.ClientSession) {
	if v, ok := h.identities.LoadAndDelete(sess.SessionID()); ok {
		id := v.(gateway.Identity)
		h.gateway.Release(id)
		h.log.Info("agent disconnected", "identity", id.Short())
	}
}

// identity resolves the caller. Connections that skipped initialize get an
// identity from what the transport alone knows.
func (h *Handler) identity(ctx context.Context) gateway.Identity {
	sess := server.ClientSessionFromContext(ctx)
	if sess == nil {
		return gateway.DeriveIdentity(gateway.Metadata{Origin: originFrom(ctx)})
	}
	if v, ok := h.identities.Load(sess.SessionID()); ok {
		return v.(gateway.Identity)
	}
	id := gateway.DeriveIdentity(gateway.Metadata{ConnectionID: sess.SessionID(), Origin: originFrom(ctx)})
	v, _ := h.identities.LoadOrStore(sess.SessionID(), id)
	return v.(gateway.Identity)
}

func (h *Handler) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	allowed := make(map[string]struct{})
	for _, t := range h.gateway.ListTools(h.identity(ctx)) {
		allowed[t.Name] = struct{}{}
	}
	out := make([]mcp.Tool, 0, len(allowed))
	for _, t := range tools {
		if _, ok := allowed[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) pair(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, _ := req.GetArguments()["code"].(string)
	code = strings.TrimSpace(code)

	binding, err := h.gateway.Pair(ctx, h.identity(ctx), code)
	if err != nil {
		return errorResult(err), nil
	}
	if err := h.server.SendNotificationToClient(ctx, mcp.MethodNotificationToolsListChanged, nil); err != nil {
		h.log.V(1).Info("tools/list_changed not delivered", "err", err.Error())
	}
	return mcp.NewToolResultText(fmt.Sprintf("Paired with CODAP session %s. CODAP tools are now available.", binding.SessionCode)), nil
}

func (h *Handler) invoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args json.RawMessage
	if req.Params.Arguments != nil {
		raw, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError("arguments are not valid JSON"), nil
		}
		args = raw
	}

	result, err := h.gateway.Invoke(ctx, h.identity(ctx), req.Params.Name, args)
	if err != nil {
		return errorResult(err), nil
	}
	return toCallResult(result), nil
}

func toCallResult(r tool.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: r.IsError}
	for _, block := range r.Content {
		switch block.Type {
		case tool.ContentText:
			if block.Text != nil {
				out.Content = append(out.Content, mcp.NewTextContent(*block.Text))
			}
		case tool.ContentImage:
			if block.Data != nil && block.MimeType != nil {
				out.Content = append(out.Content, mcp.NewImageContent(*block.Data, *block.MimeType))
			}
		}
	}
	if len(out.Content) == 0 {
		out.Content = []mcp.Content{mcp.NewTextContent("")}
	}
	return out
}

func errorResult(err error) *mcp.CallToolResult {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if e, ok := apperr.As(err); ok {
		msg = e.Message
		for _, f := range e.Fields {
			msg += fmt.Sprintf("; %s %s", f.Field, f.Message)
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", kind, msg))
}

func originFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
