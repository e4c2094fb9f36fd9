package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/zhouzirui/codap-relay/backend/internal/handler/agent"
	"github.com/zhouzirui/codap-relay/backend/internal/handler/request"
	"github.com/zhouzirui/codap-relay/backend/internal/handler/session"
	"github.com/zhouzirui/codap-relay/backend/internal/handler/stream"
	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/codap-relay/backend/internal/middleware"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/utils"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the router mounts. Agent may be nil when MCP is
// served elsewhere.
type Deps struct {
	Sessions    *session.Handler
	Requests    *request.Handler
	Streams     *stream.Handler
	Agent       *agent.Handler
	Metrics     *metrics.Metrics
	Store       Pinger
	CORSOrigins []string
	Logger      logr.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(d.CORSOrigins))

	r.Route("/api", func(api chi.Router) {
		d.Sessions.RegisterRoutes(api)
		d.Requests.RegisterRoutes(api)
		d.Streams.RegisterRoutes(api)
	})

	if d.Agent != nil {
		d.Agent.RegisterRoutes(r)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	r.Get("/healthz", healthHandler(d.Store, d.Logger))

	return r
}

func healthHandler(store Pinger, log logr.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				utils.RespondAppError(w, log, apperr.New(apperr.KindServiceUnavailable, "store unreachable", err))
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
