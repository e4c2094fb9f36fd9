package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/config"
	"github.com/zhouzirui/codap-relay/backend/internal/handler"
	"github.com/zhouzirui/codap-relay/backend/internal/handler/agent"
	requestHandler "github.com/zhouzirui/codap-relay/backend/internal/handler/request"
	sessionHandler "github.com/zhouzirui/codap-relay/backend/internal/handler/session"
	streamHandler "github.com/zhouzirui/codap-relay/backend/internal/handler/stream"
	"github.com/zhouzirui/codap-relay/backend/internal/metrics"
	"github.com/zhouzirui/codap-relay/backend/internal/middleware"
	"github.com/zhouzirui/codap-relay/backend/internal/service/catalog"
	"github.com/zhouzirui/codap-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/codap-relay/backend/internal/service/mailbox"
	"github.com/zhouzirui/codap-relay/backend/internal/service/session"
	"github.com/zhouzirui/codap-relay/backend/internal/service/stream"
	"github.com/zhouzirui/codap-relay/backend/internal/store"
)

// relay is the assembled service graph shared by the serve and stdio commands.
type relay struct {
	cfg       *config.Config
	log       logr.Logger
	clock     clock.WithTicker
	store     store.Store
	metrics   *metrics.Metrics
	registry  *session.Registry
	mailbox   *mailbox.Mailbox
	catalog   *catalog.Catalog
	transport *stream.Transport
	gateway   *gateway.Gateway
	agent     *agent.Handler
}

type sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

func buildRelay(cfg *config.Config, st store.Store, log logr.Logger, clk clock.WithTicker) (*relay, error) {
	cat, err := catalog.Default(gateway.PairingTool)
	if err != nil {
		return nil, err
	}
	m := metrics.New(prometheus.NewRegistry())
	prefix := cfg.Store.KeyPrefix

	reg := session.NewRegistry(st, session.Options{
		TTL:         cfg.Session.TTL,
		MaxAttempts: cfg.Session.MaxCodeAttempts,
		KeyPrefix:   prefix,
		Clock:       clk,
		Logger:      log,
		Metrics:     m,
	})
	mb := mailbox.New(st, mailbox.Options{
		KeyPrefix:         prefix,
		AwaitPollInterval: cfg.Mailbox.AwaitPollInterval,
		DrainBatch:        cfg.Mailbox.DrainBatch,
		Clock:             clk,
		Logger:            log,
		Metrics:           m,
	})
	transport := stream.NewTransport(reg, mb, stream.Options{
		Config: stream.Config{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			PollInterval:      cfg.Stream.PollInterval,
			MaxLifetime:       cfg.Stream.MaxLifetime,
		},
		Clock:   clk,
		Logger:  log,
		Metrics: m,
	})
	gw := gateway.New(reg, mb, cat, gateway.Options{
		InvokeTimeout: cfg.Gateway.InvokeTimeout,
		Clock:         clk,
		Logger:        log,
		Metrics:       m,
	})
	ag := agent.New(gw, cat, agent.Options{
		Name:    cfg.Gateway.Name,
		Version: cfg.Gateway.Version,
		Logger:  log,
	})

	return &relay{
		cfg:       cfg,
		log:       log,
		clock:     clk,
		store:     st,
		metrics:   m,
		registry:  reg,
		mailbox:   mb,
		catalog:   cat,
		transport: transport,
		gateway:   gw,
		agent:     ag,
	}, nil
}

// runSweepers expires entries for backends without native TTLs.
func (r *relay) runSweepers(ctx context.Context) {
	if s, ok := r.store.(sweeper); ok {
		go s.Run(ctx, r.cfg.Store.SweepInterval)
	}
}

func (r *relay) router() http.Handler {
	limiter := middleware.NewIPRateLimiter(r.cfg.Session.CreateRatePerMinute, r.cfg.Session.CreateBurst, r.clock, r.log, r.metrics)
	return handler.NewRouter(handler.Deps{
		Sessions: sessionHandler.New(r.registry, r.catalog, sessionHandler.Options{
			Clock:         r.clock,
			Logger:        r.log,
			CreateLimiter: limiter.Handler,
		}),
		Requests: requestHandler.New(r.registry, r.mailbox, requestHandler.Options{
			MaxWait: r.cfg.Mailbox.ResponseTimeout,
			Logger:  r.log,
		}),
		Streams:     streamHandler.New(r.transport, r.registry, r.mailbox, streamHandler.Options{Logger: r.log}),
		Agent:       r.agent,
		Metrics:     r.metrics,
		Store:       r.store,
		CORSOrigins: r.cfg.Server.CORSOrigins,
		Logger:      r.log,
	})
}

// shutdown closes any stream still open with a terminal event, then the store.
func (r *relay) shutdown() {
	r.transport.Connections().CloseAll()
	if err := r.store.Close(); err != nil {
		r.log.Error(err, "close store")
	}
}
