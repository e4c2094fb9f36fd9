package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/config"
	"github.com/zhouzirui/codap-relay/backend/internal/store"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessionclient"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "codap-relay",
		Short:        "Relay between MCP agents and CODAP browser sessions",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	root.PersistentFlags().String("store-backend", store.BackendMemory, "store backend: memory, redis or sqlite")
	root.PersistentFlags().String("store-redis-url", "", "redis URL for the redis backend")
	root.PersistentFlags().String("store-sqlite-path", "codap-relay.db", "database file for the sqlite backend")
	root.PersistentFlags().Bool("log-dev", false, "human-readable development logging")
	root.PersistentFlags().Int("log-level", 0, "log verbosity, higher is chattier")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		v := config.NewViper()
		if err := config.BindFlags(v, cmd.Flags()); err != nil {
			return nil, err
		}
		return config.Load(v, configFile)
	}

	root.AddCommand(serveCmd(load), stdioCmd(load), createSessionCmd(load))
	return root
}

type loader func(cmd *cobra.Command) (*config.Config, error)

func newLogger(cfg config.LogConfig) (logr.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	// logr V(n) maps onto zap level -n.
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-cfg.Level))
	z, err := zcfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

func openRelay(ctx context.Context, cfg *config.Config, log logr.Logger) (*relay, error) {
	clk := clock.RealClock{}
	st, err := store.Open(ctx, store.Options{
		Backend:    cfg.Store.Backend,
		RedisURL:   cfg.Store.RedisURL,
		SQLitePath: cfg.Store.SQLitePath,
		Clock:      clk,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	r, err := buildRelay(cfg, st, log, clk)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	r.runSweepers(ctx)
	return r, nil
}

func serveCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay HTTP API, worker streams and MCP over streamable HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			log, flush, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer flush()

			r, err := openRelay(cmd.Context(), cfg, log)
			if err != nil {
				log.Error(err, "startup failed")
				return err
			}
			defer r.shutdown()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           r.router(),
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			// Open streams never go idle on their own.
			srv.RegisterOnShutdown(r.transport.Connections().CloseAll)

			log.Info("codap relay listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend, "tools", r.catalog.Len())
			if err := runServer(cmd.Context(), srv); err != nil {
				log.Error(err, "server error")
				return err
			}
			log.Info("codap relay stopped")
			return nil
		},
	}
	cmd.Flags().String("server-addr", ":8080", "listen address")
	return cmd
}

func stdioCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Speak MCP over stdin/stdout against the shared store",
		Long: `Runs the capability gateway over stdio for agents that launch the relay
as a subprocess. Use a redis or sqlite store shared with a running "serve"
process so browser workers can reach the sessions this agent pairs with.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			log, flush, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer flush()

			r, err := openRelay(cmd.Context(), cfg, log)
			if err != nil {
				log.Error(err, "startup failed")
				return err
			}
			defer r.shutdown()
			if cfg.Store.Backend == store.BackendMemory {
				log.Info("stdio mode with the memory store only reaches sessions created by this process")
			}

			err = r.agent.ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func createSessionCmd(load loader) *cobra.Command {
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Create a session on a running relay and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			log, flush, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer flush()

			client, err := sessionclient.New(sessionclient.Config{
				BaseURL:        cfg.Client.BaseURL,
				MaxAttempts:    cfg.Client.MaxAttempts,
				BaseDelay:      cfg.Client.BaseDelay,
				RequestTimeout: cfg.Client.RequestTimeout,
				Logger:         log,
				OnRetry: func(attempt int, err error, delay time.Duration) {
					fmt.Fprintf(cmd.ErrOrStderr(), "attempt %d failed (%v), retrying in %s\n", attempt, err, delay)
				},
			})
			if err != nil {
				return err
			}
			sess, err := client.CreateSession(cmd.Context(), capabilities)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&capabilities, "capability", nil, "capability tag to declare, repeatable")
	flags.String("client-base-url", "http://localhost:8080/api", "relay API root")
	flags.Int("client-max-attempts", 3, "maximum creation attempts")
	return cmd
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
