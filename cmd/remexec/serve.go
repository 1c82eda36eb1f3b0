package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/executor"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/report"
	"github.com/andrej220/remexec/internal/serverutil"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/andrej220/remexec/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"
)

var addrFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept actions over HTTP",
	Long: "Serve exposes POST /actions. Each request runs one action against the configured " +
		"targets, or the targets it names, and answers with the JSON report. The configuration " +
		"is reloaded when its source changes.",
	Args: cobra.NoArgs,
	RunE: serveAction,
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address, overrides server.addr")
	rootCmd.AddCommand(serveCmd)
}

type actionRequest struct {
	Action  string   `json:"action" validate:"required"`
	Targets []string `json:"targets,omitempty" validate:"omitempty,dive,required"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// server holds the current setup. Actions pin the setup they started with,
// so a reload never pulls an executor out from under a running action.
type server struct {
	current atomic.Pointer[setup]
	sem     *semaphore.Weighted
	sink    transcript.Sink
	logger  lg.Logger
}

func newServer(s *setup, maxConcurrent int64, sink transcript.Sink, logger lg.Logger) *server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	srv := &server{sem: semaphore.NewWeighted(maxConcurrent), sink: sink, logger: logger}
	srv.current.Store(s)
	return srv
}

func (srv *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/actions", serverutil.NewValidationHandler[actionRequest](http.HandlerFunc(srv.handleAction), nil))
	mux.HandleFunc("/healthz", srv.handleHealth)
	return mux
}

func (srv *server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.Header().Set("Allow", http.MethodGet)
		serverutil.WriteError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, healthResponse{Status: "ok", Version: version})
}

func (srv *server) handleAction(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := serverutil.RequestFromContext[actionRequest](ctx)
	if !ok {
		serverutil.WriteError(rw, http.StatusInternalServerError, "request missing from context")
		return
	}

	if err := srv.sem.Acquire(ctx, 1); err != nil {
		serverutil.WriteError(rw, http.StatusServiceUnavailable, "cancelled while waiting for a free slot")
		return
	}
	defer srv.sem.Release(1)

	s := srv.pin()
	if s == nil {
		serverutil.WriteError(rw, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer s.release()

	targets, err := s.resolve(req.Targets)
	if err != nil {
		serverutil.WriteError(rw, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out, err := s.exec.Execute(ctx, targets, req.Action)
	switch {
	case errors.Is(err, executor.ErrNoTargets):
		serverutil.WriteError(rw, http.StatusUnprocessableEntity, err.Error())
	case out == nil:
		serverutil.WriteError(rw, http.StatusInternalServerError, err.Error())
	case err != nil:
		srv.logger.Warn("Action failed",
			lg.String("action_id", out.ID.String()),
			lg.String("kind", execerr.KindOf(err).String()))
		serverutil.WriteJSON(rw, http.StatusBadGateway, report.FromOutcome(out, err))
	default:
		serverutil.WriteJSON(rw, http.StatusOK, report.FromOutcome(out, nil))
	}
}

// pin returns the current setup with a reference held, or nil after close.
func (srv *server) pin() *setup {
	for {
		s := srv.current.Load()
		if s == nil || s.acquire() {
			return s
		}
	}
}

// swap installs next and retires the previous setup.
func (srv *server) swap(next *setup) {
	if prev := srv.current.Swap(next); prev != nil {
		prev.retire()
	}
}

// reload rebuilds the setup from store. A configuration that fails to load
// or build is logged and the running setup is kept.
func (srv *server) reload(ctx context.Context, store config.Store) {
	cfg, err := config.Load(ctx, store)
	if err != nil {
		srv.logger.Error("Configuration reload rejected", lg.Err(err))
		return
	}
	next, err := build(cfg, srv.sink, srv.logger)
	if err != nil {
		srv.logger.Error("Configuration reload rejected", lg.Err(err))
		return
	}
	srv.swap(next)
	srv.logger.Info("Configuration reloaded", lg.String("executor", cfg.Executor))
}

func (srv *server) close() {
	if s := srv.current.Swap(nil); s != nil {
		s.retire()
	}
}

func serveAction(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, bootstrapLogger())
	if err != nil {
		return err
	}
	defer closeStore(context.WithoutCancel(ctx), store)

	cfg, logger, err := loadConfig(ctx, store)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}

	sink := transcript.NewLoggerSink(logger)
	s, err := build(cfg, sink, logger)
	if err != nil {
		return err
	}
	srv := newServer(s, cfg.Server.MaxConcurrent, sink, logger)
	defer srv.close()

	if store != nil {
		go func() {
			err := store.Watch(ctx, func() { srv.reload(ctx, store) })
			if err != nil && ctx.Err() == nil {
				logger.Error("Configuration watch stopped", lg.Err(err))
			}
		}()
	}

	sc := serverutil.DefaultServerConfig()
	sc.Addr = cfg.Server.Addr
	sc.ShutdownTimeout = cfg.Server.ShutdownTimeout
	return serverutil.RunServer(ctx, srv.handler(), sc, logger, nil)
}
