// Package runtime assembles one conversation session from configuration and
// serves it until the context ends.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/api"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/capability"
	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/eventstore"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/reply"
	"github.com/loqalabs/loqa-voicechat/internal/router"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

const journalBuffer = 256

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	sessionID     string
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	replySvc   *reply.Service
	store      *eventstore.Store
	journal    *eventstore.Recorder
	controller *conversation.Controller
	router     *router.Service
	api        *api.Server
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// SessionID identifies the conversation this runtime hosts.
func (r *Runtime) SessionID() string { return r.sessionID }

// Start builds the session, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.sessionID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	r.api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("session_id", r.sessionID),
		slog.String("capture", r.cfg.Capture.Mode),
		slog.String("playback", r.cfg.Playback.Mode),
		slog.String("reply", r.cfg.Reply.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	personas, err := persona.LoadTable(r.cfg.Personas.File, r.cfg.Session.DefaultPersona)
	if err != nil {
		return fmt.Errorf("failed to load personas: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.journal, err = eventstore.NewRecorder(ctx, r.store, r.sessionID, string(personas.Fallback()), journalBuffer, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start journal: %w", err)
	}

	replyTimeout := time.Duration(r.cfg.Session.ReplyTimeoutMS) * time.Millisecond
	rec, err := newRecognizer(r.cfg.Capture, r.bus, r.registry, r.logger)
	if err != nil {
		return err
	}
	player, err := newPlayer(r.cfg.Playback, r.bus, r.registry, r.logger)
	if err != nil {
		return err
	}
	gen, err := newGenerator(r.cfg.Reply, r.bus, replyTimeout)
	if err != nil {
		return err
	}

	if r.cfg.Reply.Serve && r.bus != nil {
		r.replySvc = reply.NewService(ctx, r.cfg.Reply, r.bus, gen, replyTimeout, r.logger)
		if err := r.replySvc.Start(); err != nil {
			return fmt.Errorf("failed to start reply service: %w", err)
		}
		if err := r.registry.Advertise(capability.Capability{Name: protocol.CapabilityReply, Tier: "local"}); err != nil {
			r.logger.Warn("failed to advertise reply capability", slogError(err))
		}
	}

	r.controller = conversation.New(
		capture.NewAdapter(rec, capture.Options{SessionID: r.sessionID, Language: r.cfg.Session.Language}, r.logger),
		playback.NewAdapter(player, r.sessionID, r.logger),
		reply.NewClient(gen, personas, r.sessionID, r.cfg.Reply, r.logger),
		transcript.NewStore(),
		sessionOptions(r.cfg.Session, r.sessionID, personas, r.journal),
		r.logger,
	)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("conversation stopped", slogError(err))
		}
	}()

	if r.bus != nil {
		r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.controller, r.sessionID, personas.Fallback(), r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("failed to start router: %w", err)
		}
	}

	r.api = api.NewServer(r.controller, r.store, r.sessionID, r.logger)
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	return nil
}

func sessionOptions(cfg config.SessionConfig, sessionID string, personas *persona.Table, journal conversation.Journal) conversation.Options {
	grace := time.Duration(cfg.InterimGraceMS) * time.Millisecond
	if grace == 0 {
		grace = -1
	}
	return conversation.Options{
		SessionID:      sessionID,
		Personas:       personas,
		Persona:        persona.Default,
		Language:       cfg.Language,
		Debounce:       time.Duration(cfg.DebounceMS) * time.Millisecond,
		InterimGrace:   grace,
		ReplyTimeout:   time.Duration(cfg.ReplyTimeoutMS) * time.Millisecond,
		MaxPending:     cfg.MaxPending,
		ApologyText:    cfg.ApologyText,
		EmptyReplyText: cfg.EmptyReplyText,
		Journal:        journal,
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// shutdown stops listeners first, then the session, then the plumbing it
// depended on. It tolerates a partially built runtime.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	if r.api != nil {
		r.api.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.controller != nil {
		if err := r.controller.Close(); err != nil && !errors.Is(err, conversation.ErrClosed) {
			r.logger.Warn("conversation close error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.replySvc != nil {
		if err := r.registry.Withdraw(protocol.CapabilityReply); err != nil {
			r.logger.Warn("failed to withdraw reply capability", slogError(err))
		}
		r.replySvc.Close()
	}
	if r.journal != nil {
		r.journal.Close()
		if dropped := r.journal.Dropped(); dropped > 0 {
			r.logger.Warn("journal dropped events", slog.Int64("count", dropped))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.dependenciesHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) dependenciesHealthy() bool {
	if !r.embedded.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	if r.replySvc != nil && !r.replySvc.Healthy() {
		return false
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
