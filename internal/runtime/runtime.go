package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openscribe/scribe-core/internal/bus"
	"github.com/openscribe/scribe-core/internal/command"
	"github.com/openscribe/scribe-core/internal/command/macros"
	"github.com/openscribe/scribe-core/internal/config"
	"github.com/openscribe/scribe-core/internal/devices"
	"github.com/openscribe/scribe-core/internal/feedback"
	"github.com/openscribe/scribe-core/internal/natsserver"
	"github.com/openscribe/scribe-core/internal/notestore"
	"github.com/openscribe/scribe-core/internal/relay"
	"github.com/openscribe/scribe-core/internal/segment"
	"github.com/openscribe/scribe-core/internal/session"
)

// Runtime hosts the full pipeline in one process: embedded bus, relay,
// segmenter, dispatcher, session engine, note store, and the HTTP surface
// the capture clients dial.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	bus    *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()
	r.bus = busClient

	store, err := notestore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open note store: %w", err)
	}
	defer store.Close()

	recorder := notestore.NewRecorder(ctx, store, busClient, r.logger)
	if err := recorder.Start(); err != nil {
		return fmt.Errorf("failed to start note recorder: %w", err)
	}
	defer recorder.Close()

	var macroLib session.MacroSource
	if r.cfg.Macros.Enabled {
		lib, err := macros.Load(r.cfg.Macros.Directory)
		if err != nil {
			r.logger.Warn("macro library unavailable",
				slog.String("directory", r.cfg.Macros.Directory),
				slog.String("error", err.Error()))
		} else {
			macroLib = lib
			r.logger.Info("macro library loaded", slog.Int("macros", lib.Len()))
		}
	}

	manager := session.NewManager(ctx, r.cfg.Session, busClient, r.logger, macroLib)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	defer manager.Close()

	dispatcher := command.NewService(ctx, r.cfg.Parser, manager, busClient, r.logger)
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer dispatcher.Close()

	segmenter := segment.NewService(ctx, r.cfg.Segmenter, busClient, r.logger)
	if err := segmenter.Start(); err != nil {
		return fmt.Errorf("failed to start segmenter: %w", err)
	}
	defer segmenter.Close()

	relayService := relay.NewService(ctx, r.cfg.Relay, busClient, r.logger)
	defer relayService.Close()

	registry, err := devices.NewRegistry(ctx, r.cfg.Devices, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start device registry: %w", err)
	}
	defer registry.Close()

	feedbackService := feedback.NewService(ctx, r.cfg.Feedback, busClient, r.logger)
	if err := feedbackService.Start(); err != nil {
		return fmt.Errorf("failed to start feedback service: %w", err)
	}
	defer feedbackService.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/stream", relayService.HandleStream)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = group.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if telemetryErr := shutdownTelemetry(shutdownCtx); telemetryErr != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", telemetryErr.Error()))
	}

	return err
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus != nil && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
