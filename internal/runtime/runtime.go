package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/agent"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	bus        *bus.Client
	registry   *capability.Registry
	ready      atomic.Bool
	addr       atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the address the HTTP server listens on, once started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start brings up every component, serves HTTP until ctx is cancelled, and
// tears everything down again. Startup failures, including a missing voice
// model, are returned before anything is served.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	var publisher gateway.Publisher
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.EnsureStream(); err != nil {
			r.logger.Warn("jetstream unavailable, publishing without retention", slog.String("error", err.Error()))
		}
		r.bus = client
		publisher = client
	}

	engine, err := tts.Load(ctx, r.cfg.TTS, r.logger)
	if err != nil {
		return err
	}
	if r.bus != nil {
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Describe(r.cfg, engine.Accelerated()), r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		defer registry.Close()
		r.registry = registry
	}

	backend, err := agent.New(r.cfg.Agent, r.logger)
	if err != nil {
		return err
	}
	recognizer, err := stt.New(r.cfg.STT, r.logger)
	if err != nil {
		return err
	}
	transcriber := stt.NewService(r.cfg.STT, recognizer, r.logger)

	pipe, err := pipeline.New(backend, engine, engine.Format(), transcriber, r.logger)
	if err != nil {
		return err
	}
	gw, err := gateway.New(gateway.Options{
		Config:        r.cfg.Gateway,
		AgentEndpoint: r.cfg.Agent.Endpoint,
		Sessions:      backend,
		Conversation:  pipe,
		Recorder:      store,
		Publisher:     publisher,
		Logger:        r.logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /nodes", r.handleNodes)
	if tel.metrics != nil {
		mux.Handle("GET /metrics", tel.metrics)
	}
	gw.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           gateway.LogRequests(r.logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.addr.Store(listener.Addr().String())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := store.Prune(gctx); err != nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	})
	group.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("agent", r.cfg.Agent.Mode),
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.Bool("tts_accelerated", engine.Accelerated()))

	return group.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.registry != nil {
		nodes = append(nodes, r.registry.Query(nil)...)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}
