package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-cast/internal/api"
	"github.com/loqalabs/loqa-cast/internal/audio"
	"github.com/loqalabs/loqa-cast/internal/bus"
	"github.com/loqalabs/loqa-cast/internal/config"
	"github.com/loqalabs/loqa-cast/internal/danmaku"
	"github.com/loqalabs/loqa-cast/internal/delivery"
	"github.com/loqalabs/loqa-cast/internal/eventstore"
	"github.com/loqalabs/loqa-cast/internal/natsserver"
	"github.com/loqalabs/loqa-cast/internal/pipeline"
	"github.com/loqalabs/loqa-cast/internal/protocol"
	"github.com/loqalabs/loqa-cast/internal/scheduler"
	"github.com/loqalabs/loqa-cast/internal/tts"
	"github.com/loqalabs/loqa-cast/internal/voice"
)

const (
	eventStreamName = "LOQACAST_EVENTS"
	eventStreamAge  = 24 * time.Hour
	pruneInterval   = time.Hour
)

type healthCheck struct {
	name    string
	healthy func() bool
}

type Runtime struct {
	cfg        config.Config
	version    string
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	mu     sync.Mutex
	addr   string
	checks []healthCheck
	// closers run in reverse order on shutdown.
	closers []func()
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Addr is the address the HTTP server is listening on, once started.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *Runtime) onClose(fn func()) { r.closers = append(r.closers, fn) }

func (r *Runtime) check(name string, healthy func() bool) {
	r.checks = append(r.checks, healthCheck{name: name, healthy: healthy})
}

// Start wires every component, serves HTTP and blocks until ctx ends.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := shutdownTelemetry(flushCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()
	defer func() {
		cancel()
		r.closeAll()
	}()

	deps, err := r.build(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.New(deps, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.mu.Unlock()

	// Request contexts derive from ctx so open playback streams end on
	// shutdown instead of holding it up.
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("version", r.version),
		slog.String("engine_mode", r.cfg.Engine.Mode),
		slog.Int("voices", len(r.cfg.Voices)))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	timeout := time.Duration(r.cfg.HTTP.ShutdownTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	return nil
}

// build starts the components in dependency order. Each one registers its
// own shutdown so a failure part way unwinds what was already started.
func (r *Runtime) build(ctx context.Context) (api.Deps, error) {
	cfg := r.cfg
	log := r.logger

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if busCfg.Embedded {
			ns, err := natsserver.Start(busCfg, log)
			if err != nil {
				return api.Deps{}, fmt.Errorf("failed to start embedded nats: %w", err)
			}
			r.onClose(ns.Shutdown)
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, log)
		if err != nil {
			return api.Deps{}, fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.onClose(client.Close)
		r.check("bus", client.Healthy)
		busClient = client
		subjects := []string{protocol.SubjectClipPrefix + ".>", "danmaku.>"}
		if err := busClient.EnsureStream(eventStreamName, subjects, eventStreamAge); err != nil {
			log.Warn("event stream unavailable; events are published without persistence", slogError(err))
		}
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return api.Deps{}, fmt.Errorf("failed to open event store: %w", err)
	}
	r.onClose(func() {
		if err := store.Close(); err != nil {
			log.Warn("event store close error", slogError(err))
		}
	})
	r.check("event_store", store.Healthy)
	if err := store.Prune(ctx); err != nil {
		log.Warn("event store prune failed", slogError(err))
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, pruneInterval)
	}()

	voices := voice.NewRegistry(audio.DecodeWAVFile, log)
	for _, vc := range cfg.Voices {
		if err := voices.Register(voice.ProfileFromConfig(vc)); err != nil {
			return api.Deps{}, fmt.Errorf("failed to register voice %q: %w", vc.ID, err)
		}
	}

	capability, err := newCapability(cfg.Engine)
	if err != nil {
		return api.Deps{}, err
	}
	adapter := tts.NewAdapter(capability, tts.AdapterConfig{
		OutputSampleRate:   cfg.Engine.OutputSampleRate,
		SupportedLanguages: cfg.Engine.SupportedLanguages,
		Device:             cfg.Engine.Device,
		Precision:          cfg.Engine.Precision,
		Compile:            cfg.Engine.Compile,
	}, log)
	pipe := pipeline.New(cfg.Engine, voices, adapter, store, busClient, log)

	if errs := voices.Preload(ctx, pipe.ReferenceParams(0)); len(errs) > 0 {
		log.Warn("some voices failed to preload", slog.Int("failed", len(errs)))
	}

	sched := scheduler.New[pipeline.Clip](ctx, cfg.Scheduler, pipe, voices, log)
	if err := sched.Start(); err != nil {
		return api.Deps{}, fmt.Errorf("failed to start scheduler: %w", err)
	}
	r.onClose(sched.Close)
	r.check("scheduler", sched.Healthy)

	bridge := pipeline.NewBridge(ctx, sched, busClient, cfg.DefaultVoice, log)
	if err := bridge.Start(); err != nil {
		return api.Deps{}, fmt.Errorf("failed to start bus bridge: %w", err)
	}
	r.onClose(bridge.Close)
	r.check("bus_bridge", bridge.Healthy)

	hub := delivery.NewHub(cfg.Delivery, log)

	deps := api.Deps{
		Scheduler:      sched,
		Voices:         voices,
		DefaultVoice:   cfg.DefaultVoice,
		Hub:            hub,
		Store:          store,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	}

	if cfg.Danmaku.Enabled {
		gatewayCfg, err := config.LoadGateway(cfg.Danmaku.GatewayFile)
		if err != nil {
			return api.Deps{}, err
		}
		connectors := map[string]danmaku.Connector{}
		if cfg.Danmaku.Twitch.Enabled {
			connectors[danmaku.PlatformTwitch] = danmaku.NewTwitchWatcher(cfg.Danmaku.Twitch, log)
		}
		gateway := danmaku.New(gatewayCfg, danmaku.Deps{
			Scheduler:    sched,
			Hub:          hub,
			Voices:       voices,
			DefaultVoice: cfg.DefaultVoice,
			Connectors:   connectors,
			Store:        store,
			Bus:          busClient,
		}, log)
		if err := gateway.Start(ctx); err != nil {
			return api.Deps{}, fmt.Errorf("failed to start danmaku gateway: %w", err)
		}
		r.onClose(gateway.Close)
		r.check("danmaku", gateway.Healthy)
		deps.Gateway = gateway
	}
	return deps, nil
}

func newCapability(cfg config.EngineConfig) (tts.Capability, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "stub":
		return tts.NewStub(cfg.OutputSampleRate), nil
	case "exec":
		capability, err := tts.NewExecCapability(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to configure engine command: %w", err)
		}
		return capability, nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var failing []string
	for _, c := range r.checks {
		if !c.healthy() {
			failing = append(failing, c.name)
		}
	}
	if len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy: " + strings.Join(failing, ",")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
