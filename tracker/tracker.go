// Package tracker wires the runwire subsystems into one facade: a
// durable store, the workflow engine, the live bus, the stream hub,
// the step runner, and optionally the TCP streaming endpoint.
//
// Applications that want the pieces individually can construct them
// directly; the tracker exists so the common case is one constructor,
// one Start, one Stop.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/engine"
	"github.com/Boykai/runwire/event"
	"github.com/Boykai/runwire/observability"
	"github.com/Boykai/runwire/runner"
	"github.com/Boykai/runwire/store"
	"github.com/Boykai/runwire/store/memory"
	"github.com/Boykai/runwire/stream"
	"github.com/Boykai/runwire/wire"
)

// Tracker owns the assembled subsystems and their lifecycle.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store    store.Store
	bus      *event.Bus
	hub      *stream.Hub
	engine   *engine.Engine
	registry *runner.Registry
	runner   *runner.Runner
	server   *wire.Server

	mu      sync.Mutex
	started bool
	stopped bool
	serveCh chan error
}

// Option configures a Tracker during construction.
type Option func(*Tracker) error

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(t *Tracker) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		t.cfg = cfg.withDefaults()
		return nil
	}
}

// WithStore sets the persistence backend. Defaults to the in-memory
// store, which is for tests and development only.
func WithStore(st store.Store) Option {
	return func(t *Tracker) error {
		if st == nil {
			return errors.New("tracker: store must not be nil")
		}
		t.store = st
		return nil
	}
}

// WithLogger sets the structured logger shared by every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) error {
		if logger == nil {
			return errors.New("tracker: logger must not be nil")
		}
		t.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics recorder shared by every subsystem.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) error {
		t.metrics = m
		return nil
	}
}

// New assembles a Tracker. The subsystems are constructed immediately;
// nothing touches the network or the store until Start.
func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.store == nil {
		t.store = memory.New()
	}
	if t.metrics == nil {
		t.metrics = observability.NewMetrics()
	}

	t.bus = event.NewBus(
		event.WithBufferSize(t.cfg.BusBufferSize),
		event.WithLogger(t.logger),
	)
	t.engine = engine.New(t.store, t.bus,
		engine.WithLogger(t.logger),
		engine.WithMetrics(t.metrics),
	)
	t.hub = stream.NewHub(t.store, t.bus,
		stream.WithBufferSize(t.cfg.ObserverBufferSize),
		stream.WithLogger(t.logger),
		stream.WithMetrics(t.metrics),
	)
	t.registry = runner.NewRegistry()
	t.runner = runner.New(t.engine, t.registry,
		runner.WithLogger(t.logger),
		runner.WithConcurrency(t.cfg.RunnerConcurrency),
		runner.WithStepTimeout(t.cfg.StepTimeout),
	)
	if t.cfg.ListenAddr != "" {
		t.server = wire.NewServer(t.hub,
			wire.WithServerCodec(wire.GetCodec(t.cfg.StreamFormat)),
			wire.WithServerLogger(t.logger),
		)
	}
	return t, nil
}

// Start migrates and pings the store, then brings up the streaming
// endpoint if one is configured. It returns once the tracker is ready
// to accept work.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("tracker: already started")
	}
	t.started = true
	t.mu.Unlock()

	if err := t.store.Migrate(ctx); err != nil {
		return fmt.Errorf("tracker: migrate store: %w", err)
	}
	if err := t.store.Ping(ctx); err != nil {
		return fmt.Errorf("tracker: ping store: %w", err)
	}

	if t.server != nil {
		t.serveCh = make(chan error, 1)
		go func() {
			t.serveCh <- t.server.ListenAndServe(t.cfg.ListenAddr)
		}()
	}

	t.logger.Info("tracker started",
		slog.String("listen_addr", t.cfg.ListenAddr),
		slog.String("stream_format", t.cfg.StreamFormat),
	)
	return nil
}

// Stop shuts everything down in dependency order: endpoint, hub, bus,
// store. Safe to call once; later calls are no-ops.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	var errs []error
	if t.server != nil {
		if err := t.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close server: %w", err))
		}
		if t.serveCh != nil {
			select {
			case err := <-t.serveCh:
				// ErrObserverClosed means Close beat the serve goroutine
				// to the listener, which is still a clean shutdown.
				if err != nil && !errors.Is(err, runwire.ErrObserverClosed) {
					errs = append(errs, fmt.Errorf("serve: %w", err))
				}
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
		}
	}
	t.hub.Close()
	t.bus.Close()
	if err := t.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	t.logger.Info("tracker stopped")
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Logger returns the shared logger.
func (t *Tracker) Logger() *slog.Logger { return t.logger }

// Store returns the persistence backend.
func (t *Tracker) Store() store.Store { return t.store }

// Bus returns the live event bus.
func (t *Tracker) Bus() *event.Bus { return t.bus }

// Hub returns the stream hub for in-process observers.
func (t *Tracker) Hub() *stream.Hub { return t.hub }

// Engine returns the workflow engine.
func (t *Tracker) Engine() *engine.Engine { return t.engine }

// Registry returns the step handler registry.
func (t *Tracker) Registry() *runner.Registry { return t.registry }

// Runner returns the embedded step runner.
func (t *Tracker) Runner() *runner.Runner { return t.runner }

// Server returns the streaming endpoint, or nil when ListenAddr is
// unset.
func (t *Tracker) Server() *wire.Server { return t.server }
