// Package app drives the cluster-runtime lifecycle: a module list taken
// through setup/init/reload/tick/stop/cleanup, command and option
// dispatch registries, forward-message event slots, and the endpoint
// waker queue that retries buffered outbound messages as connections
// become ready.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atrun-project/atrun"
	"github.com/atrun-project/atrun/bus"
	"github.com/atrun-project/atrun/discovery"
	"github.com/atrun-project/atrun/endpoint"
	"github.com/atrun-project/atrun/registry"
	"github.com/atrun-project/atrun/worker"
	"golang.org/x/sync/errgroup"
)

// Config configures an App's lifecycle timing.
type Config struct {
	// InitTimeout bounds each module's Init call unless the module
	// requests a longer one via InitTimeoutRequester.
	InitTimeout time.Duration
	// StopTimeout bounds the coordinated shutdown of modules, the
	// registry client, and the worker pool.
	StopTimeout time.Duration
	// MaxEventsPerRun bounds how many waker retries RunNoBlock processes
	// before returning, so one call can't run unbounded.
	MaxEventsPerRun int
	// EndpointRetryBatchSize bounds how many buffered messages a single
	// endpoint may send per Tick/RunNoBlock retry, so one endpoint with a
	// deep backlog can't starve the others sharing the same tick.
	EndpointRetryBatchSize int
}

// Option configures optional App dependencies.
type Option func(*App)

// WithLogger sets the app's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegistry attaches the registry session this app ticks alongside
// its modules.
func WithRegistry(client *registry.Client) Option {
	return func(a *App) { a.registry = client }
}

// WithWorkerPool attaches the worker pool this app ticks alongside its
// modules.
func WithWorkerPool(pool *worker.Pool) Option {
	return func(a *App) { a.pool = pool }
}

// App is the cluster-runtime lifecycle driver.
type App struct {
	cfg    Config
	logger *slog.Logger

	registry *registry.Client
	pool     *worker.Pool

	mu      sync.Mutex
	modules []Module

	commands *handlerRegistry
	options  *handlerRegistry
	wakers   *wakerQueue

	endpointsMu sync.Mutex
	endpoints   map[uint64]*endpoint.Endpoint
	handles     *endpoint.Registry

	initialized atomic.Bool
	running     atomic.Bool
	stopping    atomic.Bool
	timedOut    atomic.Bool
	closed      atomic.Bool

	eventsMu           sync.Mutex
	onForwardRequest   []func(sender bus.Sender, msgType int32, sequence uint64, payload []byte, meta *discovery.Metadata)
	onForwardResponse  []func(sender bus.Sender, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata)
	onAppConnected     []func(node *discovery.Node)
	onAppDisconnected  []func(node *discovery.Node)
	onAllModuleInited  []func()
}

// New constructs an App. Modules are added with AddModule before Init.
func New(cfg Config, opts ...Option) *App {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.MaxEventsPerRun <= 0 {
		cfg.MaxEventsPerRun = 256
	}
	if cfg.EndpointRetryBatchSize <= 0 {
		cfg.EndpointRetryBatchSize = 64
	}
	a := &App{
		cfg:       cfg,
		logger:    slog.Default(),
		commands:  newHandlerRegistry(),
		options:   newHandlerRegistry(),
		wakers:    newWakerQueue(),
		endpoints: make(map[uint64]*endpoint.Endpoint),
		handles:   endpoint.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.commands.logger = a.logger
	a.options.logger = a.logger
	return a
}

// AddModule registers m. Setup/Init run in registration order; Stop
// calls run concurrently, and Cleanup runs in reverse order.
func (a *App) AddModule(m Module) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modules = append(a.modules, m)
}

// IsInitialized, IsRunning, IsStopping, IsTimeout, and IsClosed report
// the current lifecycle flags.
func (a *App) IsInitialized() bool { return a.initialized.Load() }
func (a *App) IsRunning() bool     { return a.running.Load() }
func (a *App) IsStopping() bool    { return a.stopping.Load() }
func (a *App) IsTimeout() bool     { return a.timedOut.Load() }
func (a *App) IsClosed() bool      { return a.closed.Load() }

// Init runs Setup then Init on every module in registration order. A
// module implementing InitTimeoutRequester can ask for a longer Init
// deadline than cfg.InitTimeout; if that deadline passes before Init
// returns, the app's timeout flag is set and Init reports an
// operation-timeout error.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	modules := append([]Module(nil), a.modules...)
	a.mu.Unlock()

	for _, m := range modules {
		if err := m.Setup(ctx, a.cfg); err != nil {
			return atrun.NewParamsError("app.App.Init", err)
		}
	}

	for _, m := range modules {
		deadline := a.cfg.InitTimeout
		if r, ok := m.(InitTimeoutRequester); ok {
			if t, ok := r.InitTimeout(); ok && t > 0 {
				deadline = time.Duration(t)
			}
		}
		if err := a.initModule(ctx, m, deadline); err != nil {
			if errors.Is(err, atrun.ErrOperationTimeout) {
				a.timedOut.Store(true)
			}
			return err
		}
	}

	a.initialized.Store(true)
	a.fireAllModuleInited()
	return nil
}

func (a *App) initModule(ctx context.Context, m Module, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Init(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return atrun.NewParamsError("app.App.Init", err)
		}
		return nil
	case <-ctx.Done():
		return atrun.NewOperationTimeoutError("app.App.Init", ctx.Err())
	}
}

func (a *App) fireAllModuleInited() {
	a.eventsMu.Lock()
	listeners := make([]func(), len(a.onAllModuleInited))
	copy(listeners, a.onAllModuleInited)
	a.eventsMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Reload runs Reload on every module in registration order.
func (a *App) Reload(ctx context.Context) error {
	a.mu.Lock()
	modules := append([]Module(nil), a.modules...)
	a.mu.Unlock()

	for _, m := range modules {
		if err := m.Reload(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Tick drives one pass: advance the registry client, retry expired
// endpoint wakers, tick every module, and pump the worker pool's
// rebalance/autoscale/leak-scan housekeeping. Tick is idempotent to call
// repeatedly; each call advances state by at most one step per
// subsystem.
func (a *App) Tick(ctx context.Context) error {
	a.running.Store(true)
	now := time.Now()

	if a.registry != nil {
		if err := a.registry.Tick(ctx); err != nil {
			a.logger.Warn("registry tick failed", "error", err)
		}
	}

	for _, ep := range a.wakers.popReady(now) {
		if next := ep.RetryPendingMessages(now, a.cfg.EndpointRetryBatchSize); !next.IsZero() {
			a.wakers.register(ep, next)
		}
	}

	a.mu.Lock()
	modules := append([]Module(nil), a.modules...)
	a.mu.Unlock()
	for _, m := range modules {
		if err := m.Tick(ctx); err != nil {
			a.logger.Warn("module tick failed", "module", m.Name(), "error", err)
		}
	}

	if a.pool != nil {
		a.pool.Tick(now)
	}

	return nil
}

// RunNoBlock processes up to maxEventCount pending waker retries without
// blocking and returns how many it actually processed.
func (a *App) RunNoBlock(ctx context.Context, maxEventCount int) int {
	if maxEventCount <= 0 || maxEventCount > a.cfg.MaxEventsPerRun {
		maxEventCount = a.cfg.MaxEventsPerRun
	}
	now := time.Now()
	ready := a.wakers.popReady(now)
	processed := 0
	for _, ep := range ready {
		if processed >= maxEventCount {
			a.wakers.register(ep, now)
			continue
		}
		if next := ep.RetryPendingMessages(now, a.cfg.EndpointRetryBatchSize); !next.IsZero() {
			a.wakers.register(ep, next)
		}
		processed++
	}
	return processed
}

// Stop calls every module's Stop concurrently with the attached worker
// pool's and registry client's shutdown, waits for all of them, then runs
// Cleanup on every module in reverse registration order. Modules and
// subsystems are given until cfg.StopTimeout to finish.
func (a *App) Stop(ctx context.Context) error {
	a.stopping.Store(true)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StopTimeout)
	defer cancel()

	a.mu.Lock()
	modules := append([]Module(nil), a.modules...)
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		g.Go(func() error { return m.Stop(gctx) })
	}
	if a.pool != nil {
		g.Go(func() error { return a.pool.Stop(gctx) })
	}
	if a.registry != nil {
		g.Go(func() error { return a.registry.Close(gctx, true) })
	}
	err := g.Wait()

	for i := len(modules) - 1; i >= 0; i-- {
		if cerr := modules[i].Cleanup(ctx); cerr != nil {
			a.logger.Warn("module cleanup failed", "module", modules[i].Name(), "error", cerr)
		}
	}

	a.closed.Store(true)
	a.running.Store(false)
	return err
}

// Endpoint returns the Endpoint for node, creating one bound to this
// app's waker queue and handle registry if it doesn't exist yet.
func (a *App) Endpoint(node *discovery.Node, cfg endpoint.Config) *endpoint.Endpoint {
	a.endpointsMu.Lock()
	defer a.endpointsMu.Unlock()
	if ep, ok := a.endpoints[node.ID]; ok {
		return ep
	}
	ep := endpoint.NewEndpoint(a, node, a.handles, cfg)
	a.endpoints[node.ID] = ep
	return ep
}

// RegisterWaker implements endpoint.Owner: it schedules ep to be
// retried no earlier than at.
func (a *App) RegisterWaker(ep *endpoint.Endpoint, at time.Time) {
	a.wakers.register(ep, at)
}

// OnForwardResponse implements endpoint.Owner: it fans a synthesized or
// connector-reported forward response out to every registered listener.
func (a *App) OnForwardResponse(sender bus.Sender, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata) {
	a.eventsMu.Lock()
	listeners := make([]func(bus.Sender, int32, uint64, error, []byte, *discovery.Metadata), len(a.onForwardResponse))
	copy(listeners, a.onForwardResponse)
	a.eventsMu.Unlock()
	for _, fn := range listeners {
		fn(sender, msgType, sequence, err, payload, meta)
	}
}

// OnForwardRequest registers a listener invoked when an inbound message
// is dispatched to this app.
func (a *App) OnForwardRequest(fn func(sender bus.Sender, msgType int32, sequence uint64, payload []byte, meta *discovery.Metadata)) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	a.onForwardRequest = append(a.onForwardRequest, fn)
}

// DispatchForwardRequest notifies every OnForwardRequest listener of an
// inbound message. Called by the transport layer that owns the
// connection the message arrived on.
func (a *App) DispatchForwardRequest(sender bus.Sender, msgType int32, sequence uint64, payload []byte, meta *discovery.Metadata) {
	a.eventsMu.Lock()
	listeners := make([]func(bus.Sender, int32, uint64, []byte, *discovery.Metadata), len(a.onForwardRequest))
	copy(listeners, a.onForwardRequest)
	a.eventsMu.Unlock()
	for _, fn := range listeners {
		fn(sender, msgType, sequence, payload, meta)
	}
}

// RegisterOnForwardResponse registers a listener invoked whenever a
// forward response (success, synthesized failure, or timeout) is
// reported back for a previously sent message.
func (a *App) RegisterOnForwardResponse(fn func(sender bus.Sender, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata)) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	a.onForwardResponse = append(a.onForwardResponse, fn)
}

// OnAppConnected registers a listener invoked when NotifyConnected fires.
func (a *App) OnAppConnected(fn func(node *discovery.Node)) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	a.onAppConnected = append(a.onAppConnected, fn)
}

// OnAppDisconnected registers a listener invoked when NotifyDisconnected
// fires.
func (a *App) OnAppDisconnected(fn func(node *discovery.Node)) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	a.onAppDisconnected = append(a.onAppDisconnected, fn)
}

// OnAllModuleInited registers a listener invoked once, after every
// module's Init has returned successfully.
func (a *App) OnAllModuleInited(fn func()) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	a.onAllModuleInited = append(a.onAllModuleInited, fn)
}

// NotifyConnected fires every OnAppConnected listener. Nothing in this
// module calls it; the caller that learns a peer has connected does.
func (a *App) NotifyConnected(node *discovery.Node) {
	a.eventsMu.Lock()
	listeners := make([]func(*discovery.Node), len(a.onAppConnected))
	copy(listeners, a.onAppConnected)
	a.eventsMu.Unlock()
	for _, fn := range listeners {
		fn(node)
	}
}

// NotifyDisconnected fires every OnAppDisconnected listener. Nothing in
// this module calls it; the caller that learns a peer has disconnected
// does.
func (a *App) NotifyDisconnected(node *discovery.Node) {
	a.eventsMu.Lock()
	listeners := make([]func(*discovery.Node), len(a.onAppDisconnected))
	copy(listeners, a.onAppDisconnected)
	a.eventsMu.Unlock()
	for _, fn := range listeners {
		fn(node)
	}
}

// RegisterCommand registers h under name in the custom-command registry.
func (a *App) RegisterCommand(name string, h Handler) {
	a.commands.register(name, h)
}

// DispatchCommand invokes every handler registered under name and
// returns their accumulated responses.
func (a *App) DispatchCommand(name string, params []string) ([]string, error) {
	return a.commands.dispatch(name, params)
}

// RegisterOption registers h under name in the option registry.
func (a *App) RegisterOption(name string, h Handler) {
	a.options.register(name, h)
}

// DispatchOption invokes every handler registered under name and
// returns their accumulated responses.
func (a *App) DispatchOption(name string, params []string) ([]string, error) {
	return a.options.dispatch(name, params)
}
