package registry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/atrun-project/atrun"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SessionState is the registry session's lifecycle state.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionStopping
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRunning:
		return "running"
	case SessionStopping:
		return "stopping"
	case SessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Client is a long-lived session to an etcd cluster: member-list
// refresh, authentication, lease keepalive, and a registry of watchers
// and keepalive actors driven by repeated calls to Tick, mirroring the
// tick pipeline of the app's main loop.
type Client struct {
	cli    *clientv3.Client
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	state SessionState

	hosts        []string
	selectedHost string

	leaseID clientv3.LeaseID

	authenticated    bool
	nextAuthRetry    time.Time
	nextMembersCheck time.Time
	nextKeepalive    time.Time
	nextUserGet      time.Time

	keepalives map[string]*KeepaliveActor
	watchers   map[string]*Watcher
	deferred   []*deferredDelete

	onEventUp   []func()
	onEventDown []func()

	closed bool
}

// NewClient dials an etcd client from cfg and returns a Client ready for
// Init and repeated Tick calls.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, atrun.NewParamsError("registry.NewClient", errors.New("endpoints cannot be empty"))
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.KeepaliveInterval == 0 && cfg.LeaseTTL > 0 {
		cfg.KeepaliveInterval = cfg.LeaseTTL / 3
	}

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Authorization != nil {
		etcdCfg.Username = cfg.Authorization.Name
		etcdCfg.Password = cfg.Authorization.Password
	}
	tlsConfig, err := buildClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	etcdCfg.TLS = tlsConfig

	cli, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, atrun.NewTransportError("registry.NewClient", err)
	}

	c := &Client{
		cli:        cli,
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("registry"),
		hosts:      append([]string(nil), cfg.Endpoints...),
		keepalives: make(map[string]*KeepaliveActor),
		watchers:   make(map[string]*Watcher),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Init performs the first connectivity check and, if configured, an
// initial member-list resolution.
func (c *Client) Init(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "registry.Init")
	defer span.End()

	getCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.cli.Get(getCtx, "health-check"); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return atrun.NewTransportError("registry.Client.Init", err)
	}

	c.mu.Lock()
	c.selectedHost = c.hosts[rand.Intn(len(c.hosts))]
	if c.cfg.ClusterAutoUpdate {
		c.refreshMembers(ctx)
	}
	c.mu.Unlock()
	return nil
}

// IsAvailable reports whether the session is Running.
func (c *Client) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == SessionRunning
}

// OnEventUp registers a callback fired when the session transitions into
// Running (initial grant, or re-grant after lease loss).
func (c *Client) OnEventUp(fn func()) { c.onEventUp = append(c.onEventUp, fn) }

// OnEventDown registers a callback fired when the session leaves Running
// (lease lost).
func (c *Client) OnEventDown(fn func()) { c.onEventDown = append(c.onEventDown, fn) }

// AddKeepalive registers a keepalive actor. If the session is already
// Running, the actor is activated immediately.
func (c *Client) AddKeepalive(actor *KeepaliveActor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepalives[actor.Key] = actor
	if c.state == SessionRunning {
		c.activateKeepalive(context.Background(), actor)
	}
}

// RemoveKeepalive removes a keepalive actor. If it had previously written
// data, its key is enqueued for deferred, bounded-retry deletion that
// survives the actor's own removal.
func (c *Client) RemoveKeepalive(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	actor, ok := c.keepalives[key]
	if !ok {
		return
	}
	delete(c.keepalives, key)
	if actor.written {
		c.deferred = append(c.deferred, &deferredDelete{key: key})
	}
}

// AddWatcher registers a watcher; its state machine starts on the next
// Tick.
func (c *Client) AddWatcher(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[w.Key] = w
}

// RemoveWatcher removes and closes a watcher.
func (c *Client) RemoveWatcher(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watchers[key]; ok {
		w.close()
		delete(c.watchers, key)
	}
}

// Tick runs one pass of the pipeline: member refresh, authenticate,
// user-info refresh, lease grant/keepalive, then pending watcher and
// deferred-delete retries. Each step issues at most one request of its
// kind. Keepalive actors are not retried here: an actor whose put failed
// is written again only on the session's next transition into Running.
func (c *Client) Tick(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "registry.Tick")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return atrun.NewClosedError("registry.Client.Tick", atrun.ErrClosed)
	}

	now := time.Now()

	if c.cfg.ClusterAutoUpdate && now.After(c.nextMembersCheck) {
		interval := c.cfg.MembersRefreshInterval
		if interval == 0 {
			interval = 30 * time.Second
		}
		if !c.refreshMembers(ctx) && c.cfg.MembersRetryInterval > 0 {
			interval = c.cfg.MembersRetryInterval
		}
		c.nextMembersCheck = now.Add(interval)
	}

	if c.cfg.Authorization != nil && !c.authenticated {
		if now.After(c.nextAuthRetry) {
			c.authenticate(ctx)
		}
		return nil
	}

	if c.cfg.Authorization != nil && c.authenticated && now.After(c.nextUserGet) {
		c.userGetOnce(ctx)
	}

	if c.cfg.LeaseTTL > 0 {
		if c.leaseID == 0 {
			c.grantLease(ctx)
			return nil
		}
		if now.After(c.nextKeepalive) {
			c.keepaliveOnce(ctx)
		}
	} else if c.state != SessionRunning {
		c.enterRunning(ctx)
	}

	for _, w := range c.watchers {
		w.tick(ctx, c.cli, c.logger)
	}
	c.retryDeferredDeletes(ctx)

	return nil
}

func (c *Client) authenticate(ctx context.Context) {
	authCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.cli.Auth.Authenticate(authCtx, c.cfg.Authorization.Name, c.cfg.Authorization.Password)
	if err != nil {
		c.logger.Warn("registry authenticate failed", "error", err)
		interval := c.cfg.AuthorizationRetryInterval
		if interval == 0 {
			interval = 5 * time.Second
		}
		c.nextAuthRetry = time.Now().Add(interval)
		if isAuthSmell(err) {
			c.authenticated = false
		}
		return
	}
	c.authenticated = true
	c.nextUserGet = time.Now().Add(c.authUserGetInterval())
}

// userGetOnce issues a liveness probe against the authenticated user,
// catching a revoked or expired token before it surfaces as a failure on
// a keepalive or watch request.
func (c *Client) userGetOnce(ctx context.Context) {
	getCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.cli.Auth.UserGet(getCtx, c.cfg.Authorization.Name)
	c.nextUserGet = time.Now().Add(c.authUserGetInterval())
	if err != nil {
		c.logger.Warn("registry user-get failed", "name", c.cfg.Authorization.Name, "error", err)
		if isAuthSmell(err) {
			c.authenticated = false
		}
	}
}

func (c *Client) authUserGetInterval() time.Duration {
	if c.cfg.AuthUserGetInterval > 0 {
		return c.cfg.AuthUserGetInterval
	}
	return 2 * time.Minute
}

func (c *Client) grantLease(ctx context.Context) {
	grantCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.cli.Grant(grantCtx, int64(c.cfg.LeaseTTL.Seconds()))
	if err != nil {
		c.logger.Warn("registry lease grant failed", "error", err)
		return
	}
	c.leaseID = resp.ID
	c.nextKeepalive = time.Now().Add(c.cfg.KeepaliveInterval)
	c.enterRunning(ctx)
}

func (c *Client) keepaliveOnce(ctx context.Context) {
	kaCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.cli.KeepAliveOnce(kaCtx, c.leaseID)
	c.nextKeepalive = time.Now().Add(c.cfg.KeepaliveInterval)
	if err != nil {
		c.logger.Warn("registry lease lost", "lease_id", c.leaseID, "error", err)
		c.leaseID = 0
		c.leaveRunning()
	}
}

func (c *Client) enterRunning(ctx context.Context) {
	wasRunning := c.state == SessionRunning
	c.state = SessionRunning
	if wasRunning {
		return
	}
	for _, actor := range c.keepalives {
		c.activateKeepalive(ctx, actor)
	}
	for _, fn := range c.onEventUp {
		fn()
	}
}

func (c *Client) leaveRunning() {
	if c.state != SessionRunning {
		return
	}
	c.state = SessionIdle
	for _, fn := range c.onEventDown {
		fn()
	}
}

func (c *Client) activateKeepalive(ctx context.Context, actor *KeepaliveActor) {
	if c.leaseID == 0 && c.cfg.LeaseTTL > 0 {
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	opts := []clientv3.OpOption{}
	if c.leaseID != 0 {
		opts = append(opts, clientv3.WithLease(c.leaseID))
	}
	value := actor.Value()
	if _, err := c.cli.Put(putCtx, actor.Key, string(value), opts...); err != nil {
		c.logger.Warn("registry keepalive put failed", "key", actor.Key, "correlation_id", actor.correlationID, "error", err)
		return
	}
	actor.written = true
}

func (c *Client) retryDeferredDeletes(ctx context.Context) {
	remaining := c.deferred[:0]
	for _, d := range c.deferred {
		delCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		_, err := c.cli.Delete(delCtx, d.key)
		cancel()
		if err != nil {
			d.retries++
			c.logger.Warn("registry deferred delete failed", "key", d.key, "retries", d.retries, "error", err)
			if d.retries < deferredDeleteMaxRetries {
				remaining = append(remaining, d)
			}
		}
	}
	c.deferred = remaining
}

// refreshMembers re-resolves the member list and reports false if the
// request failed.
func (c *Client) refreshMembers(ctx context.Context) bool {
	listCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.cli.MemberList(listCtx)
	if err != nil {
		c.logger.Warn("registry member list refresh failed", "error", err)
		return false
	}

	var hosts []string
	for _, m := range resp.Members {
		hosts = append(hosts, m.ClientURLs...)
	}
	if len(hosts) == 0 {
		return true
	}
	c.hosts = hosts

	for _, h := range hosts {
		if h == c.selectedHost {
			return true
		}
	}
	c.selectedHost = hosts[rand.Intn(len(hosts))]
	return true
}

// isAuthSmell reports whether err looks like an authentication failure:
// gRPC Unauthenticated, or an error whose text mentions "authenticat".
func isAuthSmell(err error) bool {
	if err == nil {
		return false
	}
	return containsFold(err.Error(), "authenticat") || containsFold(err.Error(), "unauthenticated")
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 || subl > sl {
		return subl == 0
	}
	for i := 0; i+subl <= sl; i++ {
		if equalFold(s[i:i+subl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Get issues a prefixed range read, resolving "+1" range-end convention.
func (c *Client) Get(ctx context.Context, key, rangeEnd string) (*clientv3.GetResponse, error) {
	opts := []clientv3.OpOption{}
	if resolved := resolveRangeEnd(key, rangeEnd); resolved != "" {
		opts = append(opts, clientv3.WithRange(resolved))
	} else if rangeEnd == plusOneRangeEnd {
		opts = append(opts, clientv3.WithFromKey())
	}
	resp, err := c.cli.Get(ctx, key, opts...)
	if err != nil {
		return nil, atrun.NewRegistryTransientError("registry.Client.Get", err)
	}
	return resp, nil
}

// Put writes key/value, optionally under the session's current lease.
func (c *Client) Put(ctx context.Context, key, value string, withLease bool) error {
	opts := []clientv3.OpOption{}
	c.mu.Lock()
	lease := c.leaseID
	c.mu.Unlock()
	if withLease && lease != 0 {
		opts = append(opts, clientv3.WithLease(lease))
	}
	if _, err := c.cli.Put(ctx, key, value, opts...); err != nil {
		return atrun.NewRegistryTransientError("registry.Client.Put", err)
	}
	return nil
}

// Delete removes key (and, if rangeEnd resolves non-empty, the range).
func (c *Client) Delete(ctx context.Context, key, rangeEnd string) error {
	opts := []clientv3.OpOption{}
	if resolved := resolveRangeEnd(key, rangeEnd); resolved != "" {
		opts = append(opts, clientv3.WithRange(resolved))
	}
	if _, err := c.cli.Delete(ctx, key, opts...); err != nil {
		return atrun.NewRegistryTransientError("registry.Client.Delete", err)
	}
	return nil
}

// Close tears down all watchers, stops keepalive tracking, revokes the
// session's lease if it holds one, and closes the underlying etcd client.
// If wait is true, Close first drains one last deferred-delete pass.
func (c *Client) Close(ctx context.Context, wait bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = SessionStopping
	for _, w := range c.watchers {
		w.close()
	}
	c.watchers = make(map[string]*Watcher)
	c.mu.Unlock()

	if wait {
		c.mu.Lock()
		c.retryDeferredDeletes(ctx)
		c.mu.Unlock()
	}

	c.mu.Lock()
	lease := c.leaseID
	c.leaseID = 0
	c.state = SessionStopped
	c.mu.Unlock()

	if lease != 0 {
		if _, err := c.cli.Revoke(ctx, lease); err != nil {
			c.logger.Warn("registry lease revoke failed", "lease_id", lease, "error", err)
		}
	}
	return c.cli.Close()
}
