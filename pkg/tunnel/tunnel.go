// Package tunnel bridges publish-subscribe services of a local IPC domain to
// the overlay network and back.
//
// A Tunnel owns one local node and one overlay session. Discover finds
// services (locally through the service tracker, remotely through overlay
// announcements) and sets up an outbound stream, an inbound stream and an
// announcer for each one. Propagate moves pending samples across both
// directions. Neither call blocks on the overlay beyond the remote discovery
// query timeout.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/keys"
	"ipctunnel/pkg/metrics"
	"ipctunnel/pkg/overlay"
	"ipctunnel/pkg/tracker"
	"ipctunnel/pkg/types"
)

// Scope selects where Discover looks for services.
type Scope int

const (
	ScopeLocal Scope = iota
	ScopeRemote
	ScopeBoth
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeRemote:
		return "remote"
	case ScopeBoth:
		return "both"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

func ParseScope(s string) (Scope, error) {
	switch s {
	case "local":
		return ScopeLocal, nil
	case "remote":
		return ScopeRemote, nil
	case "both", "":
		return ScopeBoth, nil
	default:
		return 0, fmt.Errorf("unknown discovery scope %q", s)
	}
}

const (
	DefaultInboundQueueDepth = overlay.DefaultQueueDepth
	DefaultQueryTimeout      = 500 * time.Millisecond
	DefaultNodeName          = "ipctunnel"
)

type Config struct {
	Overlay overlay.Config
	IPC     ipc.Config
	// NodeName names the local node the tunnel's ports belong to.
	NodeName string
	// InboundQueueDepth bounds the overlay samples buffered per service
	// between two Propagate calls. The oldest sample is dropped on overflow.
	InboundQueueDepth  int
	QueryTimeout       time.Duration
	AllocationStrategy ipc.AllocationStrategy
	InitialMaxSliceLen int
}

func DefaultConfig() Config {
	return Config{
		Overlay:           overlay.DefaultConfig(),
		IPC:               ipc.DefaultConfig(),
		NodeName:          DefaultNodeName,
		InboundQueueDepth: DefaultInboundQueueDepth,
		QueryTimeout:      DefaultQueryTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.NodeName == "" {
		c.NodeName = DefaultNodeName
	}
	if c.InboundQueueDepth <= 0 {
		c.InboundQueueDepth = DefaultInboundQueueDepth
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// ServiceTracker reports changes to the set of services in a local domain.
type ServiceTracker interface {
	Sync(cfg ipc.Config) (added, removed []types.ServiceID, err error)
	Get(id types.ServiceID) (types.StaticConfig, error)
}

type options struct {
	router      *overlay.Router
	tracker     ServiceTracker
	metrics     *metrics.TunnelMetrics
	dialOptions []grpc.DialOption
}

type Option func(*options)

// WithRouter attaches the tunnel to an in-process router instead of the one
// named by Config.Overlay.
func WithRouter(r *overlay.Router) Option {
	return func(o *options) { o.router = r }
}

func WithTracker(t ServiceTracker) Option {
	return func(o *options) { o.tracker = t }
}

func WithMetrics(m *metrics.TunnelMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// Tunnel holds the per-service state. The outbound, inbound and announcers
// maps always have the same key set.
type Tunnel struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.TunnelMetrics
	tracker ServiceTracker
	node    *ipc.Node
	session *overlay.Session

	mu         sync.Mutex
	closed     bool
	outbound   map[types.ServiceID]*OutboundStream
	inbound    map[types.ServiceID]*InboundStream
	announcers map[types.ServiceID]*Announcer
	// pending holds local ids whose setup failed. They are retried on every
	// local discovery until they succeed or disappear from the domain.
	pending map[types.ServiceID]struct{}
}

// New opens the overlay session and the local node. Services are not
// discovered until the first Discover call.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Tunnel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracker == nil {
		o.tracker = tracker.New()
	}

	node, err := ipc.NewNode(cfg.IPC, cfg.NodeName)
	if err != nil {
		return nil, tunnelErrors(CodeConstruction).Wrapf(err, "create local node")
	}

	var session *overlay.Session
	if o.router != nil {
		session, err = o.router.Connect(logger)
	} else {
		session, err = overlay.Open(ctx, cfg.Overlay, logger, o.dialOptions...)
	}
	if err != nil {
		node.Close()
		return nil, tunnelErrors(CodeConstruction).
			With("endpoint", cfg.Overlay.Endpoint).
			Wrapf(err, "open overlay session")
	}

	logger.Info("Tunnel started",
		zap.String("node_id", node.ID()),
		zap.String("domain", node.Domain()),
		zap.String("session_id", session.ID()))

	return &Tunnel{
		cfg:        cfg,
		logger:     logger,
		metrics:    o.metrics,
		tracker:    o.tracker,
		node:       node,
		session:    session,
		outbound:   make(map[types.ServiceID]*OutboundStream),
		inbound:    make(map[types.ServiceID]*InboundStream),
		announcers: make(map[types.ServiceID]*Announcer),
		pending:    make(map[types.ServiceID]struct{}),
	}, nil
}

// Session is the overlay session the tunnel forwards through.
func (t *Tunnel) Session() *overlay.Session { return t.session }

// Done is closed when the overlay session ends.
func (t *Tunnel) Done() <-chan struct{} { return t.session.Done() }

// Ready reports whether the tunnel is open and its overlay session alive.
func (t *Tunnel) Ready() bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-t.session.Done():
		return false
	default:
		return true
	}
}

// Initialize marks the start of the driving loop.
func (t *Tunnel) Initialize() {
	t.logger.Info("Tunnel initialized",
		zap.String("domain", t.node.Domain()),
		zap.Duration("query_timeout", t.cfg.QueryTimeout),
		zap.Int("inbound_queue_depth", t.cfg.InboundQueueDepth))
}

// Shutdown marks the end of the driving loop. Resources stay held until Close.
func (t *Tunnel) Shutdown() {
	t.logger.Info("Tunnel shutting down", zap.Int("services", len(t.TunneledServices())))
}

// Discover tunnels every publish-subscribe service found in scope that is
// not tunneled yet and tears down local services that disappeared. A failure
// for one service does not stop the others; all of them are joined into the
// returned error.
func (t *Tunnel) Discover(ctx context.Context, scope Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	start := time.Now()
	var errs []error

	if scope == ScopeLocal || scope == ScopeBoth {
		local, err := t.discoverLocal()
		if err != nil {
			t.metrics.DiscoveryFinished(scope.String(), time.Since(start).Seconds(), 1, len(t.outbound))
			return err
		}
		errs = append(errs, local...)
	}
	if scope == ScopeRemote || scope == ScopeBoth {
		errs = append(errs, t.discoverRemote(ctx)...)
	}

	t.metrics.DiscoveryFinished(scope.String(), time.Since(start).Seconds(), len(errs), len(t.outbound))
	if len(errs) > 0 {
		t.logger.Warn("Discovery finished with errors",
			zap.Stringer("scope", scope),
			zap.Int("failures", len(errs)))
	}
	return errors.Join(errs...)
}

func (t *Tunnel) discoverLocal() ([]error, error) {
	added, removed, err := t.tracker.Sync(t.cfg.IPC)
	if err != nil {
		return nil, tunnelErrors(CodeTrackerSync).
			With("domain", t.node.Domain()).
			Wrapf(err, "sync local services")
	}

	for _, id := range removed {
		delete(t.pending, id)
		t.teardown(id)
	}

	var errs []error
	for _, id := range t.localCandidates(added) {
		static, err := t.tracker.Get(id)
		if err != nil {
			// An id the tracker does not know cannot succeed later.
			if errors.Is(err, tracker.ErrUnknownService) {
				delete(t.pending, id)
			} else {
				t.pending[id] = struct{}{}
			}
			errs = append(errs, serviceErrors(CodeServiceDetails, id).Wrapf(err, "read service details"))
			continue
		}
		if err := t.tunnelService(static, "local"); err != nil {
			t.pending[id] = struct{}{}
			errs = append(errs, err)
			continue
		}
		delete(t.pending, id)
	}
	return errs, nil
}

// localCandidates merges newly added ids with the pending ones, in id order.
func (t *Tunnel) localCandidates(added []types.ServiceID) []types.ServiceID {
	ids := make([]types.ServiceID, 0, len(added)+len(t.pending))
	ids = append(ids, added...)
	for id := range t.pending {
		if !slices.Contains(added, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (t *Tunnel) discoverRemote(ctx context.Context) []error {
	qctx, cancel := context.WithTimeout(ctx, t.cfg.QueryTimeout)
	defer cancel()

	replies, err := t.session.Get(qctx, keys.Discovery())
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return []error{tunnelErrors(CodeRemoteDiscovery).Wrapf(err, "query service announcements")}
	}

	var errs []error
	for _, reply := range replies {
		static, err := decodeAnnouncement(reply)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.tunnelService(static, "remote"); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (t *Tunnel) tunnelService(static types.StaticConfig, source string) error {
	id := static.ServiceID
	if static.Pattern != types.PublishSubscribe {
		t.logger.Debug("Skipping service",
			zap.String("service_id", id.String()),
			zap.String("messaging_pattern", string(static.Pattern)))
		return nil
	}
	if _, ok := t.outbound[id]; ok {
		return nil
	}
	if static.PublishSubscribe == nil {
		return serviceErrors(CodeServiceDetails, id).Errorf("service %q has no publish-subscribe settings", static.Name)
	}

	svc, err := t.node.OpenOrCreatePublishSubscribe(static.Name, *static.PublishSubscribe)
	if err != nil {
		return serviceErrors(CodeOpenService, id).With("service_name", string(static.Name)).Wrapf(err, "open local service")
	}
	// The ports keep the service alive; the handle itself is not needed.
	defer svc.Close()

	outbound, err := newOutboundStream(svc, t.session, t.logger, t.metrics)
	if err != nil {
		return err
	}
	inbound, err := newInboundStream(svc, t.session, inboundOptions{
		queueDepth:         t.cfg.InboundQueueDepth,
		allocation:         t.cfg.AllocationStrategy,
		initialMaxSliceLen: t.cfg.InitialMaxSliceLen,
	}, t.logger, t.metrics)
	if err != nil {
		outbound.Close()
		return err
	}
	announcer, err := Announce(t.session, static, t.logger, t.metrics)
	if err != nil {
		inbound.Close()
		outbound.Close()
		return err
	}

	t.outbound[id] = outbound
	t.inbound[id] = inbound
	t.announcers[id] = announcer

	t.logger.Info("Tunneling service",
		zap.String("service_id", id.String()),
		zap.String("service_name", string(static.Name)),
		zap.String("source", source))
	return nil
}

func (t *Tunnel) teardown(id types.ServiceID) {
	if _, ok := t.outbound[id]; !ok {
		return
	}
	key := t.announcers[id].Key()
	err := errors.Join(
		t.announcers[id].Close(),
		t.inbound[id].Close(),
		t.outbound[id].Close(),
	)
	delete(t.announcers, id)
	delete(t.inbound, id)
	delete(t.outbound, id)

	if err != nil {
		t.logger.Warn("Failed to release service", zap.String("service_id", id.String()), zap.Error(err))
	}
	t.logger.Info("Service no longer tunneled",
		zap.String("service_id", id.String()),
		zap.String("withdrawn_key", key))
}

// Propagate forwards all pending samples of every tunneled service in both
// directions. It never blocks on the overlay.
func (t *Tunnel) Propagate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for _, s := range t.outbound {
		s.Propagate()
	}
	for _, s := range t.inbound {
		s.Propagate()
	}
}

// TunneledServices returns the ids of all tunneled services in sorted order.
func (t *Tunnel) TunneledServices() []types.ServiceID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]types.ServiceID, 0, len(t.outbound))
	for id := range t.outbound {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every stream, announcement, the local node and the overlay
// session. It is safe to call more than once.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for id := range t.outbound {
		t.teardown(id)
	}
	err := errors.Join(t.node.Close(), t.session.Close())
	t.logger.Info("Tunnel stopped")
	return err
}
