package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/keys"
	"ipctunnel/pkg/metrics"
	"ipctunnel/pkg/overlay"
	"ipctunnel/pkg/tracker"
	"ipctunnel/pkg/types"
)

const eventually = 2 * time.Second

// host is one machine: a local domain with an application node and a tunnel.
type host struct {
	cfg    Config
	tunnel *Tunnel
	app    *ipc.Node
}

func newHost(t *testing.T, router *overlay.Router, opts ...Option) *host {
	t.Helper()
	cfg := DefaultConfig()
	cfg.IPC = ipc.IsolatedConfig()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	tun, err := New(context.Background(), cfg, logger, append([]Option{WithRouter(router)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { tun.Close() })

	app, err := ipc.NewNode(cfg.IPC, "app")
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	return &host{cfg: cfg, tunnel: tun, app: app}
}

func newTestRouter(t *testing.T) *overlay.Router {
	r := overlay.NewRouter(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)), nil)
	t.Cleanup(r.Close)
	return r
}

func (h *host) openService(t *testing.T, name types.ServiceName, cfg types.PublishSubscribeConfig) *ipc.Service {
	t.Helper()
	svc, err := h.app.OpenOrCreatePublishSubscribe(name, cfg)
	require.NoError(t, err)
	return svc
}

func (h *host) discover(t *testing.T, scope Scope) {
	t.Helper()
	require.NoError(t, h.tunnel.Discover(context.Background(), scope))
}

// transfer publishes payload on pub and waits until it arrives on sub,
// propagating both tunnels meanwhile.
func transfer(t *testing.T, from, to *host, pub *ipc.Publisher, sub *ipc.Subscriber, payload []byte) *ipc.Sample {
	t.Helper()
	loan, err := pub.LoanUninit(len(payload))
	require.NoError(t, err)
	_, err = loan.WriteFromSlice(payload).Send()
	require.NoError(t, err)
	from.tunnel.Propagate()

	var got *ipc.Sample
	require.Eventually(t, func() bool {
		to.tunnel.Propagate()
		sample, err := sub.Receive()
		if !assert.NoError(t, err) {
			return true
		}
		got = sample
		return sample != nil
	}, eventually, 5*time.Millisecond)
	return got
}

func TestDiscoverLocalIsIdempotent(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)

	svc := a.openService(t, "demo/local", types.PublishSubscribeConfig{})

	a.discover(t, ScopeLocal)
	assert.Equal(t, []types.ServiceID{svc.ID()}, a.tunnel.TunneledServices())

	a.discover(t, ScopeLocal)
	a.discover(t, ScopeBoth)
	assert.Equal(t, []types.ServiceID{svc.ID()}, a.tunnel.TunneledServices())
}

func TestDiscoverSkipsEventServices(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)

	_, err := a.app.OpenOrCreateEvent("demo/event", types.EventConfig{MaxNotifiers: 1, MaxListeners: 1})
	require.NoError(t, err)
	pubsub := a.openService(t, "demo/pubsub", types.PublishSubscribeConfig{})

	a.discover(t, ScopeLocal)
	assert.Equal(t, []types.ServiceID{pubsub.ID()}, a.tunnel.TunneledServices())
}

func TestDiscoverRemoteCreatesLocalService(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)
	b := newHost(t, router)

	svc := a.openService(t, "demo/remote", types.PublishSubscribeConfig{HistorySize: 1})
	a.discover(t, ScopeLocal)

	b.discover(t, ScopeRemote)
	assert.Equal(t, []types.ServiceID{svc.ID()}, b.tunnel.TunneledServices())

	services, err := ipc.ListServices(b.cfg.IPC)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, svc.StaticConfig(), services[0])

	// Nothing is announced by b that a does not have already.
	a.discover(t, ScopeRemote)
	assert.Equal(t, []types.ServiceID{svc.ID()}, a.tunnel.TunneledServices())
}

func TestIdenticalServicesShareID(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)
	b := newHost(t, router)

	sa := a.openService(t, "demo/shared", types.PublishSubscribeConfig{})
	sb := b.openService(t, "demo/shared", types.PublishSubscribeConfig{})
	require.Equal(t, sa.ID(), sb.ID())

	a.discover(t, ScopeBoth)
	b.discover(t, ScopeBoth)
	assert.Equal(t, a.tunnel.TunneledServices(), b.tunnel.TunneledServices())
}

// position is a fixed size payload laid out as three little endian values.
type position struct {
	X, Y uint64
	Z    int64
}

const positionSize = 24

func (p position) marshal() []byte {
	b := make([]byte, positionSize)
	binary.LittleEndian.PutUint64(b[0:], p.X)
	binary.LittleEndian.PutUint64(b[8:], p.Y)
	binary.LittleEndian.PutUint64(b[16:], uint64(p.Z))
	return b
}

func unmarshalPosition(b []byte) position {
	return position{
		X: binary.LittleEndian.Uint64(b[0:]),
		Y: binary.LittleEndian.Uint64(b[8:]),
		Z: int64(binary.LittleEndian.Uint64(b[16:])),
	}
}

func positionConfig() types.PublishSubscribeConfig {
	return types.PublishSubscribeConfig{
		MessageTypeDetails: types.MessageTypeDetails{
			Payload: types.TypeDetail{Variant: types.FixedSize, TypeName: "position", Size: positionSize, Alignment: 8},
		},
	}
}

func TestPropagateFixedSizePayload(t *testing.T) {
	for _, count := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("%d samples", count), func(t *testing.T) {
			router := newTestRouter(t)
			a := newHost(t, router)
			b := newHost(t, router)

			sa := a.openService(t, "demo/position", positionConfig())
			sb := b.openService(t, "demo/position", positionConfig())
			pub, err := sa.CreatePublisher(ipc.PublisherOptions{})
			require.NoError(t, err)
			sub, err := sb.CreateSubscriber(ipc.SubscriberOptions{})
			require.NoError(t, err)

			a.discover(t, ScopeLocal)
			b.discover(t, ScopeLocal)

			for i := 0; i < count; i++ {
				want := position{X: uint64(i), Y: uint64(i * 3), Z: -int64(i)}
				got := transfer(t, a, b, pub, sub, want.marshal())
				require.Equal(t, positionSize, got.Len())
				assert.Equal(t, want, unmarshalPosition(got.Payload()))
			}
		})
	}
}

func slicePayload(i, n int) []byte {
	b := make([]byte, n)
	for j := range b {
		b[j] = byte('A' + (i*7+j*13)%26)
	}
	return b
}

func TestPropagateSlicePayload(t *testing.T) {
	for _, count := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("%d samples", count), func(t *testing.T) {
			router := newTestRouter(t)
			reg := prometheus.NewRegistry()
			m := metrics.NewTunnelMetrics(reg)
			a := newHost(t, router, WithMetrics(m))
			b := newHost(t, router, WithMetrics(m))

			sa := a.openService(t, "demo/bytes", types.PublishSubscribeConfig{})
			sb := b.openService(t, "demo/bytes", types.PublishSubscribeConfig{})
			pub, err := sa.CreatePublisher(ipc.PublisherOptions{AllocationStrategy: ipc.AllocationBestFit})
			require.NoError(t, err)
			sub, err := sb.CreateSubscriber(ipc.SubscriberOptions{})
			require.NoError(t, err)

			a.discover(t, ScopeLocal)
			b.discover(t, ScopeLocal)

			for i := 0; i < count; i++ {
				want := slicePayload(i, 256)
				got := transfer(t, a, b, pub, sub, want)
				assert.Equal(t, want, got.Payload())
			}

			assert.Equal(t, float64(count), testutil.ToFloat64(m.MessagesForwarded.WithLabelValues(metrics.DirectionOutbound)))
			assert.Equal(t, float64(count), testutil.ToFloat64(m.MessagesForwarded.WithLabelValues(metrics.DirectionInbound)))
			assert.Equal(t, float64(256*count), testutil.ToFloat64(m.BytesForwarded.WithLabelValues(metrics.DirectionInbound)))
		})
	}
}

func TestNoLoopBack(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)
	b := newHost(t, router)

	sa := a.openService(t, "demo/loop", types.PublishSubscribeConfig{SubscriberMaxBufferSize: 8})
	sb := b.openService(t, "demo/loop", types.PublishSubscribeConfig{SubscriberMaxBufferSize: 8})
	pub, err := sa.CreatePublisher(ipc.PublisherOptions{})
	require.NoError(t, err)
	localSub, err := sa.CreateSubscriber(ipc.SubscriberOptions{})
	require.NoError(t, err)
	remoteSub, err := sb.CreateSubscriber(ipc.SubscriberOptions{})
	require.NoError(t, err)

	a.discover(t, ScopeBoth)
	b.discover(t, ScopeBoth)

	got := transfer(t, a, b, pub, remoteSub, []byte("once"))
	assert.Equal(t, []byte("once"), got.Payload())

	for i := 0; i < 10; i++ {
		a.tunnel.Propagate()
		b.tunnel.Propagate()
		time.Sleep(5 * time.Millisecond)
	}

	count := func(sub *ipc.Subscriber) int {
		n := 0
		for {
			sample, err := sub.Receive()
			require.NoError(t, err)
			if sample == nil {
				return n
			}
			n++
		}
	}
	assert.Equal(t, 1, count(localSub), "local subscriber sees the sample only once")
	assert.Zero(t, count(remoteSub), "remote subscriber sees no echo")
}

func TestAnnouncementServesDetails(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)
	svc := a.openService(t, "demo/announced", positionConfig())
	a.discover(t, ScopeLocal)

	session, err := router.Connect(nil)
	require.NoError(t, err)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()

	a.tunnel.mu.Lock()
	assert.Equal(t, keys.ServiceDetails(svc.ID()), a.tunnel.announcers[svc.ID()].Key())
	a.tunnel.mu.Unlock()

	details, err := QueryServiceDetails(ctx, session, svc.ID())
	require.NoError(t, err)
	assert.Equal(t, svc.StaticConfig(), details)

	all, err := QueryServices(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, []types.StaticConfig{svc.StaticConfig()}, all)

	_, err = QueryServiceDetails(ctx, session, types.NewServiceID("demo/missing", types.PublishSubscribe))
	assert.ErrorIs(t, err, ErrServiceNotAnnounced)
}

func TestMalformedAnnouncementIsReported(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)
	good := a.openService(t, "demo/good", types.PublishSubscribeConfig{})
	a.discover(t, ScopeLocal)

	rogue, err := router.Connect(nil)
	require.NoError(t, err)
	defer rogue.Close()
	forged := types.NewServiceID("demo/forged", types.PublishSubscribe)
	key := keys.ServiceDetails(forged)
	_, err = rogue.DeclareQueryable(key, func(q *overlay.Query) {
		q.Reply(key, []byte(`{"service_id":"`+forged.String()+`","service_name":"other","messaging_pattern":"publish_subscribe"}`))
	})
	require.NoError(t, err)

	b := newHost(t, router)
	err = b.tunnel.Discover(context.Background(), ScopeRemote)
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidAnnouncement, oopsErr.Code())
	assert.Equal(t, []types.ServiceID{good.ID()}, b.tunnel.TunneledServices())
}

// fakeTracker replays scripted sync results.
type fakeTracker struct {
	syncs   []fakeSync
	configs map[types.ServiceID]types.StaticConfig
}

type fakeSync struct {
	added, removed []types.ServiceID
	err            error
}

func (f *fakeTracker) Sync(ipc.Config) ([]types.ServiceID, []types.ServiceID, error) {
	if len(f.syncs) == 0 {
		return nil, nil, nil
	}
	next := f.syncs[0]
	f.syncs = f.syncs[1:]
	return next.added, next.removed, next.err
}

func (f *fakeTracker) Get(id types.ServiceID) (types.StaticConfig, error) {
	static, ok := f.configs[id]
	if !ok {
		return types.StaticConfig{}, tracker.ErrUnknownService
	}
	return static, nil
}

func staticConfig(name types.ServiceName, cfg types.PublishSubscribeConfig) types.StaticConfig {
	cfg = cfg.WithDefaults()
	return types.StaticConfig{
		ServiceID:        types.NewServiceID(name, types.PublishSubscribe),
		Name:             name,
		Pattern:          types.PublishSubscribe,
		PublishSubscribe: &cfg,
	}
}

func TestRemovedServiceIsTornDown(t *testing.T) {
	router := newTestRouter(t)
	static := staticConfig("demo/removed", types.PublishSubscribeConfig{})
	id := static.ServiceID
	ft := &fakeTracker{
		syncs: []fakeSync{
			{added: []types.ServiceID{id}},
			{removed: []types.ServiceID{id}},
		},
		configs: map[types.ServiceID]types.StaticConfig{id: static},
	}
	a := newHost(t, router, WithTracker(ft))

	a.discover(t, ScopeLocal)
	require.Equal(t, []types.ServiceID{id}, a.tunnel.TunneledServices())

	a.discover(t, ScopeLocal)
	assert.Empty(t, a.tunnel.TunneledServices())

	session, err := router.Connect(nil)
	require.NoError(t, err)
	defer session.Close()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	_, err = QueryServiceDetails(ctx, session, id)
	assert.ErrorIs(t, err, ErrServiceNotAnnounced, "announcement is withdrawn")

	services, err := ipc.ListServices(a.cfg.IPC)
	require.NoError(t, err)
	assert.Empty(t, services, "tunnel ports are released")
}

func TestDiscoveryIsolatesFailures(t *testing.T) {
	router := newTestRouter(t)

	good := staticConfig("demo/good", types.PublishSubscribeConfig{})
	clash := staticConfig("demo/clash", positionConfig())
	unknown := types.NewServiceID("demo/unknown", types.PublishSubscribe)

	ft := &fakeTracker{
		syncs: []fakeSync{{added: []types.ServiceID{clash.ServiceID, good.ServiceID, unknown}}},
		configs: map[types.ServiceID]types.StaticConfig{
			good.ServiceID:  good,
			clash.ServiceID: clash,
		},
	}
	a := newHost(t, router, WithTracker(ft))
	// The domain already holds demo/clash with a different payload type.
	a.openService(t, "demo/clash", types.PublishSubscribeConfig{})

	err := a.tunnel.Discover(context.Background(), ScopeLocal)
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrUnknownService)
	assert.ErrorIs(t, err, ipc.ErrIncompatibleTypes)
	assert.Equal(t, []types.ServiceID{good.ServiceID}, a.tunnel.TunneledServices())
}

func TestFailedServiceIsRetried(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)

	svc := a.openService(t, "demo/full", types.PublishSubscribeConfig{MaxSubscribers: 1})
	sub, err := svc.CreateSubscriber(ipc.SubscriberOptions{})
	require.NoError(t, err)

	err = a.tunnel.Discover(context.Background(), ScopeLocal)
	require.ErrorIs(t, err, ipc.ErrExceedsMaxSubscribers)
	assert.Empty(t, a.tunnel.TunneledServices())

	// The tracker already knows the id; only the retry can pick it up.
	require.NoError(t, sub.Close())
	a.discover(t, ScopeLocal)
	assert.Equal(t, []types.ServiceID{svc.ID()}, a.tunnel.TunneledServices())
}

func TestRetryStopsForRemovedService(t *testing.T) {
	router := newTestRouter(t)
	static := staticConfig("demo/clash", positionConfig())
	id := static.ServiceID
	ft := &fakeTracker{
		syncs: []fakeSync{
			{added: []types.ServiceID{id}},
			{},
			{removed: []types.ServiceID{id}},
		},
		configs: map[types.ServiceID]types.StaticConfig{id: static},
	}
	a := newHost(t, router, WithTracker(ft))
	a.openService(t, "demo/clash", types.PublishSubscribeConfig{})

	require.ErrorIs(t, a.tunnel.Discover(context.Background(), ScopeLocal), ipc.ErrIncompatibleTypes)
	require.ErrorIs(t, a.tunnel.Discover(context.Background(), ScopeLocal), ipc.ErrIncompatibleTypes,
		"pending service is retried without a new sync entry")

	a.discover(t, ScopeLocal)
	a.discover(t, ScopeLocal)
	assert.Empty(t, a.tunnel.TunneledServices())
}

func TestTrackerFailureAbortsDiscovery(t *testing.T) {
	router := newTestRouter(t)
	failure := errors.New("domain unreadable")
	ft := &fakeTracker{syncs: []fakeSync{{err: failure}}}
	a := newHost(t, router, WithTracker(ft))

	err := a.tunnel.Discover(context.Background(), ScopeBoth)
	require.ErrorIs(t, err, failure)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeTrackerSync, oopsErr.Code())
	assert.Empty(t, a.tunnel.TunneledServices())
}

func TestInboundDropsUndeliverableSamples(t *testing.T) {
	router := newTestRouter(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewTunnelMetrics(reg)
	b := newHost(t, router, WithMetrics(m))

	svc := b.openService(t, "demo/strict", positionConfig())
	sub, err := svc.CreateSubscriber(ipc.SubscriberOptions{})
	require.NoError(t, err)
	b.discover(t, ScopeLocal)

	remote, err := router.Connect(nil)
	require.NoError(t, err)
	defer remote.Close()
	pub, err := remote.DeclarePublisher(keys.PublishSubscribe(svc.ID()))
	require.NoError(t, err)

	want := position{X: 1, Y: 2, Z: 3}
	require.NoError(t, pub.Put([]byte("short")))
	require.NoError(t, pub.Put(want.marshal()))

	var got *ipc.Sample
	require.Eventually(t, func() bool {
		b.tunnel.Propagate()
		sample, err := sub.Receive()
		if !assert.NoError(t, err) {
			return true
		}
		got = sample
		return sample != nil
	}, eventually, 5*time.Millisecond)

	assert.Equal(t, want, unmarshalPosition(got.Payload()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ForwardFailures.WithLabelValues(metrics.DirectionInbound)))
}

func TestInboundOverflowIsCounted(t *testing.T) {
	router := newTestRouter(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewTunnelMetrics(reg)
	b := newHost(t, router, WithMetrics(m))

	svc := b.openService(t, "demo/flood", positionConfig())
	b.discover(t, ScopeLocal)

	remote, err := router.Connect(nil)
	require.NoError(t, err)
	defer remote.Close()
	pub, err := remote.DeclarePublisher(keys.PublishSubscribe(svc.ID()))
	require.NoError(t, err)

	const excess = 3
	for i := 0; i < b.cfg.InboundQueueDepth+excess; i++ {
		require.NoError(t, pub.Put(position{X: uint64(i)}.marshal()))
	}

	// Wait until the overlay queue has seen every sample without draining it.
	require.Eventually(t, func() bool {
		b.tunnel.mu.Lock()
		defer b.tunnel.mu.Unlock()
		return b.tunnel.inbound[svc.ID()].subscriber.Dropped() == excess
	}, eventually, 5*time.Millisecond)

	b.tunnel.Propagate()
	assert.Equal(t, float64(excess), testutil.ToFloat64(m.QueueOverflows))
	assert.Equal(t, float64(b.cfg.InboundQueueDepth), testutil.ToFloat64(m.MessagesForwarded.WithLabelValues(metrics.DirectionInbound)))

	b.tunnel.Propagate()
	assert.Equal(t, float64(excess), testutil.ToFloat64(m.QueueOverflows), "overflows are reported once")
}

func TestNewRejectsInvalidDomain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.Domain = "not a domain/"

	_, err := New(context.Background(), cfg, nil, WithRouter(newTestRouter(t)))
	require.ErrorIs(t, err, ipc.ErrInvalidDomain)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeConstruction, oopsErr.Code())
}

func TestClosedTunnel(t *testing.T) {
	router := newTestRouter(t)
	a := newHost(t, router)
	a.openService(t, "demo/closing", types.PublishSubscribeConfig{})
	a.discover(t, ScopeLocal)
	require.True(t, a.tunnel.Ready())

	require.NoError(t, a.tunnel.Close())
	require.NoError(t, a.tunnel.Close())

	assert.False(t, a.tunnel.Ready())
	assert.ErrorIs(t, a.tunnel.Discover(context.Background(), ScopeLocal), ErrClosed)
	assert.Empty(t, a.tunnel.TunneledServices())
	a.tunnel.Propagate()
}

func TestParseScope(t *testing.T) {
	for _, scope := range []Scope{ScopeLocal, ScopeRemote, ScopeBoth} {
		parsed, err := ParseScope(scope.String())
		require.NoError(t, err)
		assert.Equal(t, scope, parsed)
	}
	_, err := ParseScope("galaxy")
	assert.Error(t, err)
}
