package overlay

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ipctunnel/pkg/metrics"
)

const defaultPortQueueDepth = 4096

// Router forwards frames between attached sessions. Puts go to every session
// with an intersecting subscriber; queries go to every session with an
// intersecting queryable and finish once all of them have answered or left.
type Router struct {
	logger  *zap.Logger
	metrics *metrics.RouterMetrics

	mu          sync.Mutex
	closed      bool
	ports       map[string]*port
	nextQueryID uint64
	pending     map[uint64]*pendingRoute
}

// port is the router's side of one attached session. Frames for the session
// are queued on out and written by a dedicated goroutine.
type port struct {
	id      string
	deliver func(*frame) error
	out     chan *frame
	done    chan struct{}

	// guarded by Router.mu
	subscribers map[uint64]string
	queryables  map[uint64]string
}

type pendingRoute struct {
	origin   *port
	originID uint64
	waiting  map[string]struct{}
}

func NewRouter(logger *zap.Logger, m *metrics.RouterMetrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:  logger,
		metrics: m,
		ports:   make(map[string]*port),
		pending: make(map[uint64]*pendingRoute),
	}
}

var defaultRouter struct {
	once   sync.Once
	router *Router
}

// DefaultRouter returns the process-wide in-memory router used by sessions
// opened without an endpoint.
func DefaultRouter() *Router {
	defaultRouter.once.Do(func() {
		defaultRouter.router = NewRouter(nil, nil)
	})
	return defaultRouter.router
}

// Connect attaches a new in-process session.
func (r *Router) Connect(logger *zap.Logger) (*Session, error) {
	s := newSession(uuid.NewString(), logger)
	p, err := r.attach(s.id, func(f *frame) error {
		s.handleFrame(f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.link = &localLink{router: r, port: p}
	go func() {
		select {
		case <-p.done:
			s.terminate(ErrRouterClosed)
		case <-s.done:
		}
	}()
	return s, nil
}

func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

// Close detaches every session.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	ports := make([]*port, 0, len(r.ports))
	for _, p := range r.ports {
		ports = append(ports, p)
	}
	r.mu.Unlock()

	for _, p := range ports {
		r.detach(p)
	}
}

func (r *Router) attach(id string, deliver func(*frame) error) (*port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}
	if _, exists := r.ports[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	p := &port{
		id:          id,
		deliver:     deliver,
		out:         make(chan *frame, defaultPortQueueDepth),
		done:        make(chan struct{}),
		subscribers: make(map[uint64]string),
		queryables:  make(map[uint64]string),
	}
	r.ports[id] = p
	go r.writeLoop(p)

	r.metrics.SessionAttached()
	r.logger.Debug("Session attached", zap.String("session", id))
	return p, nil
}

func (r *Router) detach(p *port) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ports[p.id] != p {
		return
	}
	delete(r.ports, p.id)
	close(p.done)

	for qid, route := range r.pending {
		if route.origin == p {
			delete(r.pending, qid)
			continue
		}
		if _, ok := route.waiting[p.id]; ok {
			r.finishResponder(qid, p.id)
		}
	}

	r.metrics.SessionDetached()
	r.metrics.SetQueriesPending(len(r.pending))
	r.logger.Debug("Session detached", zap.String("session", p.id))
}

func (r *Router) writeLoop(p *port) {
	for {
		select {
		case f := <-p.out:
			if err := p.deliver(f); err != nil {
				r.logger.Debug("Delivery to session failed",
					zap.String("session", p.id),
					zap.Error(err))
				r.detach(p)
				return
			}
		case <-p.done:
			return
		}
	}
}

// enqueue queues f for p without blocking. Called with r.mu held.
func (r *Router) enqueue(p *port, f *frame) bool {
	select {
	case p.out <- f:
		return true
	default:
		r.metrics.FrameDropped()
		r.logger.Warn("Dropping frame for slow session",
			zap.String("session", p.id),
			zap.Stringer("kind", f.Kind))
		return false
	}
}

// handle routes a frame received from p.
func (r *Router) handle(p *port, f *frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ports[p.id] != p {
		return ErrSessionClosed
	}
	r.metrics.FrameRouted(f.Kind.String())

	switch f.Kind {
	case frameDeclareSubscriber:
		p.subscribers[f.ID] = f.Key
	case frameUndeclareSubscriber:
		delete(p.subscribers, f.ID)
	case frameDeclareQueryable:
		p.queryables[f.ID] = f.Key
	case frameUndeclareQueryable:
		delete(p.queryables, f.ID)
	case framePut:
		out := &frame{Kind: framePut, Key: f.Key, Payload: f.Payload, Origin: p.id}
		for _, dst := range r.ports {
			if matchesAny(dst.subscribers, f.Key) {
				r.enqueue(dst, out)
			}
		}
	case frameQuery:
		r.routeQuery(p, f)
	case frameReply:
		route, ok := r.pending[f.ID]
		if !ok {
			return nil
		}
		if _, waiting := route.waiting[p.id]; !waiting {
			return nil
		}
		r.enqueue(route.origin, &frame{Kind: frameReply, ID: route.originID, Key: f.Key, Payload: f.Payload, Origin: p.id})
	case frameReplyFinal:
		r.finishResponder(f.ID, p.id)
	default:
		r.logger.Warn("Ignoring unknown frame", zap.String("session", p.id), zap.Stringer("kind", f.Kind))
	}
	return nil
}

func (r *Router) routeQuery(origin *port, f *frame) {
	r.nextQueryID++
	route := &pendingRoute{
		origin:   origin,
		originID: f.ID,
		waiting:  make(map[string]struct{}),
	}
	query := &frame{Kind: frameQuery, ID: r.nextQueryID, Key: f.Key, Origin: origin.id}

	for _, dst := range r.ports {
		if matchesAny(dst.queryables, f.Key) && r.enqueue(dst, query) {
			route.waiting[dst.id] = struct{}{}
		}
	}

	if len(route.waiting) == 0 {
		r.enqueue(origin, &frame{Kind: frameReplyFinal, ID: f.ID})
		return
	}
	r.pending[r.nextQueryID] = route
	r.metrics.SetQueriesPending(len(r.pending))
}

// finishResponder records that responder is done with query qid and completes
// the query once no responder is left. Called with r.mu held.
func (r *Router) finishResponder(qid uint64, responder string) {
	route, ok := r.pending[qid]
	if !ok {
		return
	}
	delete(route.waiting, responder)
	if len(route.waiting) > 0 {
		return
	}
	delete(r.pending, qid)
	r.enqueue(route.origin, &frame{Kind: frameReplyFinal, ID: route.originID})
	r.metrics.SetQueriesPending(len(r.pending))
}

func matchesAny(exprs map[uint64]string, key string) bool {
	for _, expr := range exprs {
		if Intersects(expr, key) {
			return true
		}
	}
	return false
}

type localLink struct {
	router *Router
	port   *port
}

func (l *localLink) send(f *frame) error {
	return l.router.handle(l.port, f)
}

func (l *localLink) close() error {
	l.router.detach(l.port)
	return nil
}
