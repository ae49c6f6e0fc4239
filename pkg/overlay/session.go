package overlay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// link carries frames between a session and its router.
type link interface {
	send(f *frame) error
	close() error
}

// Session is one participant of the overlay. Its id is the origin stamped on
// every sample it puts.
type Session struct {
	id     string
	logger *zap.Logger
	link   link

	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	nextID      uint64
	subscribers map[uint64]*Subscriber
	queryables  map[uint64]*Queryable
	queries     map[uint64]*pendingQuery
}

func newSession(id string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:          id,
		logger:      logger.With(zap.String("session", id)),
		done:        make(chan struct{}),
		subscribers: make(map[uint64]*Subscriber),
		queryables:  make(map[uint64]*Queryable),
		queries:     make(map[uint64]*pendingQuery),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed when the session is closed or its link is lost.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() error {
	if !s.shutdown() {
		return nil
	}
	return s.link.close()
}

// terminate closes the session after its link failed.
func (s *Session) terminate(err error) {
	if !s.shutdown() {
		return
	}
	s.logger.Warn("Overlay link lost", zap.Error(err))
	s.link.close()
}

func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	close(s.done)
	queries := s.queries
	s.queries = make(map[uint64]*pendingQuery)
	s.subscribers = make(map[uint64]*Subscriber)
	s.queryables = make(map[uint64]*Queryable)
	s.mu.Unlock()

	for _, q := range queries {
		q.finish()
	}
	return true
}

func (s *Session) send(f *frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.link.send(f)
}

// DeclarePublisher returns a publisher for the concrete key.
func (s *Session) DeclarePublisher(key string) (*Publisher, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return &Publisher{session: s, key: key}, nil
}

func (s *Session) DeclareSubscriber(keyExpr string, opts SubscriberOptions) (*Subscriber, error) {
	if err := ValidateKeyExpr(keyExpr); err != nil {
		return nil, err
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueDepth
	}
	sub := &Subscriber{
		session: s,
		key:     keyExpr,
		allowed: opts.AllowedOrigin,
		queue:   make(chan *Sample, capacity),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextID++
	sub.id = s.nextID
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	if err := s.send(&frame{Kind: frameDeclareSubscriber, ID: sub.id, Key: keyExpr}); err != nil {
		s.mu.Lock()
		delete(s.subscribers, sub.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("declare subscriber %s: %w", keyExpr, err)
	}
	return sub, nil
}

func (s *Session) undeclareSubscriber(id uint64) error {
	s.mu.Lock()
	_, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.send(&frame{Kind: frameUndeclareSubscriber, ID: id})
}

// DeclareQueryable registers handler for queries whose selector intersects
// keyExpr. Handlers run on a goroutine owned by the session.
func (s *Session) DeclareQueryable(keyExpr string, handler func(*Query)) (*Queryable, error) {
	if err := ValidateKeyExpr(keyExpr); err != nil {
		return nil, err
	}
	q := &Queryable{session: s, key: keyExpr, handler: handler}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextID++
	q.id = s.nextID
	s.queryables[q.id] = q
	s.mu.Unlock()

	if err := s.send(&frame{Kind: frameDeclareQueryable, ID: q.id, Key: keyExpr}); err != nil {
		s.mu.Lock()
		delete(s.queryables, q.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("declare queryable %s: %w", keyExpr, err)
	}
	return q, nil
}

func (s *Session) undeclareQueryable(id uint64) error {
	s.mu.Lock()
	_, ok := s.queryables[id]
	delete(s.queryables, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.send(&frame{Kind: frameUndeclareQueryable, ID: id})
}

// Get queries every queryable intersecting selector and collects the replies
// until all responders have finished. When ctx ends first, the replies
// gathered so far are returned together with the context error.
func (s *Session) Get(ctx context.Context, selector string) ([]Reply, error) {
	if err := ValidateKeyExpr(selector); err != nil {
		return nil, err
	}
	pq := &pendingQuery{done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	s.queries[id] = pq
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.queries, id)
		s.mu.Unlock()
	}

	if err := s.send(&frame{Kind: frameQuery, ID: id, Key: selector}); err != nil {
		forget()
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}

	select {
	case <-pq.done:
		select {
		case <-s.done:
			return pq.collected(), ErrSessionClosed
		default:
			return pq.collected(), nil
		}
	case <-ctx.Done():
		forget()
		return pq.collected(), ctx.Err()
	}
}

// handleFrame dispatches a frame from the router. It never blocks on user code.
func (s *Session) handleFrame(f *frame) {
	switch f.Kind {
	case framePut:
		sample := &Sample{Key: f.Key, Payload: f.Payload, Origin: f.Origin}
		local := f.Origin == s.id

		s.mu.Lock()
		targets := make([]*Subscriber, 0, len(s.subscribers))
		for _, sub := range s.subscribers {
			if Intersects(sub.key, f.Key) {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()

		for _, sub := range targets {
			if sub.accepts(local) {
				sub.push(sample)
			}
		}

	case frameQuery:
		s.mu.Lock()
		handlers := make([]*Queryable, 0, len(s.queryables))
		for _, q := range s.queryables {
			if Intersects(q.key, f.Key) {
				handlers = append(handlers, q)
			}
		}
		s.mu.Unlock()
		go s.answer(f.ID, f.Key, handlers)

	case frameReply:
		s.mu.Lock()
		pq := s.queries[f.ID]
		s.mu.Unlock()
		if pq != nil {
			pq.add(Reply{Key: f.Key, Payload: f.Payload, Responder: f.Origin})
		}

	case frameReplyFinal:
		s.mu.Lock()
		pq := s.queries[f.ID]
		delete(s.queries, f.ID)
		s.mu.Unlock()
		if pq != nil {
			pq.finish()
		}

	default:
		s.logger.Debug("Ignoring frame", zap.Stringer("kind", f.Kind))
	}
}

func (s *Session) answer(id uint64, selector string, handlers []*Queryable) {
	for _, q := range handlers {
		q.handler(&Query{session: s, id: id, selector: selector})
	}
	if err := s.send(&frame{Kind: frameReplyFinal, ID: id}); err != nil {
		s.logger.Debug("Failed to finish query", zap.String("selector", selector), zap.Error(err))
	}
}
