package ipc

import (
	"fmt"
	"sync"

	"ipctunnel/pkg/types"
)

type service struct {
	dom    *domain
	static types.StaticConfig

	// nodes counts handles and ports per attached node id. Guarded by dom.mu.
	nodes map[string]int

	mu          sync.Mutex
	nextPortID  uint64
	publishers  map[uint64]*Publisher
	subscribers map[uint64]*Subscriber
	history     []*Sample
}

// Service is a node's handle on a service. Ports keep the service alive after
// the handle is closed.
type Service struct {
	node *Node
	svc  *service

	mu     sync.Mutex
	closed bool
}

func (s *Service) ID() types.ServiceID     { return s.svc.static.ServiceID }
func (s *Service) Name() types.ServiceName { return s.svc.static.Name }

func (s *Service) StaticConfig() types.StaticConfig {
	return cloneStatic(s.svc.static)
}

func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.node.untrack(s)
	s.svc.dom.release(s.svc, s.node.id)
	return nil
}

func (svc *service) maxNodes() int {
	if ps := svc.static.PublishSubscribe; ps != nil {
		return ps.MaxNodes
	}
	return 0
}

func (s *Service) pubSub() (*types.PublishSubscribeConfig, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServiceClosed
	}
	ps := s.svc.static.PublishSubscribe
	if ps == nil {
		return nil, fmt.Errorf("%w: %q is a %s service", ErrIncompatiblePattern, s.svc.static.Name, s.svc.static.Pattern)
	}
	return ps, nil
}

func (s *Service) CreatePublisher(opts PublisherOptions) (*Publisher, error) {
	ps, err := s.pubSub()
	if err != nil {
		return nil, err
	}

	payload := ps.MessageTypeDetails.Payload
	maxLen := opts.InitialMaxSliceLen
	if payload.Variant == types.FixedSize || maxLen < payload.Size {
		maxLen = payload.Size
	}

	p := &Publisher{
		svc:      s.svc,
		node:     s.node,
		strategy: opts.AllocationStrategy,
		payload:  payload,
		maxLen:   maxLen,
	}
	if err := s.node.track(p); err != nil {
		return nil, err
	}

	s.svc.mu.Lock()
	if len(s.svc.publishers) >= ps.MaxPublishers {
		s.svc.mu.Unlock()
		s.node.untrack(p)
		return nil, fmt.Errorf("%w: limit %d on %q", ErrExceedsMaxPublishers, ps.MaxPublishers, s.svc.static.Name)
	}
	s.svc.nextPortID++
	p.id = s.svc.nextPortID
	s.svc.publishers[p.id] = p
	s.svc.mu.Unlock()

	s.svc.dom.acquire(s.svc, s.node.id)
	return p, nil
}

func (s *Service) CreateSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	ps, err := s.pubSub()
	if err != nil {
		return nil, err
	}

	capacity := opts.BufferSize
	if capacity <= 0 {
		capacity = ps.SubscriberMaxBufferSize
	}
	if capacity > ps.SubscriberMaxBufferSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBufferSizeExceeded, capacity, ps.SubscriberMaxBufferSize)
	}

	sub := &Subscriber{
		svc:            s.svc,
		node:           s.node,
		ignoreSameNode: opts.IgnoreSameNode,
		capacity:       capacity,
	}
	if err := s.node.track(sub); err != nil {
		return nil, err
	}

	s.svc.mu.Lock()
	if len(s.svc.subscribers) >= ps.MaxSubscribers {
		s.svc.mu.Unlock()
		s.node.untrack(sub)
		return nil, fmt.Errorf("%w: limit %d on %q", ErrExceedsMaxSubscribers, ps.MaxSubscribers, s.svc.static.Name)
	}
	s.svc.nextPortID++
	sub.id = s.svc.nextPortID
	s.svc.subscribers[sub.id] = sub
	for _, sample := range s.svc.history {
		if sub.accepts(sample) {
			sub.push(sample)
		}
	}
	s.svc.mu.Unlock()

	s.svc.dom.acquire(s.svc, s.node.id)
	return sub, nil
}

// deliver hands sample to every accepting subscriber and records it in the
// history. It returns the number of subscribers reached.
func (svc *service) deliver(sample *Sample) int {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	delivered := 0
	for _, sub := range svc.subscribers {
		if sub.accepts(sample) {
			sub.push(sample)
			delivered++
		}
	}

	if depth := svc.static.PublishSubscribe.HistorySize; depth > 0 {
		svc.history = append(svc.history, sample)
		if over := len(svc.history) - depth; over > 0 {
			svc.history = append(svc.history[:0:0], svc.history[over:]...)
		}
	}
	return delivered
}
