package ipc

import "sync"

type SubscriberOptions struct {
	// BufferSize defaults to the service's subscriber max buffer size.
	BufferSize int
	// IgnoreSameNode drops samples sent by publishers of the subscriber's node.
	IgnoreSameNode bool
}

type Header struct {
	NodeID      string
	PublisherID uint64
}

// Sample is a received payload. It is shared with other subscribers and must
// not be modified.
type Sample struct {
	payload []byte
	header  Header
}

func (s *Sample) Payload() []byte { return s.payload }
func (s *Sample) Len() int        { return len(s.payload) }
func (s *Sample) Header() Header  { return s.header }

type Subscriber struct {
	id             uint64
	svc            *service
	node           *Node
	ignoreSameNode bool
	capacity       int

	mu     sync.Mutex
	queue  []*Sample
	closed bool
}

func (s *Subscriber) BufferSize() int { return s.capacity }

// Receive returns the oldest buffered sample, or nil when none is buffered.
func (s *Subscriber) Receive() (*Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrPortClosed
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	sample := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return sample, nil
}

func (s *Subscriber) Close() error {
	s.svc.mu.Lock()
	_, registered := s.svc.subscribers[s.id]
	delete(s.svc.subscribers, s.id)
	s.svc.mu.Unlock()

	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	if wasClosed || !registered {
		return nil
	}
	s.node.untrack(s)
	s.svc.dom.release(s.svc, s.node.id)
	return nil
}

func (s *Subscriber) accepts(sample *Sample) bool {
	return !s.ignoreSameNode || sample.header.NodeID != s.node.id
}

// push appends sample, dropping the oldest one when the buffer is full.
func (s *Subscriber) push(sample *Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if len(s.queue) >= s.capacity {
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, sample)
}
