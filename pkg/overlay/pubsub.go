package overlay

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueDepth is the subscriber queue depth used when none is given.
const DefaultQueueDepth = 10

// Locality restricts which samples a subscriber accepts by origin.
type Locality int

const (
	Any Locality = iota
	SessionLocal
	Remote
)

type SubscriberOptions struct {
	Capacity      int
	AllowedOrigin Locality
}

// Sample is a received put. Payload is shared and must not be modified.
type Sample struct {
	Key     string
	Payload []byte
	Origin  string
}

type Publisher struct {
	session *Session
	key     string
	closed  atomic.Bool
}

func (p *Publisher) Key() string { return p.key }

// Put publishes payload. The publisher keeps no reference to payload, but
// receivers in the same process share it, so it must not be modified after
// the call.
func (p *Publisher) Put(payload []byte) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	return p.session.send(&frame{Kind: framePut, Key: p.key, Payload: payload})
}

func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}

// Subscriber buffers matching samples in a bounded queue. When the queue is
// full the oldest sample is dropped.
type Subscriber struct {
	id      uint64
	session *Session
	key     string
	allowed Locality

	pushMu  sync.Mutex
	queue   chan *Sample
	dropped atomic.Uint64
	closed  atomic.Bool
}

func (s *Subscriber) Key() string { return s.key }

// Dropped returns how many samples were discarded on overflow.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// TryRecv returns the oldest queued sample without blocking.
func (s *Subscriber) TryRecv() (*Sample, bool) {
	select {
	case sample := <-s.queue:
		return sample, true
	default:
		return nil, false
	}
}

func (s *Subscriber) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.session.undeclareSubscriber(s.id)
}

func (s *Subscriber) accepts(local bool) bool {
	switch s.allowed {
	case SessionLocal:
		return local
	case Remote:
		return !local
	default:
		return true
	}
}

func (s *Subscriber) push(sample *Sample) {
	if s.closed.Load() {
		return
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	for {
		select {
		case s.queue <- sample:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}
