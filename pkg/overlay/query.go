package overlay

import (
	"fmt"
	"sync"
)

type Queryable struct {
	id      uint64
	session *Session
	key     string
	handler func(*Query)
}

func (q *Queryable) Key() string { return q.key }

func (q *Queryable) Close() error {
	return q.session.undeclareQueryable(q.id)
}

// Query is an incoming request handed to a queryable's handler.
type Query struct {
	session  *Session
	id       uint64
	selector string
}

func (q *Query) Selector() string { return q.selector }

// Reply answers the query with payload under key, which must match the
// selector.
func (q *Query) Reply(key string, payload []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !Intersects(key, q.selector) {
		return fmt.Errorf("%w: reply key %q outside selector %q", ErrInvalidKey, key, q.selector)
	}
	return q.session.send(&frame{Kind: frameReply, ID: q.id, Key: key, Payload: payload})
}

type Reply struct {
	Key       string
	Payload   []byte
	Responder string
}

type pendingQuery struct {
	mu       sync.Mutex
	replies  []Reply
	finished bool
	done     chan struct{}
}

func (p *pendingQuery) add(r Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished {
		p.replies = append(p.replies, r)
	}
}

func (p *pendingQuery) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished {
		p.finished = true
		close(p.done)
	}
}

func (p *pendingQuery) collected() []Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Reply(nil), p.replies...)
}
