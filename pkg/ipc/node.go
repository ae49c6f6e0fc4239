package ipc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"ipctunnel/pkg/types"
)

// Node is a participant in a domain. Every service handle and port is created
// through a node and is released when the node closes.
type Node struct {
	id   string
	name string
	dom  *domain

	mu        sync.Mutex
	closed    bool
	resources map[io.Closer]struct{}
}

func NewNode(cfg Config, name string) (*Node, error) {
	dom, err := lookupDomain(cfg)
	if err != nil {
		return nil, fmt.Errorf("create node %q: %w", name, err)
	}
	return &Node{
		id:        uuid.NewString(),
		name:      name,
		dom:       dom,
		resources: make(map[io.Closer]struct{}),
	}, nil
}

func (n *Node) ID() string     { return n.id }
func (n *Node) Name() string   { return n.name }
func (n *Node) Domain() string { return n.dom.name }

// OpenOrCreatePublishSubscribe opens the publish-subscribe service called
// name, creating it with cfg when it does not exist yet. An existing service
// must carry the same payload and user header types.
func (n *Node) OpenOrCreatePublishSubscribe(name types.ServiceName, cfg types.PublishSubscribeConfig) (*Service, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	static := types.StaticConfig{
		ServiceID:        types.NewServiceID(name, types.PublishSubscribe),
		Name:             name,
		Pattern:          types.PublishSubscribe,
		PublishSubscribe: &cfg,
	}

	return n.open(static, func(existing types.StaticConfig) error {
		have := existing.PublishSubscribe.MessageTypeDetails
		want := cfg.MessageTypeDetails
		if have.Payload != want.Payload || have.UserHeader != want.UserHeader {
			return fmt.Errorf("%w: service %q carries payload %q", ErrIncompatibleTypes, name, have.Payload.TypeName)
		}
		return nil
	})
}

// OpenOrCreateEvent opens or creates an event service. Event services are
// registered in the domain but carry no ports.
func (n *Node) OpenOrCreateEvent(name types.ServiceName, cfg types.EventConfig) (*Service, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxNotifiers <= 0 {
		cfg.MaxNotifiers = 16
	}
	if cfg.MaxListeners <= 0 {
		cfg.MaxListeners = 16
	}
	static := types.StaticConfig{
		ServiceID: types.NewServiceID(name, types.Event),
		Name:      name,
		Pattern:   types.Event,
		Event:     &cfg,
	}
	return n.open(static, func(types.StaticConfig) error { return nil })
}

func (n *Node) open(static types.StaticConfig, check func(types.StaticConfig) error) (*Service, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}

	svc, err := n.dom.openOrCreate(static, n.id, check)
	if err != nil {
		return nil, err
	}

	handle := &Service{node: n, svc: svc}
	if err := n.track(handle); err != nil {
		n.dom.release(svc, n.id)
		return nil, err
	}
	return handle, nil
}

// Close releases every service handle and port created through the node.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	resources := make([]io.Closer, 0, len(n.resources))
	for r := range n.resources {
		resources = append(resources, r)
	}
	n.mu.Unlock()

	var errs []error
	for _, r := range resources {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Node) track(r io.Closer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	n.resources[r] = struct{}{}
	return nil
}

func (n *Node) untrack(r io.Closer) {
	n.mu.Lock()
	delete(n.resources, r)
	n.mu.Unlock()
}
