// Package ipc is a host-local publish-subscribe bus. Services live in a named
// domain; every Node attached to the same domain sees the same services.
// Payloads are handed from publisher to subscribers without copying.
package ipc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ipctunnel/pkg/types"
)

const DefaultDomain = "ipctunnel"

type Config struct {
	Domain string `mapstructure:"domain" json:"domain"`
}

func DefaultConfig() Config {
	return Config{Domain: DefaultDomain}
}

// IsolatedConfig returns a config for a fresh domain no other config shares.
func IsolatedConfig() Config {
	return Config{Domain: "isolated-" + uuid.NewString()}
}

func (c Config) domainName() (string, error) {
	if c.Domain == "" {
		return DefaultDomain, nil
	}
	if strings.ContainsAny(c.Domain, "/ \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, c.Domain)
	}
	return c.Domain, nil
}

var registry = struct {
	sync.Mutex
	domains map[string]*domain
}{domains: make(map[string]*domain)}

type domain struct {
	name     string
	mu       sync.Mutex
	services map[types.ServiceID]*service
}

func lookupDomain(cfg Config) (*domain, error) {
	name, err := cfg.domainName()
	if err != nil {
		return nil, err
	}

	registry.Lock()
	defer registry.Unlock()

	d, ok := registry.domains[name]
	if !ok {
		d = &domain{name: name, services: make(map[types.ServiceID]*service)}
		registry.domains[name] = d
	}
	return d, nil
}

// ListServices returns the static config of every service currently alive in
// the domain, ordered by service id.
func ListServices(cfg Config) ([]types.StaticConfig, error) {
	d, err := lookupDomain(cfg)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	list := make([]types.StaticConfig, 0, len(d.services))
	for _, svc := range d.services {
		list = append(list, cloneStatic(svc.static))
	}
	d.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ServiceID < list[j].ServiceID })
	return list, nil
}

// openOrCreate returns the live service with the id of static, creating it
// when absent, and takes a reference for nodeID. check validates an existing
// service against the request.
func (d *domain) openOrCreate(static types.StaticConfig, nodeID string, check func(existing types.StaticConfig) error) (*service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if svc, ok := d.services[static.ServiceID]; ok {
		if err := check(svc.static); err != nil {
			return nil, err
		}
		if _, attached := svc.nodes[nodeID]; !attached {
			if limit := svc.maxNodes(); limit > 0 && len(svc.nodes) >= limit {
				return nil, fmt.Errorf("%w: limit %d on %q", ErrExceedsMaxNodes, limit, static.Name)
			}
		}
		svc.nodes[nodeID]++
		return svc, nil
	}

	svc := &service{
		dom:         d,
		static:      static,
		nodes:       map[string]int{nodeID: 1},
		publishers:  make(map[uint64]*Publisher),
		subscribers: make(map[uint64]*Subscriber),
	}
	d.services[static.ServiceID] = svc
	return svc, nil
}

func (d *domain) acquire(svc *service, nodeID string) {
	d.mu.Lock()
	svc.nodes[nodeID]++
	d.mu.Unlock()
}

// release drops one reference of nodeID. The node detaches with its last
// reference and the service leaves the domain when no node is attached.
func (d *domain) release(svc *service, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	svc.nodes[nodeID]--
	if svc.nodes[nodeID] <= 0 {
		delete(svc.nodes, nodeID)
	}
	if len(svc.nodes) == 0 && d.services[svc.static.ServiceID] == svc {
		delete(d.services, svc.static.ServiceID)
	}
}

func cloneStatic(c types.StaticConfig) types.StaticConfig {
	if c.PublishSubscribe != nil {
		ps := *c.PublishSubscribe
		c.PublishSubscribe = &ps
	}
	if c.Event != nil {
		ev := *c.Event
		c.Event = &ev
	}
	return c
}
