// Package tracker follows the services of a local domain between syncs.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/types"
)

var ErrUnknownService = errors.New("unknown service")

// Tracker remembers the services seen by the last Sync.
type Tracker struct {
	mu       sync.RWMutex
	services map[types.ServiceID]types.StaticConfig
}

func New() *Tracker {
	return &Tracker{services: make(map[types.ServiceID]types.StaticConfig)}
}

// Sync lists the services alive in the domain of cfg and reports which ids
// appeared and which disappeared since the previous call. Both slices are
// ordered by id.
func (t *Tracker) Sync(cfg ipc.Config) (added, removed []types.ServiceID, err error) {
	list, err := ipc.ListServices(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("list services: %w", err)
	}

	current := make(map[types.ServiceID]types.StaticConfig, len(list))
	for _, static := range list {
		current[static.ServiceID] = static
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range current {
		if _, known := t.services[id]; !known {
			added = append(added, id)
		}
	}
	for id := range t.services {
		if _, alive := current[id]; !alive {
			removed = append(removed, id)
		}
	}
	t.services = current

	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed, nil
}

// Get returns the static config captured for id by the last Sync.
func (t *Tracker) Get(id types.ServiceID) (types.StaticConfig, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	static, ok := t.services[id]
	if !ok {
		return types.StaticConfig{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return static, nil
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.services)
}
