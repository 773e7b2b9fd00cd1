package connmgr

import (
	"context"
	"sync"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
)

const CapabilityHStore = "hstore"

type capabilityKey struct {
	identity pq.TargetIdentity
	name     string
}

// ProbeFunc answers whether a capability is available on the borrowed
// connection.
type ProbeFunc func(ctx context.Context, conn pq.Connection) (bool, error)

// Capabilities remembers per-target feature probes. A probe runs at most once
// per (target, capability) for the lifetime of the cache, regardless of how
// many callers ask.
type Capabilities struct {
	manager *Manager
	flags   map[capabilityKey]bool
	probes  map[string]int
	mu      sync.Mutex
}

func NewCapabilities(manager *Manager) *Capabilities {
	return &Capabilities{
		manager: manager,
		flags:   make(map[capabilityKey]bool),
		probes:  make(map[string]int),
	}
}

func (c *Capabilities) Probe(ctx context.Context, identity pq.TargetIdentity, name string, probe ProbeFunc) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := capabilityKey{identity: identity, name: name}
	if flag, ok := c.flags[key]; ok {
		return flag, nil
	}

	conn, err := c.manager.Acquire(ctx, identity)
	if err != nil {
		return false, err
	}

	flag, err := probe(ctx, conn)
	if err != nil {
		return false, errors.Wrap(err, "capability probe "+name)
	}

	c.flags[key] = flag
	c.probes[name]++
	logger.Debug("capability probed", "target", identity.String(), "capability", name, "available", flag)

	return flag, nil
}

// HStoreAvailable probes for the hstore extension on the given target.
func (c *Capabilities) HStoreAvailable(ctx context.Context, identity pq.TargetIdentity) (bool, error) {
	return c.Probe(ctx, identity, CapabilityHStore, func(ctx context.Context, conn pq.Connection) (bool, error) {
		reader := conn.ExecParams(ctx, "SELECT count(*) FROM pg_extension WHERE extname = 'hstore'", nil)
		result := reader.Read()
		if result.Err != nil {
			return false, result.Err
		}
		if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
			return false, nil
		}
		return string(result.Rows[0][0]) != "0", nil
	})
}

// ProbeCount reports how many times the named probe actually executed.
func (c *Capabilities) ProbeCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes[name]
}
