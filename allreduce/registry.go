package allreduce

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ujvl/ring-allreduce/simulator"
)

// A NodeID names a logical worker. The ID survives the
// worker process: a restarted worker re-registers the same
// ID under its new port.
type NodeID string

// NewNodeID creates a fresh NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// A Registry resolves NodeIDs to ports. Workers hold each
// other's IDs rather than ports, so a peer that crashes
// and comes back under a new port stays reachable.
type Registry struct {
	mu    sync.RWMutex
	ports map[NodeID]*simulator.Port
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ports: map[NodeID]*simulator.Port{}}
}

// Register binds id to port, replacing any previous
// binding.
func (r *Registry) Register(id NodeID, port *simulator.Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[id] = port
}

// Lookup resolves id to its current port.
func (r *Registry) Lookup(id NodeID) *simulator.Port {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok := r.ports[id]
	if !ok {
		panic(fmt.Sprintf("unknown node: %s", id))
	}
	return port
}
