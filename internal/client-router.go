package sessioncontroller

import (
	"fmt"
	"sync"

	"github.com/chatmesh/session-controller/internal/transport"
)

var ErrClientNotFound = fmt.Errorf("The client with the provided identifier was not found")

// ClientRouter routes outbound RPC traffic to the transport client of a
// specific cluster member.
type ClientRouter interface {
	AddClient(nodeID string, client transport.Caller)
	GetClient(nodeID string) (transport.Caller, error)
	RemoveClient(nodeID string)
	Close()
}

// mapClientRouter implements the ClientRouter interface ontop of a simple
// map structure.
type mapClientRouter struct {
	rw    sync.RWMutex
	cache map[string]transport.Caller
}

func NewMapClientRouter() ClientRouter {
	r := mapClientRouter{
		cache: map[string]transport.Caller{},
	}

	return &r
}

// AddClient adds the client for the given nodeID to the underlying
// map cache. A previous client for the same nodeID is drained: calls
// already in flight on it complete or time out on their own.
//
// This method is safe for concurrent use.
func (r *mapClientRouter) AddClient(nodeID string, client transport.Caller) {
	defer r.rw.Unlock()
	r.rw.Lock()

	if previous, ok := r.cache[nodeID]; ok {
		previous.Drain()
	}
	r.cache[nodeID] = client
}

// GetClient fetches the client for the given nodeID or returns an
// error if none exists.
//
// This method is safe for concurrent use.
func (r *mapClientRouter) GetClient(nodeID string) (transport.Caller, error) {
	defer r.rw.RUnlock()
	r.rw.RLock()

	client, ok := r.cache[nodeID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// RemoveClient removes the client for the given nodeID from the map
// cache and drains it: no new call can reach the node, while calls
// already in flight complete or time out on their own.
//
// This method is safe for concurrent use.
func (r *mapClientRouter) RemoveClient(nodeID string) {
	defer r.rw.Unlock()
	r.rw.Lock()

	if client, ok := r.cache[nodeID]; ok {
		client.Drain()
		delete(r.cache, nodeID)
	}
}

// Close closes every routed client, failing their in-flight calls. It is
// the process shutdown path; eviction goes through RemoveClient.
func (r *mapClientRouter) Close() {
	defer r.rw.Unlock()
	r.rw.Lock()

	for nodeID, client := range r.cache {
		client.Close()
		delete(r.cache, nodeID)
	}
}
