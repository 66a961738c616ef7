// ABOUTME: Tenant-keyed registry of live protocol connections and client bindings
// ABOUTME: Single source of truth for "is this tenant's connection usable right now"

package session

import (
	"sync"

	"github.com/2389/relay-gateway/internal/protocol"
)

// Registry maps tenants to their open connection and their attached client.
// The lock is held only for map access; nothing here blocks on I/O.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]protocol.Connection
	bindings map[string]ClientChannel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:  make(map[string]protocol.Connection),
		bindings: make(map[string]ClientChannel),
	}
}

// Get returns the tenant's open connection, if any.
func (r *Registry) Get(tenantID string) (protocol.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[tenantID]
	return h, ok
}

// Set registers h as the tenant's open connection and returns whatever was
// registered before. Only the tenant's supervisor calls Set.
func (r *Registry) Set(tenantID string, h protocol.Connection) protocol.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.handles[tenantID]
	r.handles[tenantID] = h
	return prev
}

// Remove drops the tenant's connection unconditionally.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, tenantID)
}

// RemoveIf drops the tenant's connection only if it is h.
func (r *Registry) RemoveIf(tenantID string, h protocol.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[tenantID]; ok && cur == h {
		delete(r.handles, tenantID)
		return true
	}
	return false
}

// Len returns how many tenants have an open connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// ReplaceClientBinding attaches ch to the tenant and returns the channel it superseded.
func (r *Registry) ReplaceClientBinding(tenantID string, ch ClientChannel) ClientChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.bindings[tenantID]
	r.bindings[tenantID] = ch
	return prev
}

// ClearClientBinding detaches ch, but only if it is still the bound channel.
func (r *Registry) ClearClientBinding(tenantID string, ch ClientChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bindings[tenantID]; ok && cur == ch {
		delete(r.bindings, tenantID)
		return true
	}
	return false
}

// Binding returns the tenant's attached client channel, if any.
func (r *Registry) Binding(tenantID string) (ClientChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.bindings[tenantID]
	return ch, ok
}
