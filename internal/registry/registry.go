package registry

import (
	"sync"

	"github.com/chess-site/coordinator/internal/rules"
)

// Binding ties a transport connection to a session slot.
type Binding struct {
	Code     string
	Color    rules.Color
	PlayerID string
}

type slotKey struct {
	code  string
	color rules.Color
}

// Registry tracks connection↔slot bindings. At most one connection holds a
// given (code, color) slot at any instant; binding over an occupied slot
// evicts the previous holder.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Binding
	bySlot map[slotKey]string
}

func New() *Registry {
	return &Registry{
		byConn: make(map[string]Binding),
		bySlot: make(map[slotKey]string),
	}
}

// Bind assigns the slot to connID and returns the evicted connection id, if
// any. The caller decides whether an eviction is allowed before calling.
func (r *Registry) Bind(connID, code string, color rules.Color, playerID string) (evicted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey{code: code, color: color}
	if prev, ok := r.bySlot[key]; ok && prev != connID {
		evicted = prev
		delete(r.byConn, prev)
	}
	// A connection holds at most one slot; rebinding releases the old one.
	if old, ok := r.byConn[connID]; ok {
		delete(r.bySlot, slotKey{code: old.Code, color: old.Color})
	}
	r.byConn[connID] = Binding{Code: code, Color: color, PlayerID: playerID}
	r.bySlot[key] = connID
	return evicted
}

// Identify returns the binding for a connection.
func (r *Registry) Identify(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byConn[connID]
	return b, ok
}

// Holder returns the connection currently bound to the slot.
func (r *Registry) Holder(code string, color rules.Color) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySlot[slotKey{code: code, color: color}]
	return id, ok
}

// Unbind releases whatever slot connID holds. Safe to call twice.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	key := slotKey{code: b.Code, color: b.Color}
	if r.bySlot[key] == connID {
		delete(r.bySlot, key)
	}
}
