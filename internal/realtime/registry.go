// Package realtime is the in-memory index of live realtime
// connections, keyed by client id and by scope key. Delivery is
// best-effort at-most-once; clients rediscover missed wake-ups by
// pulling after reconnect.
package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Wire event names.
const (
	EventSync      = "sync"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// Conn is one live realtime connection. Send must be safe for
// concurrent use; a closed connection returns an error and is treated
// as a no-op by visitors.
type Conn interface {
	ClientID() string
	Send(event string, data any) error
	Close() error
}

type entry struct {
	conn      Conn
	clientID  string
	scopeKeys map[string]struct{}
}

// Registry is the many-to-many connection index. It is constructed and
// torn down with the HTTP server and holds no persistent state.
type Registry struct {
	mu       sync.RWMutex
	byClient map[string]map[*entry]struct{}
	byScope  map[string]map[*entry]struct{}
	closed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClient: make(map[string]map[*entry]struct{}),
		byScope:  make(map[string]map[*entry]struct{}),
	}
}

// Register indexes a connection under its initial scope keys and
// returns the matching unregister function.
func (r *Registry) Register(conn Conn, scopeKeys []string) (unregister func()) {
	e := &entry{
		conn:      conn,
		clientID:  conn.ClientID(),
		scopeKeys: make(map[string]struct{}, len(scopeKeys)),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	if r.byClient[e.clientID] == nil {
		r.byClient[e.clientID] = make(map[*entry]struct{})
	}
	r.byClient[e.clientID][e] = struct{}{}
	for _, key := range scopeKeys {
		e.scopeKeys[key] = struct{}{}
		if r.byScope[key] == nil {
			r.byScope[key] = make(map[*entry]struct{})
		}
		r.byScope[key][e] = struct{}{}
	}

	return func() { r.drop(e) }
}

// UpdateClientScopeKeys re-indexes every connection of a client under a
// new scope key set, typically after a pull reports new effective
// scopes.
func (r *Registry) UpdateClientScopeKeys(clientID string, scopeKeys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := range r.byClient[clientID] {
		for key := range e.scopeKeys {
			delete(r.byScope[key], e)
			if len(r.byScope[key]) == 0 {
				delete(r.byScope, key)
			}
		}
		e.scopeKeys = make(map[string]struct{}, len(scopeKeys))
		for _, key := range scopeKeys {
			e.scopeKeys[key] = struct{}{}
			if r.byScope[key] == nil {
				r.byScope[key] = make(map[*entry]struct{})
			}
			r.byScope[key][e] = struct{}{}
		}
	}
}

// ForEachConnectionInScopeKeys visits every connection indexed under
// any of the scope keys, at most once each, skipping excluded clients.
// Visitors run outside the lock on a snapshot of the affected set and
// must tolerate connections closed mid-iteration.
func (r *Registry) ForEachConnectionInScopeKeys(scopeKeys []string, visit func(Conn), excludeClientIDs ...string) {
	exclude := make(map[string]struct{}, len(excludeClientIDs))
	for _, id := range excludeClientIDs {
		exclude[id] = struct{}{}
	}

	r.mu.RLock()
	seen := make(map[*entry]struct{})
	var snapshot []Conn
	for _, key := range scopeKeys {
		for e := range r.byScope[key] {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			if _, skip := exclude[e.clientID]; skip {
				continue
			}
			snapshot = append(snapshot, e.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		visit(c)
	}
}

// NotifySync sends a sync wake-up to every connection in the given
// scope buckets, excluding the originating client.
func (r *Registry) NotifySync(scopeKeys []string, cursor int64, originClientID string) {
	payload := map[string]any{
		"cursor":    cursor,
		"timestamp": time.Now().UTC().UnixMilli(),
	}
	r.ForEachConnectionInScopeKeys(scopeKeys, func(c Conn) {
		if err := c.Send(EventSync, payload); err != nil {
			log.Debug().Err(err).Str("client_id", c.ClientID()).Msg("sync wake-up dropped")
		}
	}, originClientID)
}

// CloseClientConnections closes and drops every connection of a client.
func (r *Registry) CloseClientConnections(clientID string) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.byClient[clientID]))
	for e := range r.byClient[clientID] {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.conn.Close()
		r.drop(e)
	}
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.byClient {
		n += len(set)
	}
	return n
}

// RunHeartbeat sends heartbeat events at the given interval until stop
// is closed. Send failures are left to the connection's own read/write
// loops to clean up.
func (r *Registry) RunHeartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload := map[string]any{"timestamp": time.Now().UTC().UnixMilli()}
			r.mu.RLock()
			var snapshot []Conn
			for _, set := range r.byClient {
				for e := range set {
					snapshot = append(snapshot, e.conn)
				}
			}
			r.mu.RUnlock()
			for _, c := range snapshot {
				if err := c.Send(EventHeartbeat, payload); err != nil {
					log.Debug().Err(err).Str("client_id", c.ClientID()).Msg("heartbeat dropped")
				}
			}
		}
	}
}

// Shutdown closes every connection and stops accepting registrations.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	var conns []Conn
	for _, set := range r.byClient {
		for e := range set {
			conns = append(conns, e.conn)
		}
	}
	r.byClient = make(map[string]map[*entry]struct{})
	r.byScope = make(map[string]map[*entry]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (r *Registry) drop(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byClient[e.clientID]; ok {
		delete(set, e)
		if len(set) == 0 {
			delete(r.byClient, e.clientID)
		}
	}
	for key := range e.scopeKeys {
		delete(r.byScope[key], e)
		if len(r.byScope[key]) == 0 {
			delete(r.byScope, key)
		}
	}
}
