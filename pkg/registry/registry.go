// Package registry tracks live session handlers by logical id. Handlers
// enter under a random ephemeral id and are promoted to a durable role id
// once the client announces itself. At most one live handler may hold a
// given id, and at most one id may be active per source IP; conflicts are
// resolved by evicting the older handler.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/metrics"
)

// Handler is the registry's view of a session connection.
type Handler interface {
	// ID returns the handler's current logical id.
	ID() string

	// RemoteIP returns the source address without port.
	RemoteIP() string

	// Connected reports whether the underlying socket is still usable.
	Connected() bool

	// Close tears the connection down. Must be safe to call more than
	// once and from any goroutine.
	Close() error
}

// Registry is safe for concurrent use by connection handlers and the
// periodic sweep.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler

	// IP index has its own lock so eviction-by-IP never contends with
	// the main map during a slow Close.
	ipMu    sync.Mutex
	ipIndex map[string]string // source IP -> logical id

	log *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		ipIndex:  make(map[string]string),
		log:      log.With("component", "registry"),
	}
}

// NewEphemeralID returns a random id for a connection that has not yet
// announced its role.
func NewEphemeralID() string {
	return "conn-" + uuid.NewString()
}

// Register installs h under id, evicting any live handler already holding
// the id and any other id registered from the same source IP.
func (r *Registry) Register(id string, h Handler) {
	r.evictByIP(h.RemoteIP(), id)

	r.mu.Lock()
	prev := r.handlers[id]
	r.handlers[id] = h
	size := len(r.handlers)
	r.mu.Unlock()

	if prev != nil && prev != h {
		r.log.Info("Evicting duplicate client", "id", id, "remote", prev.RemoteIP())
		metrics.EvictionCount.WithLabelValues("duplicate_id").Inc()
		r.clearIP(prev.RemoteIP(), id)
		prev.Close()
	}

	r.setIP(h.RemoteIP(), id)
	metrics.ConnectedClients.Set(float64(size))
}

// Promote atomically moves the handler registered under oldID to newID.
// A different live handler already holding newID is evicted; the promotion
// is a no-op when oldID is unknown. Reports whether a handler moved.
func (r *Registry) Promote(oldID, newID string) bool {
	if oldID == newID {
		return false
	}

	r.mu.Lock()
	h, ok := r.handlers[oldID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.handlers, oldID)
	prev := r.handlers[newID]
	r.handlers[newID] = h
	r.mu.Unlock()

	if prev != nil && prev != h {
		r.log.Info("Evicting client on promotion", "id", newID, "remote", prev.RemoteIP())
		metrics.EvictionCount.WithLabelValues("promotion").Inc()
		r.clearIP(prev.RemoteIP(), newID)
		prev.Close()
	}

	r.setIP(h.RemoteIP(), newID)
	r.log.Debug("Promoted client", "from", oldID, "to", newID)
	return true
}

// Remove deregisters id. When h is non-nil the entry is dropped only if it
// still belongs to h, so a handler finishing its cleanup cannot remove a
// successor that already took over the id. Idempotent.
func (r *Registry) Remove(id string, h Handler) {
	r.mu.Lock()
	current, ok := r.handlers[id]
	if ok && (h == nil || current == h) {
		delete(r.handlers, id)
	} else {
		ok = false
	}
	size := len(r.handlers)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.ipMu.Lock()
	ip := current.RemoteIP()
	if r.ipIndex[ip] == id {
		delete(r.ipIndex, ip)
	}
	r.ipMu.Unlock()

	metrics.ConnectedClients.Set(float64(size))
}

// Get returns the handler registered under id, if any.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[id]
	return h, ok
}

// EvictByIP closes and removes any handler registered from ip, except one
// holding keepID. Used before admitting a new connection so a client app
// restart never leaks its stale session.
func (r *Registry) EvictByIP(ip string) {
	r.evictByIP(ip, "")
}

func (r *Registry) evictByIP(ip, keepID string) {
	r.ipMu.Lock()
	id, ok := r.ipIndex[ip]
	if ok && id != keepID {
		delete(r.ipIndex, ip)
	}
	r.ipMu.Unlock()

	if !ok || id == keepID {
		return
	}

	r.mu.Lock()
	h, live := r.handlers[id]
	if live {
		delete(r.handlers, id)
	}
	size := len(r.handlers)
	r.mu.Unlock()

	if live {
		r.log.Info("Evicting stale session from same source", "id", id, "remote", ip)
		metrics.EvictionCount.WithLabelValues("same_ip").Inc()
		h.Close()
		metrics.ConnectedClients.Set(float64(size))
	}
}

func (r *Registry) setIP(ip, id string) {
	r.ipMu.Lock()
	r.ipIndex[ip] = id
	r.ipMu.Unlock()
}

// clearIP drops ip's index entry while it still points at id, so an
// evicted handler's source cannot later evict the id's new owner.
func (r *Registry) clearIP(ip, id string) {
	r.ipMu.Lock()
	if r.ipIndex[ip] == id {
		delete(r.ipIndex, ip)
	}
	r.ipMu.Unlock()
}

// ListActive returns handlers whose sockets are still connected, lazily
// evicting any found dead during the scan.
func (r *Registry) ListActive() []Handler {
	r.mu.Lock()
	snapshot := make(map[string]Handler, len(r.handlers))
	for id, h := range r.handlers {
		snapshot[id] = h
	}
	r.mu.Unlock()

	active := make([]Handler, 0, len(snapshot))
	for id, h := range snapshot {
		if h.Connected() {
			active = append(active, h)
			continue
		}
		r.log.Debug("Sweeping dead client", "id", id)
		metrics.EvictionCount.WithLabelValues("sweep").Inc()
		h.Close()
		r.Remove(id, h)
	}
	return active
}

// ActiveIDs returns the logical ids of connected handlers.
func (r *Registry) ActiveIDs() []string {
	active := r.ListActive()
	ids := make([]string, 0, len(active))
	for _, h := range active {
		ids = append(ids, h.ID())
	}
	return ids
}

// Len returns the number of registered handlers, live or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
