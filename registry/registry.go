// Package registry implements the server-side three-level connection
// index described in spec §3–§4.3: user_id -> platform -> set of live
// connection uuids, plus the reverse lookups needed to register,
// unregister, and fan out to a routing match.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender is the write-capability for one live connection — the
// registry's "send_half_of" map value. Implementations must serialize
// their own writes (spec §5: "per-socket writes ... serialized").
type Sender interface {
	Send(data []byte) error
	Close() error
}

// ConnectionRecord is immutable after Register (spec §3).
type ConnectionRecord struct {
	ConnectionUUID string
	UserID         string
	Platform       string
	APIKey         string
	RemoteAddr     string
	EstablishedAt  time.Time
}

// Handle is a routing-lookup result: enough to address and write to
// one live connection without touching the registry again.
type Handle struct {
	ConnectionUUID string
	Sender         Sender
}

// Entry is one row of a full-registry snapshot, used for broadcast.
type Entry struct {
	UserID         string
	Platform       string
	ConnectionUUID string
}

// Stats is the aggregate view returned by Registry.Stats.
type Stats struct {
	Users       int
	Connections int
}

// Registry is the three-level connection index. All mutating
// operations (Register, Unregister) are serialized behind a single
// lock; read operations (Lookup, SnapshotAll, Stats) take a read lock
// just long enough to copy out an immutable snapshot, so fan-out
// sends never hold the registry lock during network I/O.
type Registry struct {
	mu sync.RWMutex

	// byUserPlatform[user][platform] is a set of connection uuids.
	byUserPlatform map[string]map[string]map[string]struct{}
	byUUID         map[string]ConnectionRecord
	sendHalf       map[string]Sender
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byUserPlatform: make(map[string]map[string]map[string]struct{}),
		byUUID:         make(map[string]ConnectionRecord),
		sendHalf:       make(map[string]Sender),
	}
}

// NewConnectionID mints a process-unique connection uuid.
func NewConnectionID() string {
	return uuid.New().String()
}

// Register inserts a new connection into all three maps under a
// single critical section, establishing invariants I1, I2 and I4.
func (r *Registry) Register(record ConnectionRecord, sender Sender) error {
	if record.ConnectionUUID == "" {
		return fmt.Errorf("registry: connection uuid is required")
	}
	if record.UserID == "" || record.Platform == "" {
		return fmt.Errorf("registry: user id and platform are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	platforms, ok := r.byUserPlatform[record.UserID]
	if !ok {
		platforms = make(map[string]map[string]struct{})
		r.byUserPlatform[record.UserID] = platforms
	}
	conns, ok := platforms[record.Platform]
	if !ok {
		conns = make(map[string]struct{})
		platforms[record.Platform] = conns
	}
	conns[record.ConnectionUUID] = struct{}{} // set semantics: I4

	r.byUUID[record.ConnectionUUID] = record
	r.sendHalf[record.ConnectionUUID] = sender
	return nil
}

// Unregister removes a connection from all three maps, pruning empty
// platform sets and empty user entries so churn never leaks memory
// (invariant I3).
func (r *Registry) Unregister(connectionUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(connectionUUID)
}

func (r *Registry) unregisterLocked(connectionUUID string) {
	record, ok := r.byUUID[connectionUUID]
	if !ok {
		return
	}

	if platforms, ok := r.byUserPlatform[record.UserID]; ok {
		if conns, ok := platforms[record.Platform]; ok {
			delete(conns, connectionUUID)
			if len(conns) == 0 {
				delete(platforms, record.Platform)
			}
		}
		if len(platforms) == 0 {
			delete(r.byUserPlatform, record.UserID)
		}
	}

	delete(r.byUUID, connectionUUID)
	delete(r.sendHalf, connectionUUID)
}

// Lookup returns an immutable snapshot of the connections currently
// registered under (userID, platform). The snapshot is safe to fan
// out over without racing a concurrent Unregister.
func (r *Registry) Lookup(userID, platform string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUserPlatform[userID][platform]
	if !ok {
		return nil
	}

	handles := make([]Handle, 0, len(conns))
	for id := range conns {
		handles = append(handles, Handle{ConnectionUUID: id, Sender: r.sendHalf[id]})
	}
	return handles
}

// SnapshotAll returns every live connection's coordinates, for
// broadcast.
func (r *Registry) SnapshotAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byUUID))
	for id, record := range r.byUUID {
		entries = append(entries, Entry{UserID: record.UserID, Platform: record.Platform, ConnectionUUID: id})
	}
	return entries
}

// SnapshotAllHandles returns every live connection's uuid and sender,
// for a broadcast that needs to write without a second registry round
// trip. filterPlatform, if non-empty, restricts the result.
func (r *Registry) SnapshotAllHandles(filterPlatform string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.byUUID))
	for id, record := range r.byUUID {
		if filterPlatform != "" && record.Platform != filterPlatform {
			continue
		}
		handles = append(handles, Handle{ConnectionUUID: id, Sender: r.sendHalf[id]})
	}
	return handles
}

// Get returns the ConnectionRecord for a connection uuid, if present.
func (r *Registry) Get(connectionUUID string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.byUUID[connectionUUID]
	return record, ok
}

// Stats reports the current registry size.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Users: len(r.byUserPlatform), Connections: len(r.byUUID)}
}
