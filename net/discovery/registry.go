package discovery

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"docmesh/oid"
)

// PeerRecord is one live entry in the peer registry. Records are created or
// refreshed on receipt of an announcement and pruned once stale.
type PeerRecord struct {
	NodeID       oid.Oid
	Name         string
	Addr         string // host:port of the peer's TCP sync listener
	Capabilities []string
	LastSeen     time.Time
}

// Callback is invoked for every new-or-refreshed peer.
type Callback func(*PeerRecord)

// Registry tracks known peers. It is mutated by the discovery listen loop and
// read by sync kickoff logic, so all access is mutex-protected.
type Registry struct {
	mu        sync.Mutex
	peers     map[oid.Oid]*PeerRecord
	callbacks []Callback
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[oid.Oid]*PeerRecord),
	}
}

// AddCallback registers fn to be invoked on every new-or-refreshed peer.
func (r *Registry) AddCallback(fn Callback) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, fn)
	r.mu.Unlock()
}

// Upsert creates or refreshes a peer record and fires the registered callbacks.
func (r *Registry) Upsert(rec *PeerRecord) {
	rec.LastSeen = time.Now()

	r.mu.Lock()
	_, known := r.peers[rec.NodeID]
	r.peers[rec.NodeID] = rec
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mu.Unlock()

	if !known {
		log.Infof("discovery: new peer %s (%s) at %s", rec.Name, rec.NodeID.String(), rec.Addr)
	}

	// Callbacks run outside the lock so they may call back into the registry.
	for _, fn := range callbacks {
		fn(rec)
	}
}

// Get returns the record for a node, or nil when unknown.
func (r *Registry) Get(nodeID *oid.Oid) *PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[*nodeID]; ok {
		c := *rec
		return &c
	}
	return nil
}

// Peers returns a snapshot of all live records.
func (r *Registry) Peers() []*PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		c := *rec
		out = append(out, &c)
	}
	return out
}

// Prune removes records whose LastSeen exceeds the staleness threshold and
// returns the pruned peers.
func (r *Registry) Prune(staleAfter time.Duration) []*PeerRecord {
	cutoff := time.Now().Add(-staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []*PeerRecord
	for id, rec := range r.peers {
		if rec.LastSeen.Before(cutoff) {
			log.Infof("discovery: peer %s (%s) departed, last seen %v", rec.Name, rec.NodeID.String(), rec.LastSeen)
			pruned = append(pruned, rec)
			delete(r.peers, id)
		}
	}
	return pruned
}
