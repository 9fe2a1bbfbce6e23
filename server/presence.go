package server

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
)

// Peer is one live transport connection as seen by the relay.
type Peer interface {
	// ID is unique per connection, not per identity.
	ID() string
	// Send queues e for writing. It never blocks and reports false when the
	// frame was dropped because the connection is closed or backed up.
	Send(e common.Envelope) bool
}

// Registry maps each announced identity to its current connection. The last
// connection to register an identity wins.
type Registry struct {
	mu     sync.RWMutex
	peers  map[common.IdentityID]Peer
	logger *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		peers:  make(map[common.IdentityID]Peer),
		logger: logger,
	}
}

// Register binds id to p and returns the connection it superseded, if any.
func (r *Registry) Register(id common.IdentityID, p Peer) (superseded Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.peers[id]
	r.peers[id] = p
	if ok && prev.ID() != p.ID() {
		r.logger.WithFields(logrus.Fields{"user": id, "old": prev.ID(), "new": p.ID()}).Info("Connection superseded")
		return prev
	}
	return nil
}

// Unregister removes id only while p is still its registered connection, so a
// late close of a superseded connection cannot evict its replacement. It is a
// no-op otherwise and reports whether anything was removed.
func (r *Registry) Unregister(id common.IdentityID, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.peers[id]
	if !ok || cur.ID() != p.ID() {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *Registry) IsOnline(id common.IdentityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Registry) Lookup(id common.IdentityID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Snapshot returns the online identities in ascending order.
func (r *Registry) Snapshot() []common.IdentityID {
	r.mu.RLock()
	ids := make([]common.IdentityID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Broadcast sends the current snapshot to every registered connection.
func (r *Registry) Broadcast() {
	ids := r.Snapshot()

	r.mu.RLock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	for _, p := range peers {
		// Each connection encodes its own frame.
		if !p.Send(&common.OnlineUsers{UserIDs: ids}) {
			r.logger.Warnf("Dropped presence update for connection %s", p.ID())
		}
	}
}
