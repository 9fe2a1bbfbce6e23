package keystore

import (
	"sync"

	"hybrid-chat/common"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[PairKey]SessionRecord
	identities map[common.IdentityID]IdentityRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[PairKey]SessionRecord),
		identities: make(map[common.IdentityID]IdentityRecord),
	}
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ IdentityStore = (*MemoryStore)(nil)
)

func (s *MemoryStore) Get(k PairKey) (SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[k]
	if ok {
		rec.Key = append([]byte(nil), rec.Key...)
	}
	return rec, ok, nil
}

func (s *MemoryStore) Put(k PairKey, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Key = append([]byte(nil), rec.Key...)
	s.sessions[k] = rec
	return nil
}

func (s *MemoryStore) Peers(owner common.IdentityID) ([]common.IdentityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var peers []common.IdentityID
	for k := range s.sessions {
		if k.Owner == owner {
			peers = append(peers, k.Peer)
		}
	}
	return sortPeers(peers), nil
}

func (s *MemoryStore) SaveIdentity(rec IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) LoadIdentity(id common.IdentityID) (IdentityRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[id]
	return rec, ok, nil
}
