package storage

import (
	"context"
	"sort"
	"sync"

	"hybrid-chat/common"
)

type pair struct{ lo, hi common.IdentityID }

// MemoryStore implements every collaborator in process memory. All state is
// lost on exit; it backs tests and single-process development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[pair][]MessageRecord
	keys     map[common.IdentityID]common.PublicKeyEntry
	sessions map[string]common.IdentityID
}

var (
	_ MessageLog      = (*MemoryStore)(nil)
	_ Directory       = (*MemoryStore)(nil)
	_ SessionVerifier = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[pair][]MessageRecord),
		keys:     make(map[common.IdentityID]common.PublicKeyEntry),
		sessions: make(map[string]common.IdentityID),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec MessageRecord) error {
	lo, hi := pairBounds(rec.From, rec.To)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[pair{lo, hi}] = append(s.messages[pair{lo, hi}], rec)
	return nil
}

func (s *MemoryStore) History(_ context.Context, a, b common.IdentityID) ([]MessageRecord, error) {
	lo, hi := pairBounds(a, b)
	s.mu.RLock()
	out := append([]MessageRecord(nil), s.messages[pair{lo, hi}]...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PublishKey(_ context.Context, entry common.PublicKeyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[entry.UserID] = entry
	return nil
}

func (s *MemoryStore) LookupKey(_ context.Context, id common.IdentityID) (common.PublicKeyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.keys[id]
	if !ok {
		return common.PublicKeyEntry{}, ErrNotFound
	}
	return entry, nil
}

// AddSession issues token for id.
func (s *MemoryStore) AddSession(token string, id common.IdentityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = id
}

func (s *MemoryStore) Verify(_ context.Context, token string) (common.IdentityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[token]
	if !ok || token == "" {
		return 0, ErrUnauthorized
	}
	return id, nil
}
