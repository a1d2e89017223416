package auth

import (
	"sync"
	"time"
)

type refreshEntry struct {
	username  string
	expiresAt time.Time
}

// RefreshStore holds issued refresh tokens in memory, keyed by their
// sha256 hash. Tokens do not survive a process restart; operators log in
// again, which suits a control process with a handful of users.
type RefreshStore struct {
	mu     sync.Mutex
	tokens map[string]refreshEntry
}

func NewRefreshStore() *RefreshStore {
	return &RefreshStore{
		tokens: make(map[string]refreshEntry),
	}
}

func (s *RefreshStore) Store(tokenHash, username string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for hash, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, hash)
		}
	}

	s.tokens[tokenHash] = refreshEntry{username: username, expiresAt: expiresAt}
}

// Lookup resolves a token hash to its username. Expired tokens are
// dropped on access.
func (s *RefreshStore) Lookup(tokenHash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[tokenHash]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.tokens, tokenHash)
		return "", false
	}
	return entry.username, true
}

func (s *RefreshStore) Revoke(tokenHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenHash)
}
