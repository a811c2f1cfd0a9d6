package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Store is a TTL'd set of processed keys, persisted as a single JSON file
// with atomic writes. The audit collector uses it to keep per-call writes
// idempotent on (session_id, response_id) across restarts.
type Store struct {
	path  string
	state processedKeys
	mu    sync.Mutex
}

type processedKeys struct {
	Keys map[string]int64 `json:"keys"` // key -> expiry (unix seconds)
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		state: processedKeys{Keys: make(map[string]int64)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Key renders the canonical audit idempotency key.
func Key(sessionID, callID string) string {
	return fmt.Sprintf("%s:%s", sessionID, callID)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.save()
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &s.state)
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

// Save persists the current key set.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// CheckAndMark reports whether the key was already processed and, if not,
// marks it with the given TTL. Expired keys are treated as unprocessed.
func (s *Store) CheckAndMark(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if expiry, exists := s.state.Keys[key]; exists {
		if expiry > now {
			return true
		}
		delete(s.state.Keys, key)
	}

	s.state.Keys[key] = now + int64(ttl.Seconds())
	return false
}

// Prune drops expired keys and returns how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	count := 0
	for key, expiry := range s.state.Keys {
		if expiry < now {
			delete(s.state.Keys, key)
			count++
		}
	}
	return count
}

// Len reports the number of tracked keys, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Keys)
}
