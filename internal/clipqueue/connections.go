package clipqueue

import (
	"context"
	"strings"
	"sync"
)

type memoryConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]Connection
}

// NewMemoryConnectionStore returns an in-process ConnectionStore. The single
// binary deployment seeds it from configuration at startup; a multi-tenant
// deployment would put an OAuth-backed implementation behind the same
// interface.
func NewMemoryConnectionStore() *memoryConnectionStore {
	return &memoryConnectionStore{connections: map[string]Connection{}}
}

func (s *memoryConnectionStore) Put(userID string, connection Connection) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[userID] = connection
}

func (s *memoryConnectionStore) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, userID)
}

func (s *memoryConnectionStore) ActiveConnection(ctx context.Context, userID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connection, ok := s.connections[userID]
	if !ok {
		return nil, nil
	}
	copied := connection
	return &copied, nil
}
