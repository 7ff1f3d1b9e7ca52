// Package registry maps peer IDs to their last announced contact address.
package registry

import (
	"context"
	"sync"

	"github.com/and161185/p2psync/internal/model"
)

// Registry stores the last known address of each peer. Entries never expire.
type Registry interface {
	// Put records the address announced by a HERE command.
	Put(ctx context.Context, peerID string, addr model.Address) error
	// Get returns the last announced address of peerID.
	Get(ctx context.Context, peerID string) (model.Address, bool, error)
}

// Memory is an in-process Registry.
type Memory struct {
	mu    sync.RWMutex
	peers map[string]model.Address
}

var _ Registry = (*Memory)(nil)

// NewMemory constructs an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{peers: make(map[string]model.Address)}
}

// Put implements Registry.
func (m *Memory) Put(_ context.Context, peerID string, addr model.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerID] = addr
	return nil
}

// Get implements Registry.
func (m *Memory) Get(_ context.Context, peerID string) (model.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.peers[peerID]
	return a, ok, nil
}
