package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"
)

// Memory is an in-process [Tier]. It backs development setups without a
// database and loses everything on restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Tier = (*Memory)(nil)

// NewMemory returns an empty Memory tier.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the value under key.
func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

// Del removes key.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns all keys, sorted.
func (m *Memory) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
