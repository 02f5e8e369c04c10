// Package storage defines keyed string slots used for durable and session-scoped client state.
package storage

import (
	"context"
	"sync"
)

// Well-known slot keys.
const (
	// CartKey holds the cart snapshot (JSON array of lines).
	CartKey = "cart"
	// TokenKey holds the bearer credential (JSON).
	TokenKey = "token"
	// ClosingKey is the session flag set between an unload signal and its resolution.
	ClosingKey = "isClosing"
	// NoticePrefix prefixes session flags for one-shot notices.
	NoticePrefix = "notice:"
)

// Store is a string-keyed slot store. Concurrent writers are last-write-wins.
type Store interface {
	// Get returns the slot value; ok is false when the slot is empty.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set overwrites the slot.
	Set(ctx context.Context, key, value string) error
	// Delete empties the slot; deleting an empty slot is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps slots for the lifetime of the process (session storage).
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}
