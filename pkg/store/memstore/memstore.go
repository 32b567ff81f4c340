// Package memstore provides a thread-safe, in-memory [store.SessionStore].
// It backs local development runs without a database and is the default
// store double in tests.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/professor2004h/meetscribe/pkg/store"
)

// Compile-time assertion that MemStore satisfies the SessionStore interface.
var _ store.SessionStore = (*MemStore)(nil)

// MemStore is an in-memory implementation of [store.SessionStore].
// The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]store.SessionRecord
}

// New returns an initialised [MemStore].
func New() *MemStore {
	return &MemStore{records: make(map[string]store.SessionRecord)}
}

// Save implements [store.SessionStore.Save]. The stored transcript is never
// replaced by a shorter one; status, mode, and metadata are last-writer-wins.
func (s *MemStore) Save(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		s.records = make(map[string]store.SessionRecord)
	}

	if existing, ok := s.records[rec.MeetingID]; ok {
		if len(rec.Transcript) < len(existing.Transcript) && strings.HasPrefix(existing.Transcript, rec.Transcript) {
			rec.Transcript = existing.Transcript
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.MeetingID] = rec
	return nil
}

// Load implements [store.SessionStore.Load].
func (s *MemStore) Load(_ context.Context, meetingID string) (store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[meetingID]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}
