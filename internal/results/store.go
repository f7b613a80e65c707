// -----------------------------------------------------------------------
// Result Store - bounded map of the latest completed record per context
// -----------------------------------------------------------------------

package results

import (
	"sync"

	"github.com/ternarybob/phishwatch/internal/models"
)

type entry struct {
	record *models.ResultRecord
	seq    uint64
}

// Store keeps at most capacity records. At capacity, the record with the
// oldest End timestamp is evicted (ties: oldest insertion).
type Store struct {
	mu       sync.Mutex
	capacity int
	entries  map[int64]entry
	seq      uint64
}

// NewStore creates a store holding up to capacity records
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 30
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[int64]entry, capacity),
	}
}

// Put stores record and reports whether it was retained.
// A record for a context that already has one replaces it only when its End
// is not earlier. When full, a record older than every retained record is
// dropped instead of evicting a newer one.
func (s *Store) Put(record *models.ResultRecord) (stored bool, evicted *models.ResultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	incoming := entry{record: record, seq: s.seq}

	if existing, ok := s.entries[record.ContextID]; ok {
		if record.Timestamps.End.Before(existing.record.Timestamps.End) {
			return false, nil
		}
		s.entries[record.ContextID] = incoming
		return true, nil
	}

	if len(s.entries) < s.capacity {
		s.entries[record.ContextID] = incoming
		return true, nil
	}

	var oldestKey int64
	var oldest *entry
	for key, e := range s.entries {
		e := e
		if oldest == nil || older(e, *oldest) {
			oldestKey = key
			oldest = &e
		}
	}

	if record.Timestamps.End.Before(oldest.record.Timestamps.End) {
		return false, nil
	}

	delete(s.entries, oldestKey)
	s.entries[record.ContextID] = incoming
	return true, oldest.record
}

func older(a, b entry) bool {
	if a.record.Timestamps.End.Equal(b.record.Timestamps.End) {
		return a.seq < b.seq
	}
	return a.record.Timestamps.End.Before(b.record.Timestamps.End)
}

// Get returns the record for contextID, or nil
func (s *Store) Get(contextID int64) *models.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[contextID]; ok {
		return e.record
	}
	return nil
}

// Has reports whether a record exists for contextID
func (s *Store) Has(contextID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[contextID]
	return ok
}

// Remove deletes the record for contextID
func (s *Store) Remove(contextID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[contextID]; !ok {
		return false
	}
	delete(s.entries, contextID)
	return true
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the maximum number of records
func (s *Store) Capacity() int {
	return s.capacity
}
