package results

import (
	"sync"

	"github.com/ternarybob/phishwatch/internal/models"
)

// History is a bounded, completion-ordered log of every record produced,
// independent of context teardown and store eviction.
type History struct {
	mu      sync.RWMutex
	limit   int
	records []*models.ResultRecord
}

// NewHistory creates a history retaining the last limit records (0 disables it)
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit}
}

// Append adds record, dropping the oldest entry when full
func (h *History) Append(record *models.ResultRecord) {
	if h.limit == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) >= h.limit {
		copy(h.records, h.records[1:])
		h.records = h.records[:len(h.records)-1]
	}
	h.records = append(h.records, record)
}

// List returns up to limit most recent records, newest first (limit <= 0 means all)
func (h *History) List(limit int) []*models.ResultRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.records)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*models.ResultRecord, 0, n)
	for i := len(h.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.records[i])
	}
	return out
}

// Len returns the number of retained records
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
