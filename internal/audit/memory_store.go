package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/botadmin/internal/pagination"
)

// Compile-time check that MemoryStore implements Logger.
var _ Logger = (*MemoryStore)(nil)

const defaultQueryLimit = 50

// MemoryStore is an in-memory audit log for demo/development mode.
type MemoryStore struct {
	records []*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory audit log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, q Query) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	matched := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		if !matches(r, q) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	m.mu.RUnlock()

	// newest first, id as tiebreaker
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Time.Equal(matched[j].Time) {
			return matched[i].Time.After(matched[j].Time)
		}
		return matched[i].ID > matched[j].ID
	})

	if cursor != nil {
		matched = after(matched, cursor.CreatedAt, cursor.ID)
	}
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}

	page, next, _ := pagination.ComputePage(matched, limit, func(r *Record) (time.Time, string) {
		return r.Time, r.ID
	})
	return page, next, nil
}

func matches(r *Record, q Query) bool {
	if q.AdminID != 0 && r.AdminID != q.AdminID {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	return true
}

// after keeps records strictly older than the cursor position.
func after(records []*Record, t time.Time, id string) []*Record {
	for i, r := range records {
		if r.Time.Before(t) || (r.Time.Equal(t) && r.ID < id) {
			return records[i:]
		}
	}
	return nil
}
