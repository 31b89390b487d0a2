package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hanainplan/consultcall/internal/domain/calllog"
)

type callLogRepository struct {
	// records хранит map[room_id]record
	records map[string]calllog.Record

	mu sync.RWMutex
}

func NewCallLogRepository() calllog.Repository {
	return &callLogRepository{
		records: make(map[string]calllog.Record),
	}
}

func (r *callLogRepository) Save(_ context.Context, record calllog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.RoomID] = record

	return nil
}

// List последние звонки, новые первыми. limit <= 0 возвращает все
func (r *callLogRepository) List(_ context.Context, limit int) ([]calllog.Record, error) {
	r.mu.RLock()
	records := make([]calllog.Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}
