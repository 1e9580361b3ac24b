package metrics

import (
	"sort"
	"sync"
	"time"

	"telemetrygate/internal/model"
)

// Store keeps the latest window metrics per device, bounded by limit devices.
type Store struct {
	mu        sync.RWMutex
	byDevice  map[uint64]map[int]model.WindowMetrics
	updatedAt map[uint64]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byDevice:  make(map[uint64]map[int]model.WindowMetrics),
		updatedAt: make(map[uint64]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(deviceID uint64, metrics []model.WindowMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byDevice[deviceID]
	if !ok {
		m = make(map[int]model.WindowMetrics)
		s.byDevice[deviceID] = m
	}
	for _, wm := range metrics {
		m[wm.WindowSec] = wm
	}
	s.updatedAt[deviceID] = time.Now().UTC()
	if len(s.byDevice) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(deviceID uint64) ([]model.WindowMetrics, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byDevice[deviceID]
	if !ok {
		return nil, time.Time{}, false
	}
	return sortedWindows(m), s.updatedAt[deviceID], true
}

func (s *Store) GetAll() map[uint64][]model.WindowMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64][]model.WindowMetrics, len(s.byDevice))
	for id, m := range s.byDevice {
		out[id] = sortedWindows(m)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDevice)
}

func sortedWindows(m map[int]model.WindowMetrics) []model.WindowMetrics {
	out := make([]model.WindowMetrics, 0, len(m))
	for _, wm := range m {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowSec < out[j].WindowSec })
	return out
}

func (s *Store) evictOldest() {
	var oldestID uint64
	var oldest time.Time
	found := false
	for id, ts := range s.updatedAt {
		if !found || ts.Before(oldest) {
			oldestID = id
			oldest = ts
			found = true
		}
	}
	if found {
		delete(s.byDevice, oldestID)
		delete(s.updatedAt, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDevice = make(map[uint64]map[int]model.WindowMetrics)
	s.updatedAt = make(map[uint64]time.Time)
}
