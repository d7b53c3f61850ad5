package transfer

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]Record
	order   []string
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, burnTxHash string, p Patch) (Record, bool, error) {
	key := NormalizeHash(burnTxHash)
	if key == "" {
		return Record{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	if !ok {
		cur = Record{BurnTxHash: key}
	}
	next, err := Apply(cur, p, s.now())
	if err != nil {
		return Record{}, false, err
	}
	s.records[key] = next
	if !ok {
		s.order = append(s.order, key)
	}
	return next.Clone(), !ok, nil
}

func (s *MemoryStore) Get(_ context.Context, burnTxHash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[NormalizeHash(burnTxHash)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, burnTxHash string) error {
	key := NormalizeHash(burnTxHash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Load replaces the store contents with records, keeping their order. It is
// used to seed the store from a persisted snapshot.
func (s *MemoryStore) Load(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]Record, len(records))
	s.order = s.order[:0]
	for _, r := range records {
		key := NormalizeHash(r.BurnTxHash)
		if key == "" {
			continue
		}
		r.BurnTxHash = key
		if _, ok := s.records[key]; !ok {
			s.order = append(s.order, key)
		}
		s.records[key] = r.Clone()
	}
}
