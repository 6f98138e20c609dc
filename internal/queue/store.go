package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Store persiste jobs y un índice ordenado por momento de ejecución.
// Un job fuera del índice no se vuelve a procesar, pero su registro queda.
type Store interface {
	Put(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error) // ErrNotFound si no existe
	Schedule(ctx context.Context, id string, at time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Unschedule(ctx context.Context, id string) error
	Close() error
}

// MemoryStore guarda todo en memoria. No sobrevive reinicios.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string][]byte
	scores map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string][]byte{}, scores: map[string]time.Time{}}
}

func (s *MemoryStore) Put(_ context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[j.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	b, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *MemoryStore) Schedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	s.scores[id] = at
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		id string
		at time.Time
	}
	var due []entry
	for id, at := range s.scores {
		if !at.After(now) {
			due = append(due, entry{id, at})
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].at.Equal(due[k].at) {
			return due[i].id < due[k].id
		}
		return due[i].at.Before(due[k].at)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.id
	}
	return out, nil
}

func (s *MemoryStore) Unschedule(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.scores, id)
	s.mu.Unlock()
	return nil
}

// Scheduled devuelve el momento agendado de id (tests, diagnóstico).
func (s *MemoryStore) Scheduled(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.scores[id]
	return at, ok
}

func (s *MemoryStore) Close() error { return nil }
