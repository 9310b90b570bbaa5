package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdnguyen/chatgate/internal/chat"
)

// InMemoryStore is a process-local store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	defaults Defaults
	profiles map[string]*Profile
	history  map[string][]chat.Turn
	models   map[string]ModelDescriptor
}

func NewInMemoryStore(defaults Defaults) *InMemoryStore {
	return &InMemoryStore{
		defaults: defaults,
		profiles: make(map[string]*Profile),
		history:  make(map[string][]chat.Turn),
		models:   make(map[string]ModelDescriptor),
	}
}

func (s *InMemoryStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return *p, nil
}

func (s *InMemoryStore) EnsureProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return *p, nil
	}
	p := s.defaults.newProfile(userID, time.Now().UTC())
	s.profiles[userID] = &p
	return p, nil
}

func (s *InMemoryStore) UpdateProfile(_ context.Context, userID string, upd ProfileUpdate) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	if upd.PreferredModel != nil {
		p.PreferredModel = *upd.PreferredModel
	}
	if upd.SystemPrompt != nil {
		p.SystemPrompt = *upd.SystemPrompt
	}
	if upd.AccessLevel != nil {
		p.AccessLevel = *upd.AccessLevel
	}
	p.UpdatedAt = time.Now().UTC()
	return *p, nil
}

func (s *InMemoryStore) AdjustCredit(_ context.Context, userID string, delta, expectedMin int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return 0, ErrProfileNotFound
	}
	if p.Credit < expectedMin || p.Credit+delta < 0 {
		return p.Credit, ErrCreditConflict
	}
	p.Credit += delta
	p.UpdatedAt = time.Now().UTC()
	return p.Credit, nil
}

func (s *InMemoryStore) History(_ context.Context, userID string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.history[userID]
	out := make([]chat.Turn, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Append(_ context.Context, userID string, turn chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID] = append(s.history[userID], stamped(turn))
	return nil
}

func (s *InMemoryStore) AppendExchange(_ context.Context, userID string, userTurn, assistantTurn chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID] = append(s.history[userID], stamped(userTurn), stamped(assistantTurn))
	return nil
}

func (s *InMemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, userID)
	return nil
}

func (s *InMemoryStore) GetModel(_ context.Context, name string) (ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[name]
	if !ok {
		return ModelDescriptor{}, ErrModelNotFound
	}
	return m, nil
}

func (s *InMemoryStore) ListModels(_ context.Context) ([]ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

func (s *InMemoryStore) PutModel(_ context.Context, m ModelDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.Name] = m
	return nil
}

func (s *InMemoryStore) RemoveModel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[name]; !ok {
		return ErrModelNotFound
	}
	for _, p := range s.profiles {
		if p.PreferredModel == name {
			return ErrModelInUse
		}
	}
	for _, turns := range s.history {
		for _, t := range turns {
			if t.Model == name {
				return ErrModelInUse
			}
		}
	}
	delete(s.models, name)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func stamped(t chat.Turn) chat.Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.TokenEstimate == 0 {
		t.TokenEstimate = chat.EstimateTurnTokens(t)
	}
	return t
}
