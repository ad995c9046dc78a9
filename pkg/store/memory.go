package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/datasleuth/datasleuth/pkg/models"
)

// MemoryStore is the in-process Store, used in tests and single-node
// runs without a database.
type MemoryStore struct {
	mu             sync.RWMutex
	investigations map[string]*memoryRecord
}

type memoryRecord struct {
	tenantID string
	alert    models.AnomalyAlert
	events   []models.Event
	finding  *models.Finding
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{investigations: map[string]*memoryRecord{}}
}

func (s *MemoryStore) CreateInvestigation(_ context.Context, id, tenantID string, alert models.AnomalyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.investigations[id]; exists {
		return fmt.Errorf("investigation %q already exists", id)
	}
	s.investigations[id] = &memoryRecord{tenantID: tenantID, alert: alert}
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.investigations[e.InvestigationID]
	if !ok {
		return ErrNotFound
	}
	if e.Sequence != int64(len(rec.events)) {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceConflict, e.Sequence, len(rec.events))
	}
	rec.events = append(rec.events, e)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, investigationID string, sinceSeq int64) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.investigations[investigationID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []models.Event
	for _, e := range rec.events {
		if e.Sequence > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveFinding(_ context.Context, f *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.investigations[f.InvestigationID]
	if !ok {
		return ErrNotFound
	}
	saved := *f
	rec.finding = &saved
	return nil
}

func (s *MemoryStore) GetFinding(_ context.Context, investigationID string) (*models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.investigations[investigationID]
	if !ok || rec.finding == nil {
		return nil, ErrNotFound
	}
	finding := *rec.finding
	return &finding, nil
}

func (s *MemoryStore) GetState(_ context.Context, investigationID string) (*models.InvestigationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.investigations[investigationID]
	if !ok {
		return nil, ErrNotFound
	}
	state := &models.InvestigationState{
		ID:       investigationID,
		TenantID: rec.tenantID,
		Alert:    rec.alert,
		Events:   make([]models.Event, len(rec.events)),
	}
	copy(state.Events, rec.events)
	return state, nil
}
