// Package memory is an in-process Store.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"collabink/internal/protocol"
	"collabink/internal/store"
)

// Store keeps diagrams and typesets in maps.
type Store struct {
	mu       sync.Mutex
	order    []string
	diagrams map[string]protocol.Diagram
	typesets map[string]store.Typeset
	// Err, when set, is returned by every call.
	Err error
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		diagrams: map[string]protocol.Diagram{},
		typesets: map[string]store.Typeset{},
	}
}

func (s *Store) CreateDiagram(_ context.Context, d protocol.Diagram) (protocol.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return protocol.Diagram{}, s.Err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Annotations.Strokes == nil {
		d.Annotations = protocol.Annotations{Strokes: []protocol.Stroke{}, Arrows: []protocol.Arrow{}}
	}
	if _, exists := s.diagrams[d.ID]; !exists {
		s.order = append(s.order, d.ID)
	}
	s.diagrams[d.ID] = d
	return d, nil
}

func (s *Store) ListDiagrams(_ context.Context, sessionID string) ([]protocol.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := []protocol.Diagram{}
	for _, id := range s.order {
		if d := s.diagrams[id]; d.SessionID == sessionID {
			d.Annotations = d.Annotations.Clone()
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) PatchDiagram(_ context.Context, id string, patch store.DiagramPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	d, ok := s.diagrams[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Title != nil {
		d.Title = *patch.Title
	}
	if patch.ImageURL != nil {
		d.ImageURL = *patch.ImageURL
	}
	s.diagrams[id] = d
	return nil
}

func (s *Store) PatchAnnotations(_ context.Context, id string, a protocol.Annotations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	d, ok := s.diagrams[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Annotations = a.Clone()
	s.diagrams[id] = d
	return nil
}

func (s *Store) DeleteDiagram(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.diagrams[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.diagrams, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) LoadTypeset(_ context.Context, sessionID string) (store.Typeset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return store.Typeset{}, s.Err
	}
	t, ok := s.typesets[sessionID]
	if !ok {
		return store.Typeset{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) SaveTypeset(_ context.Context, t store.Typeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.typesets[t.SessionID] = t
	return nil
}
