package dataset

import "fmt"

// Store keeps datasets in insertion order. It is not safe for concurrent use;
// the viewer serialises access to it.
type Store struct {
	byID  map[ID]*Dataset
	order []ID
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[ID]*Dataset)}
}

// Create adds a new unbound dataset.
func (s *Store) Create(name string, columns []string, rows []Row) *Dataset {
	d := New(name, columns, rows)
	s.byID[d.ID] = d
	s.order = append(s.order, d.ID)
	return d
}

// Get returns the dataset with the given id.
func (s *Store) Get(id ID) (*Dataset, error) {
	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// Delete removes a dataset.
func (s *Store) Delete(id ID) error {
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// IDs returns dataset ids in insertion order.
func (s *Store) IDs() []ID {
	return append([]ID(nil), s.order...)
}

// List returns datasets in insertion order.
func (s *Store) List() []*Dataset {
	out := make([]*Dataset, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// Len returns the number of datasets.
func (s *Store) Len() int { return len(s.order) }

// GroupDisplay reports the presentation state of one group.
func (s *Store) GroupDisplay(id ID, key string) (Display, bool) {
	d, ok := s.byID[id]
	if !ok {
		return Display{}, false
	}
	return d.Display(key)
}
