package region

import (
	"fmt"

	"github.com/markerview/server/internal/dataset"
)

// Meta is a partial update of a region's display metadata. Nil fields are
// left unchanged.
type Meta struct {
	Name   *string `json:"name,omitempty"`
	Class  *string `json:"class,omitempty"`
	Color  *string `json:"color,omitempty"`
	Filled *bool   `json:"filled,omitempty"`
}

// Set is the insertion-ordered collection of closed regions plus the editor
// that adds to it.
type Set struct {
	Editor  *Editor
	regions map[string]*Region
	order   []string
}

// NewSet returns an empty set whose editor colours regions with newColor.
func NewSet(newColor func() uint32) *Set {
	return &Set{Editor: NewEditor(newColor), regions: make(map[string]*Region)}
}

// Click forwards a click to the editor and stores the region it closes.
func (s *Set) Click(x, y float64) (*Region, bool) {
	r, closed := s.Editor.Click(x, y)
	if closed {
		s.Add(r)
	}
	return r, closed
}

// Add stores r, replacing any region with the same id.
func (s *Set) Add(r *Region) {
	if _, ok := s.regions[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.regions[r.ID] = r
	if n, ok := idNumber(r.ID); ok {
		s.Editor.Restore(n)
	}
}

// Get returns the region with the given id.
func (s *Set) Get(id string) (*Region, error) {
	r, ok := s.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// List returns regions in insertion order.
func (s *Set) List() []*Region {
	out := make([]*Region, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.regions[id])
	}
	return out
}

// Len returns the number of regions.
func (s *Set) Len() int { return len(s.order) }

// Delete removes a region.
func (s *Set) Delete(id string) error {
	if _, ok := s.regions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.regions, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear removes every region and abandons any polygon in progress. The id
// counter keeps counting.
func (s *Set) Clear() {
	s.regions = make(map[string]*Region)
	s.order = nil
	s.Editor.Reset()
}

// Update applies m to the region's metadata. Geometry cannot be changed.
func (s *Set) Update(id string, m Meta) (*Region, error) {
	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var color uint32
	if m.Color != nil {
		if color, err = dataset.ParseHexColor(*m.Color); err != nil {
			return nil, err
		}
	}
	if m.Name != nil {
		r.Name = *m.Name
	}
	if m.Class != nil {
		r.Class = *m.Class
	}
	if m.Color != nil {
		r.Color = color
	}
	if m.Filled != nil {
		r.Filled = *m.Filled
	}
	return r, nil
}

// ToggleFill flips the fill of one region.
func (s *Set) ToggleFill(id string) (*Region, error) {
	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	r.Filled = !r.Filled
	return r, nil
}

// ToggleFillAll flips the fill of every region.
func (s *Set) ToggleFillAll() {
	for _, r := range s.regions {
		r.Filled = !r.Filled
	}
}

// Classes returns the distinct non-empty classes in insertion order.
func (s *Set) Classes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range s.order {
		c := s.regions[id].Class
		if c == "" {
			continue
		}
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
