package region

import (
	"math"
	"strconv"
)

// CloseDistance is how near, in normalised units, a click must land to the
// first vertex to close the polygon.
const CloseDistance = 0.004

// EditorState is the phase of the polygon editor.
type EditorState int

const (
	Idle EditorState = iota
	Drawing
)

func (s EditorState) String() string {
	if s == Drawing {
		return "drawing"
	}
	return "idle"
}

// Editor turns a sequence of clicks into a closed region. A click near the
// first vertex closes the polygon once it has at least three vertices.
type Editor struct {
	current  int
	vertices []Vertex
	drawing  bool
	newColor func() uint32
}

// NewEditor returns an idle editor; newColor picks the colour of each closed
// region.
func NewEditor(newColor func() uint32) *Editor {
	return &Editor{newColor: newColor}
}

// State reports whether a polygon is being drawn.
func (e *Editor) State() EditorState {
	if e.drawing {
		return Drawing
	}
	return Idle
}

// Vertices returns the vertices placed so far.
func (e *Editor) Vertices() []Vertex {
	return append([]Vertex(nil), e.vertices...)
}

// Click adds a vertex at (x, y), or closes the polygon and returns the new
// region when the click lands on the first vertex.
func (e *Editor) Click(x, y float64) (*Region, bool) {
	if !e.drawing {
		e.drawing = true
		e.current++
		e.vertices = []Vertex{{x, y}}
		return nil, false
	}
	first := e.vertices[0]
	if len(e.vertices) >= 3 && math.Hypot(x-first[0], y-first[1]) < CloseDistance {
		r, err := New(e.ID(), []Polygon{{Ring(e.vertices)}}, e.newColor())
		e.Reset()
		if err != nil {
			return nil, false
		}
		return r, true
	}
	e.vertices = append(e.vertices, Vertex{x, y})
	return nil, false
}

// ID is the id the polygon being drawn will get, or the last one issued.
func (e *Editor) ID() string {
	return "region" + strconv.Itoa(e.current)
}

// Reset abandons the polygon being drawn. Its id is not reissued.
func (e *Editor) Reset() {
	e.drawing = false
	e.vertices = nil
}

// Restore advances the id counter past n so imported ids are not reissued.
func (e *Editor) Restore(n int) {
	if n > e.current {
		e.current = n
	}
}

// idNumber returns the first run of digits in id.
func idNumber(id string) (int, bool) {
	start := -1
	for i, c := range id {
		if c >= '0' && c <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(id[start:i])
			return n, err == nil
		}
	}
	if start < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(id[start:])
	return n, err == nil
}
