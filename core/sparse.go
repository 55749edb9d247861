package core

import "fmt"

// coordBits is the per-axis width of a packed cell key. 21 bits per axis
// fills a uint64 and allows dimensions up to 2M cells per side.
const coordBits = 21

const coordMask = (1 << coordBits) - 1

// packKey folds a coordinate triple into one map key.
func packKey(x, y, z int) uint64 {
	return uint64(x) | uint64(y)<<coordBits | uint64(z)<<(2*coordBits)
}

func unpackKey(k uint64) (x, y, z int) {
	return int(k & coordMask), int((k >> coordBits) & coordMask), int((k >> (2 * coordBits)) & coordMask)
}

// SparseGrid stores only alive cells, keyed by packed coordinate. The
// default (dead) state is implicit absence; a zero state is never stored,
// so no coordinate can appear twice or disagree with the dense form.
type SparseGrid struct {
	width, height, depth int
	cells                map[uint64]uint32
}

// NewSparseGrid creates an empty sparse grid.
func NewSparseGrid(width, height, depth int) (*SparseGrid, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, width, height, depth)
	}
	return &SparseGrid{width: width, height: height, depth: depth, cells: make(map[uint64]uint32)}, nil
}

func (s *SparseGrid) Width() int  { return s.width }
func (s *SparseGrid) Height() int { return s.height }
func (s *SparseGrid) Depth() int  { return s.depth }

// Set writes one cell; storing the dead state removes the entry.
func (s *SparseGrid) Set(x, y, z int, state uint32) error {
	if x < 0 || x >= s.width || y < 0 || y >= s.height || z < 0 || z >= s.depth {
		return fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	key := packKey(x, y, z)
	if state == 0 {
		delete(s.cells, key)
	} else {
		s.cells[key] = state
	}
	return nil
}

// Get reads one cell; absent entries are dead.
func (s *SparseGrid) Get(x, y, z int) (uint32, error) {
	if x < 0 || x >= s.width || y < 0 || y >= s.height || z < 0 || z >= s.depth {
		return 0, fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	return s.cells[packKey(x, y, z)], nil
}

// Population is the number of stored (alive) cells.
func (s *SparseGrid) Population() int { return len(s.cells) }

// ForEach visits every alive cell. Iteration order is unspecified.
func (s *SparseGrid) ForEach(fn func(x, y, z int, state uint32)) {
	for k, v := range s.cells {
		x, y, z := unpackKey(k)
		fn(x, y, z, v)
	}
}

// MemoryUsage estimates the bytes held by the sparse representation.
func (s *SparseGrid) MemoryUsage() int {
	// key + value + map overhead per entry
	return len(s.cells) * (8 + 4 + 16)
}

// ToDense expands the sparse grid into a dense one.
func (s *SparseGrid) ToDense() (*Grid, error) {
	g, err := NewGrid(s.width, s.height, s.depth)
	if err != nil {
		return nil, err
	}
	for k, v := range s.cells {
		x, y, z := unpackKey(k)
		g.cells[g.Index(x, y, z)] = v
	}
	return g, nil
}

// ToSparse collapses the dense grid, omitting only dead cells.
func (g *Grid) ToSparse() *SparseGrid {
	s := &SparseGrid{width: g.width, height: g.height, depth: g.depth, cells: make(map[uint64]uint32)}
	for z := 0; z < g.depth; z++ {
		for y := 0; y < g.height; y++ {
			for x := 0; x < g.width; x++ {
				if v := g.cells[g.Index(x, y, z)]; v != 0 {
					s.cells[packKey(x, y, z)] = v
				}
			}
		}
	}
	return s
}
