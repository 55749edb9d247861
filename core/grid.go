package core

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrInvalidDimensions is returned when a grid dimension is zero or negative.
var ErrInvalidDimensions = errors.New("invalid grid dimensions")

// ErrOutOfBounds is returned for storage access outside the grid. Storage
// access never wraps; wrapping is a simulation-boundary concept applied
// only by Sample and CountNeighbors.
var ErrOutOfBounds = errors.New("coordinate out of bounds")

// Boundary selects how neighbor sampling treats out-of-range coordinates.
type Boundary int32

const (
	// Toroidal wraps on all three axes: coordinate dim is equivalent to 0.
	Toroidal Boundary = iota
	// Fixed treats everything outside the grid as dead.
	Fixed
)

func (b Boundary) String() string {
	if b == Fixed {
		return "fixed"
	}
	return "toroidal"
}

// Grid is the dense voxel grid: a flat slice of cell states indexed
// z*width*height + y*width + x. State 0 is dead, any non-zero value is
// alive and counts generations survived.
type Grid struct {
	width, height, depth int
	boundary             Boundary
	cells                []uint32
}

// NewGrid allocates a grid with every cell dead.
func NewGrid(width, height, depth int) (*Grid, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, width, height, depth)
	}
	return &Grid{
		width:  width,
		height: height,
		depth:  depth,
		cells:  make([]uint32, width*height*depth),
	}, nil
}

// GridFromCells wraps an existing dense slice without copying, so device
// backends and downloads can view buffer memory through the grid API.
func GridFromCells(width, height, depth int, cells []uint32) (*Grid, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, width, height, depth)
	}
	if len(cells) != width*height*depth {
		return nil, fmt.Errorf("%w: %d cells for %dx%dx%d", ErrInvalidDimensions, len(cells), width, height, depth)
	}
	return &Grid{width: width, height: height, depth: depth, cells: cells}, nil
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }
func (g *Grid) Depth() int  { return g.depth }

// CellCount returns width*height*depth.
func (g *Grid) CellCount() int { return g.width * g.height * g.depth }

// ByteSize returns the size of the grid's device representation.
func (g *Grid) ByteSize() int { return g.CellCount() * 4 }

// Cells exposes the backing slice so callers can read and write states
// directly, matching the dense index order.
func (g *Grid) Cells() []uint32 { return g.cells }

// Boundary returns the active simulation-boundary policy.
func (g *Grid) Boundary() Boundary { return g.boundary }

// SetBoundary selects the simulation-boundary policy for neighbor sampling.
func (g *Grid) SetBoundary(b Boundary) { g.boundary = b }

// Index returns the linear index for (x, y, z). The caller is responsible
// for bounds; Set and Get validate.
func (g *Grid) Index(x, y, z int) int {
	return z*g.width*g.height + y*g.width + x
}

// InBounds reports whether (x, y, z) addresses a stored cell.
func (g *Grid) InBounds(x, y, z int) bool {
	return x >= 0 && x < g.width && y >= 0 && y < g.height && z >= 0 && z < g.depth
}

// Set writes one cell state.
func (g *Grid) Set(x, y, z int, state uint32) error {
	if !g.InBounds(x, y, z) {
		return fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	g.cells[g.Index(x, y, z)] = state
	return nil
}

// Get reads one cell state.
func (g *Grid) Get(x, y, z int) (uint32, error) {
	if !g.InBounds(x, y, z) {
		return 0, fmt.Errorf("%w: (%d,%d,%d)", ErrOutOfBounds, x, y, z)
	}
	return g.cells[g.Index(x, y, z)], nil
}

// Wrap maps any integer coordinate onto [0, dim). Offsets of -1 and dim
// both land where the torus says they should, so a dimension of 1 maps
// every offset to the single existing cell.
func Wrap(c, dim int) int {
	return ((c % dim) + dim) % dim
}

// Sample reads a cell through the simulation boundary: toroidal wraps,
// fixed reads dead outside the grid.
func (g *Grid) Sample(x, y, z int) uint32 {
	if g.boundary == Fixed {
		if !g.InBounds(x, y, z) {
			return 0
		}
		return g.cells[g.Index(x, y, z)]
	}
	return g.cells[g.Index(Wrap(x, g.width), Wrap(y, g.height), Wrap(z, g.depth))]
}

// CountNeighbors counts alive cells in the 26-cell Moore neighborhood of
// (x, y, z), applying the boundary policy. This is the host reference for
// the compute kernel's neighbor rule.
func (g *Grid) CountNeighbors(x, y, z int) int {
	count := 0
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				if g.Sample(x+dx, y+dy, z+dz) != 0 {
					count++
				}
			}
		}
	}
	return count
}

// Population counts alive cells with a host-side linear scan.
func (g *Grid) Population() int {
	count := 0
	for _, c := range g.cells {
		if c != 0 {
			count++
		}
	}
	return count
}

// Clear kills every cell.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = 0
	}
}

// Randomize seeds the grid, setting each cell alive with the given
// probability. The same seed reproduces the same board.
func (g *Grid) Randomize(seed int64, density float64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range g.cells {
		if rng.Float64() < density {
			g.cells[i] = 1
		} else {
			g.cells[i] = 0
		}
	}
}

// Resize re-creates the backing storage with new dimensions. All cells
// reset to dead; the device-resident copy must be re-uploaded.
func (g *Grid) Resize(width, height, depth int) error {
	if width <= 0 || height <= 0 || depth <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, width, height, depth)
	}
	g.width, g.height, g.depth = width, height, depth
	g.cells = make([]uint32, width*height*depth)
	return nil
}
