package core

import (
	"errors"
	"testing"
)

func TestSparseSetGet(t *testing.T) {
	s, err := NewSparseGrid(4, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(1, 2, 3, 5); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(1, 2, 3)
	if err != nil || v != 5 {
		t.Fatalf("Get = %d, %v; want 5, nil", v, err)
	}
	if s.Population() != 1 {
		t.Errorf("population = %d, want 1", s.Population())
	}
	// Writing dead removes the entry, keeping absence the only default.
	s.Set(1, 2, 3, 0)
	if s.Population() != 0 {
		t.Errorf("population after clearing cell = %d, want 0", s.Population())
	}
	if err := s.Set(4, 0, 0, 1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("out-of-range set: got %v, want ErrOutOfBounds", err)
	}
}

func TestDenseSparseRoundTrip(t *testing.T) {
	g, _ := NewGrid(6, 5, 4)
	g.Randomize(7, 0.25)

	s := g.ToSparse()
	if s.Population() != g.Population() {
		t.Fatalf("sparse population %d != dense population %d", s.Population(), g.Population())
	}

	back, err := s.ToDense()
	if err != nil {
		t.Fatal(err)
	}
	for i := range g.Cells() {
		if g.Cells()[i] != back.Cells()[i] {
			t.Fatalf("round trip mismatch at index %d: %d != %d", i, g.Cells()[i], back.Cells()[i])
		}
	}

	// toSparse(toDense(toSparse(g))) == toSparse(g)
	again := back.ToSparse()
	if again.Population() != s.Population() {
		t.Fatalf("double round trip changed population: %d != %d", again.Population(), s.Population())
	}
	s.ForEach(func(x, y, z int, state uint32) {
		v, err := again.Get(x, y, z)
		if err != nil || v != state {
			t.Fatalf("double round trip changed cell (%d,%d,%d): %d != %d", x, y, z, v, state)
		}
	})
}

func TestSparsePreservesAge(t *testing.T) {
	g, _ := NewGrid(3, 3, 3)
	g.Set(0, 0, 0, 200)
	g.Set(2, 2, 2, 1)
	s := g.ToSparse()
	back, _ := s.ToDense()
	if v, _ := back.Get(0, 0, 0); v != 200 {
		t.Errorf("age lost in conversion: got %d, want 200", v)
	}
}

func TestPackKeyRoundTrip(t *testing.T) {
	coords := [][3]int{{0, 0, 0}, {1, 2, 3}, {255, 127, 63}, {1 << 20, 5, 1<<21 - 1}}
	for _, c := range coords {
		x, y, z := unpackKey(packKey(c[0], c[1], c[2]))
		if x != c[0] || y != c[1] || z != c[2] {
			t.Errorf("packKey round trip (%v) -> (%d,%d,%d)", c, x, y, z)
		}
	}
}

func TestSparseMemoryUsage(t *testing.T) {
	s, _ := NewSparseGrid(8, 8, 8)
	if s.MemoryUsage() != 0 {
		t.Errorf("empty sparse grid usage = %d, want 0", s.MemoryUsage())
	}
	s.Set(1, 1, 1, 1)
	s.Set(2, 2, 2, 1)
	if s.MemoryUsage() <= 0 {
		t.Error("memory usage should grow with stored cells")
	}
}
