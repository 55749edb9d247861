package main

import (
	"fmt"
	"sync"
	"time"

	"voxellife/config"
	"voxellife/core"
	"voxellife/gpu"
	"voxellife/rules"
)

// Simulation ties the grid, device and pipeline together and owns the
// control surface shared by the render loop and the server. Device calls
// only happen on the loop thread; other goroutines enqueue commands and
// the loop drains them between generations.
type Simulation struct {
	mu sync.Mutex

	grid  *core.Grid
	alloc *gpu.Allocator
	pipe  *gpu.Pipeline

	running bool
	seed    int64
	density float64

	commands chan func(*Simulation)
}

// NewSimulation seeds a grid from the settings and uploads it.
func NewSimulation(dev gpu.Device, alloc *gpu.Allocator, s config.Settings) (*Simulation, error) {
	sim := &Simulation{
		alloc:    alloc,
		seed:     s.Simulation.Seed,
		density:  s.Simulation.Density,
		commands: make(chan func(*Simulation), 64),
	}

	grid, err := core.NewGrid(s.Simulation.Width, s.Simulation.Height, s.Simulation.Depth)
	if err != nil {
		return nil, err
	}
	if s.Simulation.Boundary == "fixed" {
		grid.SetBoundary(core.Fixed)
	}
	grid.Randomize(sim.seed, sim.density)
	sim.grid = grid

	pipe, err := gpu.NewPipeline(dev, alloc, grid.Width(), grid.Height(), grid.Depth())
	if err != nil {
		return nil, err
	}
	if s.GPU.CompletionTimeoutMs > 0 {
		pipe.SetCompletionTimeout(time.Duration(s.GPU.CompletionTimeoutMs) * time.Millisecond)
	}
	pipe.SetPopulationCounting(s.GPU.CountPopulation)
	sim.pipe = pipe

	if preset, ok := rules.PresetByName(s.Simulation.Rule); ok {
		pipe.SetRule(preset.Rule)
	} else if family, ok := rules.FamilyByName(s.Simulation.Rule); ok {
		pipe.SetRule(rules.ForFamily(family))
	} else if s.Simulation.Rule != "" {
		fmt.Printf("Unknown rule %q, using classic\n", s.Simulation.Rule)
	}

	if err := pipe.Upload(grid); err != nil {
		pipe.Close()
		return nil, err
	}
	return sim, nil
}

// Enqueue schedules fn on the simulation loop thread. Commands are
// dropped when the queue is full rather than blocking a server goroutine.
func (s *Simulation) Enqueue(fn func(*Simulation)) bool {
	select {
	case s.commands <- fn:
		return true
	default:
		return false
	}
}

// DrainCommands runs queued commands. Called from the loop thread only.
func (s *Simulation) DrainCommands() {
	for {
		select {
		case fn := <-s.commands:
			fn(s)
		default:
			return
		}
	}
}

// Step advances one generation if the simulation is running, or
// unconditionally when force is set (single-step control).
func (s *Simulation) Step(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running && !force {
		return nil
	}
	return s.pipe.Step()
}

func (s *Simulation) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulation) SetRunning(on bool) {
	s.mu.Lock()
	s.running = on
	s.mu.Unlock()
}

// Reseed re-randomizes the grid and uploads it. A zero seed advances the
// previous one so repeated reseeds differ.
func (s *Simulation) Reseed(seed int64, density float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seed == 0 {
		seed = s.seed + 1
	}
	if density <= 0 || density > 1 {
		density = s.density
	}
	s.seed = seed
	s.density = density
	s.grid.Randomize(seed, density)
	return s.pipe.Upload(s.grid)
}

// SetRule binds a validated rule set to the next generation.
func (s *Simulation) SetRule(rs rules.RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe.SetRule(rs)
}

// CycleBoundary flips between toroidal and fixed edges.
func (s *Simulation) CycleBoundary() core.Boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := core.Toroidal
	if s.pipe.Boundary() == core.Toroidal {
		b = core.Fixed
	}
	s.pipe.SetBoundary(b)
	return b
}

// Snapshot downloads the confirmed generation as a sparse grid. Loop
// thread only; remote callers go through SnapshotSync.
func (s *Simulation) Snapshot() (*core.SparseGrid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pipe.Download(s.grid); err != nil {
		return nil, err
	}
	return s.grid.ToSparse(), nil
}

// LoadSnapshot replaces the board with a sparse snapshot of matching
// dimensions.
func (s *Simulation) LoadSnapshot(sg *core.SparseGrid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sg.Width() != s.grid.Width() || sg.Height() != s.grid.Height() || sg.Depth() != s.grid.Depth() {
		return fmt.Errorf("%w: snapshot %dx%dx%d vs grid %dx%dx%d", core.ErrInvalidDimensions,
			sg.Width(), sg.Height(), sg.Depth(), s.grid.Width(), s.grid.Height(), s.grid.Depth())
	}
	dense, err := sg.ToDense()
	if err != nil {
		return err
	}
	dense.SetBoundary(s.grid.Boundary())
	copy(s.grid.Cells(), dense.Cells())
	return s.pipe.Upload(s.grid)
}

// SnapshotSync runs Snapshot on the loop thread and waits for the result.
func (s *Simulation) SnapshotSync(timeout time.Duration) (*core.SparseGrid, error) {
	type result struct {
		sg  *core.SparseGrid
		err error
	}
	done := make(chan result, 1)
	if !s.Enqueue(func(sim *Simulation) {
		sg, err := sim.Snapshot()
		done <- result{sg, err}
	}) {
		return nil, fmt.Errorf("command queue full")
	}
	select {
	case r := <-done:
		return r.sg, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("snapshot timed out")
	}
}

// LoadSnapshotSync runs LoadSnapshot on the loop thread and waits.
func (s *Simulation) LoadSnapshotSync(sg *core.SparseGrid, timeout time.Duration) error {
	done := make(chan error, 1)
	if !s.Enqueue(func(sim *Simulation) {
		done <- sim.LoadSnapshot(sg)
	}) {
		return fmt.Errorf("command queue full")
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("snapshot load timed out")
	}
}

// Stats is the status payload pushed to clients.
type Stats struct {
	Type            string        `json:"type"`
	Generation      uint64        `json:"generation"`
	Population      int           `json:"population"`
	PopulationValid bool          `json:"populationValid"`
	Rule            string        `json:"rule"`
	RuleSet         rules.RuleSet `json:"ruleSet"`
	Boundary        string        `json:"boundary"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	Depth           int           `json:"depth"`
	Running         bool          `json:"running"`
	LastError       string        `json:"lastError,omitempty"`
	LastErrorGen    uint64        `json:"lastErrorGeneration,omitempty"`
	Memory          gpu.Stats     `json:"memory"`
}

// Stats assembles the current status. Safe from any goroutine.
func (s *Simulation) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	pop, popValid := s.pipe.Population()
	st := Stats{
		Type:            "stats",
		Generation:      s.pipe.Generation(),
		Population:      pop,
		PopulationValid: popValid,
		Rule:            s.pipe.Rule().Family.String(),
		RuleSet:         s.pipe.Rule(),
		Boundary:        s.pipe.Boundary().String(),
		Width:           s.grid.Width(),
		Height:          s.grid.Height(),
		Depth:           s.grid.Depth(),
		Running:         s.running,
		Memory:          s.alloc.Statistics(),
	}
	if err, gen := s.pipe.LastError(); err != nil {
		st.LastError = err.Error()
		st.LastErrorGen = gen
	}
	return st
}

func (s *Simulation) Pipeline() *gpu.Pipeline { return s.pipe }
func (s *Simulation) Grid() *core.Grid        { return s.grid }

// Close releases the pipeline. Loop thread only.
func (s *Simulation) Close() {
	s.pipe.Close()
}
