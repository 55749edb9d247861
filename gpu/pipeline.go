package gpu

import (
	"errors"
	"fmt"
	"time"

	"voxellife/core"
	"voxellife/rules"
)

// PipelineState tracks one generation's lifecycle.
type PipelineState int32

const (
	StateIdle PipelineState = iota
	StateDispatching
	StateAwaitingCompletion
	StateSwapped
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingCompletion:
		return "awaiting-completion"
	case StateSwapped:
		return "swapped"
	default:
		return "unknown"
	}
}

// DefaultCompletionTimeout bounds the wait on the device fence.
const DefaultCompletionTimeout = 5 * time.Second

// Pipeline advances the simulation one generation at a time. It owns the
// generation buffer pair; current always holds the last confirmed
// generation and stays authoritative through every failure. The pipeline
// is single-writer: one host thread drives Step, while collaborators may
// concurrently read the current buffer handle.
type Pipeline struct {
	dev   Device
	alloc *Allocator

	width, height, depth int
	boundary             core.Boundary

	current *Allocation
	next    *Allocation
	popBuf  *Allocation

	rule        rules.RuleSet
	pendingRule *rules.RuleSet

	state       PipelineState
	generation  uint64
	population  int
	popValid    bool
	countPop    bool
	waitTimeout time.Duration

	lastErr    error
	lastErrGen uint64

	// A fence that timed out; its buffers stay quarantined until the
	// device confirms it is no longer writing.
	inFlight    Fence
	hasInFlight bool
}

// NewPipeline allocates the generation buffer pair and the population
// readback buffer for a grid of the given dimensions.
func NewPipeline(dev Device, alloc *Allocator, width, height, depth int) (*Pipeline, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", core.ErrInvalidDimensions, width, height, depth)
	}
	size := width * height * depth * 4

	current, err := alloc.Allocate(size, UsageStatic)
	if err != nil {
		return nil, fmt.Errorf("allocating current generation buffer: %w", err)
	}
	next, err := alloc.Allocate(size, UsageStatic)
	if err != nil {
		alloc.Free(current)
		return nil, fmt.Errorf("allocating next generation buffer: %w", err)
	}
	if current.Handle() == next.Handle() {
		alloc.Free(next)
		alloc.Free(current)
		return nil, fmt.Errorf("%w: generation buffers alias", ErrInvalidHandle)
	}
	popBuf, err := alloc.Allocate(4, UsageHostUpdated)
	if err != nil {
		alloc.Free(next)
		alloc.Free(current)
		return nil, fmt.Errorf("allocating population buffer: %w", err)
	}

	return &Pipeline{
		dev:         dev,
		alloc:       alloc,
		width:       width,
		height:      height,
		depth:       depth,
		current:     current,
		next:        next,
		popBuf:      popBuf,
		rule:        rules.ForFamily(rules.Classic),
		countPop:    true,
		waitTimeout: DefaultCompletionTimeout,
	}, nil
}

func (p *Pipeline) Width() int  { return p.width }
func (p *Pipeline) Height() int { return p.height }
func (p *Pipeline) Depth() int  { return p.depth }

// State returns the current lifecycle state.
func (p *Pipeline) State() PipelineState { return p.state }

// Generation returns the number of confirmed generations.
func (p *Pipeline) Generation() uint64 { return p.generation }

// Rule returns the rule set that will govern the next dispatch.
func (p *Pipeline) Rule() rules.RuleSet {
	if p.pendingRule != nil {
		return *p.pendingRule
	}
	return p.rule
}

// Boundary returns the active simulation boundary policy.
func (p *Pipeline) Boundary() core.Boundary { return p.boundary }

// SetBoundary selects the boundary policy for subsequent dispatches.
func (p *Pipeline) SetBoundary(b core.Boundary) { p.boundary = b }

// SetRule validates a rule set and binds it to the next dispatch. An
// invalid rule set is rejected and the previous one remains active.
func (p *Pipeline) SetRule(rs rules.RuleSet) error {
	if err := rules.Validate(rs); err != nil {
		return err
	}
	copied := rs
	p.pendingRule = &copied
	return nil
}

// SetPopulationCounting toggles the reduction pass.
func (p *Pipeline) SetPopulationCounting(on bool) { p.countPop = on }

// Population returns the last reduction result; valid is false until a
// counted generation has completed, and after Upload invalidates it.
func (p *Pipeline) Population() (int, bool) { return p.population, p.popValid }

// SetCompletionTimeout bounds the wait on each generation's fence.
func (p *Pipeline) SetCompletionTimeout(d time.Duration) {
	if d > 0 {
		p.waitTimeout = d
	}
}

// CurrentBuffer is the render-read interface: a read-only handle to the
// confirmed generation. Collaborators must never write through it and
// must never touch next.
func (p *Pipeline) CurrentBuffer() BufferHandle { return p.current.Handle() }

// LastError reports the most recent failure and the generation count at
// which it occurred.
func (p *Pipeline) LastError() (error, uint64) { return p.lastErr, p.lastErrGen }

func (p *Pipeline) fail(err error) error {
	p.state = StateIdle
	p.lastErr = err
	p.lastErrGen = p.generation
	return err
}

// drain confirms a previously timed-out dispatch has finished before its
// buffers are reused. Memory is never handed back while the device might
// still be writing to it.
func (p *Pipeline) drain() error {
	if !p.hasInFlight {
		return nil
	}
	if err := p.dev.Wait(p.inFlight, p.waitTimeout); err != nil {
		if errors.Is(err, ErrCompletionTimeout) {
			return fmt.Errorf("previous dispatch still in flight: %w", err)
		}
		// Finished, badly; buffers are safe to reuse either way.
	}
	p.hasInFlight = false
	return nil
}

// Step advances exactly one generation: dispatch over the grid, await the
// completion signal, swap buffer roles. On any failure current remains
// authoritative and next is discarded.
func (p *Pipeline) Step() error {
	if p.state != StateIdle {
		return fmt.Errorf("pipeline busy: state %s", p.state)
	}
	if err := p.drain(); err != nil {
		return p.fail(err)
	}
	if p.pendingRule != nil {
		p.rule = *p.pendingRule
		p.pendingRule = nil
	}

	p.state = StateDispatching
	job := GenerationJob{
		Current:  p.current.Handle(),
		Next:     p.next.Handle(),
		Width:    p.width,
		Height:   p.height,
		Depth:    p.depth,
		Rule:     p.rule,
		Boundary: p.boundary,
	}
	if p.countPop {
		mapped, err := p.alloc.Map(p.popBuf)
		if err != nil {
			return p.fail(fmt.Errorf("mapping population buffer: %w", err))
		}
		u32View(mapped)[0] = 0
		job.Population = p.popBuf.Handle()
	}

	fence, err := p.dev.DispatchGeneration(job)
	if err != nil {
		return p.fail(fmt.Errorf("dispatch failed: %w", err))
	}

	p.state = StateAwaitingCompletion
	if err := p.dev.Wait(fence, p.waitTimeout); err != nil {
		if errors.Is(err, ErrCompletionTimeout) {
			p.inFlight = fence
			p.hasInFlight = true
		}
		return p.fail(fmt.Errorf("generation %d: %w", p.generation, err))
	}

	if p.countPop {
		p.population = int(u32View(p.popBuf.Mapped())[0])
		p.popValid = true
	}

	// Role exchange, never a copy.
	p.current, p.next = p.next, p.current
	p.state = StateSwapped
	p.generation++
	p.state = StateIdle
	return nil
}

// Upload copies a grid's logical state into the current generation
// buffer through the staging path. The grid's boundary policy becomes
// the pipeline's.
func (p *Pipeline) Upload(g *core.Grid) error {
	if g.Width() != p.width || g.Height() != p.height || g.Depth() != p.depth {
		return fmt.Errorf("%w: grid %dx%dx%d vs pipeline %dx%dx%d",
			core.ErrInvalidDimensions, g.Width(), g.Height(), g.Depth(), p.width, p.height, p.depth)
	}
	// An abandoned dispatch may still be reading current.
	if err := p.drain(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	size := g.ByteSize()
	stage, err := p.alloc.GetStagingBuffer(size)
	if err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	defer p.alloc.ReturnStagingBuffer(stage)

	copy(u32View(stage.Mapped()), g.Cells())
	if err := p.alloc.Copy(stage, p.current, size); err != nil {
		return p.fail(fmt.Errorf("uploading grid: %w", err))
	}
	p.boundary = g.Boundary()
	p.popValid = false
	return nil
}

// Download copies the confirmed generation back into a grid through the
// staging path.
func (p *Pipeline) Download(g *core.Grid) error {
	if g.Width() != p.width || g.Height() != p.height || g.Depth() != p.depth {
		return fmt.Errorf("%w: grid %dx%dx%d vs pipeline %dx%dx%d",
			core.ErrInvalidDimensions, g.Width(), g.Height(), g.Depth(), p.width, p.height, p.depth)
	}
	if err := p.drain(); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	size := g.ByteSize()
	stage, err := p.alloc.GetStagingBuffer(size)
	if err != nil {
		return fmt.Errorf("staging download: %w", err)
	}
	defer p.alloc.ReturnStagingBuffer(stage)

	if err := p.alloc.Copy(p.current, stage, size); err != nil {
		return fmt.Errorf("downloading grid: %w", err)
	}
	copy(g.Cells(), u32View(stage.Mapped()))
	return nil
}

// Close releases the generation buffers. It must not be called while a
// dispatch may still be in flight; a quarantined fence is drained first.
func (p *Pipeline) Close() {
	p.drain()
	p.alloc.Free(p.popBuf)
	p.alloc.Free(p.next)
	p.alloc.Free(p.current)
}
