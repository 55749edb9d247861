package gpu

import (
	"fmt"
	"sync"
)

// Allocation policy thresholds.
const (
	// Allocations above this get a dedicated buffer and are released to
	// the device on Free instead of pooling.
	DefaultLargeThreshold = 64 << 20
	// Allocations above this are checked against the device memory
	// budget when the backend reports one.
	DefaultBudgetThreshold = 32 << 20
)

// Allocation is one tracked device buffer. Owned exclusively by the
// Allocator; callers hold the pointer but never free the device memory
// themselves.
type Allocation struct {
	handle    BufferHandle
	size      int // requested size
	allocSize int // size actually reserved (size-class rounded)
	class     MemoryClass
	usage     UsageIntent
	mapped    []byte
	inUse     bool
	dedicated bool
	staging   bool
}

func (a *Allocation) Handle() BufferHandle { return a.handle }
func (a *Allocation) Size() int            { return a.size }
func (a *Allocation) Class() MemoryClass   { return a.class }
func (a *Allocation) Usage() UsageIntent   { return a.usage }
func (a *Allocation) InUse() bool          { return a.inUse }

// Mapped returns the host view of a mapped allocation, nil if unmapped.
func (a *Allocation) Mapped() []byte { return a.mapped }

// Stats are running allocator counters, read-only to collaborators.
type Stats struct {
	AllocatedBytes uint64 `json:"allocatedBytes"`
	PeakBytes      uint64 `json:"peakBytes"`
	LiveBuffers    int    `json:"liveBuffers"`
	DeviceLocal    int    `json:"deviceLocal"`
	HostVisible    int    `json:"hostVisible"`
	PoolReuses     uint64 `json:"poolReuses"`
	StagingReuses  uint64 `json:"stagingReuses"`
}

type poolKey struct {
	class     MemoryClass
	sizeClass int
}

// Allocator classifies allocation requests, obtains device memory and
// recycles transient buffers. Free lists and counters are process-wide
// shared state; every mutation happens under mu, so allocate/free is
// safe from multiple host threads.
type Allocator struct {
	dev Device

	mu      sync.Mutex
	free    map[poolKey][]*Allocation
	staging []*Allocation
	stats   Stats

	largeThreshold  int
	budgetThreshold int
	budgetBytes     uint64 // explicit budget override; 0 defers to the device
}

// AllocatorConfig overrides the default policy thresholds. Zero values
// keep the defaults.
type AllocatorConfig struct {
	LargeThreshold  int
	BudgetThreshold int
	BudgetBytes     uint64
}

// NewAllocator creates an allocator over the given device.
func NewAllocator(dev Device, cfg AllocatorConfig) *Allocator {
	a := &Allocator{
		dev:             dev,
		free:            make(map[poolKey][]*Allocation),
		largeThreshold:  cfg.LargeThreshold,
		budgetThreshold: cfg.BudgetThreshold,
		budgetBytes:     cfg.BudgetBytes,
	}
	if a.largeThreshold <= 0 {
		a.largeThreshold = DefaultLargeThreshold
	}
	if a.budgetThreshold <= 0 {
		a.budgetThreshold = DefaultBudgetThreshold
	}
	return a
}

// classFor maps usage intent to memory class: transient staging wants
// cheap allocation and host coherence, static data wants device-local
// memory, host-updated data wants a persistent mapping.
func classFor(usage UsageIntent) MemoryClass {
	switch usage {
	case UsageTransient:
		return HostVisibleCoherent
	case UsageHostUpdated:
		return HostVisible
	default:
		return DeviceLocal
	}
}

// sizeClassOf rounds up to the next power of two so pooled buffers of
// nearby sizes share a free list.
func sizeClassOf(size int) int {
	c := 256
	for c < size {
		c <<= 1
	}
	return c
}

// Allocate obtains a buffer for the given intent. Fails with
// ErrInvalidSize for a zero request and ErrOutOfDeviceMemory when the
// device or budget cannot satisfy it; the caller may retry smaller,
// free unrelated allocations, or defer.
func (a *Allocator) Allocate(sizeBytes int, usage UsageIntent) (*Allocation, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, sizeBytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(sizeBytes, usage)
}

func (a *Allocator) allocateLocked(sizeBytes int, usage UsageIntent) (*Allocation, error) {
	class := classFor(usage)
	dedicated := sizeBytes > a.largeThreshold

	allocSize := sizeBytes
	if !dedicated {
		allocSize = sizeClassOf(sizeBytes)
		key := poolKey{class: class, sizeClass: allocSize}
		if list := a.free[key]; len(list) > 0 {
			alloc := list[len(list)-1]
			a.free[key] = list[:len(list)-1]
			alloc.size = sizeBytes
			alloc.usage = usage
			alloc.inUse = true
			a.stats.PoolReuses++
			return alloc, nil
		}
	}

	if sizeBytes > a.budgetThreshold {
		if err := a.checkBudgetLocked(uint64(allocSize)); err != nil {
			return nil, err
		}
	}

	h, err := a.dev.CreateBuffer(allocSize, class)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes (%s, %s): %w", sizeBytes, class, usage, err)
	}
	alloc := &Allocation{
		handle:    h,
		size:      sizeBytes,
		allocSize: allocSize,
		class:     class,
		usage:     usage,
		inUse:     true,
		dedicated: dedicated,
	}
	// Transient and host-updated buffers are mapped once and kept mapped.
	if class.HostVisible() {
		mapped, err := a.dev.Map(h)
		if err != nil {
			a.dev.DestroyBuffer(h)
			return nil, fmt.Errorf("mapping fresh allocation: %w", err)
		}
		alloc.mapped = mapped
	}
	a.stats.AllocatedBytes += uint64(allocSize)
	if a.stats.AllocatedBytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.AllocatedBytes
	}
	a.stats.LiveBuffers++
	if class == DeviceLocal {
		a.stats.DeviceLocal++
	} else {
		a.stats.HostVisible++
	}
	return alloc, nil
}

func (a *Allocator) checkBudgetLocked(request uint64) error {
	budget := a.budgetBytes
	used := a.stats.AllocatedBytes
	if budget == 0 {
		devUsed, devBudget, ok := a.dev.MemoryBudget()
		if !ok {
			return nil
		}
		budget = devBudget
		if devUsed > used {
			used = devUsed
		}
	}
	if used+request > budget {
		return fmt.Errorf("%w: %d requested, %d of %d in use", ErrOutOfDeviceMemory, request, used, budget)
	}
	return nil
}

// Free returns an allocation to the pool, or releases it to the device
// when it was dedicated. Freeing an already-freed allocation is a no-op.
func (a *Allocator) Free(alloc *Allocation) {
	if alloc == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !alloc.inUse {
		return
	}
	alloc.inUse = false
	if alloc.staging {
		// Staying in the staging pool keyed by its own list.
		return
	}
	if alloc.dedicated {
		a.destroyLocked(alloc)
		return
	}
	key := poolKey{class: alloc.class, sizeClass: alloc.allocSize}
	a.free[key] = append(a.free[key], alloc)
}

func (a *Allocator) destroyLocked(alloc *Allocation) {
	if alloc.mapped != nil {
		a.dev.Unmap(alloc.handle)
		alloc.mapped = nil
	}
	a.dev.DestroyBuffer(alloc.handle)
	a.stats.AllocatedBytes -= uint64(alloc.allocSize)
	a.stats.LiveBuffers--
	if alloc.class == DeviceLocal {
		a.stats.DeviceLocal--
	} else {
		a.stats.HostVisible--
	}
	alloc.handle = 0
}

// Map returns a host pointer for a host-visible allocation; DeviceLocal
// memory fails with ErrInvalidAccess.
func (a *Allocator) Map(alloc *Allocation) ([]byte, error) {
	if !alloc.class.HostVisible() {
		return nil, fmt.Errorf("%w (%s)", ErrInvalidAccess, alloc.class)
	}
	if alloc.mapped != nil {
		return alloc.mapped, nil
	}
	mapped, err := a.dev.Map(alloc.handle)
	if err != nil {
		return nil, err
	}
	alloc.mapped = mapped
	return mapped, nil
}

// Unmap releases a host mapping. Unmapping DeviceLocal memory fails with
// ErrInvalidAccess; unmapping an unmapped allocation is a no-op.
func (a *Allocator) Unmap(alloc *Allocation) error {
	if !alloc.class.HostVisible() {
		return fmt.Errorf("%w (%s)", ErrInvalidAccess, alloc.class)
	}
	if alloc.mapped == nil {
		return nil
	}
	if err := a.dev.Unmap(alloc.handle); err != nil {
		return err
	}
	alloc.mapped = nil
	return nil
}

// Copy schedules a device-side copy of sizeBytes from src to dst. The
// caller must not touch either allocation from the CPU until it returns.
func (a *Allocator) Copy(src, dst *Allocation, sizeBytes int) error {
	if sizeBytes <= 0 {
		return fmt.Errorf("%w: copy of %d bytes", ErrInvalidSize, sizeBytes)
	}
	if sizeBytes > src.size || sizeBytes > dst.size {
		return fmt.Errorf("%w: copy of %d bytes exceeds buffers (%d, %d)", ErrInvalidSize, sizeBytes, src.size, dst.size)
	}
	if src.handle == dst.handle {
		return fmt.Errorf("%w: source and destination alias", ErrInvalidHandle)
	}
	return a.dev.Copy(src.handle, dst.handle, sizeBytes)
}

// GetStagingBuffer hands out a mapped transient buffer of at least
// sizeBytes. A previously returned buffer of the same or larger size is
// reused without a device call; this is the main defense against
// per-frame allocation churn.
func (a *Allocator) GetStagingBuffer(sizeBytes int) (*Allocation, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, sizeBytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.staging {
		if !s.inUse && s.allocSize >= sizeBytes {
			s.inUse = true
			s.size = sizeBytes
			a.stats.StagingReuses++
			return s, nil
		}
	}
	alloc, err := a.allocateLocked(sizeBytes, UsageTransient)
	if err != nil {
		return nil, err
	}
	alloc.staging = true
	a.staging = append(a.staging, alloc)
	return alloc, nil
}

// ReturnStagingBuffer puts a staging buffer back in the reuse pool.
func (a *Allocator) ReturnStagingBuffer(alloc *Allocation) {
	if alloc == nil || !alloc.staging {
		return
	}
	a.mu.Lock()
	alloc.inUse = false
	a.mu.Unlock()
}

// Statistics returns a copy of the running counters.
func (a *Allocator) Statistics() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close releases every pooled and staging buffer. Allocations still in
// use are the caller's bug; they are released as well so the device ends
// clean.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, list := range a.free {
		for _, alloc := range list {
			a.destroyLocked(alloc)
		}
		delete(a.free, key)
	}
	for _, s := range a.staging {
		if s.handle != 0 {
			a.destroyLocked(s)
		}
	}
	a.staging = nil
}
