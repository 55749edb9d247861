package gpu

import (
	"errors"
	"time"

	"voxellife/core"
	"voxellife/rules"
)

// Error taxonomy. InvalidSize and InvalidAccess are caller programming
// errors; OutOfDeviceMemory is recoverable; DeviceLost and
// CompletionTimeout are fatal to the generation that hit them.
var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrInvalidSize       = errors.New("invalid allocation size")
	ErrInvalidAccess     = errors.New("invalid access: memory is not host-visible")
	ErrDeviceLost        = errors.New("device lost")
	ErrCompletionTimeout = errors.New("timed out waiting for device completion")
	ErrInvalidHandle     = errors.New("invalid buffer handle")
)

// BufferHandle identifies one device buffer. Zero is never a valid handle.
type BufferHandle uint64

// MemoryClass describes where an allocation lives and how the host may
// touch it.
type MemoryClass int32

const (
	// DeviceLocal memory is fastest for the compute kernels and cannot
	// be mapped by the host.
	DeviceLocal MemoryClass = iota
	// HostVisible memory can be mapped; writes require an explicit flush
	// on backends that distinguish coherence.
	HostVisible
	// HostVisibleCoherent memory is mapped once and stays coherent with
	// device access; used for staging and readback buffers.
	HostVisibleCoherent
)

func (c MemoryClass) String() string {
	switch c {
	case DeviceLocal:
		return "device-local"
	case HostVisible:
		return "host-visible"
	case HostVisibleCoherent:
		return "host-visible-coherent"
	default:
		return "unknown"
	}
}

// HostVisible reports whether the class permits host mapping.
func (c MemoryClass) HostVisible() bool { return c != DeviceLocal }

// UsageIntent classifies why an allocation is requested; the allocator's
// policy table maps intent to memory class and pooling strategy.
type UsageIntent int32

const (
	// UsageStatic is long-lived device-resident data (generation buffers).
	UsageStatic UsageIntent = iota
	// UsageTransient is short-lived staging data, pooled for reuse.
	UsageTransient
	// UsageHostUpdated is written by the host every frame or nearly so;
	// mapped once and kept mapped.
	UsageHostUpdated
)

func (u UsageIntent) String() string {
	switch u {
	case UsageStatic:
		return "static"
	case UsageTransient:
		return "transient"
	case UsageHostUpdated:
		return "host-updated"
	default:
		return "unknown"
	}
}

// Tile dimensions of the generation kernel: each worker group covers an
// 8x8x8 interior and stages a 10x10x10 tile (interior plus 1-cell halo)
// in group-shared memory.
const (
	TileDim     = 8
	HaloTileDim = TileDim + 2
	ReduceGroup = 256
)

// Fence identifies asynchronous device work submitted by
// DispatchGeneration. The zero fence is never issued.
type Fence uint64

// GenerationJob describes one generation update: read Current, write
// Next, optionally accumulate the alive-cell count of Next into the
// Population buffer (a host-visible uint32 the caller has zeroed).
type GenerationJob struct {
	Current    BufferHandle
	Next       BufferHandle
	Width      int
	Height     int
	Depth      int
	Rule       rules.RuleSet
	Boundary   core.Boundary
	Population BufferHandle // zero handle skips the reduction pass
}

// CellCount returns the number of cells the job covers.
func (j GenerationJob) CellCount() int { return j.Width * j.Height * j.Depth }

// Device is the opaque compute device handle provided by device
// bring-up. Buffer and copy calls back the allocator; DispatchGeneration
// and Wait back the update pipeline. Implementations: GLDevice (OpenGL
// 4.3 compute) and CPUDevice (host reference, used by tests and the
// slice viewer).
type Device interface {
	Name() string

	CreateBuffer(sizeBytes int, class MemoryClass) (BufferHandle, error)
	DestroyBuffer(h BufferHandle) error
	Map(h BufferHandle) ([]byte, error)
	Unmap(h BufferHandle) error

	// Copy performs a device-side copy of sizeBytes from src to dst and
	// returns once the copy is visible to subsequent host mapping.
	Copy(src, dst BufferHandle, sizeBytes int) error

	// DispatchGeneration submits one generation update and returns a
	// fence that fires when Next is fully written.
	DispatchGeneration(job GenerationJob) (Fence, error)

	// Wait blocks until the fence fires or the timeout elapses
	// (ErrCompletionTimeout). A timed-out fence stays valid so the
	// caller can re-confirm completion before reusing buffers.
	Wait(f Fence, timeout time.Duration) error

	// MemoryBudget reports bytes in use and total budget when the
	// backend can tell; ok is false otherwise.
	MemoryBudget() (used, budget uint64, ok bool)

	Close()
}
