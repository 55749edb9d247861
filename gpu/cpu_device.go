package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"voxellife/core"
	"voxellife/rules"
)

// u32View reinterprets mapped buffer bytes as cell states, the same way
// the device sees them.
func u32View(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

type cpuBuffer struct {
	data  []byte
	class MemoryClass
}

// CPUDevice is the host reference implementation of Device. It runs the
// same tile-parallel generation semantics as the GL kernels with one
// goroutine per tile, and backs fences with channels so completion is
// genuinely asynchronous. Tests and the slice viewer use it; it also
// carries failure-injection hooks for exercising the pipeline's error
// paths.
type CPUDevice struct {
	mu         sync.Mutex
	buffers    map[BufferHandle]*cpuBuffer
	fences     map[Fence]chan error
	nextHandle uint64
	nextFence  uint64
	usedBytes  uint64

	// BudgetBytes, when non-zero, simulates a device memory budget.
	BudgetBytes uint64
	// FailDispatch, when set, is returned by the next DispatchGeneration.
	FailDispatch error
	// FailAsync, when set, is delivered through the fence instead of a
	// completed generation.
	FailAsync error
	// StepDelay adds artificial kernel latency.
	StepDelay time.Duration
}

// NewCPUDevice creates an empty host device.
func NewCPUDevice() *CPUDevice {
	return &CPUDevice{
		buffers: make(map[BufferHandle]*cpuBuffer),
		fences:  make(map[Fence]chan error),
	}
}

func (d *CPUDevice) Name() string { return "CPU reference" }

func (d *CPUDevice) CreateBuffer(sizeBytes int, class MemoryClass) (BufferHandle, error) {
	if sizeBytes <= 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, sizeBytes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.BudgetBytes > 0 && d.usedBytes+uint64(sizeBytes) > d.BudgetBytes {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrOutOfDeviceMemory, sizeBytes, d.usedBytes, d.BudgetBytes)
	}
	d.nextHandle++
	h := BufferHandle(d.nextHandle)
	d.buffers[h] = &cpuBuffer{data: make([]byte, sizeBytes), class: class}
	d.usedBytes += uint64(sizeBytes)
	return h, nil
}

func (d *CPUDevice) DestroyBuffer(h BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	d.usedBytes -= uint64(len(buf.data))
	delete(d.buffers, h)
	return nil
}

func (d *CPUDevice) lookup(h BufferHandle) (*cpuBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return buf, nil
}

func (d *CPUDevice) Map(h BufferHandle) ([]byte, error) {
	buf, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	if !buf.class.HostVisible() {
		return nil, fmt.Errorf("%w (%s)", ErrInvalidAccess, buf.class)
	}
	return buf.data, nil
}

func (d *CPUDevice) Unmap(h BufferHandle) error {
	buf, err := d.lookup(h)
	if err != nil {
		return err
	}
	if !buf.class.HostVisible() {
		return fmt.Errorf("%w (%s)", ErrInvalidAccess, buf.class)
	}
	return nil
}

func (d *CPUDevice) Copy(src, dst BufferHandle, sizeBytes int) error {
	sb, err := d.lookup(src)
	if err != nil {
		return err
	}
	db, err := d.lookup(dst)
	if err != nil {
		return err
	}
	if sizeBytes <= 0 || sizeBytes > len(sb.data) || sizeBytes > len(db.data) {
		return fmt.Errorf("%w: copy of %d bytes", ErrInvalidSize, sizeBytes)
	}
	copy(db.data[:sizeBytes], sb.data[:sizeBytes])
	return nil
}

func (d *CPUDevice) MemoryBudget() (used, budget uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.BudgetBytes == 0 {
		return 0, 0, false
	}
	return d.usedBytes, d.BudgetBytes, true
}

func (d *CPUDevice) DispatchGeneration(job GenerationJob) (Fence, error) {
	if d.FailDispatch != nil {
		err := d.FailDispatch
		d.FailDispatch = nil
		return 0, err
	}
	cur, err := d.lookup(job.Current)
	if err != nil {
		return 0, err
	}
	next, err := d.lookup(job.Next)
	if err != nil {
		return 0, err
	}
	cellBytes := job.CellCount() * 4
	if cellBytes <= 0 || len(cur.data) < cellBytes || len(next.data) < cellBytes {
		return 0, fmt.Errorf("%w: %d cells over buffers of %d and %d bytes",
			ErrInvalidSize, job.CellCount(), len(cur.data), len(next.data))
	}
	var pop []uint32
	if job.Population != 0 {
		pb, err := d.lookup(job.Population)
		if err != nil {
			return 0, err
		}
		pop = u32View(pb.data)
	}

	d.mu.Lock()
	d.nextFence++
	f := Fence(d.nextFence)
	done := make(chan error, 1)
	d.fences[f] = done
	d.mu.Unlock()

	go func() {
		if d.StepDelay > 0 {
			time.Sleep(d.StepDelay)
		}
		if d.FailAsync != nil {
			done <- d.FailAsync
			return
		}
		done <- d.runGeneration(job, u32View(cur.data), u32View(next.data), pop)
	}()
	return f, nil
}

// runGeneration executes the kernel semantics: independent worker groups
// per tile, each reading only the dispatch-time snapshot in current and
// writing only its own cells in next.
func (d *CPUDevice) runGeneration(job GenerationJob, current, next []uint32, pop []uint32) error {
	snapshot, err := core.GridFromCells(job.Width, job.Height, job.Depth, current[:job.CellCount()])
	if err != nil {
		return err
	}
	snapshot.SetBoundary(job.Boundary)

	var wg sync.WaitGroup
	for tz := 0; tz < job.Depth; tz += TileDim {
		for ty := 0; ty < job.Height; ty += TileDim {
			for tx := 0; tx < job.Width; tx += TileDim {
				wg.Add(1)
				go func(tx, ty, tz int) {
					defer wg.Done()
					var groupSum uint32
					for z := tz; z < tz+TileDim && z < job.Depth; z++ {
						for y := ty; y < ty+TileDim && y < job.Height; y++ {
							for x := tx; x < tx+TileDim && x < job.Width; x++ {
								n := snapshot.CountNeighbors(x, y, z)
								idx := snapshot.Index(x, y, z)
								state := rules.Evaluate(job.Rule, current[idx], n)
								next[idx] = state
								if state != 0 {
									groupSum++
								}
							}
						}
					}
					// One accumulate per worker group, as in the
					// reduction kernel.
					if pop != nil && groupSum != 0 {
						atomic.AddUint32(&pop[0], groupSum)
					}
				}(tx, ty, tz)
			}
		}
	}
	wg.Wait()
	return nil
}

func (d *CPUDevice) Wait(f Fence, timeout time.Duration) error {
	d.mu.Lock()
	done, ok := d.fences[f]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: fence %d", ErrInvalidHandle, BufferHandle(f))
	}
	select {
	case err := <-done:
		d.mu.Lock()
		delete(d.fences, f)
		d.mu.Unlock()
		return err
	case <-time.After(timeout):
		// The fence stays registered so the caller can re-confirm later.
		return ErrCompletionTimeout
	}
}

func (d *CPUDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = make(map[BufferHandle]*cpuBuffer)
	d.fences = make(map[Fence]chan error)
	d.usedBytes = 0
}
