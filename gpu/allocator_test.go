package gpu

import (
	"errors"
	"sync"
	"testing"
)

func TestAllocateRejectsInvalidSize(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	for _, size := range []int{0, -1, -4096} {
		if _, err := a.Allocate(size, UsageStatic); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Allocate(%d) = %v, want ErrInvalidSize", size, err)
		}
	}
}

func TestUsageIntentSelectsMemoryClass(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	cases := []struct {
		usage UsageIntent
		class MemoryClass
	}{
		{UsageStatic, DeviceLocal},
		{UsageTransient, HostVisibleCoherent},
		{UsageHostUpdated, HostVisible},
	}
	for _, tc := range cases {
		alloc, err := a.Allocate(1024, tc.usage)
		if err != nil {
			t.Fatalf("Allocate(%s): %v", tc.usage, err)
		}
		if alloc.Class() != tc.class {
			t.Errorf("usage %s got class %s, want %s", tc.usage, alloc.Class(), tc.class)
		}
		if tc.class.HostVisible() && alloc.Mapped() == nil {
			t.Errorf("usage %s should come back mapped", tc.usage)
		}
		if tc.class == DeviceLocal && alloc.Mapped() != nil {
			t.Errorf("usage %s should not be mapped", tc.usage)
		}
		a.Free(alloc)
	}
}

func TestPoolReusesFreedBuffer(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	first, err := a.Allocate(1000, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}
	h := first.Handle()
	a.Free(first)

	// Same size class, so the pooled buffer comes back.
	second, err := a.Allocate(900, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}
	if second.Handle() != h {
		t.Errorf("pooled allocation handle = %d, want reused %d", second.Handle(), h)
	}
	if got := a.Statistics().PoolReuses; got != 1 {
		t.Errorf("PoolReuses = %d, want 1", got)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	alloc, err := a.Allocate(512, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}
	a.Free(alloc)
	a.Free(alloc)
	a.Free(nil)

	if got := a.Statistics().LiveBuffers; got != 1 {
		t.Errorf("LiveBuffers = %d after double free, want 1 (pooled)", got)
	}
}

func TestMapDeviceLocalFails(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	alloc, err := a.Allocate(256, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Map(alloc); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("Map(DeviceLocal) = %v, want ErrInvalidAccess", err)
	}
	if err := a.Unmap(alloc); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("Unmap(DeviceLocal) = %v, want ErrInvalidAccess", err)
	}
}

func TestStagingBufferReuse(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	first, err := a.GetStagingBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	h := first.Handle()
	a.ReturnStagingBuffer(first)

	// Same or smaller request must come back as the same buffer.
	for _, size := range []int{4096, 2048, 64} {
		s, err := a.GetStagingBuffer(size)
		if err != nil {
			t.Fatal(err)
		}
		if s.Handle() != h {
			t.Errorf("GetStagingBuffer(%d) handle = %d, want reused %d", size, s.Handle(), h)
		}
		a.ReturnStagingBuffer(s)
	}
	if got := a.Statistics().StagingReuses; got != 3 {
		t.Errorf("StagingReuses = %d, want 3", got)
	}

	// A larger request needs a fresh buffer.
	big, err := a.GetStagingBuffer(5000)
	if err != nil {
		t.Fatal(err)
	}
	if big.Handle() == h {
		t.Error("larger staging request reused an undersized buffer")
	}
}

func TestStatisticsTrackPeak(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	first, err := a.Allocate(1<<20, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Allocate(1<<20, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}
	peak := a.Statistics().PeakBytes
	if peak < 2<<20 {
		t.Errorf("PeakBytes = %d, want at least %d", peak, 2<<20)
	}
	a.Free(first)
	a.Free(second)

	st := a.Statistics()
	if st.PeakBytes != peak {
		t.Errorf("PeakBytes shrank after Free: %d -> %d", peak, st.PeakBytes)
	}
	if st.AllocatedBytes < 2<<20 {
		t.Errorf("pooled buffers should still count as allocated, got %d", st.AllocatedBytes)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{
		BudgetThreshold: 1 << 20,
		BudgetBytes:     8 << 20,
	})
	defer a.Close()

	alloc, err := a.Allocate(6<<20, UsageStatic)
	if err != nil {
		t.Fatalf("allocation within budget failed: %v", err)
	}
	if _, err := a.Allocate(6<<20, UsageStatic); !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Errorf("over-budget allocation = %v, want ErrOutOfDeviceMemory", err)
	}

	// Requests at or below the threshold skip the budget check entirely.
	small, err := a.Allocate(2<<10, UsageStatic)
	if err != nil {
		t.Errorf("small allocation under budget failed: %v", err)
	}
	a.Free(small)
	a.Free(alloc)
}

func TestDeviceBudgetPropagates(t *testing.T) {
	dev := NewCPUDevice()
	dev.BudgetBytes = 1 << 20
	a := NewAllocator(dev, AllocatorConfig{})
	defer a.Close()

	if _, err := a.Allocate(2<<20, UsageStatic); !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Errorf("allocation beyond device budget = %v, want ErrOutOfDeviceMemory", err)
	}
}

func TestCopyValidation(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	src, err := a.Allocate(1024, UsageTransient)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := a.Allocate(1024, UsageStatic)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Copy(src, dst, 2048); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("oversized copy = %v, want ErrInvalidSize", err)
	}
	if err := a.Copy(src, src, 512); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("aliasing copy = %v, want ErrInvalidHandle", err)
	}

	view := u32View(src.Mapped())
	for i := range view {
		view[i] = uint32(i * 3)
	}
	if err := a.Copy(src, dst, 1024); err != nil {
		t.Fatalf("copy: %v", err)
	}
}

func TestConcurrentAllocateFree(t *testing.T) {
	a := NewAllocator(NewCPUDevice(), AllocatorConfig{})
	defer a.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				alloc, err := a.Allocate(1024+i, UsageTransient)
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				a.Free(alloc)
			}
		}()
	}
	wg.Wait()

	st := a.Statistics()
	if st.AllocatedBytes > st.PeakBytes {
		t.Errorf("AllocatedBytes %d exceeds PeakBytes %d", st.AllocatedBytes, st.PeakBytes)
	}
}
