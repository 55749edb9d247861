package gpu

import (
	"errors"
	"testing"
	"time"

	"voxellife/core"
	"voxellife/rules"
)

func newTestPipeline(t *testing.T, w, h, d int) (*Pipeline, *CPUDevice, *Allocator) {
	t.Helper()
	dev := NewCPUDevice()
	alloc := NewAllocator(dev, AllocatorConfig{})
	p, err := NewPipeline(dev, alloc, w, h, d)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		alloc.Close()
		dev.Close()
	})
	return p, dev, alloc
}

func uploadGrid(t *testing.T, p *Pipeline, g *core.Grid) {
	t.Helper()
	if err := p.Upload(g); err != nil {
		t.Fatalf("Upload: %v", err)
	}
}

func downloadGrid(t *testing.T, p *Pipeline) *core.Grid {
	t.Helper()
	g, err := core.NewGrid(p.Width(), p.Height(), p.Depth())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Download(g); err != nil {
		t.Fatalf("Download: %v", err)
	}
	return g
}

func TestPipelineBuffersNeverAlias(t *testing.T) {
	p, _, _ := newTestPipeline(t, 8, 8, 8)

	before := p.CurrentBuffer()
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	after := p.CurrentBuffer()
	if before == after {
		t.Error("buffer roles did not swap after a generation")
	}
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.CurrentBuffer() != before {
		t.Error("second swap should return to the first buffer")
	}
	if p.Generation() != 2 {
		t.Errorf("Generation = %d, want 2", p.Generation())
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	p, _, _ := newTestPipeline(t, 6, 5, 4)

	g, _ := core.NewGrid(6, 5, 4)
	g.Randomize(42, 0.3)
	uploadGrid(t, p, g)

	got := downloadGrid(t, p)
	for i, want := range g.Cells() {
		if got.Cells()[i] != want {
			t.Fatalf("cell %d = %d after round trip, want %d", i, got.Cells()[i], want)
		}
	}
}

func TestLoneCellDies(t *testing.T) {
	p, _, _ := newTestPipeline(t, 5, 5, 5)

	g, _ := core.NewGrid(5, 5, 5)
	g.Set(2, 2, 2, 1)
	uploadGrid(t, p, g)

	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	pop, ok := p.Population()
	if !ok {
		t.Fatal("population not counted")
	}
	if pop != 0 {
		t.Errorf("population after extinction = %d, want 0", pop)
	}
	if got := downloadGrid(t, p).Population(); got != 0 {
		t.Errorf("downloaded population = %d, want 0", got)
	}
}

// A solid 3x3x3 cube in a 5x5x5 toroidal grid: every cube cell has 7, 11,
// 17 or 26 neighbors and dies, while exactly the 24 dead cells adjacent to
// a cube face edge see 4 neighbors and are born.
func TestSolidCubeGeneration(t *testing.T) {
	p, _, _ := newTestPipeline(t, 5, 5, 5)

	g, _ := core.NewGrid(5, 5, 5)
	for z := 1; z <= 3; z++ {
		for y := 1; y <= 3; y++ {
			for x := 1; x <= 3; x++ {
				g.Set(x, y, z, 1)
			}
		}
	}
	uploadGrid(t, p, g)

	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	pop, ok := p.Population()
	if !ok {
		t.Fatal("population not counted")
	}
	if pop != 24 {
		t.Errorf("population = %d, want 24", pop)
	}

	next := downloadGrid(t, p)
	if s, _ := next.Get(2, 2, 2); s != 0 {
		t.Error("cube center should die of overcrowding")
	}
	if s, _ := next.Get(1, 1, 1); s != 0 {
		t.Error("cube corner has 7 neighbors and should die")
	}
	if s, _ := next.Get(0, 1, 1); s != 1 {
		t.Error("cell at (0,1,1) sees exactly 4 neighbors and should be born")
	}
	if next.Population() != pop {
		t.Errorf("reduction %d disagrees with host scan %d", pop, next.Population())
	}
}

func TestReductionMatchesHostScan(t *testing.T) {
	p, _, _ := newTestPipeline(t, 16, 16, 16)

	for _, density := range []float64{0.05, 0.3, 0.7} {
		g, _ := core.NewGrid(16, 16, 16)
		g.Randomize(7, density)
		uploadGrid(t, p, g)

		if err := p.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
		pop, ok := p.Population()
		if !ok {
			t.Fatal("population not counted")
		}
		if host := downloadGrid(t, p).Population(); pop != host {
			t.Errorf("density %.2f: reduction %d, host scan %d", density, pop, host)
		}
	}
}

func TestCustomBirthThreshold(t *testing.T) {
	// Five alive cells surround (2,2,2); a birth threshold of 5 creates it,
	// a threshold of 6 does not.
	seed := func() *core.Grid {
		g, _ := core.NewGrid(5, 5, 5)
		g.Set(1, 2, 2, 1)
		g.Set(3, 2, 2, 1)
		g.Set(2, 1, 2, 1)
		g.Set(2, 3, 2, 1)
		g.Set(2, 2, 1, 1)
		return g
	}

	for _, tc := range []struct {
		birth int
		want  uint32
	}{
		{5, 1},
		{6, 0},
	} {
		p, _, _ := newTestPipeline(t, 5, 5, 5)
		if err := p.SetRule(rules.NewCustom(9, 9, tc.birth)); err != nil {
			t.Fatalf("SetRule: %v", err)
		}
		uploadGrid(t, p, seed())
		if err := p.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
		next := downloadGrid(t, p)
		if s, _ := next.Get(2, 2, 2); s != tc.want {
			t.Errorf("birth threshold %d: center = %d, want %d", tc.birth, s, tc.want)
		}
	}
}

func TestSurvivorsAge(t *testing.T) {
	p, _, _ := newTestPipeline(t, 5, 5, 5)

	// Everything survives, nothing is born.
	if err := p.SetRule(rules.NewCustomRange(0, 26, 26, 26)); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	g, _ := core.NewGrid(5, 5, 5)
	g.Set(2, 2, 2, 1)
	uploadGrid(t, p, g)

	for i := 0; i < 3; i++ {
		if err := p.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if s, _ := downloadGrid(t, p).Get(2, 2, 2); s != 4 {
		t.Errorf("age after 3 survived generations = %d, want 4", s)
	}
}

func TestInvalidRuleRetainsPrevious(t *testing.T) {
	p, _, _ := newTestPipeline(t, 4, 4, 4)

	active := p.Rule()
	bad := rules.RuleSet{Family: rules.Custom, SurviveMin: 5, SurviveMax: 2, BirthMin: 4, BirthMax: 4}
	if err := p.SetRule(bad); !errors.Is(err, rules.ErrInvalidRuleSet) {
		t.Fatalf("SetRule(invalid) = %v, want ErrInvalidRuleSet", err)
	}
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.Rule() != active {
		t.Errorf("rule changed after rejected update: %+v", p.Rule())
	}
}

func TestDispatchFailureKeepsCurrent(t *testing.T) {
	p, dev, _ := newTestPipeline(t, 5, 5, 5)

	g, _ := core.NewGrid(5, 5, 5)
	g.Randomize(3, 0.4)
	uploadGrid(t, p, g)

	dev.FailDispatch = ErrDeviceLost
	if err := p.Step(); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Step = %v, want ErrDeviceLost", err)
	}
	if p.State() != StateIdle {
		t.Errorf("state after failed dispatch = %s, want idle", p.State())
	}
	if p.Generation() != 0 {
		t.Errorf("generation advanced past a failed dispatch: %d", p.Generation())
	}
	lastErr, gen := p.LastError()
	if !errors.Is(lastErr, ErrDeviceLost) || gen != 0 {
		t.Errorf("LastError = (%v, %d), want (ErrDeviceLost, 0)", lastErr, gen)
	}

	// The confirmed generation is untouched.
	got := downloadGrid(t, p)
	for i, want := range g.Cells() {
		if got.Cells()[i] != want {
			t.Fatalf("cell %d corrupted by failed dispatch", i)
		}
	}

	// And the pipeline recovers on the next step.
	if err := p.Step(); err != nil {
		t.Fatalf("Step after recovery: %v", err)
	}
}

func TestAsyncFailureKeepsCurrent(t *testing.T) {
	p, dev, _ := newTestPipeline(t, 5, 5, 5)

	g, _ := core.NewGrid(5, 5, 5)
	g.Randomize(11, 0.4)
	uploadGrid(t, p, g)

	dev.FailAsync = ErrDeviceLost
	err := p.Step()
	dev.FailAsync = nil
	if !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Step = %v, want ErrDeviceLost", err)
	}
	if p.State() != StateIdle {
		t.Errorf("state = %s, want idle", p.State())
	}

	got := downloadGrid(t, p)
	for i, want := range g.Cells() {
		if got.Cells()[i] != want {
			t.Fatalf("cell %d corrupted by failed generation", i)
		}
	}
	if err := p.Step(); err != nil {
		t.Fatalf("Step after recovery: %v", err)
	}
	if p.Generation() != 1 {
		t.Errorf("Generation = %d after one confirmed step, want 1", p.Generation())
	}
}

func TestCompletionTimeoutAndDrain(t *testing.T) {
	p, dev, _ := newTestPipeline(t, 5, 5, 5)

	dev.StepDelay = 50 * time.Millisecond
	p.SetCompletionTimeout(time.Millisecond)
	if err := p.Step(); !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("Step = %v, want ErrCompletionTimeout", err)
	}
	if p.Generation() != 0 {
		t.Errorf("generation advanced past a timed-out step: %d", p.Generation())
	}

	// The buffers stay quarantined until the in-flight work is confirmed;
	// with a sane timeout the next step drains and succeeds.
	dev.StepDelay = 0
	p.SetCompletionTimeout(time.Second)
	if err := p.Step(); err != nil {
		t.Fatalf("Step after drain: %v", err)
	}
	if p.Generation() != 1 {
		t.Errorf("Generation = %d, want 1", p.Generation())
	}
}

func TestTimeoutQuarantinesBuffersFromTransfers(t *testing.T) {
	p, dev, _ := newTestPipeline(t, 5, 5, 5)

	g, _ := core.NewGrid(5, 5, 5)
	g.Randomize(23, 0.4)

	dev.StepDelay = 100 * time.Millisecond
	p.SetCompletionTimeout(time.Millisecond)
	if err := p.Step(); !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("Step = %v, want ErrCompletionTimeout", err)
	}

	// While the abandoned dispatch may still be reading current, neither
	// transfer direction may touch the buffers.
	if err := p.Upload(g); !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("Upload during in-flight dispatch = %v, want ErrCompletionTimeout", err)
	}
	if err := p.Download(g); !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("Download during in-flight dispatch = %v, want ErrCompletionTimeout", err)
	}

	// Once the device confirms completion the transfers go through.
	dev.StepDelay = 0
	p.SetCompletionTimeout(time.Second)
	if err := p.Upload(g); err != nil {
		t.Fatalf("Upload after drain: %v", err)
	}
	got := downloadGrid(t, p)
	for i, want := range g.Cells() {
		if got.Cells()[i] != want {
			t.Fatalf("cell %d = %d after drained upload, want %d", i, got.Cells()[i], want)
		}
	}
}

func TestPopulationCountingDisabled(t *testing.T) {
	p, _, _ := newTestPipeline(t, 4, 4, 4)

	p.SetPopulationCounting(false)
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if _, ok := p.Population(); ok {
		t.Error("population reported valid with counting disabled")
	}
}
