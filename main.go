package main

import (
	"flag"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"

	"voxellife/config"
	"voxellife/gpu"
	"voxellife/rules"
)

func main() {
	runtime.LockOSThread()

	var (
		configPath = flag.String("config", "settings.json", "Settings file")
		backend    = flag.String("gpu", "", "Compute backend (gl, cpu)")
		gridSize   = flag.Int("grid", 0, "Cubic grid size override")
		rule       = flag.String("rule", "", "Rule family (classic, highlife-3d, dayandnight-3d)")
		seed       = flag.Int64("seed", 0, "Random seed override")
		density    = flag.Float64("density", 0, "Seeding density override")
		port       = flag.Int("port", 0, "Server port override")
		headless   = flag.Bool("headless", false, "Run without a window")
		winWidth   = flag.Int("width", 1280, "Window width")
		winHeight  = flag.Int("height", 720, "Window height")
	)
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	if *backend != "" {
		settings.GPU.Backend = *backend
	}
	if *gridSize > 0 {
		settings.Simulation.Width = *gridSize
		settings.Simulation.Height = *gridSize
		settings.Simulation.Depth = *gridSize
	}
	if *rule != "" {
		settings.Simulation.Rule = *rule
	}
	if *seed != 0 {
		settings.Simulation.Seed = *seed
	}
	if *density > 0 {
		settings.Simulation.Density = *density
	}
	if *port > 0 {
		settings.Server.Port = *port
	}

	fmt.Println("=== Voxel Life ===")
	fmt.Printf("Grid: %dx%dx%d\n", settings.Simulation.Width, settings.Simulation.Height, settings.Simulation.Depth)
	fmt.Printf("Rule: %s\n", settings.Simulation.Rule)
	fmt.Printf("Backend: %s\n", settings.GPU.Backend)

	// The CPU backend has no rendering surface; it always runs headless.
	if *headless || settings.GPU.Backend == "cpu" {
		runHeadless(settings)
		return
	}
	runWindowed(settings, *winWidth, *winHeight)
}

func allocatorConfig(s config.Settings) gpu.AllocatorConfig {
	return gpu.AllocatorConfig{BudgetBytes: uint64(s.GPU.BudgetMB) << 20}
}

func runHeadless(settings config.Settings) {
	dev := gpu.NewCPUDevice()
	defer dev.Close()
	alloc := gpu.NewAllocator(dev, allocatorConfig(settings))
	defer alloc.Close()

	sim, err := NewSimulation(dev, alloc, settings)
	if err != nil {
		log.Fatalf("Failed to initialize simulation: %v", err)
	}
	defer sim.Close()
	sim.SetRunning(true)

	interval := time.Duration(settings.Server.UpdateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			sim.DrainCommands()
			if err := sim.Step(false); err != nil {
				log.Println("Generation error:", err)
			}
		}
	}()

	startServer(sim, settings.Server.Port, settings.Server.UpdateIntervalMs)
}

func runWindowed(settings config.Settings, winWidth, winHeight int) {
	renderer, err := NewCellRenderer(winWidth, winHeight,
		settings.Simulation.Width, settings.Simulation.Height, settings.Simulation.Depth)
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}
	defer renderer.Terminate()

	// The device shares the renderer's GL context; everything device-side
	// stays on this thread.
	dev, err := gpu.NewGLDevice()
	if err != nil {
		log.Fatalf("Failed to initialize GL compute: %v", err)
	}
	defer dev.Close()
	fmt.Println("Compute device:", dev.Name())

	alloc := gpu.NewAllocator(dev, allocatorConfig(settings))
	defer alloc.Close()

	sim, err := NewSimulation(dev, alloc, settings)
	if err != nil {
		log.Fatalf("Failed to initialize simulation: %v", err)
	}
	defer sim.Close()
	sim.SetRunning(true)

	renderer.KeyHandler = func(key glfw.Key) {
		switch key {
		case glfw.KeySpace:
			sim.SetRunning(!sim.Running())
		case glfw.KeyS:
			sim.Enqueue(func(s *Simulation) {
				if err := s.Step(true); err != nil {
					log.Println("Step error:", err)
				}
			})
		case glfw.KeyR:
			sim.Enqueue(func(s *Simulation) {
				if err := s.Reseed(0, 0); err != nil {
					log.Println("Reseed error:", err)
				}
			})
		case glfw.KeyB:
			fmt.Println("Boundary:", sim.CycleBoundary())
		case glfw.Key1:
			sim.SetRule(rules.ForFamily(rules.Classic))
		case glfw.Key2:
			sim.SetRule(rules.ForFamily(rules.HighLife3D))
		case glfw.Key3:
			sim.SetRule(rules.ForFamily(rules.DayAndNight3D))
		}
	}

	go startServer(sim, settings.Server.Port, settings.Server.UpdateIntervalMs)

	fmt.Println("\nControls:")
	fmt.Println("  Space: Pause/resume")
	fmt.Println("  S: Single step")
	fmt.Println("  R: Reseed")
	fmt.Println("  B: Toggle boundary (toroidal/fixed)")
	fmt.Println("  1-3: Rule family")
	fmt.Println("  Mouse: Click and drag to rotate")
	fmt.Println("  Scroll: Zoom in/out")
	fmt.Println("  ESC: Exit")

	frameCount := 0
	lastFPSTime := time.Now()

	for !renderer.ShouldClose() {
		renderer.PollEvents()
		sim.DrainCommands()

		if err := sim.Step(false); err != nil {
			log.Println("Generation error:", err)
			sim.SetRunning(false)
		}

		if id, ok := dev.GLName(sim.Pipeline().CurrentBuffer()); ok {
			renderer.Render(id)
		}

		frameCount++
		if now := time.Now(); now.Sub(lastFPSTime).Seconds() >= 1.0 {
			fps := float64(frameCount) / now.Sub(lastFPSTime).Seconds()
			stats := sim.Stats()
			title := fmt.Sprintf("Voxel Life | gen %d | pop %d | %s | %.0f fps",
				stats.Generation, stats.Population, stats.Rule, fps)
			if stats.LastError != "" {
				title += " | error: " + stats.LastError
			}
			renderer.SetTitle(title)
			frameCount = 0
			lastFPSTime = now
		}
	}

	fmt.Println("\nShutting down...")
}
