// Command sliceview is a 2D viewer for the simulation: it runs the CPU
// backend and draws one Z slice of the grid at a time.
package main

import (
	"flag"
	"fmt"
	"log"

	rl "github.com/gen2brain/raylib-go/raylib"

	"voxellife/core"
	"voxellife/gpu"
	"voxellife/rules"
)

func main() {
	var (
		gridSize = flag.Int("grid", 48, "Cubic grid size")
		ruleName = flag.String("rule", "classic", "Rule family")
		seed     = flag.Int64("seed", 1, "Random seed")
		density  = flag.Float64("density", 0.12, "Seeding density")
	)
	flag.Parse()

	rule := rules.ForFamily(rules.Classic)
	if preset, ok := rules.PresetByName(*ruleName); ok {
		rule = preset.Rule
	} else if family, ok := rules.FamilyByName(*ruleName); ok {
		rule = rules.ForFamily(family)
	} else {
		log.Fatalf("Unknown rule %q", *ruleName)
	}

	dev := gpu.NewCPUDevice()
	defer dev.Close()
	alloc := gpu.NewAllocator(dev, gpu.AllocatorConfig{})
	defer alloc.Close()

	pipe, err := gpu.NewPipeline(dev, alloc, *gridSize, *gridSize, *gridSize)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}
	defer pipe.Close()
	pipe.SetRule(rule)

	grid, err := core.NewGrid(*gridSize, *gridSize, *gridSize)
	if err != nil {
		log.Fatal(err)
	}
	grid.Randomize(*seed, *density)
	if err := pipe.Upload(grid); err != nil {
		log.Fatalf("Upload failed: %v", err)
	}

	const cellPixels = 12
	screenSize := int32(*gridSize * cellPixels)
	rl.InitWindow(screenSize, screenSize+40, "Voxel Life - Slice View")
	defer rl.CloseWindow()
	rl.SetTargetFPS(30)

	slice := *gridSize / 2
	running := true
	currentSeed := *seed

	for !rl.WindowShouldClose() {
		if rl.IsKeyPressed(rl.KeySpace) {
			running = !running
		}
		if rl.IsKeyPressed(rl.KeyUp) && slice < *gridSize-1 {
			slice++
		}
		if rl.IsKeyPressed(rl.KeyDown) && slice > 0 {
			slice--
		}
		if rl.IsKeyPressed(rl.KeyR) {
			currentSeed++
			grid.Randomize(currentSeed, *density)
			if err := pipe.Upload(grid); err != nil {
				log.Println("Upload failed:", err)
			}
		}

		step := running || rl.IsKeyPressed(rl.KeyS)
		if step {
			if err := pipe.Step(); err != nil {
				log.Println("Generation error:", err)
				running = false
			}
		}
		if err := pipe.Download(grid); err != nil {
			log.Println("Download failed:", err)
		}

		rl.BeginDrawing()
		rl.ClearBackground(rl.Color{R: 12, G: 12, B: 25, A: 255})

		for y := 0; y < *gridSize; y++ {
			for x := 0; x < *gridSize; x++ {
				state, _ := grid.Get(x, y, slice)
				if state == 0 {
					continue
				}
				age := state
				if age > 32 {
					age = 32
				}
				c := rl.Color{
					R: uint8(50 + age*6),
					G: uint8(230 - age*5),
					B: 100,
					A: 255,
				}
				rl.DrawRectangle(int32(x*cellPixels), int32(y*cellPixels), cellPixels-1, cellPixels-1, c)
			}
		}

		pop, _ := pipe.Population()
		rl.DrawText(fmt.Sprintf("gen %d | pop %d | slice z=%d | %s",
			pipe.Generation(), pop, slice, pipe.Rule().Family), 10, screenSize+10, 16, rl.LightGray)
		rl.EndDrawing()
	}
}
