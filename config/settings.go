package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Settings struct {
	Simulation SimulationSettings `json:"simulation"`
	Server     ServerSettings     `json:"server"`
	GPU        GPUSettings        `json:"gpu"`
}

type SimulationSettings struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Depth    int     `json:"depth"`
	Rule     string  `json:"rule"`
	Boundary string  `json:"boundary"`
	Density  float64 `json:"density"`
	Seed     int64   `json:"seed"`
}

type ServerSettings struct {
	Port             int `json:"port"`
	UpdateIntervalMs int `json:"updateIntervalMs"`
}

type GPUSettings struct {
	Backend             string `json:"backend"` // "gl" or "cpu"
	BudgetMB            int    `json:"budgetMB"`
	CompletionTimeoutMs int    `json:"completionTimeoutMs"`
	CountPopulation     bool   `json:"countPopulation"`
}

// Defaults returns the settings used when no settings.json exists.
func Defaults() Settings {
	return Settings{
		Simulation: SimulationSettings{
			Width:    64,
			Height:   64,
			Depth:    64,
			Rule:     "classic",
			Boundary: "toroidal",
			Density:  0.12,
			Seed:     1,
		},
		Server: ServerSettings{
			Port:             8080,
			UpdateIntervalMs: 100,
		},
		GPU: GPUSettings{
			Backend:             "gl",
			BudgetMB:            0,
			CompletionTimeoutMs: 5000,
			CountPopulation:     true,
		},
	}
}

// Load reads settings from path, falling back to defaults when the file
// does not exist.
func Load(path string) (Settings, error) {
	s := Defaults()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No %s found, using defaults\n", path)
			return s, nil
		}
		return s, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s); err != nil {
		return Defaults(), fmt.Errorf("error parsing %s: %v", path, err)
	}

	fmt.Printf("Loaded settings: %dx%dx%d grid, rule %q, backend %q\n",
		s.Simulation.Width, s.Simulation.Height, s.Simulation.Depth,
		s.Simulation.Rule, s.GPU.Backend)
	return s, nil
}

// Save writes settings to path so the next run starts from them.
func Save(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
