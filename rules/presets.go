package rules

// Preset is a named rule parameterization for the UI surface. The
// catalog mirrors the classic 3D Life survey naming: four digits are
// birthMin, birthMax, surviveMin, surviveMax.
type Preset struct {
	Name        string  `json:"name"`
	Rule        RuleSet `json:"rule"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
}

var presets = []Preset{
	{"classic", ForFamily(Classic), "Survive 4-6, born with exactly 4 neighbors", "Classic"},
	{"highlife-3d", ForFamily(HighLife3D), "Survive 4-6, born with 3 or 6 neighbors", "Classic"},
	{"dayandnight-3d", ForFamily(DayAndNight3D), "Survive 3-8, born with 3 or 6-8 neighbors", "Classic"},
	{"5766", NewCustomRange(6, 6, 5, 7), "Born with 5-7 neighbors, survives with 6", "Classic"},
	{"4555", NewCustomRange(5, 5, 4, 5), "Born with 4-5 neighbors, survives with 5", "Classic"},
	{"2333", NewCustomRange(3, 3, 2, 3), "Expands rapidly", "Growth"},
	{"3444", NewCustomRange(4, 4, 3, 4), "Balanced expansion", "Growth"},
	{"6777", NewCustomRange(7, 7, 6, 7), "Forms dense clusters", "Dense"},
	{"7888", NewCustomRange(8, 8, 7, 8), "Forms very dense structures", "Dense"},
	{"4556", NewCustomRange(5, 6, 4, 5), "Favors oscillating patterns", "Oscillator"},
	{"5667", NewCustomRange(6, 7, 5, 6), "Complex oscillations", "Oscillator"},
}

// Presets returns the full catalog.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// PresetByName looks up a catalog entry.
func PresetByName(name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Categories lists the catalog categories in display order.
func Categories() []string {
	return []string{"Classic", "Growth", "Dense", "Oscillator", "Custom"}
}
