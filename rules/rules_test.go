package rules

import (
	"errors"
	"testing"
)

func TestClassicSurviveAndBirth(t *testing.T) {
	rs := ForFamily(Classic)
	for n := 0; n <= MaxNeighbors; n++ {
		alive := Evaluate(rs, 1, n) != 0
		wantAlive := n >= 4 && n <= 6
		if alive != wantAlive {
			t.Errorf("classic: live cell with %d neighbors alive=%v, want %v", n, alive, wantAlive)
		}
		born := Evaluate(rs, 0, n) != 0
		if born != (n == 4) {
			t.Errorf("classic: dead cell with %d neighbors born=%v, want %v", n, born, n == 4)
		}
	}
}

func TestHighLifeBirthSet(t *testing.T) {
	rs := ForFamily(HighLife3D)
	for n := 0; n <= MaxNeighbors; n++ {
		want := n == 3 || n == 6
		if got := Born(rs, n); got != want {
			t.Errorf("highlife-3d: birth at %d neighbors = %v, want %v", n, got, want)
		}
	}
}

func TestDayAndNightBirthSet(t *testing.T) {
	rs := ForFamily(DayAndNight3D)
	wantSet := map[int]bool{3: true, 6: true, 7: true, 8: true}
	for n := 0; n <= MaxNeighbors; n++ {
		if got := Born(rs, n); got != wantSet[n] {
			t.Errorf("dayandnight-3d: birth at %d neighbors = %v, want %v", n, got, wantSet[n])
		}
	}
	if !Survives(rs, 3) || !Survives(rs, 8) || Survives(rs, 2) || Survives(rs, 9) {
		t.Error("dayandnight-3d: survive range should be exactly 3-8")
	}
}

func TestCustomBirthCount(t *testing.T) {
	// Same input, different rule set, different output.
	five := NewCustom(4, 6, 5)
	six := NewCustom(4, 6, 6)
	if Evaluate(five, 0, 5) == 0 {
		t.Error("custom birth=5: dead cell with 5 neighbors should be born")
	}
	if Evaluate(six, 0, 5) != 0 {
		t.Error("custom birth=6: dead cell with 5 neighbors should stay dead")
	}
}

func TestEvaluateAges(t *testing.T) {
	rs := ForFamily(Classic)
	if got := Evaluate(rs, 1, 5); got != 2 {
		t.Errorf("surviving cell age = %d, want 2", got)
	}
	if got := Evaluate(rs, MaxAge, 5); got != MaxAge {
		t.Errorf("age must saturate at %d, got %d", MaxAge, got)
	}
	if got := Evaluate(rs, 7, 0); got != 0 {
		t.Errorf("dying cell state = %d, want 0", got)
	}
	if got := Evaluate(rs, 0, 4); got != 1 {
		t.Errorf("newborn state = %d, want 1", got)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	rs := NewCustomRange(2, 6, 3, 5)
	for state := uint32(0); state <= 2; state++ {
		for n := 0; n <= MaxNeighbors; n++ {
			first := Evaluate(rs, state, n)
			for i := 0; i < 10; i++ {
				if got := Evaluate(rs, state, n); got != first {
					t.Fatalf("Evaluate(%v,%d,%d) not deterministic: %d then %d", rs, state, n, first, got)
				}
			}
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		rs   RuleSet
		ok   bool
	}{
		{"classic", ForFamily(Classic), true},
		{"custom full range", NewCustomRange(0, 26, 0, 26), true},
		{"survive min above max", NewCustomRange(6, 4, 4, 4), false},
		{"survive above 26", RuleSet{Family: Custom, SurviveMin: 0, SurviveMax: 27, BirthMin: 4, BirthMax: 4}, false},
		{"negative birth", RuleSet{Family: Custom, SurviveMin: 4, SurviveMax: 6, BirthMin: -1, BirthMax: 4}, false},
		{"birth above 26", RuleSet{Family: Custom, SurviveMin: 4, SurviveMax: 6, BirthMin: 4, BirthMax: 30}, false},
		{"unknown family", RuleSet{Family: Family(99), SurviveMin: 4, SurviveMax: 6, BirthMin: 4, BirthMax: 4}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.rs)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			} else if !errors.Is(err, ErrInvalidRuleSet) {
				t.Errorf("%s: error %v is not ErrInvalidRuleSet", tc.name, err)
			}
		}
	}
}

func TestPresetCatalog(t *testing.T) {
	known := map[string]bool{}
	for _, c := range Categories() {
		if known[c] {
			t.Errorf("duplicate category %q", c)
		}
		known[c] = true
	}
	seen := map[string]bool{}
	for _, p := range Presets() {
		if seen[p.Name] {
			t.Errorf("duplicate preset %q", p.Name)
		}
		seen[p.Name] = true
		if err := Validate(p.Rule); err != nil {
			t.Errorf("preset %q invalid: %v", p.Name, err)
		}
		if !known[p.Category] {
			t.Errorf("preset %q has category %q not in Categories()", p.Name, p.Category)
		}
	}
	p, ok := PresetByName("5766")
	if !ok {
		t.Fatal("preset 5766 missing")
	}
	if p.Rule.BirthMin != 5 || p.Rule.BirthMax != 7 || p.Rule.SurviveMin != 6 || p.Rule.SurviveMax != 6 {
		t.Errorf("preset 5766 has wrong parameters: %+v", p.Rule)
	}
	if _, ok := PresetByName("no-such-rule"); ok {
		t.Error("lookup of unknown preset should fail")
	}
}
