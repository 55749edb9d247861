package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != Defaults() {
		t.Errorf("missing file should yield defaults, got %+v", s)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	want := Defaults()
	want.Simulation.Width = 128
	want.Simulation.Rule = "highlife-3d"
	want.GPU.Backend = "cpu"
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestLoadPartialFileKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	partial := Defaults()
	partial.Server.Port = 9090
	if err := Save(path, partial); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", s.Server.Port)
	}
	if s.Simulation.Width != Defaults().Simulation.Width {
		t.Errorf("unspecified fields should keep defaults")
	}
}
