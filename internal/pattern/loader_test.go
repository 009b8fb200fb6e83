package pattern

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
- id: test_shuffle
  name: Test Shuffle
  time_sig: [4, 4]
  steps_per_bar: 4
  steps:
    - { t: 0.0, dir: D, accent: 0.7 }
    - { t: 0.2, dir: D }
    - { t: 0.5, dir: U, technique: mute }
    - { t: 0.6, dir: U }
  bpm_default: 120
  bpm_min: 60
  bpm_max: 160
  notes: uneven on purpose
`

func writePatternFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write pattern file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writePatternFile(t, "shuffle.yaml", sampleYAML)

	pats, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	p, ok := pats["test_shuffle"]
	if !ok {
		t.Fatalf("test_shuffle not loaded, got %d patterns", len(pats))
	}
	if p.StepsPerBar != 4 || p.TimeSig.Beats() != 4 {
		t.Errorf("unexpected grid: %d steps, %s", p.StepsPerBar, p.TimeSig)
	}
	if p.Steps[0].Accent != 0.7 {
		t.Errorf("accent not parsed: %v", p.Steps[0].Accent)
	}
	if p.Steps[2].Technique != Mute {
		t.Errorf("technique not parsed: %v", p.Steps[2].Technique)
	}
	// Unspecified technique defaults to open.
	if p.Steps[1].Technique != Open {
		t.Errorf("default technique: got %v, want open", p.Steps[1].Technique)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	bad := `
- id: broken
  name: Broken
  time_sig: [4, 4]
  steps_per_bar: 2
  steps:
    - { t: 0.5, dir: D }
    - { t: 0.25, dir: U }
  bpm_default: 100
  bpm_min: 60
  bpm_max: 160
`
	path := writePatternFile(t, "broken.yaml", bad)

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected validation error for unsorted steps")
	}
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("error %v does not wrap ErrInvariant", err)
	}
}

func TestLoadDirMissing(t *testing.T) {
	pats, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(pats) != 0 {
		t.Errorf("missing dir yielded %d patterns", len(pats))
	}
}

func TestLibraryMerge(t *testing.T) {
	lib := NewLibrary()
	before := len(lib.List())
	if before == 0 {
		t.Fatal("library has no built-ins")
	}
	if _, ok := lib.Get("rock_8"); !ok {
		t.Fatal("rock_8 missing before merge")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "user.yaml"), []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := lib.MergeDir(dir)
	if err != nil {
		t.Fatalf("MergeDir: %v", err)
	}
	if n != 1 {
		t.Errorf("merged %d patterns, want 1", n)
	}
	if _, ok := lib.Get("test_shuffle"); !ok {
		t.Error("merged pattern not retrievable")
	}
	if len(lib.List()) != before+1 {
		t.Errorf("list grew to %d, want %d", len(lib.List()), before+1)
	}

	// List is sorted by id.
	ids := lib.List()
	for i := 1; i < len(ids); i++ {
		if ids[i-1].ID >= ids[i].ID {
			t.Fatalf("list unsorted at %d: %s >= %s", i, ids[i-1].ID, ids[i].ID)
		}
	}
}
