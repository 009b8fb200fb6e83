package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile parses a YAML pattern file (a sequence of pattern documents) and
// validates every entry. Nothing is returned on any failure; a library is
// either fully valid or rejected.
func LoadFile(path string) (map[string]*Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}

	var pats []*Pattern
	if err := yaml.Unmarshal(data, &pats); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]*Pattern, len(pats))
	for _, p := range pats {
		p.normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := out[p.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate pattern id %q", path, p.ID)
		}
		out[p.ID] = p
	}
	return out, nil
}

// LoadDir loads every .yaml/.yml file in dir. A missing directory is not an
// error; it just contributes nothing.
func LoadDir(dir string) (map[string]*Pattern, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*Pattern{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern dir: %w", err)
	}

	out := make(map[string]*Pattern)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		pats, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for id, p := range pats {
			if _, dup := out[id]; dup {
				return nil, fmt.Errorf("%s: duplicate pattern id %q", e.Name(), id)
			}
			out[id] = p
		}
	}
	return out, nil
}

// Library is a merged pattern collection: the built-ins plus whatever user
// files contributed. User patterns may shadow built-in ids on purpose.
type Library struct {
	byID map[string]*Pattern
}

// NewLibrary returns a library seeded with the built-in patterns.
func NewLibrary() *Library {
	return &Library{byID: Builtins()}
}

// MergeDir loads dir and merges its patterns in, returning how many were
// added or replaced.
func (l *Library) MergeDir(dir string) (int, error) {
	pats, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for id, p := range pats {
		l.byID[id] = p
	}
	return len(pats), nil
}

// Get looks up a pattern by id.
func (l *Library) Get(id string) (*Pattern, bool) {
	p, ok := l.byID[id]
	return p, ok
}

// List returns all patterns sorted by id.
func (l *Library) List() []*Pattern {
	out := make([]*Pattern, 0, len(l.byID))
	for _, p := range l.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
