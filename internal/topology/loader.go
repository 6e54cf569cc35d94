package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Loader resolves topologies by name. Override directories are checked in
// order before the embedded defaults; first match wins.
type Loader struct {
	overrideDirs []string
	cache        map[string]*Topology
	mu           sync.RWMutex
}

// NewLoader creates a loader with the given override directories
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*Topology),
	}
}

// DefaultLoader creates a loader with the standard override paths:
// 1. Project-local: .crewwatch/topologies/
// 2. User config: ~/.config/crewwatch/topologies/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	var dirs []string
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".crewwatch", "topologies"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "crewwatch", "topologies"))
	return NewLoader(dirs...)
}

// Load returns the named topology
func (l *Loader) Load(name string) (*Topology, error) {
	l.mu.RLock()
	if t, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return t, nil
	}
	l.mu.RUnlock()

	data, err := l.loadContent(name + ".yaml")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("load topology %s: %w", name, err)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = t
	l.mu.Unlock()
	return t, nil
}

// LoadFile reads a topology from an explicit path, bypassing name lookup
func LoadFile(p string) (*Topology, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	return t, nil
}

// List returns the names of all resolvable topologies, sorted
func (l *Loader) List() ([]string, error) {
	names := make(map[string]struct{})

	entries, err := fs.ReadDir(embeddedFS, "defaults")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if n, ok := topologyName(e.Name()); ok {
			names[n] = struct{}{}
		}
	}

	for _, dir := range l.overrideDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // Missing override dirs are normal
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if n, ok := topologyName(e.Name()); ok {
				names[n] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Loader) loadContent(file string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, file)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path.Join("defaults", file))
}

func topologyName(file string) (string, bool) {
	if !strings.HasSuffix(file, ".yaml") {
		return "", false
	}
	return strings.TrimSuffix(file, ".yaml"), true
}
