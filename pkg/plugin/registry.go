package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gobwas/glob"
)

var manifestGlob = glob.MustCompile("*.{yaml,yml}")

// IsManifest reports whether a file name looks like a plugin manifest.
func IsManifest(path string) bool {
	return manifestGlob.Match(filepath.Base(path))
}

// Discover loads every manifest in dir in lexical order. Invalid manifests are
// logged and skipped.
func (l Loader) Discover(dir string, log *slog.Logger) ([]*Descriptor, error) {
	if log == nil {
		log = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins directory: %w", err)
	}

	var descriptors []*Descriptor
	for _, entry := range entries {
		if entry.IsDir() || !IsManifest(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		descriptor, err := l.Load(path)
		if errors.Is(err, ErrMissingPattern) {
			log.Info("Skipping plugin without pattern", "path", path)
			continue
		}
		if err != nil {
			log.Warn("Skipping invalid plugin manifest", "path", path, "error", err)
			continue
		}
		descriptors = append(descriptors, descriptor)
	}

	return descriptors, nil
}

// Registry holds descriptors in discovery order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*Descriptor
}

func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{byName: make(map[string]*Descriptor)}
	for _, d := range descriptors {
		r.Register(d)
	}
	return r
}

// Register adds d or replaces the descriptor with the same name in place.
func (r *Registry) Register(d *Descriptor) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[d.Name]; ok {
		r.byName[d.Name] = d
		return true
	}

	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return false
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return false
	}

	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	return d, ok
}

// ByFile returns the descriptor loaded from path.
func (r *Registry) ByFile(path string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if d := r.byName[name]; d.FilePath == path {
			return d, true
		}
	}
	return nil, false
}

// List returns the descriptors in order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Match returns the first descriptor, in order, whose pattern matches text.
func (r *Registry) Match(text string) (*Descriptor, string, bool) {
	for _, d := range r.List() {
		if args, ok := d.Match(text); ok {
			return d, args, true
		}
	}
	return nil, "", false
}
