// Package discovery locates managed projects on disk. A project is any
// directory directly under a configured root that carries a
// .flotilla-project.yaml descriptor; the descriptor names the project
// and the slug of that name is its stable id.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizutanik/flotilla/internal/model"
)

// DescriptorFile marks a directory as a flotilla project.
const DescriptorFile = ".flotilla-project.yaml"

// Descriptor is the on-disk project descriptor.
type Descriptor struct {
	Name string `yaml:"name"`
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a project name into a stable id.
func Slug(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// Registry holds the current set of discovered projects. Rescan rebuilds
// it; readers get a consistent snapshot.
type Registry struct {
	roots []string

	mu       sync.RWMutex
	projects map[string]model.Project
}

func NewRegistry(roots []string) *Registry {
	return &Registry{
		roots:    roots,
		projects: make(map[string]model.Project),
	}
}

// Rescan walks the immediate children of every configured root and
// rebuilds the project set. An unreadable root is skipped; discovery
// must not fail the whole fleet because one mount is absent.
func (r *Registry) Rescan() ([]model.Project, error) {
	found := make(map[string]model.Project)
	for _, root := range r.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			project, ok, err := loadProject(dir)
			if err != nil || !ok {
				continue
			}
			if _, dup := found[project.ID]; dup {
				// First root wins on id collision.
				continue
			}
			found[project.ID] = project
		}
	}

	r.mu.Lock()
	r.projects = found
	r.mu.Unlock()
	return r.List(), nil
}

func loadProject(dir string) (model.Project, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if os.IsNotExist(err) {
		return model.Project{}, false, nil
	}
	if err != nil {
		return model.Project{}, false, err
	}

	var desc Descriptor
	if err := yamlv3.Unmarshal(raw, &desc); err != nil {
		return model.Project{}, false, fmt.Errorf("parse descriptor %s: %w", dir, err)
	}

	name := strings.TrimSpace(desc.Name)
	if name == "" {
		name = filepath.Base(dir)
	}
	id := Slug(name)
	if id == "" {
		id = Slug(filepath.Base(dir))
	}
	if id == "" {
		return model.Project{}, false, nil
	}
	return model.Project{ID: id, Name: name, Path: dir}, true, nil
}

// List returns all known projects sorted by id.
func (r *Registry) List() []model.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up one project by id.
func (r *Registry) Get(id string) (model.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	return p, ok
}

// Roots returns the configured discovery roots.
func (r *Registry) Roots() []string {
	return r.roots
}

// WithinRoots reports whether path sits directly under one of the
// configured roots. Used to validate project creation targets before any
// directory is made.
func (r *Registry) WithinRoots(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range r.roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if filepath.Dir(abs) == rootAbs {
			return true
		}
	}
	return false
}
