package catalog

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/pitabwire/steward/model"
)

// snapshot is an immutable, ID-ordered view of the published templates.
type snapshot struct {
	templates []model.FlowTemplate
	byName    map[string]int
	checksum  string
}

// Registry is an in-memory Catalog. Reads are lock-free; Replace swaps the
// whole template set atomically, so a Select never observes a partial reload.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry holding the given templates.
func NewRegistry(templates []model.FlowTemplate, checksum string) *Registry {
	r := &Registry{}
	r.Replace(templates, checksum)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(templates []model.FlowTemplate, checksum string) {
	s := &snapshot{
		templates: make([]model.FlowTemplate, len(templates)),
		byName:    make(map[string]int, len(templates)),
		checksum:  checksum,
	}
	copy(s.templates, templates)

	sort.SliceStable(s.templates, func(i, j int) bool {
		return s.templates[i].ID < s.templates[j].ID
	})
	for i := range s.templates {
		steps := make([]model.FlowStepTemplate, len(s.templates[i].Steps))
		copy(steps, s.templates[i].Steps)
		sort.Slice(steps, func(a, b int) bool { return steps[a].StepNumber < steps[b].StepNumber })
		s.templates[i].Steps = steps
		s.byName[s.templates[i].Name] = i
	}

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Select returns the first active template whose name contains sensitivity.
func (r *Registry) Select(_ context.Context, sensitivity string) (model.FlowTemplate, error) {
	for _, t := range r.current().templates {
		if t.Active && Matches(t.Name, sensitivity) {
			return t, nil
		}
	}
	return model.FlowTemplate{}, model.NewNoTemplateFoundError(sensitivity)
}

// Get returns the template with the given name.
func (r *Registry) Get(name string) (model.FlowTemplate, bool) {
	s := r.current()
	i, ok := s.byName[name]
	if !ok {
		return model.FlowTemplate{}, false
	}
	return s.templates[i], true
}

// List returns all templates, active or not, in creation order.
func (r *Registry) List(context.Context) ([]model.FlowTemplate, error) {
	s := r.current()
	out := make([]model.FlowTemplate, len(s.templates))
	copy(out, s.templates)
	return out, nil
}

// Len returns the number of loaded templates.
func (r *Registry) Len() int {
	return len(r.current().templates)
}

// Checksum returns the checksum of the loaded template files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
