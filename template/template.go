package template

import (
	"context"
	"sync"

	"github.com/isdmx/runbox/apperror"
)

// Template is stored source code and the language it is written in
type Template struct {
	ID       int64  `json:"id"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Resolver looks up templates by id
type Resolver interface {
	Resolve(ctx context.Context, id int64) (Template, error)
}

func notFound(id int64) error {
	return apperror.NotFound("template %d not found", id)
}

// MemoryResolver serves templates from a fixed in-memory table
type MemoryResolver struct {
	mu        sync.RWMutex
	templates map[int64]Template
}

// NewMemoryResolver creates a MemoryResolver seeded with templates.
// Later entries replace earlier ones with the same id.
func NewMemoryResolver(templates ...Template) *MemoryResolver {
	m := &MemoryResolver{templates: make(map[int64]Template, len(templates))}
	for _, t := range templates {
		m.templates[t.ID] = t
	}
	return m
}

// Resolve returns the template with the given id
func (m *MemoryResolver) Resolve(_ context.Context, id int64) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return Template{}, notFound(id)
	}
	return t, nil
}

// Len returns the number of stored templates
func (m *MemoryResolver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.templates)
}
