// Package registry owns the set of departments that accept check-ins.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"qms/visit-service/internal/store"
)

type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry is safe for concurrent use. An empty registry accepts every
// non-blank department id.
type Registry struct {
	mu          sync.RWMutex
	departments map[string]Department
}

func New(departments ...Department) (*Registry, error) {
	r := &Registry{departments: make(map[string]Department)}
	for _, department := range departments {
		if err := r.Add(department); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Parse reads "ID" or "ID:Name" entries as found in the DEPARTMENTS setting.
func Parse(entries []string) []Department {
	var out []Department
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, _ := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		out = append(out, Department{ID: id, Name: name})
	}
	return out
}

func (r *Registry) Add(department Department) error {
	department.ID = strings.TrimSpace(department.ID)
	if department.ID == "" {
		return store.ErrInvalidDepartment
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.departments[department.ID] = department
	return nil
}

func (r *Registry) Exists(ctx context.Context, departmentID string) (bool, error) {
	if strings.TrimSpace(departmentID) == "" {
		return false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.departments) == 0 {
		return true, nil
	}
	_, ok := r.departments[departmentID]
	return ok, nil
}

func (r *Registry) List() []Department {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Department, 0, len(r.departments))
	for _, department := range r.departments {
		out = append(out, department)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
