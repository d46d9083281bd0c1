package roles

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/steward/model"
)

// Assignment grants a role to a user. Active defaults to true when omitted.
type Assignment struct {
	User      model.Identity `yaml:"user"`
	Role      string         `yaml:"role"`
	Active    *bool          `yaml:"active"`
	ExpiresAt *time.Time     `yaml:"expires_at"`
}

// ActiveAt reports whether the assignment is in force at t.
func (a Assignment) ActiveAt(t time.Time) bool {
	if a.Active != nil && !*a.Active {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

type assignmentsFile struct {
	Assignments []Assignment `yaml:"assignments"`
}

// StaticMembership serves role membership from a YAML assignments file. File
// order is the assignment order.
type StaticMembership struct {
	path string
	now  func() time.Time

	mu          sync.RWMutex
	assignments []Assignment
}

// NewStaticMembership loads assignments from path.
func NewStaticMembership(path string) (*StaticMembership, error) {
	m := &StaticMembership{path: path, now: time.Now}
	if err := m.Sync(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticMembershipFrom serves the given assignments without a backing file.
func NewStaticMembershipFrom(assignments []Assignment) *StaticMembership {
	return &StaticMembership{now: time.Now, assignments: assignments}
}

// ActiveApproversForRole returns holders of role whose assignment is active
// and unexpired, in file order. A user listed twice is returned once.
func (m *StaticMembership) ActiveApproversForRole(_ context.Context, role string) ([]model.Identity, error) {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var holders []model.Identity
	seen := make(map[model.Identity]bool)
	for _, a := range m.assignments {
		if a.Role != role || !a.ActiveAt(now) || seen[a.User] {
			continue
		}
		seen[a.User] = true
		holders = append(holders, a.User)
	}
	return holders, nil
}

// Sync reloads the assignments file from disk.
func (m *StaticMembership) Sync() error {
	if m.path == "" {
		return nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("roles: reading assignments file %s: %w", m.path, err)
	}

	var f assignmentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("roles: parsing assignments file %s: %w", m.path, err)
	}
	for i, a := range f.Assignments {
		if a.User == "" || a.Role == "" {
			return fmt.Errorf("roles: assignments[%d] in %s needs both user and role", i, m.path)
		}
	}

	m.mu.Lock()
	m.assignments = f.Assignments
	m.mu.Unlock()

	return nil
}
