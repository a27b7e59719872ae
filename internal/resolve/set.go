// Package resolve computes effective permission sets for (tenant, user)
// pairs and memoizes them behind a bounded cache.
package resolve

import (
	"encoding/json"
	"sort"

	"github.com/tesfayekb/core-base/internal/grants"
)

// SourceDirect marks a permission granted to the user without a role.
const SourceDirect = "direct"

// EffectivePermission is one resolved capability with its provenance. An
// empty ResourceID means the grant covers the whole resource type.
type EffectivePermission struct {
	Resource   string        `json:"resource"`
	Action     grants.Action `json:"action"`
	ResourceID string        `json:"resource_id,omitempty"`
	Source     string        `json:"source"`
}

type setKey struct {
	resource   string
	action     grants.Action
	resourceID string
}

// Set is the union of direct and role-derived permissions for a user in a
// tenant. Membership is keyed on (resource, action, resource_id); duplicates
// from multiple sources collapse to one entry and provenance keeps the first
// source encountered.
type Set struct {
	entries map[setKey]EffectivePermission
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{entries: make(map[setKey]EffectivePermission)}
}

// Add inserts a permission, keeping the existing entry's source on
// duplicates. Callers add direct grants first and roles in sorted name
// order, which makes provenance deterministic.
func (s *Set) Add(p EffectivePermission) {
	k := setKey{resource: p.Resource, action: p.Action, resourceID: p.ResourceID}
	if _, ok := s.entries[k]; ok {
		return
	}
	s.entries[k] = p
}

// Allows reports whether the set grants action on resource. An unscoped
// entry satisfies any resourceID; a scoped entry satisfies only its own id.
func (s *Set) Allows(action grants.Action, resource, resourceID string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.entries[setKey{resource: resource, action: action}]; ok {
		return true
	}
	if resourceID == "" {
		return false
	}
	_, ok := s.entries[setKey{resource: resource, action: action, resourceID: resourceID}]
	return ok
}

// Len returns the number of distinct permissions.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// List returns the permissions in a stable order.
func (s *Set) List() []EffectivePermission {
	if s == nil {
		return nil
	}
	out := make([]EffectivePermission, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// MarshalJSON encodes the set as its permission list.
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON rebuilds the set from a permission list.
func (s *Set) UnmarshalJSON(data []byte) error {
	var list []EffectivePermission
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	s.entries = make(map[setKey]EffectivePermission, len(list))
	for _, p := range list {
		s.Add(p)
	}
	return nil
}
