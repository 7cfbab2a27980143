// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrDuplicateUnit is returned when a unit with the same name is already attached.
var ErrDuplicateUnit = errors.New("a loading unit with this name is already attached")

// SiblingSet is the shared list of attached units. Every read-iterate-mutate
// sequence holds the mutex, so loads and unloads may race with lookups.
type SiblingSet struct {
	mu    sync.Mutex
	units []*Unit
}

// NewSiblingSet creates an empty set.
func NewSiblingSet() *SiblingSet {
	return &SiblingSet{}
}

// Add attaches u. Names are compared case-insensitively.
func (s *SiblingSet) Add(u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.units {
		if other == u {
			return nil
		}
		if strings.EqualFold(other.name, u.name) {
			return fmt.Errorf("%w: %s", ErrDuplicateUnit, u.name)
		}
	}
	s.units = append(s.units, u)
	return nil
}

// Remove detaches u and reports whether it was attached.
func (s *SiblingSet) Remove(u *Unit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.units {
		if other == u {
			s.units = append(s.units[:i], s.units[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether u is attached.
func (s *SiblingSet) Contains(u *Unit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.units {
		if other == u {
			return true
		}
	}
	return false
}

// Names returns the attached unit names in attach order.
func (s *SiblingSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.units))
	for i, u := range s.units {
		names[i] = u.name
	}
	return names
}

// Len returns the number of attached units.
func (s *SiblingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// resolve asks every sibling except self for its own resolution of name.
// Siblings are never asked to recurse into their own siblings.
func (s *SiblingSet) resolve(self *Unit, name string) (Symbol, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u == self {
			continue
		}
		if sym, ok := u.ResolveOwn(name); ok {
			return sym, true
		}
	}
	return Symbol{}, false
}
