package jobs

import (
	"path"
	"strings"
)

// Rule decides which jobs may not run at the same time.
//
// Implementations must be side-effect free and must not call back into the
// Manager: both methods run while scheduler state is locked. A rule must
// conflict with itself. Symmetry is expected but not required; the scheduler
// tests both directions.
type Rule interface {
	// Contains reports whether other may be acquired while this rule is held
	// (nested BeginRule).
	Contains(other Rule) bool
	// Conflicts reports whether jobs holding this rule and other must not run
	// concurrently.
	Conflicts(other Rule) bool
}

// conflicting reports whether a and b conflict in either direction. A nil rule
// conflicts with nothing.
func conflicting(a, b Rule) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Conflicts(b) || b.Conflicts(a)
}

// containing reports whether inner may nest within outer. nil is contained
// only by nil.
func containing(outer, inner Rule) bool {
	if outer == nil || inner == nil {
		return outer == nil && inner == nil
	}
	return outer.Contains(inner)
}

// PathRule is a hierarchical rule over slash-separated paths: a path
// conflicts with its ancestors and descendants and contains its descendants.
// "/" covers every path.
type PathRule string

func (p PathRule) clean() string { return path.Clean("/" + string(p)) }

func (p PathRule) Contains(other Rule) bool {
	switch o := other.(type) {
	case PathRule:
		return isPathPrefix(p.clean(), o.clean())
	case *MultiRule:
		for _, r := range o.rules {
			if !p.Contains(r) {
				return false
			}
		}
		return len(o.rules) > 0
	}
	return false
}

func (p PathRule) Conflicts(other Rule) bool {
	switch o := other.(type) {
	case PathRule:
		a, b := p.clean(), o.clean()
		return isPathPrefix(a, b) || isPathPrefix(b, a)
	case *MultiRule:
		return o.Conflicts(p)
	}
	return false
}

func isPathPrefix(parent, child string) bool {
	if parent == "/" || parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// MultiRule combines several rules: it conflicts with anything one of its
// children conflicts with.
type MultiRule struct {
	rules []Rule
}

// Combine flattens rules into one, dropping nils. It returns nil when nothing
// remains and the rule itself when only one does.
func Combine(rules ...Rule) Rule {
	var flat []Rule
	for _, r := range rules {
		switch v := r.(type) {
		case nil:
		case *MultiRule:
			flat = append(flat, v.rules...)
		default:
			flat = append(flat, v)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &MultiRule{rules: flat}
}

// Children returns the combined rules.
func (m *MultiRule) Children() []Rule { return append([]Rule(nil), m.rules...) }

func (m *MultiRule) Contains(other Rule) bool {
	if other == Rule(m) {
		return true
	}
	if om, ok := other.(*MultiRule); ok {
		for _, r := range om.rules {
			if !m.Contains(r) {
				return false
			}
		}
		return true
	}
	for _, r := range m.rules {
		if r.Contains(other) {
			return true
		}
	}
	return false
}

func (m *MultiRule) Conflicts(other Rule) bool {
	if other == Rule(m) {
		return true
	}
	if om, ok := other.(*MultiRule); ok {
		for _, a := range m.rules {
			for _, b := range om.rules {
				if conflicting(a, b) {
					return true
				}
			}
		}
		return false
	}
	for _, r := range m.rules {
		if conflicting(r, other) {
			return true
		}
	}
	return false
}

// Mutex is a rule that conflicts only with itself. Each call to NewMutex
// yields a distinct rule.
type Mutex struct{ name string }

func NewMutex(name string) *Mutex { return &Mutex{name: name} }

func (m *Mutex) Contains(other Rule) bool  { return other == Rule(m) }
func (m *Mutex) Conflicts(other Rule) bool { return other == Rule(m) }
func (m *Mutex) String() string            { return "mutex(" + m.name + ")" }
