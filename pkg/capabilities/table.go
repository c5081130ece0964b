package capabilities

import (
	"fmt"
	"sort"
)

// Table is the allow-listed host functions for one kapsule type.
type Table struct {
	funcs map[string]HostFunction
}

// EmptyTable grants nothing.
func EmptyTable() Table { return Table{} }

// Grants reports whether module.name is in the table.
func (t Table) Grants(module, name string) bool {
	_, ok := t.funcs[Qualify(module, name)]
	return ok
}

// Lookup returns a granted host function.
func (t Table) Lookup(module, name string) (HostFunction, bool) {
	fn, ok := t.funcs[Qualify(module, name)]
	return fn, ok
}

// Len is the number of granted functions.
func (t Table) Len() int { return len(t.funcs) }

// Functions returns granted functions sorted by qualified name.
func (t Table) Functions() []HostFunction {
	out := make([]HostFunction, 0, len(t.funcs))
	for _, fn := range t.funcs {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out
}

// Set maps kapsule types to capability tables. It is built once and never
// mutated, so concurrent reads need no locking.
type Set struct {
	catalog *Catalog
	tables  map[string]Table
}

// NewSet builds a Set from kapsule type to qualified host function names. A
// name may also be a bare module ("math"), granting every catalog function in
// that module.
func NewSet(catalog *Catalog, grants map[string][]string) (*Set, error) {
	s := &Set{catalog: catalog, tables: make(map[string]Table, len(grants))}
	for kapsuleType, names := range grants {
		t := Table{funcs: map[string]HostFunction{}}
		for _, name := range names {
			if fn, ok := catalog.Get(name); ok {
				t.funcs[name] = fn
				continue
			}
			matched := false
			for _, q := range catalog.Names() {
				fn, _ := catalog.Get(q)
				if fn.Module == name {
					t.funcs[q] = fn
					matched = true
				}
			}
			if !matched {
				return nil, fmt.Errorf("capabilities: type %q grants unknown host function %q", kapsuleType, name)
			}
		}
		s.tables[kapsuleType] = t
	}
	return s, nil
}

// Resolve returns the table for kapsuleType, or the empty table when the type
// is unknown.
func (s *Set) Resolve(kapsuleType string) Table {
	if s == nil {
		return EmptyTable()
	}
	if t, ok := s.tables[kapsuleType]; ok {
		return t
	}
	return EmptyTable()
}

// Known reports whether kapsuleType has a declared table.
func (s *Set) Known(kapsuleType string) bool {
	if s == nil {
		return false
	}
	_, ok := s.tables[kapsuleType]
	return ok
}

// Catalog returns the catalog the set was built from.
func (s *Set) Catalog() *Catalog { return s.catalog }

// Types lists declared kapsule types in sorted order.
func (s *Set) Types() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.tables))
	for k := range s.tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
