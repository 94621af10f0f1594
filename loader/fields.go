package loader

import (
	"strings"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/metadata"
)

// buildFields derives, from the caller's global field selection, the
// subset that applies to one property. Entries are either dotted
// strings ("books.title") or map[string][]string groupings
// ({"books": {"title"}}). A nil result means "select all fields".
//
// For one_to_many relations an explicit subset always force-includes
// the inverse foreign-key field: children are matched back to their
// parents by that key, and omitting it would silently break re-linking.
func buildFields(fields []interface{}, prop *metadata.Property) []string {
	var result []string

	for _, entry := range fields {
		switch f := entry.(type) {
		case map[string][]string:
			if sub, ok := f[prop.Name]; ok {
				result = append(result, sub...)
			}
		case string:
			if f == prop.Name {
				// Bare relation name selects the whole relation
				continue
			}
			if rest, ok := strings.CutPrefix(f, prop.Name+"."); ok {
				result = append(result, rest)
			}
		}
	}

	if result == nil {
		return nil
	}

	if prop.Kind == metadata.KindOneToMany && prop.MappedBy != "" {
		if !containsField(result, prop.MappedBy) {
			result = append(result, prop.MappedBy)
		}
	}

	return dedupFields(result)
}

// narrowFields rescopes a global field selection to the subtree under
// one property, for recursion into freshly loaded children
func narrowFields(fields []interface{}, prop *metadata.Property) []interface{} {
	var result []interface{}

	for _, entry := range fields {
		switch f := entry.(type) {
		case map[string][]string:
			if sub, ok := f[prop.Name]; ok {
				for _, s := range sub {
					result = append(result, s)
				}
			}
		case string:
			if rest, ok := strings.CutPrefix(f, prop.Name+"."); ok {
				result = append(result, rest)
			}
		}
	}

	return result
}

// scopeOrderBy extracts the ordering terms addressed directly to one
// property ("books.title" scoped to books yields "title"), for use in
// that property's batched fetch
func scopeOrderBy(orders []condition.Order, prop *metadata.Property) []condition.Order {
	var result []condition.Order
	for _, o := range orders {
		rest, ok := strings.CutPrefix(o.Field, prop.Name+".")
		if !ok || strings.Contains(rest, ".") {
			continue
		}
		result = append(result, condition.Order{Field: rest, Desc: o.Desc})
	}
	return result
}

// narrowOrderBy rescopes ordering terms to the subtree under one
// property, keeping deeper dotted terms for recursion
func narrowOrderBy(orders []condition.Order, prop *metadata.Property) []condition.Order {
	var result []condition.Order
	for _, o := range orders {
		if rest, ok := strings.CutPrefix(o.Field, prop.Name+"."); ok && strings.Contains(rest, ".") {
			result = append(result, condition.Order{Field: rest, Desc: o.Desc})
		}
	}
	return result
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func dedupFields(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	result := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			result = append(result, f)
		}
	}
	return result
}
