// Package condition provides abstract filter expressions over entity
// fields. A Cond maps field names (or operator keys) to values; the
// loading core composes them with And/In and conjunction-preserving
// Merge, and the store-facing collaborator compiles them to its own
// query language.
package condition

import "strings"

// Operator keys recognized inside a Cond
const (
	OpAnd = "$and"
	OpOr  = "$or"
	OpIn  = "$in"
	OpNin = "$nin"
	OpEq  = "$eq"
	OpNe  = "$ne"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpLt  = "$lt"
	OpLte = "$lte"
)

// Cond is a filter expression: field name -> expected value, sub-Cond,
// or operator expression. Operator keys start with '$'.
type Cond map[string]interface{}

// IsOperator returns true for operator keys like $in or $and
func IsOperator(key string) bool {
	return strings.HasPrefix(key, "$")
}

// In builds an $in membership expression
func In(values ...interface{}) Cond {
	return Cond{OpIn: values}
}

// Eq builds an explicit $eq expression
func Eq(value interface{}) Cond {
	return Cond{OpEq: value}
}

// And conjoins conditions. Nil and empty operands are dropped; a single
// survivor is returned as-is.
func And(conds ...Cond) Cond {
	var parts []interface{}
	for _, c := range conds {
		if len(c) > 0 {
			parts = append(parts, c)
		}
	}
	switch len(parts) {
	case 0:
		return Cond{}
	case 1:
		return parts[0].(Cond)
	default:
		return Cond{OpAnd: parts}
	}
}

// Or disjoins conditions
func Or(conds ...Cond) Cond {
	var parts []interface{}
	for _, c := range conds {
		if len(c) > 0 {
			parts = append(parts, c)
		}
	}
	switch len(parts) {
	case 0:
		return Cond{}
	case 1:
		return parts[0].(Cond)
	default:
		return Cond{OpOr: parts}
	}
}

// Merge conjoins extra into base without discarding either side. Keys
// present in only one side are copied; a key present in both is rewritten
// as an $and of both values. Top-level $and lists are appended instead
// of nested.
func Merge(base, extra Cond) Cond {
	if len(base) == 0 {
		return Clone(extra)
	}
	if len(extra) == 0 {
		return Clone(base)
	}

	result := Clone(base)
	for key, value := range extra {
		existing, ok := result[key]
		if !ok {
			result[key] = value
			continue
		}
		if key == OpAnd {
			result[key] = appendList(existing, value)
			continue
		}
		result[key] = Cond{OpAnd: []interface{}{existing, value}}
	}
	return result
}

// Sub extracts the caller-supplied sub-condition scoped to one field.
// The raw value is returned because a scalar or slice value means
// "filter the relation by primary key" and only the caller knows the
// target's key field.
func Sub(c Cond, field string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[field]
	return v, ok
}

// Clone returns a shallow-value, deep-structure copy of a condition
func Clone(c Cond) Cond {
	if c == nil {
		return nil
	}
	result := make(Cond, len(c))
	for k, v := range c {
		if sub, ok := v.(Cond); ok {
			result[k] = Clone(sub)
		} else {
			result[k] = v
		}
	}
	return result
}

func appendList(a, b interface{}) []interface{} {
	var result []interface{}
	if list, ok := a.([]interface{}); ok {
		result = append(result, list...)
	} else {
		result = append(result, a)
	}
	if list, ok := b.([]interface{}); ok {
		result = append(result, list...)
	} else {
		result = append(result, b)
	}
	return result
}

// Order describes one ordering term for a fetch
type Order struct {
	Field string
	Desc  bool
}

// Asc builds an ascending ordering term
func Asc(field string) Order {
	return Order{Field: field}
}

// Desc builds a descending ordering term
func Desc(field string) Order {
	return Order{Field: field, Desc: true}
}
