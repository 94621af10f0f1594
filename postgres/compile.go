package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/metadata"
)

// compiler turns abstract conditions into a parameterized WHERE clause
type compiler struct {
	meta  *metadata.EntityMetadata
	alias string
	args  []interface{}
}

func newCompiler(meta *metadata.EntityMetadata, alias string) *compiler {
	return &compiler{meta: meta, alias: alias}
}

func (c *compiler) param(v interface{}) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) column(field string) string {
	col := quoteColumn(columnFor(c.meta, field))
	if c.alias != "" {
		col = c.alias + "." + col
	}
	return col
}

// compile renders a condition to SQL, appending bind arguments
func (c *compiler) compile(cond condition.Cond) (string, error) {
	if len(cond) == 0 {
		return "", nil
	}

	var clauses []string
	for _, key := range sortedKeys(cond) {
		value := cond[key]
		switch key {
		case condition.OpAnd, condition.OpOr:
			joined, err := c.compileGroup(value, key)
			if err != nil {
				return "", err
			}
			if joined != "" {
				clauses = append(clauses, joined)
			}
		default:
			if condition.IsOperator(key) {
				return "", fmt.Errorf("unsupported top-level operator %s", key)
			}
			clause, err := c.compileField(key, value)
			if err != nil {
				return "", err
			}
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
	}

	return strings.Join(clauses, " AND "), nil
}

func (c *compiler) compileGroup(value interface{}, op string) (string, error) {
	list, ok := value.([]interface{})
	if !ok {
		return "", fmt.Errorf("%s expects a list, got %T", op, value)
	}

	joiner := " AND "
	if op == condition.OpOr {
		joiner = " OR "
	}

	var parts []string
	for _, item := range list {
		sub, err := c.compile(asCond(item))
		if err != nil {
			return "", err
		}
		if sub != "" {
			parts = append(parts, "("+sub+")")
		}
	}

	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (c *compiler) compileField(field string, value interface{}) (string, error) {
	col := c.column(field)

	switch v := value.(type) {
	case nil:
		return col + " IS NULL", nil
	case condition.Cond:
		return c.compileOperators(col, field, v)
	case map[string]interface{}:
		return c.compileOperators(col, field, condition.Cond(v))
	case []interface{}:
		return col + " = ANY(" + c.param(pq.Array(v)) + ")", nil
	default:
		return col + " = " + c.param(v), nil
	}
}

func (c *compiler) compileOperators(col, field string, ops condition.Cond) (string, error) {
	var clauses []string
	for _, op := range sortedKeys(ops) {
		value := ops[op]
		switch op {
		case condition.OpIn:
			clauses = append(clauses, col+" = ANY("+c.param(pq.Array(asList(value)))+")")
		case condition.OpNin:
			clauses = append(clauses, "NOT ("+col+" = ANY("+c.param(pq.Array(asList(value)))+"))")
		case condition.OpEq:
			if value == nil {
				clauses = append(clauses, col+" IS NULL")
			} else {
				clauses = append(clauses, col+" = "+c.param(value))
			}
		case condition.OpNe:
			if value == nil {
				clauses = append(clauses, col+" IS NOT NULL")
			} else {
				clauses = append(clauses, col+" != "+c.param(value))
			}
		case condition.OpGt:
			clauses = append(clauses, col+" > "+c.param(value))
		case condition.OpGte:
			clauses = append(clauses, col+" >= "+c.param(value))
		case condition.OpLt:
			clauses = append(clauses, col+" < "+c.param(value))
		case condition.OpLte:
			clauses = append(clauses, col+" <= "+c.param(value))
		case condition.OpAnd:
			for _, item := range asList(value) {
				sub, err := c.compileField(field, item)
				if err != nil {
					return "", err
				}
				clauses = append(clauses, sub)
			}
		default:
			return "", fmt.Errorf("unsupported operator %s on field %s", op, field)
		}
	}
	return strings.Join(clauses, " AND "), nil
}

// orderClause renders ORDER BY terms against the entity's columns
func orderClause(meta *metadata.EntityMetadata, alias string, orders []condition.Order) string {
	if len(orders) == 0 {
		return ""
	}
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		col := quoteColumn(columnFor(meta, o.Field))
		if alias != "" {
			col = alias + "." + col
		}
		if o.Desc {
			col += " DESC"
		}
		parts = append(parts, col)
	}
	return strings.Join(parts, ", ")
}

func asCond(v interface{}) condition.Cond {
	switch c := v.(type) {
	case condition.Cond:
		return c
	case map[string]interface{}:
		return condition.Cond(c)
	default:
		return nil
	}
}

func asList(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}

func sortedKeys(c condition.Cond) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	// Deterministic clause order keeps queries stable for tests and
	// cache keys
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
