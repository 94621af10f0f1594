// Package postgres implements the loader's batched fetch collaborators
// over database/sql with PostgreSQL semantics: conditions compile to
// parameterized WHERE clauses, batch keys become "= ANY($n)" array
// binds, and many-to-many relations load through their pivot table in
// one joined query.
package postgres

import (
	"strings"

	"github.com/lib/pq"

	"github.com/marrow-orm/marrow/metadata"
)

// toSnakeCase converts a string to snake_case
func toSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}

// pluralize adds simple pluralization
func pluralize(s string) string {
	if strings.HasSuffix(s, "s") ||
		strings.HasSuffix(s, "x") ||
		strings.HasSuffix(s, "z") {
		return s + "es"
	}
	if strings.HasSuffix(s, "y") {
		return s[:len(s)-1] + "ies"
	}
	return s + "s"
}

// tableName resolves an entity's table: explicit TableName, or the
// snake_case plural of the type name
func tableName(meta *metadata.EntityMetadata) string {
	if meta.TableName != "" {
		return meta.TableName
	}
	return pluralize(toSnakeCase(meta.Name))
}

// columnFor maps a property name to its column: scalars map directly,
// owning to-one relations map to their foreign-key column. Unknown
// names pass through so raw column conditions still work.
func columnFor(meta *metadata.EntityMetadata, field string) string {
	prop, ok := meta.Property(field)
	if !ok {
		return field
	}
	switch prop.Kind {
	case metadata.KindManyToOne:
		return prop.ForeignKeyName()
	case metadata.KindOneToOne:
		if prop.Owner {
			return prop.ForeignKeyName()
		}
		return field
	default:
		return prop.Name
	}
}

// pivotOwnerColumn is the pivot column pointing at the declaring entity
func pivotOwnerColumn(prop *metadata.Property) string {
	if prop.ForeignKey != "" {
		return prop.ForeignKey
	}
	return toSnakeCase(prop.Entity) + "_id"
}

// pivotTargetColumn is the pivot column pointing at the target entity
func pivotTargetColumn(prop *metadata.Property) string {
	if prop.AssociationKey != "" {
		return prop.AssociationKey
	}
	return toSnakeCase(prop.Target) + "_id"
}

// quoteColumn quotes a possibly table-qualified column reference
func quoteColumn(ref string) string {
	parts := strings.Split(ref, ".")
	for i, part := range parts {
		parts[i] = pq.QuoteIdentifier(part)
	}
	return strings.Join(parts, ".")
}
