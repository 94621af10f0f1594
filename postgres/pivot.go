package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/loader"
	"github.com/marrow-orm/marrow/metadata"
)

// ownerColumnAlias carries the pivot's owner key through the joined
// select so rows can be grouped per parent
const ownerColumnAlias = "__owner"

// LoadFromPivot loads a many-to-many relation through its bridge table
// with a single joined query, returning each owner's raw target rows in
// store order.
func (f *Finder) LoadFromPivot(ctx context.Context, prop *metadata.Property, ownerKeys [][]interface{}, where condition.Cond, orderBy []condition.Order, opts loader.FindOptions) (map[string][]map[string]interface{}, error) {
	target, ok := f.registry.Get(prop.Target)
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", prop.Target)
	}
	if prop.PivotTable == "" {
		return nil, fmt.Errorf("relation %s.%s has no pivot table", prop.Entity, prop.Name)
	}

	// The SQL pivot path batches on a single-column owner key
	ids := make([]interface{}, 0, len(ownerKeys))
	for _, key := range ownerKeys {
		if len(key) != 1 {
			return nil, fmt.Errorf("relation %s.%s: composite pivot keys are not supported by the sql collaborator", prop.Entity, prop.Name)
		}
		ids = append(ids, key[0])
	}
	if len(ids) == 0 {
		return map[string][]map[string]interface{}{}, nil
	}

	ownerCol := pivotOwnerColumn(prop)
	targetCol := pivotTargetColumn(prop)
	targetPK := target.PrimaryKeys[0]

	var selects []string
	for _, col := range selectColumns(target, opts.Fields) {
		selects = append(selects, "t."+pq.QuoteIdentifier(col))
	}
	selects = append(selects, fmt.Sprintf("j.%s AS %s",
		pq.QuoteIdentifier(ownerCol), pq.QuoteIdentifier(ownerColumnAlias)))

	comp := newCompiler(target, "t")
	batchParam := comp.param(pq.Array(ids))
	clauses := []string{fmt.Sprintf("j.%s = ANY(%s)", pq.QuoteIdentifier(ownerCol), batchParam)}
	if whereSQL, err := comp.compile(where); err != nil {
		return nil, err
	} else if whereSQL != "" {
		clauses = append(clauses, whereSQL)
	}

	// Store order: owner key first, then target primary key, then any
	// explicit ordering. The loader preserves this order verbatim.
	orderParts := []string{
		"j." + pq.QuoteIdentifier(ownerCol),
		"t." + pq.QuoteIdentifier(targetPK),
	}
	if order := orderClause(target, "t", orderBy); order != "" {
		orderParts = append(orderParts, order)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s t INNER JOIN %s j ON t.%s = j.%s WHERE %s ORDER BY %s",
		strings.Join(selects, ", "),
		pq.QuoteIdentifier(tableName(target)),
		pq.QuoteIdentifier(prop.PivotTable),
		pq.QuoteIdentifier(targetPK),
		pq.QuoteIdentifier(targetCol),
		strings.Join(clauses, " AND "),
		strings.Join(orderParts, ", "),
	)

	start := time.Now()
	rows, err := f.query(ctx, query, comp.args)
	if err != nil {
		return nil, fmt.Errorf("failed to query pivot %s: %w", prop.PivotTable, err)
	}

	f.log.Debug("executed pivot fetch",
		zap.String("pivot", prop.PivotTable),
		zap.String("entity", prop.Target),
		zap.Int("owners", len(ids)),
		zap.Int("rows", len(rows)),
		zap.Duration("took", time.Since(start)))

	grouped := make(map[string][]map[string]interface{})
	for _, row := range rows {
		owner := row[ownerColumnAlias]
		delete(row, ownerColumnAlias)
		key := loader.OwnerKey([]interface{}{owner})
		grouped[key] = append(grouped[key], row)
	}

	return grouped, nil
}
