package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/marrow-orm/marrow/cache"
	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/entity"
	"github.com/marrow-orm/marrow/loader"
	"github.com/marrow-orm/marrow/metadata"
)

// Querier is the query surface the finder needs, satisfied by *sql.DB,
// *sql.Tx and sqlmock. Running every fetch of one population pass on
// one Tx keeps the whole pass in a single transactional context.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Finder implements loader.Finder and loader.PivotSource over a
// PostgreSQL connection
type Finder struct {
	db       Querier
	registry *metadata.Registry
	manager  *entity.Manager
	log      *zap.Logger

	cache    cache.ResultCache
	cacheTTL time.Duration
}

// NewFinder creates a finder over the given connection
func NewFinder(db Querier, registry *metadata.Registry, manager *entity.Manager) *Finder {
	return &Finder{
		db:       db,
		registry: registry,
		manager:  manager,
		log:      zap.NewNop(),
	}
}

// WithLogger configures query logging
func (f *Finder) WithLogger(log *zap.Logger) *Finder {
	f.log = log
	return f
}

// WithCache configures an optional result cache for batched fetches.
// Refreshing fetches bypass it.
func (f *Finder) WithCache(c cache.ResultCache, ttl time.Duration) *Finder {
	f.cache = c
	f.cacheTTL = ttl
	return f
}

// Find executes one batched fetch and returns the result entities
// merged into the identity map
func (f *Finder) Find(ctx context.Context, entityName string, where condition.Cond, opts loader.FindOptions) ([]*entity.Entity, error) {
	meta, ok := f.registry.Get(entityName)
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", entityName)
	}

	query, args, joined, err := f.buildQuery(meta, where, opts)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if f.cache != nil && !opts.Refresh {
		cacheKey = cache.Key(entityName, where, opts.Fields, opts.OrderBy, joined)
		if rows, hit, err := f.cache.Get(ctx, cacheKey); err == nil && hit {
			f.log.Debug("result cache hit",
				zap.String("entity", entityName),
				zap.Int("rows", len(rows)))
			return f.hydrateRows(meta, rows, joined, opts)
		}
	}

	start := time.Now()
	rows, err := f.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityName, err)
	}

	f.log.Debug("executed batched fetch",
		zap.String("entity", entityName),
		zap.Int("rows", len(rows)),
		zap.Duration("took", time.Since(start)))

	if cacheKey != "" {
		if err := f.cache.Set(ctx, cacheKey, rows, f.cacheTTL); err != nil {
			f.log.Warn("result cache write failed", zap.Error(err))
		}
	}

	return f.hydrateRows(meta, rows, joined, opts)
}

// joinedRelation is one join-strategy to-one relation fetched inside
// the parent query
type joinedRelation struct {
	prop   *metadata.Property
	target *metadata.EntityMetadata
	alias  string
}

// buildQuery renders the SELECT for one batched fetch. Join-strategy
// to-one populate hints become LEFT JOINs with prefixed column aliases.
func (f *Finder) buildQuery(meta *metadata.EntityMetadata, where condition.Cond, opts loader.FindOptions) (string, []interface{}, []joinedRelation, error) {
	cols := selectColumns(meta, opts.Fields)

	var selects []string
	for _, col := range cols {
		selects = append(selects, `t.`+pq.QuoteIdentifier(col))
	}

	var (
		joined []joinedRelation
		joins  []string
	)
	for i, spec := range opts.Populate {
		prop, ok := meta.Property(spec.Field)
		if !ok || !prop.ToOne() {
			continue
		}
		if prop.Kind == metadata.KindOneToOne && !prop.Owner {
			continue
		}
		target, ok := f.registry.Get(prop.Target)
		if !ok {
			return "", nil, nil, fmt.Errorf("unknown entity type: %s", prop.Target)
		}
		alias := fmt.Sprintf("j%d", i)
		joined = append(joined, joinedRelation{prop: prop, target: target, alias: alias})
		joins = append(joins, fmt.Sprintf(
			"LEFT JOIN %s %s ON %s.%s = t.%s",
			pq.QuoteIdentifier(tableName(target)),
			pq.QuoteIdentifier(alias),
			pq.QuoteIdentifier(alias),
			pq.QuoteIdentifier(target.PrimaryKeys[0]),
			pq.QuoteIdentifier(prop.ForeignKeyName()),
		))
		for _, col := range selectColumns(target, nil) {
			selects = append(selects, fmt.Sprintf(`%s.%s AS %s`,
				pq.QuoteIdentifier(alias),
				pq.QuoteIdentifier(col),
				pq.QuoteIdentifier(spec.Field+"__"+col)))
		}
	}

	comp := newCompiler(meta, "t")
	whereSQL, err := comp.compile(where)
	if err != nil {
		return "", nil, nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(pq.QuoteIdentifier(tableName(meta)))
	b.WriteString(" t")
	for _, join := range joins {
		b.WriteString(" ")
		b.WriteString(join)
	}
	if whereSQL != "" {
		b.WriteString(" WHERE ")
		b.WriteString(whereSQL)
	}
	if order := orderClause(meta, "t", opts.OrderBy); order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
	}

	return b.String(), comp.args, joined, nil
}

// query executes SQL and scans every row into a column map
func (f *Finder) query(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// hydrateRows turns raw rows into canonical entities, splitting out any
// join-aliased sub-rows and attaching them to the parent's slot
func (f *Finder) hydrateRows(meta *metadata.EntityMetadata, rows []map[string]interface{}, joined []joinedRelation, opts loader.FindOptions) ([]*entity.Entity, error) {
	createOpts := entity.CreateOptions{
		Merge:              !opts.Refresh,
		Refresh:            opts.Refresh,
		ConvertCustomTypes: opts.ConvertCustomTypes,
		Schema:             opts.Schema,
	}

	result := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		own := make(map[string]interface{}, len(row))
		subs := make(map[string]map[string]interface{}, len(joined))
		for col, value := range row {
			field, sub, isSub := strings.Cut(col, "__")
			if isSub {
				if subs[field] == nil {
					subs[field] = make(map[string]interface{})
				}
				subs[field][sub] = value
				continue
			}
			own[col] = value
		}

		e, err := f.manager.Create(meta.Name, own, createOpts)
		if err != nil {
			return nil, err
		}

		for _, jr := range joined {
			subRow, ok := subs[jr.prop.Name]
			if !ok || subRow[jr.target.PrimaryKeys[0]] == nil {
				e.SetPopulated(jr.prop.Name)
				continue
			}
			child, err := f.manager.Create(jr.target.Name, subRow, createOpts)
			if err != nil {
				return nil, err
			}
			e.Set(jr.prop.Name, child)
			e.SetPopulated(jr.prop.Name)
		}

		result = append(result, e)
	}

	return result, nil
}

// selectColumns maps requested fields to columns. A nil request selects
// every non-lazy scalar plus owning foreign keys; primary keys are
// always included.
func selectColumns(meta *metadata.EntityMetadata, fields []string) []string {
	var cols []string
	seen := make(map[string]bool)
	add := func(col string) {
		if col != "" && !seen[col] {
			seen[col] = true
			cols = append(cols, col)
		}
	}

	for _, pk := range meta.PrimaryKeys {
		add(columnFor(meta, pk))
	}

	if fields == nil {
		for _, prop := range meta.Properties {
			switch prop.Kind {
			case metadata.KindScalar:
				if !prop.Lazy {
					add(prop.Name)
				}
			case metadata.KindManyToOne:
				add(prop.ForeignKeyName())
			case metadata.KindOneToOne:
				if prop.Owner {
					add(prop.ForeignKeyName())
				}
			}
		}
		return cols
	}

	for _, field := range fields {
		if strings.Contains(field, ".") {
			// Nested selections apply to deeper fetches
			continue
		}
		add(columnFor(meta, field))
	}
	return cols
}

// scanRows scans SQL rows into column maps, converting []byte text to
// string
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}

		results = append(results, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
