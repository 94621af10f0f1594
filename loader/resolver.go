package loader

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/entity"
	"github.com/marrow-orm/marrow/metadata"
)

// resolveField populates one property for the given parent set,
// dispatching on the relation kind. Exactly one batched fetch is issued
// per field regardless of parent count; parents whose slot is already
// loaded are skipped.
func (l *Loader) resolveField(ctx context.Context, meta *metadata.EntityMetadata, prop *metadata.Property, parents []*entity.Entity, spec *Spec, opts Options) error {
	switch prop.Kind {
	case metadata.KindEmbedded:
		// Embedded values materialize during row hydration; nothing to
		// dispatch to the store.
		return nil

	case metadata.KindScalar:
		if !prop.Lazy || opts.IgnoreLazyScalarProperties {
			return nil
		}
		return l.resolveLazyScalar(ctx, meta, prop, parents, opts)

	case metadata.KindManyToMany:
		if prop.Owner && prop.PivotTable != "" {
			return l.resolvePivot(ctx, meta, prop, parents, spec, opts)
		}
		return l.resolveRelation(ctx, meta, prop, parents, spec, opts)

	case metadata.KindManyToOne, metadata.KindOneToOne, metadata.KindOneToMany:
		return l.resolveRelation(ctx, meta, prop, parents, spec, opts)

	default:
		return fmt.Errorf("%w: %s.%s has kind %s", ErrInvalidRelationKind, meta.Name, prop.Name, prop.Kind)
	}
}

// resolveLazyScalar re-selects the owning entities by primary key with
// only the lazy field (plus keys), merging values onto the instances
func (l *Loader) resolveLazyScalar(ctx context.Context, meta *metadata.EntityMetadata, prop *metadata.Property, parents []*entity.Entity, opts Options) error {
	var pending []*entity.Entity
	for _, parent := range parents {
		if opts.Refresh || !parent.Has(prop.Name) {
			pending = append(pending, parent)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	pk := meta.PrimaryKeys[0]
	ids := collectKeys(pending, func(e *entity.Entity) interface{} { return e.Get(pk) })
	if len(ids) == 0 {
		return nil
	}

	cond := condition.Cond{pk: condition.In(ids...)}
	fields := append(append([]string{}, meta.PrimaryKeys...), prop.Name)

	l.log.Debug("populating lazy scalar",
		zap.String("entity", meta.Name),
		zap.String("field", prop.Name),
		zap.Int("batch", len(ids)))

	_, err := l.finder.Find(ctx, meta.Name, cond, FindOptions{
		Fields:             fields,
		Refresh:            opts.Refresh,
		ConvertCustomTypes: opts.ConvertCustomTypes,
		Schema:             opts.Schema,
		ConnectionType:     opts.ConnectionType,
	})
	return err
}

// resolveRelation handles to-one relations and non-pivot to-many
// relations with a single batched fetch keyed either by the target's
// primary key (owning side) or by the inverse foreign-key field.
func (l *Loader) resolveRelation(ctx context.Context, meta *metadata.EntityMetadata, prop *metadata.Property, parents []*entity.Entity, spec *Spec, opts Options) error {
	targetMeta, ok := l.registry.Get(prop.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
	}
	strategy := strategyOr(spec.Strategy, prop.Strategy, opts.Strategy)

	pending := l.pendingParents(prop, parents, strategy, opts.Refresh)
	if len(pending) == 0 {
		markPopulated(parents, prop.Name)
		return nil
	}

	owning := prop.Kind == metadata.KindManyToOne ||
		(prop.Kind == metadata.KindOneToOne && prop.Owner)

	var (
		cond    condition.Cond
		orderBy []condition.Order
	)

	if owning {
		pk := targetMeta.PrimaryKeys[0]
		ids := collectKeys(pending, func(e *entity.Entity) interface{} {
			ref, ok := e.Relation(prop.Name)
			if !ok {
				return nil
			}
			return ref.PK()[0]
		})
		if len(ids) == 0 {
			markPopulated(parents, prop.Name)
			return nil
		}
		var err error
		if ids, err = l.convertKeys(targetMeta, pk, ids, opts); err != nil {
			return err
		}
		cond = condition.Cond{pk: condition.In(ids...)}
		orderBy = append([]condition.Order{condition.Asc(pk)}, fieldOrderBy(opts, prop)...)
	} else {
		if prop.MappedBy == "" {
			return fmt.Errorf("%w: inverse relation %s.%s has no mappedBy", ErrInvalidRelationKind, meta.Name, prop.Name)
		}
		pk := meta.PrimaryKeys[0]
		ids := collectKeys(pending, func(e *entity.Entity) interface{} { return e.Get(pk) })
		if len(ids) == 0 {
			markPopulated(parents, prop.Name)
			return nil
		}
		var err error
		if ids, err = l.convertKeys(meta, pk, ids, opts); err != nil {
			return err
		}
		cond = condition.Cond{prop.MappedBy: condition.In(ids...)}
		orderBy = append([]condition.Order{condition.Asc(prop.MappedBy)}, fieldOrderBy(opts, prop)...)
	}

	cond, err := l.scopeCondition(cond, targetMeta, prop, opts)
	if err != nil {
		return err
	}

	findOpts := FindOptions{
		Fields:             buildFields(opts.Fields, prop),
		OrderBy:            orderBy,
		Strategy:           strategy,
		Refresh:            opts.Refresh,
		ConvertCustomTypes: opts.ConvertCustomTypes,
		Filters:            opts.Filters,
		LockMode:           opts.LockMode,
		Schema:             opts.Schema,
		ConnectionType:     opts.ConnectionType,
	}
	if strategy == metadata.StrategyJoin {
		findOpts.Populate = spec.Children
	}

	l.log.Debug("resolving relation",
		zap.String("entity", meta.Name),
		zap.String("field", prop.Name),
		zap.String("kind", prop.Kind.String()),
		zap.Int("parents", len(pending)))

	children, err := l.finder.Find(ctx, prop.Target, cond, findOpts)
	if err != nil {
		return err
	}

	l.attach(prop, pending, children, opts)
	markPopulated(parents, prop.Name)
	return nil
}

// pendingParents filters the parent set to those whose slot still needs
// loading. With refresh, every parent with a value in the slot is
// reloaded after its collection is reset. An inverse one-to-one under
// the join strategy is always fetched, skipping the need check; under
// select-in it is deferred like any other inverse lookup.
func (l *Loader) pendingParents(prop *metadata.Property, parents []*entity.Entity, strategy metadata.Strategy, refresh bool) []*entity.Entity {
	autoJoin := prop.Kind == metadata.KindOneToOne && !prop.Owner && strategy == metadata.StrategyJoin

	var pending []*entity.Entity
	for _, parent := range parents {
		if refresh {
			if !parent.Has(prop.Name) {
				continue
			}
			if col, ok := parent.Collection(prop.Name); ok {
				col.Reset()
			}
			parent.ClearPopulated(prop.Name)
			pending = append(pending, parent)
			continue
		}

		if autoJoin {
			pending = append(pending, parent)
			continue
		}

		switch slot := parent.Get(prop.Name).(type) {
		case *entity.Collection:
			if slot.IsInitialized() {
				parent.SetPopulated(prop.Name)
			} else {
				pending = append(pending, parent)
			}
		case *entity.Entity:
			if slot.IsInitialized() {
				// Already-loaded short-circuit: flag it, do not re-fetch
				parent.SetPopulated(prop.Name)
			} else {
				pending = append(pending, parent)
			}
		default:
			switch {
			case prop.ToMany():
				parent.Set(prop.Name, entity.NewCollection(parent, prop.Name))
				pending = append(pending, parent)
			case prop.ToOne() && (!prop.Owner && prop.Kind == metadata.KindOneToOne):
				// Inverse side: absence means "not looked up yet"
				if !parent.IsPopulated(prop.Name) {
					pending = append(pending, parent)
				}
			default:
				// Owning side with a null foreign key has nothing to load
				parent.SetPopulated(prop.Name)
			}
		}
	}
	return pending
}

// attach re-links fetched children onto their parents
func (l *Loader) attach(prop *metadata.Property, pending []*entity.Entity, children []*entity.Entity, opts Options) {
	switch prop.Kind {
	case metadata.KindManyToOne:
		// Slots already hold canonical references; the fetch initialized
		// them in place through the identity map.

	case metadata.KindOneToOne:
		if prop.Owner {
			return
		}
		for _, child := range children {
			owner, ok := child.Relation(prop.MappedBy)
			if !ok {
				continue
			}
			owner.Set(prop.Name, child)
		}

	case metadata.KindOneToMany:
		grouped := make(map[string][]*entity.Entity)
		for _, child := range children {
			owner, ok := child.Relation(prop.MappedBy)
			if !ok {
				continue
			}
			key, err := owner.PKKey()
			if err != nil {
				continue
			}
			grouped[key] = append(grouped[key], child)
		}
		for _, parent := range pending {
			key, err := parent.PKKey()
			if err != nil {
				continue
			}
			col := ensureCollection(parent, prop.Name)
			col.Set(grouped[key])
		}

	case metadata.KindManyToMany:
		// Inverse side without a pivot table: membership is decided by
		// the child's reciprocal collection.
		for _, parent := range pending {
			var items []*entity.Entity
			for _, child := range children {
				if reciprocal, ok := child.Collection(prop.MappedBy); ok && reciprocal.Contains(parent) {
					items = append(items, child)
				}
			}
			col := ensureCollection(parent, prop.Name)
			col.Set(items)
		}
	}
}

// scopeCondition conjoins the derived batch condition with the
// caller-supplied condition scoped to this field, then applies filters.
// Both sides survive the merge; a shared key becomes an $and.
func (l *Loader) scopeCondition(cond condition.Cond, targetMeta *metadata.EntityMetadata, prop *metadata.Property, opts Options) (condition.Cond, error) {
	if sub, ok := condition.Sub(opts.Where, prop.Name); ok {
		switch c := sub.(type) {
		case condition.Cond:
			cond = condition.Merge(cond, c)
		case map[string]interface{}:
			cond = condition.Merge(cond, condition.Cond(c))
		default:
			// A scalar or slice filters the relation by primary key
			cond = condition.Merge(cond, condition.Cond{targetMeta.PrimaryKeys[0]: c})
		}
	}

	if l.filters != nil && opts.Filters != nil {
		filtered, err := l.filters.Apply(targetMeta.Name, cond, opts.Filters, "read")
		if err != nil {
			return nil, err
		}
		cond = filtered
	}

	return cond, nil
}

// convertKeys runs custom-type storage conversion over batch key values
func (l *Loader) convertKeys(meta *metadata.EntityMetadata, field string, values []interface{}, opts Options) ([]interface{}, error) {
	if !opts.ConvertCustomTypes {
		return values, nil
	}
	prop, ok := meta.Property(field)
	if !ok || prop.Type == nil {
		return values, nil
	}
	converted := make([]interface{}, len(values))
	for i, v := range values {
		c, err := prop.Type.ToStorage(v)
		if err != nil {
			return nil, fmt.Errorf("converting %s.%s batch key: %w", meta.Name, field, err)
		}
		converted[i] = c
	}
	return converted, nil
}

// collectKeys extracts deduplicated non-nil key values from a parent set
func collectKeys(parents []*entity.Entity, key func(*entity.Entity) interface{}) []interface{} {
	var values []interface{}
	seen := make(map[string]bool)
	for _, parent := range parents {
		v := key(parent)
		if v == nil {
			continue
		}
		k := valueKey(v)
		if !seen[k] {
			seen[k] = true
			values = append(values, v)
		}
	}
	return values
}

func markPopulated(parents []*entity.Entity, field string) {
	for _, parent := range parents {
		parent.SetPopulated(field)
	}
}

func ensureCollection(parent *entity.Entity, field string) *entity.Collection {
	if col, ok := parent.Collection(field); ok {
		return col
	}
	col := entity.NewCollection(parent, field)
	parent.Set(field, col)
	return col
}

// fieldOrderBy combines the caller ordering scoped to one field with
// the property's metadata default, caller terms first
func fieldOrderBy(opts Options, prop *metadata.Property) []condition.Order {
	return append(scopeOrderBy(opts.OrderBy, prop), parseOrderBy(prop.OrderBy)...)
}

// parseOrderBy parses a metadata ordering clause like "position ASC, id DESC"
func parseOrderBy(orderBy string) []condition.Order {
	if orderBy == "" {
		return nil
	}
	var orders []condition.Order
	for _, part := range strings.Split(orderBy, ",") {
		tokens := strings.Fields(strings.TrimSpace(part))
		if len(tokens) == 0 {
			continue
		}
		order := condition.Order{Field: tokens[0]}
		if len(tokens) > 1 && strings.EqualFold(tokens[1], "DESC") {
			order.Desc = true
		}
		orders = append(orders, order)
	}
	return orders
}
