package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/entity"
	"github.com/marrow-orm/marrow/metadata"
)

// resolvePivot populates an owning many-to-many relation backed by a
// bridge table. One batched pivot fetch covers every parent needing
// load; each parent's collection is filled in the exact order the
// fetch returned its rows.
func (l *Loader) resolvePivot(ctx context.Context, meta *metadata.EntityMetadata, prop *metadata.Property, parents []*entity.Entity, spec *Spec, opts Options) error {
	if l.pivots == nil {
		return fmt.Errorf("%w: %s.%s", ErrNoPivotSource, meta.Name, prop.Name)
	}

	var pending []*entity.Entity
	for _, parent := range parents {
		col := ensureCollection(parent, prop.Name)
		if opts.Refresh {
			if parent.Has(prop.Name) {
				col.Reset()
				parent.ClearPopulated(prop.Name)
				pending = append(pending, parent)
			}
			continue
		}
		if col.IsInitialized() {
			parent.SetPopulated(prop.Name)
			continue
		}
		pending = append(pending, parent)
	}
	if len(pending) == 0 {
		markPopulated(parents, prop.Name)
		return nil
	}

	ownerKeys, err := l.ownerKeyBatch(meta, pending, opts)
	if err != nil {
		return err
	}

	where := condition.Cond{}
	targetMeta, ok := l.registry.Get(prop.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
	}
	where, err = l.scopeCondition(where, targetMeta, prop, opts)
	if err != nil {
		return err
	}

	findOpts := FindOptions{
		Fields:             buildFields(opts.Fields, prop),
		Refresh:            opts.Refresh,
		ConvertCustomTypes: opts.ConvertCustomTypes,
		Schema:             opts.Schema,
		ConnectionType:     opts.ConnectionType,
	}

	l.log.Debug("resolving pivot relation",
		zap.String("entity", meta.Name),
		zap.String("field", prop.Name),
		zap.String("pivot", prop.PivotTable),
		zap.Int("parents", len(pending)))

	rows, err := l.pivots.LoadFromPivot(ctx, prop, ownerKeys, where, fieldOrderBy(opts, prop), findOpts)
	if err != nil {
		return err
	}

	for _, parent := range pending {
		key, err := parent.PKKey()
		if err != nil {
			return err
		}

		items := make([]*entity.Entity, 0, len(rows[key]))
		for _, row := range rows[key] {
			child, err := l.manager.Create(prop.Target, row, entity.CreateOptions{
				Merge:              true,
				Refresh:            opts.Refresh,
				ConvertCustomTypes: opts.ConvertCustomTypes,
				Schema:             opts.Schema,
			})
			if err != nil {
				return fmt.Errorf("hydrating %s row for %s.%s: %w", prop.Target, meta.Name, prop.Name, err)
			}
			// Register as managed and loaded so the instance is never
			// re-fetched later in the unit of work.
			child, err = l.manager.RegisterManaged(child, row, entity.RegisterOptions{
				Refresh: opts.Refresh,
				Loaded:  true,
			})
			if err != nil {
				return err
			}
			items = append(items, child)
		}

		// Store order is preserved, no re-sort
		col := ensureCollection(parent, prop.Name)
		col.Set(items)
	}

	markPopulated(parents, prop.Name)
	return nil
}

// ownerKeyBatch collects the composite primary key tuple of every
// pending parent, converting custom scalar types to their storage
// representation before the batch condition is built.
func (l *Loader) ownerKeyBatch(meta *metadata.EntityMetadata, pending []*entity.Entity, opts Options) ([][]interface{}, error) {
	keys := make([][]interface{}, 0, len(pending))
	for _, parent := range pending {
		pk := parent.PK()
		if opts.ConvertCustomTypes {
			for i, field := range meta.PrimaryKeys {
				prop, ok := meta.Property(field)
				if !ok || prop.Type == nil || pk[i] == nil {
					continue
				}
				converted, err := prop.Type.ToStorage(pk[i])
				if err != nil {
					return nil, fmt.Errorf("converting %s.%s pivot key: %w", meta.Name, field, err)
				}
				pk[i] = converted
			}
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
