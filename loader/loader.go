package loader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/entity"
	"github.com/marrow-orm/marrow/metadata"
)

// Populate hydrates the requested relations of the given root entities.
// The populate request may be a bool, dotted path strings, or a nested
// spec tree; it is normalized once, validated, cached on the roots, and
// then resolved field by field with one batched fetch per field.
//
// Sibling top-level fields are populated concurrently; a child field's
// fetch only starts after its parent field completed, since its batch
// keys come from the freshly loaded parents. A failed fetch fails the
// whole call, but fields resolved before the failure keep their fully
// consistent results.
func (l *Loader) Populate(ctx context.Context, entityName string, entities []*entity.Entity, populate interface{}, opts Options) error {
	if len(entities) == 0 {
		return nil
	}

	meta, ok := l.registry.Get(entityName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
	}

	specs, err := Normalize(l.registry, entityName, populate, opts.Strategy, !opts.SkipEagerLookup)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}

	if !opts.SkipValidation {
		if err := l.validate(meta, entities, specs); err != nil {
			return err
		}
	}

	for _, e := range entities {
		e.SetPopulateHint(specs)
	}

	return l.populateAll(ctx, meta, entities, specs, opts)
}

// validate fails fast, before any fetch is issued, on untracked roots
// and on populate fields the metadata does not declare at any depth
func (l *Loader) validate(meta *metadata.EntityMetadata, entities []*entity.Entity, specs []*Spec) error {
	for _, e := range entities {
		if !e.IsManaged() {
			return fmt.Errorf("%w: %s entity passed to populate", ErrEntityNotDiscovered, meta.Name)
		}
		if e.TypeName() != meta.Name {
			return fmt.Errorf("%w: expected %s, got %s", ErrEntityNotDiscovered, meta.Name, e.TypeName())
		}
	}

	return l.validateSpecs(meta, specs)
}

// validateSpecs walks the spec tree, checking every field against the
// metadata of the entity type it is requested on
func (l *Loader) validateSpecs(meta *metadata.EntityMetadata, specs []*Spec) error {
	for _, spec := range specs {
		prop, ok := meta.Property(spec.Field)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrInvalidPropertyName, meta.Name, spec.Field)
		}
		if len(spec.Children) == 0 {
			continue
		}
		if !prop.IsRelation() {
			return fmt.Errorf("%w: %s.%s has no relations to populate", ErrInvalidPropertyName, meta.Name, spec.Field)
		}
		targetMeta, ok := l.registry.Get(prop.Target)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
		}
		if err := l.validateSpecs(targetMeta, spec.Children); err != nil {
			return err
		}
	}
	return nil
}

// populateAll resolves a spec list against one parent set. Fields are
// independent of each other, so they run concurrently; mutation stays
// exclusive because work is partitioned by field, never by entity.
func (l *Loader) populateAll(ctx context.Context, meta *metadata.EntityMetadata, parents []*entity.Entity, specs []*Spec, opts Options) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			return l.populateField(ctx, meta, parents, spec, opts)
		})
	}
	return g.Wait()
}

// populateField resolves one field, then recurses into its children
// using the hydrated child instances as the new parent set.
//
// Distinct branches of the populate tree can converge on a shared
// instance (two to-one fields pointing at the same target), so before
// fetching, the parents are claimed per (entity, field). Claimed
// parents are resolved here; parents already claimed by a concurrent
// branch are waited on instead, then both branches recurse over the
// settled slots.
func (l *Loader) populateField(ctx context.Context, meta *metadata.EntityMetadata, parents []*entity.Entity, spec *Spec, opts Options) error {
	prop, ok := meta.Property(spec.Field)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrInvalidPropertyName, meta.Name, spec.Field)
	}

	owned, done, waits := l.claimParents(parents, spec.Field)
	if len(owned) > 0 {
		err := l.resolveField(ctx, meta, prop, owned, spec, opts)
		l.releaseParents(owned, spec.Field, done)
		if err != nil {
			return err
		}
	}
	for _, wait := range waits {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(spec.Children) == 0 || !prop.IsRelation() {
		return nil
	}

	children := collectChildren(parents, prop)
	if len(children) == 0 {
		return nil
	}

	targetMeta, ok := l.registry.Get(prop.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
	}

	childOpts := opts
	childOpts.SkipValidation = true
	childOpts.SkipEagerLookup = true
	childOpts.Where = childWhere(opts.Where, prop.Name)
	childOpts.Fields = narrowFields(opts.Fields, prop)
	childOpts.OrderBy = narrowOrderBy(opts.OrderBy, prop)

	return l.populateAll(ctx, targetMeta, children, spec.Children, childOpts)
}

// claimParents partitions a parent set by in-flight ownership of one
// field: parents claimed here are returned as owned, parents a
// concurrent branch already claimed contribute their completion
// channels instead. The shared done channel covers every owned claim.
func (l *Loader) claimParents(parents []*entity.Entity, field string) ([]*entity.Entity, chan struct{}, []chan struct{}) {
	done := make(chan struct{})
	var owned []*entity.Entity
	var waits []chan struct{}
	seen := make(map[chan struct{}]bool)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, parent := range parents {
		key := fieldClaim{owner: parent, field: field}
		if pending, ok := l.inFlight[key]; ok {
			if !seen[pending] {
				seen[pending] = true
				waits = append(waits, pending)
			}
			continue
		}
		l.inFlight[key] = done
		owned = append(owned, parent)
	}
	return owned, done, waits
}

// releaseParents drops the claims taken by claimParents and signals
// waiting branches. Closing the channel after the claims are removed
// gives waiters a happens-before edge on the resolved slots.
func (l *Loader) releaseParents(owned []*entity.Entity, field string, done chan struct{}) {
	l.mu.Lock()
	for _, parent := range owned {
		delete(l.inFlight, fieldClaim{owner: parent, field: field})
	}
	l.mu.Unlock()
	close(done)
}

// collectChildren flattens the concrete child instances hydrated onto a
// parent set: to-one references unwrapped, collections flattened,
// duplicates removed by reference identity.
func collectChildren(parents []*entity.Entity, prop *metadata.Property) []*entity.Entity {
	var children []*entity.Entity
	seen := make(map[*entity.Entity]bool)

	add := func(e *entity.Entity) {
		if e != nil && !seen[e] {
			seen[e] = true
			children = append(children, e)
		}
	}

	for _, parent := range parents {
		if prop.ToMany() {
			if col, ok := parent.Collection(prop.Name); ok {
				for _, item := range col.Items() {
					add(item)
				}
			}
			continue
		}
		if rel, ok := parent.Relation(prop.Name); ok {
			add(rel)
		}
	}

	return children
}

// childWhere narrows a caller condition to the sub-path under one field
func childWhere(where condition.Cond, field string) condition.Cond {
	sub, ok := condition.Sub(where, field)
	if !ok {
		return nil
	}
	switch c := sub.(type) {
	case condition.Cond:
		return c
	case map[string]interface{}:
		return condition.Cond(c)
	default:
		return nil
	}
}
