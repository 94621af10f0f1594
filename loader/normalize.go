package loader

import (
	"fmt"
	"strings"

	"github.com/marrow-orm/marrow/metadata"
)

// Normalize expands a populate request into a canonical nested spec
// tree. Accepted requests: bool ("everything" / nothing), a string or
// []string of dotted paths, a *Spec or []*Spec tree. Duplicate branches
// are merged, an "*" segment expands to every relation of its type
// under the select-in strategy, and (unless disabled) eager-configured
// relations are injected recursively with per-path cycle protection.
func Normalize(registry *metadata.Registry, entityName string, populate interface{}, defaultStrategy metadata.Strategy, lookupEager bool) ([]*Spec, error) {
	meta, ok := registry.Get(entityName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityName)
	}

	specs, err := toSpecs(registry, meta, populate, defaultStrategy)
	if err != nil {
		return nil, err
	}

	if lookupEager {
		specs = lookupEagerRelations(registry, meta, specs, defaultStrategy, map[string]bool{})
	}

	return mergeSpecs(specs), nil
}

// toSpecs converts the raw request into an unmerged spec list
func toSpecs(registry *metadata.Registry, meta *metadata.EntityMetadata, populate interface{}, defaultStrategy metadata.Strategy) ([]*Spec, error) {
	switch req := populate.(type) {
	case nil:
		return nil, nil

	case bool:
		if !req {
			return nil, nil
		}
		return expandAll(meta), nil

	case string:
		return expandPath(registry, meta, req, defaultStrategy)

	case []string:
		var specs []*Spec
		for _, path := range req {
			expanded, err := expandPath(registry, meta, path, defaultStrategy)
			if err != nil {
				return nil, err
			}
			specs = append(specs, expanded...)
		}
		return specs, nil

	case *Spec:
		return expandSpec(registry, meta, req, defaultStrategy)

	case []*Spec:
		var specs []*Spec
		for _, spec := range req {
			expanded, err := expandSpec(registry, meta, spec, defaultStrategy)
			if err != nil {
				return nil, err
			}
			specs = append(specs, expanded...)
		}
		return specs, nil

	default:
		return nil, fmt.Errorf("unsupported populate request type %T", populate)
	}
}

// expandAll replaces an "everything" request with one spec per declared
// relation. The select-in strategy is forced so cyclic or
// self-referencing schemas cannot produce unbounded join depth.
func expandAll(meta *metadata.EntityMetadata) []*Spec {
	var specs []*Spec
	for _, prop := range meta.Relations() {
		specs = append(specs, &Spec{
			Field:    prop.Name,
			Strategy: metadata.StrategySelectIn,
			All:      true,
		})
	}
	return specs
}

// expandPath rewrites a dotted path ("a.b.c") into nested children by
// resolving the head segment's target type and recursing into the rest
func expandPath(registry *metadata.Registry, meta *metadata.EntityMetadata, path string, defaultStrategy metadata.Strategy) ([]*Spec, error) {
	head, rest, nested := strings.Cut(path, ".")

	if head == AllFields {
		// A tail after the wildcard has nothing to bind to; the
		// wildcard wins
		return expandAll(meta), nil
	}

	spec := &Spec{Field: head, Strategy: defaultStrategy}
	if !nested {
		return []*Spec{spec}, nil
	}

	prop, ok := meta.Property(head)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrInvalidPropertyName, meta.Name, head)
	}
	if !prop.IsRelation() {
		return nil, fmt.Errorf("%w: %s.%s is not a relation but has nested path %q",
			ErrInvalidPropertyName, meta.Name, head, rest)
	}
	target, ok := registry.Get(prop.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
	}

	children, err := expandPath(registry, target, rest, defaultStrategy)
	if err != nil {
		return nil, err
	}
	spec.Children = children
	return []*Spec{spec}, nil
}

// expandSpec normalizes one caller-supplied spec node, expanding
// wildcard fields and dotted fields and recursing into children
func expandSpec(registry *metadata.Registry, meta *metadata.EntityMetadata, spec *Spec, defaultStrategy metadata.Strategy) ([]*Spec, error) {
	if spec.Field == AllFields || (spec.All && spec.Field == "") {
		return expandAll(meta), nil
	}

	if strings.Contains(spec.Field, ".") {
		expanded, err := expandPath(registry, meta, spec.Field, strategyOr(spec.Strategy, defaultStrategy))
		if err != nil {
			return nil, err
		}
		// Caller children belong at the leaf of the dotted path
		if len(spec.Children) > 0 {
			for _, top := range expanded {
				leaf := top
				for len(leaf.Children) > 0 {
					leaf = leaf.Children[0]
				}
				leafMeta, err := targetMeta(registry, meta, top, leaf)
				if err != nil {
					return nil, err
				}
				children, err := toSpecs(registry, leafMeta, spec.Children, defaultStrategy)
				if err != nil {
					return nil, err
				}
				leaf.Children = append(leaf.Children, children...)
			}
		}
		return expanded, nil
	}

	out := &Spec{
		Field:    spec.Field,
		Strategy: strategyOr(spec.Strategy, defaultStrategy),
		All:      spec.All,
	}

	if len(spec.Children) > 0 || spec.All {
		prop, ok := meta.Property(spec.Field)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrInvalidPropertyName, meta.Name, spec.Field)
		}
		if prop.IsRelation() {
			target, ok := registry.Get(prop.Target)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
			}
			if spec.All {
				out.Children = expandAll(target)
				out.Strategy = metadata.StrategySelectIn
			}
			children, err := toSpecs(registry, target, spec.Children, defaultStrategy)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, children...)
		}
	}

	return []*Spec{out}, nil
}

// targetMeta walks from the top of a dotted expansion to the leaf's
// entity type
func targetMeta(registry *metadata.Registry, meta *metadata.EntityMetadata, top, leaf *Spec) (*metadata.EntityMetadata, error) {
	current := meta
	node := top
	for {
		prop, ok := current.Property(node.Field)
		if !ok || !prop.IsRelation() {
			return nil, fmt.Errorf("%w: %s.%s", ErrInvalidPropertyName, current.Name, node.Field)
		}
		next, ok := registry.Get(prop.Target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, prop.Target)
		}
		current = next
		if node == leaf || len(node.Children) == 0 {
			return current, nil
		}
		node = node.Children[0]
	}
}

// lookupEagerRelations injects relations whose metadata marks them
// eager, recursively, merging with caller-specified branches. The
// visited set tracks entity type names on the current path: a type
// already being expanded is taken as present, which bounds recursion on
// self-referencing and cyclic schemas.
func lookupEagerRelations(registry *metadata.Registry, meta *metadata.EntityMetadata, specs []*Spec, defaultStrategy metadata.Strategy, visited map[string]bool) []*Spec {
	if visited[meta.Name] {
		return specs
	}
	visited[meta.Name] = true
	defer delete(visited, meta.Name)

	for _, prop := range meta.Relations() {
		if !prop.Eager {
			continue
		}
		if findSpec(specs, prop.Name) == nil {
			specs = append(specs, &Spec{
				Field:    prop.Name,
				Strategy: strategyOr(prop.Strategy, defaultStrategy),
			})
		}
	}

	for _, spec := range specs {
		prop, ok := meta.Property(spec.Field)
		if !ok || !prop.IsRelation() {
			continue
		}
		target, ok := registry.Get(prop.Target)
		if !ok {
			continue
		}
		spec.Children = lookupEagerRelations(registry, target, spec.Children, defaultStrategy, visited)
	}

	return specs
}

// mergeSpecs combines specs sharing a field into one node whose
// children are the recursively merged union of all sources' children
func mergeSpecs(specs []*Spec) []*Spec {
	var order []string
	byField := make(map[string]*Spec)

	for _, spec := range specs {
		existing, ok := byField[spec.Field]
		if !ok {
			merged := &Spec{
				Field:    spec.Field,
				Strategy: spec.Strategy,
				All:      spec.All,
				Children: spec.Children,
			}
			byField[spec.Field] = merged
			order = append(order, spec.Field)
			continue
		}
		existing.All = existing.All || spec.All
		if existing.Strategy == metadata.StrategyUnspecified {
			existing.Strategy = spec.Strategy
		}
		existing.Children = append(existing.Children, spec.Children...)
	}

	result := make([]*Spec, 0, len(order))
	for _, field := range order {
		spec := byField[field]
		spec.Children = mergeSpecs(spec.Children)
		result = append(result, spec)
	}
	return result
}

// findSpec returns the sibling spec for a field, if present
func findSpec(specs []*Spec, field string) *Spec {
	for _, spec := range specs {
		if spec.Field == field {
			return spec
		}
	}
	return nil
}

// strategyOr returns the first specified strategy
func strategyOr(strategies ...metadata.Strategy) metadata.Strategy {
	for _, s := range strategies {
		if s != metadata.StrategyUnspecified {
			return s
		}
	}
	return metadata.StrategySelectIn
}
