package entity

import "sync"

// IdentityMap guarantees at most one live Entity instance per
// (entity type, primary key). It is process-scoped shared state; all
// access goes through the mutex so concurrent sibling-field fetches
// cannot create duplicate instances.
type IdentityMap struct {
	mu       sync.RWMutex
	entities map[string]map[string]*Entity
}

// NewIdentityMap creates an empty identity map
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{
		entities: make(map[string]map[string]*Entity),
	}
}

// Get returns the canonical instance for a key, if tracked
func (im *IdentityMap) Get(typeName, key string) (*Entity, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	byKey, ok := im.entities[typeName]
	if !ok {
		return nil, false
	}
	e, ok := byKey[key]
	return e, ok
}

// Store tracks an entity under its key, returning the canonical
// instance: if another instance already owns the key, that one wins.
func (im *IdentityMap) Store(typeName, key string, e *Entity) *Entity {
	im.mu.Lock()
	defer im.mu.Unlock()

	byKey, ok := im.entities[typeName]
	if !ok {
		byKey = make(map[string]*Entity)
		im.entities[typeName] = byKey
	}
	if existing, ok := byKey[key]; ok {
		return existing
	}
	byKey[key] = e
	e.managed = true
	return e
}

// Count returns the number of tracked instances of one type
func (im *IdentityMap) Count(typeName string) int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return len(im.entities[typeName])
}

// Clear drops all tracked instances
func (im *IdentityMap) Clear() {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.entities = make(map[string]map[string]*Entity)
}
