package entity

import "sync"

// Collection is an ordered container for a to-many relation slot with
// an explicit initialized/uninitialized state and an owning entity
// back-reference. Population flips it to initialized exactly once per
// pass; a refresh replaces the contents instead of appending. Sibling
// populate fields run concurrently and may touch the same collection,
// so access is synchronized internally.
type Collection struct {
	mu          sync.RWMutex
	owner       *Entity
	prop        string
	items       []*Entity
	initialized bool
}

// NewCollection creates an uninitialized collection owned by the given
// entity's relation slot
func NewCollection(owner *Entity, prop string) *Collection {
	return &Collection{owner: owner, prop: prop}
}

// Owner returns the entity this collection belongs to
func (c *Collection) Owner() *Entity {
	return c.owner
}

// Property returns the relation field name on the owner
func (c *Collection) Property() string {
	return c.prop
}

// IsInitialized reports whether the collection has been loaded
func (c *Collection) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Items returns the contained entities in order
func (c *Collection) Items() []*Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items
}

// Len returns the number of contained entities
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Add appends entities, skipping ones already contained
func (c *Collection) Add(items ...*Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		if !c.contains(item) {
			c.items = append(c.items, item)
		}
	}
}

// Set replaces the contents in the given order and marks the collection
// initialized
func (c *Collection) Set(items []*Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items[:0:0], items...)
	c.initialized = true
}

// MarkInitialized flags the collection as loaded without changing contents
func (c *Collection) MarkInitialized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
}

// Reset returns the collection to its uninitialized, empty state
func (c *Collection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.initialized = false
}

// Contains reports reference membership
func (c *Collection) Contains(item *Entity) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contains(item)
}

func (c *Collection) contains(item *Entity) bool {
	for _, existing := range c.items {
		if existing == item {
			return true
		}
	}
	return false
}
