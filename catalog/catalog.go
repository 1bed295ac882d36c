/*
Catalog maps table names to relation ids.

Relations are the unit the lock manager and the predicate lock manager
key on, so every table must be defined here before use. Definitions are
process-lifetime: dropping tables is out of scope.
*/
package catalog

import (
	"sync"

	"github.com/pkg/errors"

	"mvtx/common"
)

// ErrNotDefined is returned when a table name has no relation
var ErrNotDefined = errors.New("table not defined in catalog")

// Catalog is the table-name to relation-id mapping
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]common.Relation
	byRel  map[common.Relation]string
	next   common.Relation
}

// New initializes an empty catalog
func New() *Catalog {
	return &Catalog{
		byName: make(map[string]common.Relation),
		byRel:  make(map[common.Relation]string),
		next:   common.FirstRelation,
	}
}

// Define allocates a relation id for the table name. defining the same
// name twice returns the existing id.
func (c *Catalog) Define(name string) common.Relation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rel, ok := c.byName[name]; ok {
		return rel
	}
	rel := c.next
	c.next++
	c.byName[name] = rel
	c.byRel[rel] = name
	return rel
}

// Lookup resolves a table name to its relation id
func (c *Catalog) Lookup(name string) (common.Relation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.byName[name]
	if !ok {
		return common.InvalidRelation, errors.Wrap(ErrNotDefined, name)
	}
	return rel, nil
}

// Name resolves a relation id back to its table name
func (c *Catalog) Name(rel common.Relation) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byRel[rel]
	return name, ok
}

// Relations returns every defined relation id
func (c *Catalog) Relations() []common.Relation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rels := make([]common.Relation, 0, len(c.byRel))
	for rel := range c.byRel {
		rels = append(rels, rel)
	}
	return rels
}
