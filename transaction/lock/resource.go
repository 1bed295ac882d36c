package lock

import (
	"fmt"

	"mvtx/common"
)

// Resource identifies a lockable object: a whole table or one row slot.
// an empty Key means the table itself. the key is comparable so it can
// index the manager's lock table directly.
type Resource struct {
	Rel common.Relation
	Key string
}

// TableResource returns the lock resource for a whole table
func TableResource(rel common.Relation) Resource {
	return Resource{Rel: rel}
}

// RowResource returns the lock resource for one row
func RowResource(id common.RowID) Resource {
	return Resource{Rel: id.Rel, Key: id.Key}
}

func (r Resource) String() string {
	if r.Key == "" {
		return fmt.Sprintf("rel %d", r.Rel)
	}
	return fmt.Sprintf("rel %d key %q", r.Rel, r.Key)
}
