package common

import "fmt"

// RowID identifies a logical row: the relation it belongs to plus the
// caller-supplied key within the relation. every version chain in the
// version store hangs off one RowID, and the row-grained lock resource
// is derived from it.
type RowID struct {
	Rel Relation
	Key string
}

// NewRowID initializes row id
func NewRowID(rel Relation, key string) RowID {
	return RowID{Rel: rel, Key: key}
}

func (r RowID) String() string {
	return fmt.Sprintf("rel %d key %q", r.Rel, r.Key)
}

// Less gives the total order used by the version store's btree index:
// relation first, then key. ordered storage keeps a relation's rows
// adjacent so range predicates can scan them later.
func (r RowID) Less(other RowID) bool {
	if r.Rel != other.Rel {
		return r.Rel < other.Rel
	}
	return r.Key < other.Key
}
