package common

// oid is object id
// this is used as the identifier of every lockable/catalogued object
type oid uint32

// Relation is table oid
// table information is stored in the catalog and the oid is uniquely
// allocated to each table when created. the engine only ever uses it as
// an opaque lock-resource and version-store key component.
type Relation oid

// InvalidRelation is the zero relation, never allocated by the catalog
const InvalidRelation Relation = 0

// FirstRelation is the first relation id allocated by the catalog
const FirstRelation Relation = 1
