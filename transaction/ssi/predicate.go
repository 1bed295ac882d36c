/*
Predicates describe what a serializable transaction could have read.

A predicate is a tagged variant (a key set, a key range, or a whole
relation) with an explicit overlap test per variant pair. The variant
representation is what makes coarsening possible without touching the
conflict-detection algorithm: a key-set predicate can degrade to a
whole-relation one and every overlap answer stays a superset of the
precise one (false positives, never false negatives).
*/
package ssi

import (
	"github.com/tidwall/btree"

	"mvtx/common"
)

// Kind discriminates the predicate variants
type Kind int

const (
	// KindKeys is an explicit set of row keys
	KindKeys Kind = iota
	// KindRange is an inclusive key range [lo, hi]
	KindRange
	// KindRelation covers every row of the relation
	KindRelation
)

// Predicate is a could-have-read description registered as a SIREAD lock
type Predicate struct {
	kind Kind
	rel  common.Relation
	keys *btree.Set[string]
	lo   string
	hi   string
}

// Keys builds a key-set predicate
func Keys(rel common.Relation, keys ...string) Predicate {
	set := &btree.Set[string]{}
	for _, k := range keys {
		set.Insert(k)
	}
	return Predicate{kind: KindKeys, rel: rel, keys: set}
}

// KeyRange builds an inclusive range predicate [lo, hi]
func KeyRange(rel common.Relation, lo, hi string) Predicate {
	return Predicate{kind: KindRange, rel: rel, lo: lo, hi: hi}
}

// WholeRelation builds a predicate covering the entire relation
func WholeRelation(rel common.Relation) Predicate {
	return Predicate{kind: KindRelation, rel: rel}
}

// Kind returns the variant tag
func (p Predicate) Kind() Kind {
	return p.kind
}

// Relation returns the relation the predicate covers
func (p Predicate) Relation() common.Relation {
	return p.rel
}

// cost is the predicate's weight against the per-transaction budget
func (p Predicate) cost() int {
	if p.kind == KindKeys {
		return p.keys.Len()
	}
	return 1
}

// ContainsKey checks whether the predicate covers one concrete row key
func (p Predicate) ContainsKey(rel common.Relation, key string) bool {
	if p.rel != rel {
		return false
	}
	switch p.kind {
	case KindKeys:
		return p.keys.Contains(key)
	case KindRange:
		return p.lo <= key && key <= p.hi
	default:
		return true
	}
}

// Overlaps checks whether two predicates can cover a common row
func (p Predicate) Overlaps(q Predicate) bool {
	if p.rel != q.rel {
		return false
	}
	// a whole-relation predicate overlaps anything in the relation
	if p.kind == KindRelation || q.kind == KindRelation {
		return true
	}
	if p.kind == KindRange && q.kind == KindRange {
		return p.lo <= q.hi && q.lo <= p.hi
	}
	if p.kind == KindKeys && q.kind == KindKeys {
		// iterate the smaller set, look up in the bigger
		small, big := p.keys, q.keys
		if small.Len() > big.Len() {
			small, big = big, small
		}
		found := false
		small.Scan(func(k string) bool {
			if big.Contains(k) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	// one keys, one range
	keys, rng := p, q
	if p.kind == KindRange {
		keys, rng = q, p
	}
	found := false
	keys.keys.Ascend(rng.lo, func(k string) bool {
		if k <= rng.hi {
			found = true
		}
		return false
	})
	return found
}
