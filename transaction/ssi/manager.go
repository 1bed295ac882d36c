/*
Predicate lock manager implements the detection side of Serializable
Snapshot Isolation.

Every read by a serializable transaction is recorded as a SIREAD lock:
a non-blocking note of what was read, never a real lock. Every write is
checked against the SIREADs of concurrent transactions: reader T1 with a
predicate covering writer T2's row gets an rw-antidependency edge
T1 -> T2 ("T1 read something T2 overwrote"). The symmetric check runs at
read time against earlier writes of concurrent transactions, so edge
discovery does not depend on operation order.

At commit, the committing transaction is checked for the dangerous
structure: an incoming and an outgoing rw edge whose endpoints overlap
each other's lifetimes (or a 2-cycle). Such a pivot can produce results
impossible in any serial order (the anomaly snapshot isolation alone
lets through) and must abort with a serialization failure.

Edges and SIREADs of committed transactions survive until no concurrent
serializable transaction remains; aborted transactions drop out
immediately, their reads can no longer hurt anyone. When a transaction
exceeds its predicate budget its SIREADs are coarsened to whole-relation
granularity: more false-positive conflicts, never a missed one.
*/
package ssi

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"mvtx/common"
	"mvtx/transaction/snapshot"
	"mvtx/transaction/txid"
)

// ErrDangerousStructure means the committing transaction is the pivot of
// a dangerous rw-antidependency structure and must abort
var ErrDangerousStructure = errors.New("pivot in dangerous rw-antidependency structure")

type txnState int

const (
	stateActive txnState = iota
	stateCommitted
)

// txnRecord is the manager's view of one serializable transaction
type txnRecord struct {
	id    txid.TxID
	snap  *snapshot.Snapshot
	state txnState

	reads []Predicate
	// writes per relation; a plain set of keys is enough because writes
	// are always to concrete rows
	writes map[common.Relation]*btree.Set[string]

	// in holds ids x with edge x -> this (x read what this wrote)
	in map[txid.TxID]struct{}
	// out holds ids x with edge this -> x (this read what x wrote)
	out map[txid.TxID]struct{}

	coarsened bool
}

// readCost is the record's current weight against the predicate budget
func (r *txnRecord) readCost() int {
	cost := 0
	for _, p := range r.reads {
		cost += p.cost()
	}
	return cost
}

// overlapsReads checks whether any SIREAD of the record covers the row
func (r *txnRecord) overlapsReads(rel common.Relation, key string) bool {
	for _, p := range r.reads {
		if p.ContainsKey(rel, key) {
			return true
		}
	}
	return false
}

// overlapsWrites checks whether any write of the record falls under pred
func (r *txnRecord) overlapsWrites(pred Predicate) bool {
	for rel, keys := range r.writes {
		if rel != pred.Relation() {
			continue
		}
		found := false
		keys.Scan(func(k string) bool {
			if pred.ContainsKey(rel, k) {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// Manager is the predicate lock manager
type Manager struct {
	logger *zap.Logger
	// maxPredicates is the per-transaction SIREAD budget before coarsening
	maxPredicates int

	mu   sync.Mutex
	txns map[txid.TxID]*txnRecord

	coarsenings atomic.Int64
}

// NewManager initializes the predicate lock manager
func NewManager(maxPredicates int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:        logger,
		maxPredicates: maxPredicates,
		txns:          make(map[txid.TxID]*txnRecord),
	}
}

// Coarsenings returns how many transactions had their SIREADs coarsened
func (m *Manager) Coarsenings() int64 {
	return m.coarsenings.Load()
}

// Register enrolls a serializable transaction with its snapshot.
// transactions at weaker levels are never registered.
func (m *Manager) Register(id txid.TxID, snap *snapshot.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[id] = &txnRecord{
		id:     id,
		snap:   snap,
		writes: make(map[common.Relation]*btree.Set[string]),
		in:     make(map[txid.TxID]struct{}),
		out:    make(map[txid.TxID]struct{}),
	}
}

// concurrent checks whether the two transactions' lifetimes overlapped:
// neither had committed when the other captured its snapshot.
// callers must hold mu.
func concurrent(a, b *txnRecord) bool {
	return a.snap.IsInProgress(b.id) && b.snap.IsInProgress(a.id)
}

// addEdge records the rw-antidependency reader -> writer.
// callers must hold mu.
func (m *Manager) addEdge(reader, writer *txnRecord) {
	if reader.id == writer.id {
		return
	}
	reader.out[writer.id] = struct{}{}
	writer.in[reader.id] = struct{}{}
}

// RecordRead registers a SIREAD lock for the transaction and adds rw
// edges against concurrent transactions that already wrote rows the
// predicate covers. unknown (non-serializable) transactions are a no-op.
func (m *Manager) RecordRead(id txid.TxID, pred Predicate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txns[id]
	if !ok {
		return
	}
	if rec.coarsened {
		pred = WholeRelation(pred.Relation())
		for _, p := range rec.reads {
			if p.Overlaps(pred) {
				// the coarse predicate already covers the relation, and
				// its presence drives write-side edge discovery; nothing
				// new to record
				return
			}
		}
	}
	rec.reads = append(rec.reads, pred)
	if !rec.coarsened && rec.readCost() > m.maxPredicates {
		m.coarsen(rec)
	}

	// reader-side edge discovery: someone concurrent already wrote
	// under this predicate
	for _, other := range m.txns {
		if other.id == id || !concurrent(rec, other) {
			continue
		}
		if other.overlapsWrites(pred) {
			m.addEdge(rec, other)
		}
	}
}

// RecordWriteConflicts registers a write and adds rw edges from every
// concurrent transaction whose SIREADs cover the written row. the
// returned ids are the readers now depending on this writer.
func (m *Manager) RecordWriteConflicts(id txid.TxID, rel common.Relation, key string) []txid.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txns[id]
	if !ok {
		return nil
	}
	set, ok := rec.writes[rel]
	if !ok {
		set = &btree.Set[string]{}
		rec.writes[rel] = set
	}
	set.Insert(key)

	var conflicting []txid.TxID
	for _, other := range m.txns {
		if other.id == id || !concurrent(rec, other) {
			continue
		}
		if other.overlapsReads(rel, key) {
			m.addEdge(other, rec)
			conflicting = append(conflicting, other.id)
		}
	}
	return conflicting
}

// coarsen collapses the record's SIREADs into whole-relation predicates.
// callers must hold mu.
func (m *Manager) coarsen(rec *txnRecord) {
	rels := make(map[common.Relation]struct{})
	for _, p := range rec.reads {
		rels[p.Relation()] = struct{}{}
	}
	rec.reads = rec.reads[:0]
	for rel := range rels {
		rec.reads = append(rec.reads, WholeRelation(rel))
	}
	rec.coarsened = true
	m.coarsenings.Inc()
	m.logger.Debug("coarsened predicate locks",
		zap.Uint32("txn", uint32(rec.id)),
		zap.Int("relations", len(rec.reads)))
}

// CheckCommit runs the commit-time dangerous-structure check for the
// transaction. a transaction that is both read from and overwritten,
// with an in-edge and an out-edge whose far endpoints overlap each
// other's lifetimes (or are the same transaction), is a pivot and must
// abort.
func (m *Manager) CheckCommit(id txid.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txns[id]
	if !ok {
		return nil
	}
	for inID := range rec.in {
		for outID := range rec.out {
			if inID == outID {
				// T -> pivot -> T: a straight rw cycle
				return errors.Wrapf(ErrDangerousStructure, "txn %d between %d and %d", id, inID, outID)
			}
			inRec, okIn := m.txns[inID]
			outRec, okOut := m.txns[outID]
			if !okIn || !okOut {
				continue
			}
			if concurrent(inRec, outRec) {
				return errors.Wrapf(ErrDangerousStructure, "txn %d between %d and %d", id, inID, outID)
			}
		}
	}
	return nil
}

// Commit marks the transaction committed. its SIREADs and edges survive
// until no concurrent serializable transaction remains; Sweep reclaims
// them.
func (m *Manager) Commit(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.txns[id]; ok {
		rec.state = stateCommitted
	}
	m.sweep()
}

// Abort drops the transaction immediately: rolled-back reads and writes
// can no longer participate in any anomaly.
func (m *Manager) Abort(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txns[id]
	if !ok {
		return
	}
	m.drop(rec)
}

// drop removes a record and both sides of all its edges.
// callers must hold mu.
func (m *Manager) drop(rec *txnRecord) {
	for inID := range rec.in {
		if other, ok := m.txns[inID]; ok {
			delete(other.out, rec.id)
		}
	}
	for outID := range rec.out {
		if other, ok := m.txns[outID]; ok {
			delete(other.in, rec.id)
		}
	}
	delete(m.txns, rec.id)
}

// sweep reclaims committed records no active transaction overlaps
// anymore. callers must hold mu.
func (m *Manager) sweep() {
	var dead []*txnRecord
	for _, rec := range m.txns {
		if rec.state != stateCommitted {
			continue
		}
		needed := false
		for _, other := range m.txns {
			if other.state == stateActive && concurrent(rec, other) {
				needed = true
				break
			}
		}
		if !needed {
			dead = append(dead, rec)
		}
	}
	for _, rec := range dead {
		m.drop(rec)
	}
}

// Registered reports whether the transaction is enrolled (serializable)
func (m *Manager) Registered(id txid.TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txns[id]
	return ok
}
