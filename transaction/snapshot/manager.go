/*
Snapshot manager implements snapshot isolation.

A snapshot stores which transactions were in progress when it was taken,
and with it a transaction decides whether a given tuple version is
visible or updatable.

About capture cadence per isolation level:
  - Read Committed: a snapshot is taken at the start of every statement.
  - Repeatable Read / Serializable: a snapshot is taken at the first
    data-touching statement and reused for the rest of the transaction.

The cadence itself is the transaction manager's business; this package
only captures and answers visibility questions.

About visibility: with the snapshot a transaction can tell whether the
inserting/deleting transaction of a version was in progress or already
completed at capture time. For a completed one the snapshot cannot tell
committed from aborted, so the status manager is consulted to finish the
decision.

About the horizon: the manager also tracks the snapshot held by every
in-progress transaction so vacuum can compute the oldest xmin any live
snapshot can still need. Versions deleted before the horizon are dead to
every present and future snapshot and can be reclaimed.
*/
package snapshot

import (
	"sync"

	"mvtx/transaction/txid"
	"mvtx/transaction/txstatus"
)

// Manager is snapshot manager
type Manager struct {
	// sm is consulted on visibility checks: for completed transactions
	// the commit status decides the outcome
	sm *txstatus.Manager

	// tm allocates transaction ids. allocation happens under mu so that
	// capture, completion and allocation are serialized against each other.
	tm *txid.Manager

	mu sync.Mutex
	// inProgressTxIDs is the live transaction set (xip source)
	inProgressTxIDs map[txid.TxID]struct{}
	// latestCompletedTxID is the max id that has finished (xmax source)
	latestCompletedTxID txid.TxID
	// inProgressTxSnapshots maps a live transaction to the snapshot it
	// holds, for the vacuum horizon
	inProgressTxSnapshots map[txid.TxID]*Snapshot
}

// NewManager initializes snapshot manager
func NewManager(tm *txid.Manager, sm *txstatus.Manager) *Manager {
	return &Manager{
		sm:                    sm,
		tm:                    tm,
		inProgressTxIDs:       make(map[txid.TxID]struct{}),
		inProgressTxSnapshots: make(map[txid.TxID]*Snapshot),
	}
}

// BeginTxID allocates a new transaction id and registers it as in
// progress in one step. the two must not be separated: a snapshot taken
// in between could miss the id in xip while a later completion pushes
// xmax past it, and the transaction would look completed while running.
func (m *Manager) BeginTxID() txid.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.tm.Allocate()
	m.inProgressTxIDs[id] = struct{}{}
	return id
}

// AddInProgressTxID registers an id as in progress. BeginTxID is the
// normal path; this exists for fixtures that need a specific live set.
func (m *Manager) AddInProgressTxID(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgressTxIDs[id] = struct{}{}
}

// CompleteTxID removes the id from the in-progress set and advances
// latestCompletedTxID. the caller must have recorded the commit/abort
// state in the status manager first, because from the moment this
// returns, new snapshots will consult the status manager about this id.
func (m *Manager) CompleteTxID(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgressTxIDs, id)
	if id.IsFollows(m.latestCompletedTxID) {
		m.latestCompletedTxID = id
	}
}

// getSnapshotInfo computes xmin/xmax from the live set.
// callers must hold mu.
func (m *Manager) getSnapshotInfo() (xmin, xmax txid.TxID) {
	xmax = m.latestCompletedTxID
	xmin = txid.InvalidTxID
	for id := range m.inProgressTxIDs {
		if xmin == txid.InvalidTxID || xmin.IsFollows(id) {
			xmin = id
		}
	}
	if xmin == txid.InvalidTxID {
		// nothing in progress: everything up to xmax is completed
		xmin = xmax.Next()
	}
	return xmin, xmax
}

// TakeSnapshot captures a snapshot of the current transaction state
func (m *Manager) TakeSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	xmin, xmax := m.getSnapshotInfo()
	xip := make(map[txid.TxID]struct{}, len(m.inProgressTxIDs))
	for id := range m.inProgressTxIDs {
		xip[id] = struct{}{}
	}
	return newSnapshot(xmin, xmax, xip)
}

// AddInProgressTxSnapshot records the snapshot a transaction holds so
// the vacuum horizon can account for it
func (m *Manager) AddInProgressTxSnapshot(id txid.TxID, snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgressTxSnapshots[id] = snap
}

// GetInProgressTxSnapshot returns the snapshot held by the transaction, if any
func (m *Manager) GetInProgressTxSnapshot(id txid.TxID) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.inProgressTxSnapshots[id]
	return snap, ok
}

// CompleteTxSnapshot drops the transaction's snapshot registration
func (m *Manager) CompleteTxSnapshot(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgressTxSnapshots, id)
}

// Horizon returns the oldest xmin any live snapshot or transaction can
// still need. a version deleted by a transaction that committed before
// the horizon is invisible to every present and future snapshot.
func (m *Manager) Horizon() txid.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon, _ := m.getSnapshotInfo()
	for _, snap := range m.inProgressTxSnapshots {
		if horizon.IsFollows(snap.xmin) {
			horizon = snap.xmin
		}
	}
	return horizon
}

// IsVisible decides whether a version stamped with (xmin, xmax) is
// visible from the snapshot for the transaction self.
//
// a version is visible iff its creator committed before the snapshot was
// captured (or is self), and it has not been deleted by a transaction
// that also committed before the capture (own deletions always count).
// no snapshot ever observes a version created by a transaction that was
// uncommitted at capture time, so dirty reads are impossible by
// construction.
func (m *Manager) IsVisible(xmin, xmax txid.TxID, snap *Snapshot, self txid.TxID) bool {
	if xmin.IsEqual(self) {
		// own insertion: visible unless this transaction deleted it again
		return !xmax.IsEqual(self)
	}
	if snap.IsInProgress(xmin) {
		// the creator had not committed when the snapshot was captured
		return false
	}
	if !m.sm.IsCommitted(xmin) {
		// creator completed before capture but aborted
		return false
	}
	// here the creator committed before the capture point
	if xmax == txid.InvalidTxID {
		return true
	}
	if xmax.IsEqual(self) {
		// deleted by this transaction itself
		return false
	}
	if snap.IsInProgress(xmax) {
		// the deleter had not committed at capture time
		return true
	}
	// deleter completed before capture: deleted iff it committed
	return !m.sm.IsCommitted(xmax)
}

// IsConcurrent reports whether the transaction other overlapped the
// lifetime of the snapshot holder: other had not committed when the
// snapshot was captured. two transactions are concurrent iff each one's
// snapshot still considered the other in progress.
func IsConcurrent(snap *Snapshot, other txid.TxID) bool {
	return snap.IsInProgress(other)
}
