package snapshot

import "mvtx/transaction/txid"

// Snapshot is the fixed view of which transactions' effects are visible,
// captured at one point in time. It is immutable once captured.
type Snapshot struct {
	// the minimum transaction id which is in progress
	// every id below xmin is expected to be completed
	xmin txid.TxID

	// the max transaction id which is completed
	// every id above xmax is expected to be invisible
	xmax txid.TxID

	// the transaction ids which were in progress at capture time.
	// allocation of a new transaction id and insertion of the id into xip
	// have to be atomic: if they are not, a transaction could commit in
	// between and push xmax past an id that never made it into xip, and
	// that id would wrongly be considered completed afterwards.
	xip map[txid.TxID]struct{}
}

// newSnapshot initializes snapshot
func newSnapshot(xmin, xmax txid.TxID, xip map[txid.TxID]struct{}) *Snapshot {
	return &Snapshot{
		xmin: xmin,
		xmax: xmax,
		xip:  xip,
	}
}

// Xmin returns the snapshot's xmin
func (snap *Snapshot) Xmin() txid.TxID {
	return snap.xmin
}

// IsInProgress checks whether the transaction id is in progress from the
// perspective of this snapshot. an id past xmax had not even started (or
// not completed) at capture time, so it counts as in progress too.
func (snap *Snapshot) IsInProgress(id txid.TxID) bool {
	// if id < xmin, then id has been completed (committed/aborted)
	if snap.xmin.IsFollows(id) {
		return false
	}
	// if id > xmax, then id has not been completed from the snapshot's perspective
	if id.IsFollows(snap.xmax) {
		return true
	}
	// here, xmin <= id <= xmax
	_, ok := snap.xip[id]
	return ok
}
