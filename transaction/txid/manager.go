/*
Transaction id manager manages allocation of transaction ids.
MVCC needs a timestamp per transaction and the transaction id is used as
that timestamp: allocation order is start order.

The manager only hands out ids. Registering the new id as in-progress is
the snapshot manager's job, and the two steps have to happen atomically
with respect to snapshot capture; otherwise a snapshot taken in between
could classify a just-started transaction as already completed. The
snapshot manager therefore calls Allocate while holding its own mutex;
see snapshot.Manager.BeginTxID.
*/
package txid

import (
	"sync"
)

// Manager allocates transaction ids
type Manager struct {
	mu sync.Mutex
	// nextTxID is the transaction id which is alloted next time
	nextTxID TxID
}

// NewManager initializes transaction id manager
func NewManager() *Manager {
	return &Manager{
		nextTxID: FirstTxID,
	}
}

// Allocate returns the next transaction id and advances the counter.
// wraparound handling is advanceTxID's job; vacuum-driven freezing of
// old ids keeps the visible window well under the 2^31 comparison limit.
func (tm *Manager) Allocate() TxID {
	tm.mu.Lock()
	txID := tm.nextTxID
	tm.nextTxID = advanceTxID(tm.nextTxID)
	tm.mu.Unlock()
	return txID
}
