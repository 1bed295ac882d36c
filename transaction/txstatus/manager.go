/*
Status manager tracks the commit state of every transaction.

The reason the state is necessary is visibility: a snapshot can tell
whether a transaction was still running at capture time, but for a
completed transaction the tuple header alone cannot tell committed from
aborted. Every visibility check therefore ends in a status lookup here.

The state transitions recorded here are one-way: in progress ->
committed, or in progress -> aborted. Setting a terminal state twice
with the same value is a no-op; flipping between terminal states is a
programming error and is reported as such.
*/
package txstatus

import (
	"sync"

	"github.com/pkg/errors"

	"mvtx/transaction/txid"
)

// Manager is the in-memory commit-status log
type Manager struct {
	mu    sync.RWMutex
	pages map[pageID][]byte
}

// NewManager initializes status manager
func NewManager() *Manager {
	return &Manager{
		pages: make(map[pageID][]byte),
	}
}

// page returns the slab for the id, allocating it zeroed on first touch.
// callers must hold mu.
func (m *Manager) page(id pageID) []byte {
	p, ok := m.pages[id]
	if !ok {
		p = make([]byte, pageSize)
		m.pages[id] = p
	}
	return p
}

// Get returns the recorded state of the transaction
func (m *Manager) Get(id txid.TxID) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[getPageIDFromTxID(uint32(id))]
	if !ok {
		return StateInProgress
	}
	return getState(p[getByteOffsetFromTxID(uint32(id))], uint32(id))
}

// IsCommitted checks whether the transaction has been committed
func (m *Manager) IsCommitted(id txid.TxID) bool {
	// frozen ids were committed long ago and then frozen by vacuum
	if id == txid.FrozenTxID {
		return true
	}
	return m.Get(id) == StateCommitted
}

// IsAborted checks whether the transaction has been aborted
func (m *Manager) IsAborted(id txid.TxID) bool {
	return m.Get(id) == StateAborted
}

// SetStateCommitted records the transaction as committed
func (m *Manager) SetStateCommitted(id txid.TxID) error {
	return m.set(id, StateCommitted)
}

// SetStateAborted records the transaction as aborted
func (m *Manager) SetStateAborted(id txid.TxID) error {
	return m.set(id, StateAborted)
}

func (m *Manager) set(id txid.TxID, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.page(getPageIDFromTxID(uint32(id)))
	off := getByteOffsetFromTxID(uint32(id))
	cur := getState(p[off], uint32(id))
	if cur == st {
		// idempotent: commit/abort paths may record twice
		return nil
	}
	if cur != StateInProgress {
		return errors.Errorf("transaction %d already completed with state %d", id, cur)
	}
	p[off] = getUpdatedState(p[off], uint32(id), st)
	return nil
}
