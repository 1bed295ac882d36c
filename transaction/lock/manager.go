/*
Lock manager grants and queues table and row locks.

Requests that conflict with a current holder (or with an earlier queued
waiter, to keep the queue FIFO and strong-mode waiters from starving)
wait on a channel until a release promotes them. Every block extends the
wait-for graph; cycle detection runs either eagerly on each block (the
default) or on a periodic cadence, and breaks cycles by waking one
victim with ErrDeadlock.

A transaction waits for at most one resource at a time, which keeps the
wait-for edge bookkeeping simple: all of a blocked transaction's
outgoing edges come from the single resource it waits on.

ReleaseAll is the unconditional end-of-transaction path: it is
idempotent, removes the transaction both as holder and as waiter, and is
safe to call from another goroutine while the transaction is blocked
(the blocked Acquire returns ErrWaitCancelled).
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"mvtx/transaction/txid"
)

var (
	// ErrDeadlock means the transaction was chosen as the victim that
	// breaks a wait-for cycle
	ErrDeadlock = errors.New("deadlock detected; transaction chosen as victim")
	// ErrLockTimeout means the bounded wait expired without a grant
	ErrLockTimeout = errors.New("lock wait timeout exceeded")
	// ErrWaitCancelled means the wait was abandoned because the
	// transaction was aborted (or its context cancelled) while blocked
	ErrWaitCancelled = errors.New("lock wait cancelled")
)

// waiter is one queued request
type waiter struct {
	txID txid.TxID
	mode Mode
	res  Resource
	// ch receives nil on grant or a terminal error. buffered so wakers
	// never block.
	ch chan error
	// granted is set by the waker under the manager mutex; the timeout
	// path re-checks it to not drop a grant that raced the timer
	granted bool
}

// lockState is the per-resource lock: current holders plus FIFO queue
type lockState struct {
	holders map[txid.TxID]Mode
	queue   []*waiter
}

// Manager is the lock manager
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	locks map[Resource]*lockState
	// held tracks every lock a transaction holds, for ReleaseAll and
	// for the deadlock victim policy (lock count approximates work done)
	held map[txid.TxID]map[Resource]Mode
	// waitFor is the wait-for graph: blocked txn -> the txns it waits on
	waitFor map[txid.TxID]map[txid.TxID]struct{}
	// waiting maps a blocked txn to its single outstanding waiter
	waiting map[txid.TxID]*waiter

	deadlocks atomic.Int64
	timeouts  atomic.Int64

	// periodic detection; nil channels when detection is eager
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager initializes the lock manager. timeout bounds every lock
// wait. detectInterval zero selects eager deadlock detection on each
// block; a positive interval starts a periodic sweep instead.
func NewManager(timeout, detectInterval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:  logger,
		timeout: timeout,
		locks:   make(map[Resource]*lockState),
		held:    make(map[txid.TxID]map[Resource]Mode),
		waitFor: make(map[txid.TxID]map[txid.TxID]struct{}),
		waiting: make(map[txid.TxID]*waiter),
	}
	if detectInterval > 0 {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.detectLoop(detectInterval)
	}
	return m
}

// Close stops the periodic detector, if one is running
func (m *Manager) Close() {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
	}
}

// DeadlocksBroken returns the number of wait-for cycles broken so far
func (m *Manager) DeadlocksBroken() int64 {
	return m.deadlocks.Load()
}

// Timeouts returns the number of lock waits abandoned on timeout
func (m *Manager) Timeouts() int64 {
	return m.timeouts.Load()
}

// HeldCount returns how many locks the transaction currently holds
func (m *Manager) HeldCount(id txid.TxID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held[id])
}

// Acquire requests the resource in the given mode for txID, blocking
// until granted, timed out, cancelled, or chosen as a deadlock victim.
// re-acquiring an already-held equal or weaker mode is a no-op.
func (m *Manager) Acquire(ctx context.Context, id txid.TxID, res Resource, mode Mode) error {
	m.mu.Lock()

	if cur, ok := m.held[id][res]; ok && cur >= mode {
		m.mu.Unlock()
		return nil
	}

	ls := m.lockState(res)
	if m.canGrant(ls, id, mode) {
		m.grant(ls, id, res, mode)
		m.mu.Unlock()
		return nil
	}

	w := &waiter{
		txID: id,
		mode: mode,
		res:  res,
		ch:   make(chan error, 1),
	}
	ls.queue = append(ls.queue, w)
	m.waiting[id] = w
	m.rebuildEdges(ls)

	if m.stopCh == nil {
		// eager detection: search from the transaction that just blocked
		m.detectFrom(id)
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-w.ch:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		if woken, ok := m.abandonWait(w); ok {
			if woken != nil {
				return woken
			}
			return errors.Wrap(ErrWaitCancelled, ctx.Err().Error())
		}
		// the grant raced the cancellation; keep the lock, the abort
		// path will release it
		return nil
	case <-timer.C:
		if woken, ok := m.abandonWait(w); ok {
			if woken != nil {
				return woken
			}
			m.timeouts.Inc()
			return errors.Wrapf(ErrLockTimeout, "resource %s mode %s", res, mode)
		}
		return nil
	}
}

// abandonWait removes the waiter from its queue, keeping FIFO order for
// the rest. ok is false when the waiter was granted before the removal
// could happen. woken carries a terminal error (deadlock victim, cancel)
// that raced the caller's own reason for abandoning; when non-nil it
// takes precedence.
func (m *Manager) abandonWait(w *waiter) (woken error, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.granted {
		return nil, false
	}
	select {
	case err := <-w.ch:
		return err, true
	default:
	}
	m.removeWaiterLocked(w)
	return nil, true
}

// Release releases one resource held by the transaction and promotes
// waiters. unknown resources are ignored.
func (m *Manager) Release(id txid.TxID, res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(id, res)
}

// ReleaseAll releases everything the transaction holds and cancels any
// wait it has outstanding. idempotent; invoked unconditionally at
// transaction end.
func (m *Manager) ReleaseAll(id txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.waiting[id]; ok {
		m.removeWaiterLocked(w)
		w.ch <- ErrWaitCancelled
	}
	for res := range m.held[id] {
		m.releaseLocked(id, res)
	}
	delete(m.held, id)
	delete(m.waitFor, id)
}

// lockState returns the per-resource state, creating it on first request.
// callers must hold mu.
func (m *Manager) lockState(res Resource) *lockState {
	ls, ok := m.locks[res]
	if !ok {
		ls = &lockState{holders: make(map[txid.TxID]Mode)}
		m.locks[res] = ls
	}
	return ls
}

// canGrant checks the request against current holders and the queue:
// no conflicting holder other than the requester itself, and no queued
// waiter whose mode conflicts (FIFO fairness: the newcomer must not
// overtake a blocked conflicting request). callers must hold mu.
func (m *Manager) canGrant(ls *lockState, id txid.TxID, mode Mode) bool {
	for holder, held := range ls.holders {
		if holder == id {
			continue
		}
		if mode.ConflictsWith(held) {
			return false
		}
	}
	for _, w := range ls.queue {
		if w.txID != id && mode.ConflictsWith(w.mode) {
			return false
		}
	}
	return true
}

// grant records the lock. callers must hold mu.
func (m *Manager) grant(ls *lockState, id txid.TxID, res Resource, mode Mode) {
	if cur, ok := ls.holders[id]; ok {
		mode = stronger(cur, mode)
	}
	ls.holders[id] = mode
	if m.held[id] == nil {
		m.held[id] = make(map[Resource]Mode)
	}
	m.held[id][res] = mode
}

// releaseLocked removes one holding and promotes waiters.
// callers must hold mu.
func (m *Manager) releaseLocked(id txid.TxID, res Resource) {
	ls, ok := m.locks[res]
	if !ok {
		return
	}
	delete(ls.holders, id)
	if h, ok := m.held[id]; ok {
		delete(h, res)
		if len(h) == 0 {
			delete(m.held, id)
		}
	}
	m.promote(ls, res)
	if len(ls.holders) == 0 && len(ls.queue) == 0 {
		// last holder/waiter gone: drop the lock entirely
		delete(m.locks, res)
	}
}

// promote grants queued waiters from the head while they are compatible,
// stopping at the first that is not (strict FIFO). callers must hold mu.
func (m *Manager) promote(ls *lockState, res Resource) {
	for len(ls.queue) > 0 {
		w := ls.queue[0]
		if !m.canGrantHolders(ls, w.txID, w.mode) {
			break
		}
		ls.queue = ls.queue[1:]
		m.grant(ls, w.txID, res, w.mode)
		delete(m.waiting, w.txID)
		delete(m.waitFor, w.txID)
		w.granted = true
		w.ch <- nil
	}
	m.rebuildEdges(ls)
}

// canGrantHolders is canGrant without the queue check, for promoting the
// queue head. callers must hold mu.
func (m *Manager) canGrantHolders(ls *lockState, id txid.TxID, mode Mode) bool {
	for holder, held := range ls.holders {
		if holder == id {
			continue
		}
		if mode.ConflictsWith(held) {
			return false
		}
	}
	return true
}

// removeWaiterLocked takes the waiter out of its queue and the graph,
// preserving order for the remaining waiters, then re-promotes: the
// departed waiter may have been the only thing blocking those behind it.
// callers must hold mu.
func (m *Manager) removeWaiterLocked(w *waiter) {
	ls, ok := m.locks[w.res]
	if !ok {
		return
	}
	for i, queued := range ls.queue {
		if queued == w {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			break
		}
	}
	delete(m.waiting, w.txID)
	delete(m.waitFor, w.txID)
	m.promote(ls, w.res)
	if len(ls.holders) == 0 && len(ls.queue) == 0 {
		delete(m.locks, w.res)
	}
}

// rebuildEdges recomputes the wait-for edges of every waiter queued on
// this lock: a waiter waits on every conflicting holder and on every
// conflicting waiter ahead of it. since a transaction waits on one
// resource at most, replacing its edge set wholesale is correct.
// callers must hold mu.
func (m *Manager) rebuildEdges(ls *lockState) {
	for i, w := range ls.queue {
		edges := make(map[txid.TxID]struct{})
		for holder, held := range ls.holders {
			if holder != w.txID && w.mode.ConflictsWith(held) {
				edges[holder] = struct{}{}
			}
		}
		for _, ahead := range ls.queue[:i] {
			if ahead.txID != w.txID && w.mode.ConflictsWith(ahead.mode) {
				edges[ahead.txID] = struct{}{}
			}
		}
		m.waitFor[w.txID] = edges
	}
}
