package lock

import (
	"time"

	"go.uber.org/zap"

	"mvtx/transaction/txid"
)

/*
Deadlock detection is a depth-first cycle search over the wait-for
graph, bounded by the number of blocked transactions. Eager mode runs it
on every block starting from the transaction that just blocked, trading
a per-block cost for better latency. Periodic mode sweeps every blocked
transaction on a cadence instead.

When a cycle is found exactly one participant is chosen as victim: the
one holding the fewest locks (least accumulated work), tie-broken by the
most recently started id. Every cycle member is blocked by definition,
so waking the victim's waiter with ErrDeadlock both breaks the cycle and
delivers the failure at the victim's suspension point.
*/

// detectLoop is the periodic detection goroutine
func (m *Manager) detectLoop(interval time.Duration) {
	defer close(m.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			for id := range m.waiting {
				if m.detectFrom(id) {
					// edges changed; restart the sweep next tick
					break
				}
			}
			m.mu.Unlock()
		}
	}
}

// detectFrom searches for a cycle reachable from start and breaks the
// first one found. returns whether a victim was chosen.
// callers must hold mu.
func (m *Manager) detectFrom(start txid.TxID) bool {
	visited := make(map[txid.TxID]bool)
	var stack []txid.TxID
	onStack := make(map[txid.TxID]int)

	var dfs func(id txid.TxID) []txid.TxID
	dfs = func(id txid.TxID) []txid.TxID {
		if pos, ok := onStack[id]; ok {
			// cycle: everything from pos to the top of the stack
			cycle := make([]txid.TxID, len(stack)-pos)
			copy(cycle, stack[pos:])
			return cycle
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = len(stack)
		stack = append(stack, id)
		for next := range m.waitFor[id] {
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
		return nil
	}

	cycle := dfs(start)
	if cycle == nil {
		return false
	}
	m.breakCycle(cycle)
	return true
}

// breakCycle picks the victim and wakes it with ErrDeadlock.
// callers must hold mu.
func (m *Manager) breakCycle(cycle []txid.TxID) {
	victim := cycle[0]
	for _, id := range cycle[1:] {
		if m.cheaper(id, victim) {
			victim = id
		}
	}
	w, ok := m.waiting[victim]
	if !ok {
		// the victim was granted or cancelled while we searched; the
		// cycle no longer exists
		return
	}
	m.deadlocks.Inc()
	m.logger.Info("breaking wait-for cycle",
		zap.Uint32("victim", uint32(victim)),
		zap.Int("cycle_len", len(cycle)))
	m.removeWaiterLocked(w)
	w.ch <- ErrDeadlock
}

// cheaper decides whether a is a cheaper victim than b: fewer locks
// held, tie-broken by the more recently started transaction.
// callers must hold mu.
func (m *Manager) cheaper(a, b txid.TxID) bool {
	la, lb := len(m.held[a]), len(m.held[b])
	if la != lb {
		return la < lb
	}
	return a.IsFollows(b)
}
