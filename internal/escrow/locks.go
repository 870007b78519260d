package escrow

import "sync"

// lockTable serializes mutation per order id. Distinct ids never contend;
// the table mutex only guards the map itself.
type lockTable struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uint64]*sync.Mutex)}
}

// acquire locks the mutex for an order id, creating it on first use, and
// returns it for the caller to unlock. Order locks are never removed: the
// ledger keeps terminal orders as an audit record, so the table is bounded
// by the number of orders ever created.
func (t *lockTable) acquire(orderID uint64) *sync.Mutex {
	t.mu.Lock()
	l, ok := t.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[orderID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l
}
