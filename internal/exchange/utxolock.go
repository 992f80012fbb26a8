package exchange

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// ErrUtxoLocked is returned when any output in a batch is already pledged
// to a different in-flight order.
var ErrUtxoLocked = errors.New("utxo already locked")

// UtxoLockTable tracks which outputs are pledged to which in-flight order.
// An output belongs to at most one order at a time; batch locking is
// all-or-nothing.
type UtxoLockTable struct {
	mu      sync.Mutex
	locked  map[wallet.Outpoint]chainhash.Hash
	byOrder map[chainhash.Hash][]wallet.Outpoint
}

// NewUtxoLockTable creates an empty lock table.
func NewUtxoLockTable() *UtxoLockTable {
	return &UtxoLockTable{
		locked:  make(map[wallet.Outpoint]chainhash.Hash),
		byOrder: make(map[chainhash.Hash][]wallet.Outpoint),
	}
}

// Lock pledges items to order id. If any item is held by another order the
// whole batch fails and nothing is locked. Items already held by the same
// id are tolerated, so the second leg of a joined order can add its outputs
// under the shared id.
func (t *UtxoLockTable) Lock(id chainhash.Hash, items []wallet.UtxoEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, item := range items {
		if owner, ok := t.locked[item.Outpoint()]; ok && owner != id {
			return ErrUtxoLocked
		}
	}

	for _, item := range items {
		op := item.Outpoint()
		if _, ok := t.locked[op]; ok {
			continue
		}
		t.locked[op] = id
		t.byOrder[id] = append(t.byOrder[id], op)
	}
	return nil
}

// Unlock releases every output pledged to id. Safe to call for an id with
// no locks.
func (t *UtxoLockTable) Unlock(id chainhash.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, op := range t.byOrder[id] {
		delete(t.locked, op)
	}
	delete(t.byOrder, id)
}

// IsLocked reports whether the output is pledged to any order.
func (t *UtxoLockTable) IsLocked(op wallet.Outpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locked[op]
	return ok
}

// Owner returns the order holding the output, if any.
func (t *UtxoLockTable) Owner(op wallet.Outpoint) (chainhash.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.locked[op]
	return id, ok
}

// Count returns the number of locked outputs.
func (t *UtxoLockTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locked)
}
