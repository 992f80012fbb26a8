// Package exchange implements the hub-side order book: matching maker and
// taker legs into joined orders, pledging their utxos, and sweeping what
// expires.
package exchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
	"github.com/crosshub-exchange/crosshub/pkg/logging"
)

// Matching and validation errors.
var (
	ErrNoWallet    = errors.New("no connected wallet for currency")
	ErrDust        = errors.New("amount below dust threshold")
	ErrBadUtxo     = errors.New("utxo failed validity check")
	ErrNotFound    = errors.New("order not found")
	ErrExpired     = errors.New("order expired")
	ErrNotJoinable = errors.New("order legs do not match")
	ErrThrottled   = errors.New("order update throttled")
)

// WalletParam is what the hub needs to know about a connected currency.
// The hub never talks to the chain itself; it only validates terms.
type WalletParam struct {
	Symbol        string
	DustThreshold uint64
}

// CoinValidator is the external coin-validity check applied to pledged
// utxos before they may be locked.
type CoinValidator func(txid chainhash.Hash) bool

// historicLimit bounds the terminal-order set retained for listings.
const historicLimit = 1024

// Exchange is the hub order matcher. It owns the pending (un-joined) and
// active (joined) order sets and the global utxo lock table.
type Exchange struct {
	mu sync.RWMutex

	wallets  map[string]WalletParam
	pending  map[chainhash.Hash]*order.Order
	active   map[chainhash.Hash]*order.Order
	historic []*order.Order

	locks     *UtxoLockTable
	validator CoinValidator

	log *logging.Logger
}

// New creates an exchange with no connected wallets. A nil validator
// accepts every coin.
func New(validator CoinValidator) *Exchange {
	if validator == nil {
		validator = func(chainhash.Hash) bool { return true }
	}
	return &Exchange{
		wallets:   make(map[string]WalletParam),
		pending:   make(map[chainhash.Hash]*order.Order),
		active:    make(map[chainhash.Hash]*order.Order),
		locks:     NewUtxoLockTable(),
		validator: validator,
		log:       logging.GetDefault().Component("exchange"),
	}
}

// AddWallet registers a connected currency.
func (e *Exchange) AddWallet(p WalletParam) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallets[p.Symbol] = p
}

// HasWallet reports whether a currency is connected.
func (e *Exchange) HasWallet(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.wallets[symbol]
	return ok
}

// Wallets returns the connected currency codes.
func (e *Exchange) Wallets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.wallets))
	for symbol := range e.wallets {
		out = append(out, symbol)
	}
	return out
}

// Locks exposes the utxo lock table.
func (e *Exchange) Locks() *UtxoLockTable { return e.locks }

// checkTerms validates currencies and dust thresholds for one leg.
func (e *Exchange) checkTerms(sourceCurrency string, sourceAmount uint64,
	destCurrency string, destAmount uint64) error {

	e.mu.RLock()
	defer e.mu.RUnlock()

	src, ok := e.wallets[sourceCurrency]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWallet, sourceCurrency)
	}
	dst, ok := e.wallets[destCurrency]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWallet, destCurrency)
	}
	if src.DustThreshold > 0 && sourceAmount < src.DustThreshold {
		return fmt.Errorf("%w: %s %d < %d", ErrDust, sourceCurrency, sourceAmount, src.DustThreshold)
	}
	if dst.DustThreshold > 0 && destAmount < dst.DustThreshold {
		return fmt.Errorf("%w: %s %d < %d", ErrDust, destCurrency, destAmount, dst.DustThreshold)
	}
	return nil
}

// checkUtxos verifies that items can be pledged to id: either the order
// already holds locks (its own items re-announced) or every item is
// unlocked and passes the coin-validity check.
func (e *Exchange) checkUtxos(id chainhash.Hash, items []wallet.UtxoEntry) error {
	for _, item := range items {
		if owner, ok := e.locks.Owner(item.Outpoint()); ok && owner != id {
			return fmt.Errorf("%w: %s", ErrUtxoLocked, item.Outpoint())
		}
		if !e.validator(item.TxID) {
			return fmt.Errorf("%w: %s", ErrBadUtxo, item.Outpoint())
		}
	}
	return nil
}

// CreateOrder inserts a maker order in state New, locking its utxos. If an
// unexpired order with the same id already exists its timestamp is
// refreshed instead and created is false; refreshes inside the minimum
// update interval fail with ErrThrottled. The order and its locks appear
// atomically: a lock failure leaves no order behind.
func (e *Exchange) CreateOrder(id chainhash.Hash,
	sourceAddr protocol.Address, sourceCurrency string, sourceAmount uint64,
	destAddr protocol.Address, destCurrency string, destAmount uint64,
	timestamp time.Time, mPubKey []byte, items []wallet.UtxoEntry) (bool, error) {

	if err := e.checkTerms(sourceCurrency, sourceAmount, destCurrency, destAmount); err != nil {
		return false, err
	}
	if err := e.checkUtxos(id, items); err != nil {
		return false, err
	}

	tr := order.New(id, sourceAddr, sourceCurrency, sourceAmount,
		destAddr, destCurrency, destAmount, timestamp, mPubKey, items)

	e.mu.Lock()
	defer e.mu.Unlock()

	created := true
	if existing, ok := e.pending[id]; ok {
		if !existing.IsExpired() {
			if existing.UpdateTooSoon() {
				return false, ErrThrottled
			}
			existing.UpdateTimestamp()
			return false, nil
		}
		// Expired duplicate: release its pledges and start over.
		e.locks.Unlock(id)
		delete(e.pending, id)
	}

	if err := e.locks.Lock(id, items); err != nil {
		return false, err
	}
	e.pending[id] = tr

	e.log.Info("order created", "orderid", id, "from", sourceCurrency, "to", destCurrency)
	return created, nil
}

// AcceptOrder joins a taker leg onto pending order id. The taker's terms
// must be the exact inverse of the maker's. On success the order moves to
// the active set and the taker utxos are locked under the shared id; on
// failure the maker order is unaffected.
func (e *Exchange) AcceptOrder(id chainhash.Hash,
	sourceAddr protocol.Address, sourceCurrency string, sourceAmount uint64,
	destAddr protocol.Address, destCurrency string, destAmount uint64,
	mPubKey []byte, items []wallet.UtxoEntry) (*order.Order, error) {

	if err := e.checkTerms(sourceCurrency, sourceAmount, destCurrency, destAmount); err != nil {
		return nil, err
	}
	if err := e.checkUtxos(id, items); err != nil {
		return nil, err
	}

	taker := order.New(id, sourceAddr, sourceCurrency, sourceAmount,
		destAddr, destCurrency, destAmount, time.Now(), mPubKey, items)

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if existing.IsExpired() {
		e.locks.Unlock(id)
		delete(e.pending, id)
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}

	if !existing.TryJoin(taker) {
		return nil, fmt.Errorf("%w: %s", ErrNotJoinable, id)
	}

	if err := e.locks.Lock(id, items); err != nil {
		// Taker lost a lock race for its outputs. Revert the join so the
		// maker order stays open.
		existing.Unjoin()
		return nil, err
	}

	delete(e.pending, id)
	e.active[id] = existing

	e.log.Info("order joined", "orderid", id)
	return existing, nil
}

// Order returns the order with the given id from either set.
func (e *Exchange) Order(id chainhash.Hash) (*order.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tr, ok := e.active[id]; ok {
		return tr, true
	}
	tr, ok := e.pending[id]
	return tr, ok
}

// PendingOrder returns the un-joined order with the given id.
func (e *Exchange) PendingOrder(id chainhash.Hash) (*order.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tr, ok := e.pending[id]
	return tr, ok
}

// PendingOrders returns a snapshot of the un-joined set.
func (e *Exchange) PendingOrders() []*order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*order.Order, 0, len(e.pending))
	for _, tr := range e.pending {
		out = append(out, tr)
	}
	return out
}

// ActiveOrders returns a snapshot of the joined set.
func (e *Exchange) ActiveOrders() []*order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*order.Order, 0, len(e.active))
	for _, tr := range e.active {
		out = append(out, tr)
	}
	return out
}

// HistoricOrders returns the retained terminal orders.
func (e *Exchange) HistoricOrders() []*order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*order.Order, len(e.historic))
	copy(out, e.historic)
	return out
}

// DeletePendingOrder removes an un-joined order and releases its locks.
func (e *Exchange) DeletePendingOrder(id chainhash.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
	e.locks.Unlock(id)
}

// FinalizeOrder retires a terminal active order into the bounded historic
// set and releases its locks.
func (e *Exchange) FinalizeOrder(id chainhash.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.active[id]
	if !ok {
		if tr, ok = e.pending[id]; !ok {
			e.locks.Unlock(id)
			return
		}
		delete(e.pending, id)
	} else {
		delete(e.active, id)
	}
	e.locks.Unlock(id)

	e.historic = append(e.historic, tr)
	if len(e.historic) > historicLimit {
		e.historic = e.historic[len(e.historic)-historicLimit:]
	}
}

// ExpireOrders sweeps both sets: expired pending orders are dropped with
// their locks, and terminal or over-age active orders are retired. Returns
// the ids of orders removed by TTL so the caller can notify the network.
func (e *Exchange) ExpireOrders() []chainhash.Hash {
	e.mu.Lock()
	pendingExpired := make([]chainhash.Hash, 0)
	for id, tr := range e.pending {
		if tr.IsExpired() {
			pendingExpired = append(pendingExpired, id)
		}
	}
	for _, id := range pendingExpired {
		delete(e.pending, id)
		e.locks.Unlock(id)
		e.log.Info("pending order expired", "orderid", id)
	}

	retire := make([]chainhash.Hash, 0)
	dropped := make([]chainhash.Hash, 0)
	for id, tr := range e.active {
		state := tr.State()
		if state.Terminal() {
			retire = append(retire, id)
			continue
		}
		if tr.IsExpired() {
			tr.Drop()
			retire = append(retire, id)
			dropped = append(dropped, id)
			e.log.Info("active order dropped by ttl", "orderid", id, "state", state)
		}
	}
	e.mu.Unlock()

	for _, id := range retire {
		e.FinalizeOrder(id)
	}

	return append(pendingExpired, dropped...)
}
