package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

func addr(b byte) protocol.Address {
	var a protocol.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func utxo(n byte) wallet.UtxoEntry {
	return wallet.UtxoEntry{TxID: chainhash.Hash{n}, Vout: 0, Amount: 1_000_000}
}

func newExchange() *Exchange {
	e := New(nil)
	e.AddWallet(WalletParam{Symbol: "BTC", DustThreshold: 546})
	e.AddWallet(WalletParam{Symbol: "LTC", DustThreshold: 5460})
	return e
}

func createMaker(t *testing.T, e *Exchange, id chainhash.Hash, utxos ...wallet.UtxoEntry) {
	t.Helper()
	created, err := e.CreateOrder(id,
		addr(0xa1), "BTC", 100_000,
		addr(0xa2), "LTC", 5_000_000,
		time.Now(), []byte{0x02}, utxos)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if !created {
		t.Fatal("CreateOrder reported refresh for a fresh id")
	}
}

func acceptTaker(e *Exchange, id chainhash.Hash, utxos ...wallet.UtxoEntry) (*order.Order, error) {
	return e.AcceptOrder(id,
		addr(0xb1), "LTC", 5_000_000,
		addr(0xb2), "BTC", 100_000,
		[]byte{0x03}, utxos)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newExchange()
	id := chainhash.Hash{1}

	tests := []struct {
		name      string
		srcCur    string
		srcAmt    uint64
		dstCur    string
		dstAmt    uint64
		wantError error
	}{
		{"unknown source wallet", "DOGE", 1000, "BTC", 100_000, ErrNoWallet},
		{"unknown dest wallet", "BTC", 100_000, "DOGE", 1000, ErrNoWallet},
		{"dust source", "BTC", 545, "LTC", 5_000_000, ErrDust},
		{"dust dest", "BTC", 100_000, "LTC", 5459, ErrDust},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateOrder(id,
				addr(1), tt.srcCur, tt.srcAmt,
				addr(2), tt.dstCur, tt.dstAmt,
				time.Now(), nil, nil)
			if !errors.Is(err, tt.wantError) {
				t.Errorf("CreateOrder() error = %v, want %v", err, tt.wantError)
			}
		})
	}
}

func TestCreateOrderLocksUtxos(t *testing.T) {
	e := newExchange()
	createMaker(t, e, chainhash.Hash{1}, utxo(10), utxo(11))

	if e.Locks().Count() != 2 {
		t.Errorf("lock count = %d, want 2", e.Locks().Count())
	}

	// A different order pledging the same output must be rejected, and the
	// failure must not leave a half-created order behind.
	_, err := e.CreateOrder(chainhash.Hash{2},
		addr(0xc1), "BTC", 100_000,
		addr(0xc2), "LTC", 5_000_000,
		time.Now(), nil, []wallet.UtxoEntry{utxo(10)})
	if !errors.Is(err, ErrUtxoLocked) {
		t.Fatalf("CreateOrder() error = %v, want ErrUtxoLocked", err)
	}
	if _, ok := e.PendingOrder(chainhash.Hash{2}); ok {
		t.Error("rejected order left in pending set")
	}
}

func TestCreateOrderRefreshThrottled(t *testing.T) {
	e := newExchange()
	createMaker(t, e, chainhash.Hash{1}, utxo(10))

	// An immediate re-announce of the same id is throttled.
	_, err := e.CreateOrder(chainhash.Hash{1},
		addr(0xa1), "BTC", 100_000,
		addr(0xa2), "LTC", 5_000_000,
		time.Now(), []byte{0x02}, []wallet.UtxoEntry{utxo(10)})
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("CreateOrder() error = %v, want ErrThrottled", err)
	}
}

func TestAcceptOrderJoins(t *testing.T) {
	e := newExchange()
	id := chainhash.Hash{1}
	createMaker(t, e, id, utxo(10))

	tr, err := acceptTaker(e, id, utxo(20))
	if err != nil {
		t.Fatalf("AcceptOrder failed: %v", err)
	}
	if tr.State() != order.StateJoined {
		t.Errorf("state = %v, want Joined", tr.State())
	}
	if _, ok := e.PendingOrder(id); ok {
		t.Error("joined order still pending")
	}
	if len(e.ActiveOrders()) != 1 {
		t.Errorf("active orders = %d, want 1", len(e.ActiveOrders()))
	}
	// Both legs' pledges held under the shared id.
	if e.Locks().Count() != 2 {
		t.Errorf("lock count = %d, want 2", e.Locks().Count())
	}
}

func TestAcceptOrderMismatchedTerms(t *testing.T) {
	e := newExchange()
	id := chainhash.Hash{1}
	createMaker(t, e, id, utxo(10))

	_, err := e.AcceptOrder(id,
		addr(0xb1), "LTC", 4_999_999,
		addr(0xb2), "BTC", 100_000,
		nil, []wallet.UtxoEntry{utxo(20)})
	if !errors.Is(err, ErrNotJoinable) {
		t.Fatalf("AcceptOrder() error = %v, want ErrNotJoinable", err)
	}
	// The maker order must survive untouched.
	if tr, ok := e.PendingOrder(id); !ok || tr.State() != order.StateNew {
		t.Error("maker order damaged by failed accept")
	}
}

func TestAcceptOrderLockRaceRevertsJoin(t *testing.T) {
	e := newExchange()
	id := chainhash.Hash{1}
	createMaker(t, e, id, utxo(10))

	// Another maker already holds the output the taker wants to pledge.
	createMaker(t, e, chainhash.Hash{2}, utxo(20))

	_, err := acceptTaker(e, id, utxo(20))
	if !errors.Is(err, ErrUtxoLocked) {
		t.Fatalf("AcceptOrder() error = %v, want ErrUtxoLocked", err)
	}

	// The join was reverted: the maker order is open for the next taker.
	tr, ok := e.PendingOrder(id)
	if !ok {
		t.Fatal("maker order gone after lock race")
	}
	if tr.State() != order.StateNew {
		t.Errorf("state = %v, want New", tr.State())
	}
	if _, err := acceptTaker(e, id, utxo(30)); err != nil {
		t.Errorf("retry accept failed: %v", err)
	}
}

func TestAcceptOrderUnknownID(t *testing.T) {
	e := newExchange()
	_, err := acceptTaker(e, chainhash.Hash{9})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AcceptOrder() error = %v, want ErrNotFound", err)
	}
}

func TestCoinValidatorRejectsUtxo(t *testing.T) {
	bad := chainhash.Hash{66}
	e := New(func(txid chainhash.Hash) bool { return txid != bad })
	e.AddWallet(WalletParam{Symbol: "BTC"})
	e.AddWallet(WalletParam{Symbol: "LTC"})

	_, err := e.CreateOrder(chainhash.Hash{1},
		addr(1), "BTC", 100_000,
		addr(2), "LTC", 5_000_000,
		time.Now(), nil, []wallet.UtxoEntry{{TxID: bad}})
	if !errors.Is(err, ErrBadUtxo) {
		t.Errorf("CreateOrder() error = %v, want ErrBadUtxo", err)
	}
}

func TestFinalizeOrderReleasesLocks(t *testing.T) {
	e := newExchange()
	id := chainhash.Hash{1}
	createMaker(t, e, id, utxo(10))
	tr, err := acceptTaker(e, id, utxo(20))
	if err != nil {
		t.Fatalf("AcceptOrder failed: %v", err)
	}

	tr.Finish()
	e.FinalizeOrder(id)

	if e.Locks().Count() != 0 {
		t.Errorf("lock count after finalize = %d, want 0", e.Locks().Count())
	}
	if len(e.ActiveOrders()) != 0 {
		t.Error("finalized order still active")
	}
	if len(e.HistoricOrders()) != 1 {
		t.Errorf("historic orders = %d, want 1", len(e.HistoricOrders()))
	}
}

func TestExpireOrdersRetiresTerminal(t *testing.T) {
	e := newExchange()
	id := chainhash.Hash{1}
	createMaker(t, e, id, utxo(10))
	tr, err := acceptTaker(e, id, utxo(20))
	if err != nil {
		t.Fatalf("AcceptOrder failed: %v", err)
	}
	tr.Cancel()

	expired := e.ExpireOrders()

	// Terminal retirements are housekeeping, not TTL notifications.
	if len(expired) != 0 {
		t.Errorf("expired ids = %v, want none", expired)
	}
	if len(e.ActiveOrders()) != 0 {
		t.Error("cancelled order still active after sweep")
	}
	if e.Locks().Count() != 0 {
		t.Errorf("lock count after sweep = %d, want 0", e.Locks().Count())
	}
}
