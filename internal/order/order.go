package order

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// Lifetime limits enforced by the expiry sweep.
const (
	// PendingTTL bounds how long an un-joined order may sit without a
	// refresh from its maker.
	PendingTTL = 6 * time.Minute

	// TTL bounds the absolute age of any in-flight order.
	TTL = 60 * time.Minute

	// UpdateMinInterval throttles timestamp refreshes of a pending order.
	UpdateMinInterval = 60 * time.Second
)

// Member is one party's view of a swap leg.
type Member struct {
	// Source is the party's address on the chain it pays from.
	Source protocol.Address
	// Dest is the party's receiving address on the counterparty chain.
	Dest protocol.Address
	// MPubKey is the one-time key co-signing the deposit script.
	MPubKey []byte
	// Utxos are the outputs pledged to fund this leg.
	Utxos []wallet.UtxoEntry
	// DepositTxID is the broadcast deposit, once created.
	DepositTxID string
	// LockScript is the deposit lock script reported with the deposit.
	LockScript []byte
}

// Order is the hub-side joined pair. All mutation goes through the
// per-order mutex so near-simultaneous acks from different transport
// goroutines cannot race past the two-phase check.
type Order struct {
	mu sync.Mutex

	id      chainhash.Hash
	created time.Time
	updated time.Time

	sourceCurrency string
	sourceAmount   uint64
	destCurrency   string
	destAmount     uint64

	state State
	a, b  Member

	// SecretHash is the hash160 of the maker's X key, reported with the
	// maker deposit and relayed to the taker.
	secretHash []byte

	aAcked, bAcked bool
}

// New creates an order in state New with member A filled from the maker leg.
func New(id chainhash.Hash,
	sourceAddr protocol.Address, sourceCurrency string, sourceAmount uint64,
	destAddr protocol.Address, destCurrency string, destAmount uint64,
	created time.Time, mPubKey []byte, utxos []wallet.UtxoEntry) *Order {

	if created.IsZero() {
		created = time.Now()
	}
	return &Order{
		id:             id,
		created:        created,
		updated:        time.Now(),
		sourceCurrency: sourceCurrency,
		sourceAmount:   sourceAmount,
		destCurrency:   destCurrency,
		destAmount:     destAmount,
		state:          StateNew,
		a: Member{
			Source:  sourceAddr,
			Dest:    destAddr,
			MPubKey: mPubKey,
			Utxos:   utxos,
		},
	}
}

// ID returns the order identifier.
func (o *Order) ID() chainhash.Hash { return o.id }

// State returns the current state.
func (o *Order) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Created returns the creation time.
func (o *Order) Created() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.created
}

// SourceCurrency returns the maker's from-chain currency code.
func (o *Order) SourceCurrency() string { return o.sourceCurrency }

// SourceAmount returns the maker's from-chain amount.
func (o *Order) SourceAmount() uint64 { return o.sourceAmount }

// DestCurrency returns the maker's to-chain currency code.
func (o *Order) DestCurrency() string { return o.destCurrency }

// DestAmount returns the maker's to-chain amount.
func (o *Order) DestAmount() uint64 { return o.destAmount }

// A returns a snapshot of member A (the maker).
func (o *Order) A() Member {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.a
}

// B returns a snapshot of member B (the taker).
func (o *Order) B() Member {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b
}

// SecretHash returns the maker's hashed X key, or nil before CreatedA.
func (o *Order) SecretHash() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.secretHash
}

// SetSecretHash records the maker's hashed X key.
func (o *Order) SetSecretHash(h []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.secretHash = h
}

// UpdateTimestamp refreshes the last-update time.
func (o *Order) UpdateTimestamp() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updated = time.Now()
}

// UpdateTooSoon reports whether the last refresh is within the minimum
// update interval. Used to throttle pending-order rebroadcast handling.
func (o *Order) UpdateTooSoon() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Since(o.updated) < UpdateMinInterval
}

// IsExpired reports whether the order exceeded its pending or absolute TTL.
func (o *Order) IsExpired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Since(o.updated) > PendingTTL || time.Since(o.created) > TTL
}

// Cancel moves the order to Cancelled.
func (o *Order) Cancel() {
	o.setState(StateCancelled)
}

// Drop moves the order to Dropped.
func (o *Order) Drop() {
	o.setState(StateDropped)
}

// Finish moves the order to Finished.
func (o *Order) Finish() {
	o.setState(StateFinished)
}

func (o *Order) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	o.updated = time.Now()
}

// TryJoin merges other's maker leg as member B. Succeeds only while both
// orders are New and other's currency/amount pair is the exact inverse of
// this order's.
func (o *Order) TryJoin(other *Order) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateNew || other.State() != StateNew {
		return false
	}
	if o.sourceCurrency != other.destCurrency || o.destCurrency != other.sourceCurrency {
		return false
	}
	if o.sourceAmount != other.destAmount || o.destAmount != other.sourceAmount {
		return false
	}

	o.b = other.A()
	o.state = StateJoined
	o.updated = time.Now()
	return true
}

// Unjoin reverts a join that could not complete (for example when the
// taker's utxos lost a lock race). Only valid while still in Joined.
func (o *Order) Unjoin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateJoined {
		return false
	}
	o.b = Member{}
	o.state = StateNew
	o.updated = time.Now()
	return true
}

// expectedAckers returns the two party addresses whose acks advance the
// given phase. Dest-side and source-side phases alternate through the
// handshake: the hold and deposit-confirmation acks come from the parties'
// receiving addresses, the init and payment-confirmation acks from their
// paying addresses.
func (o *Order) expectedAckers(phase State) (protocol.Address, protocol.Address, bool) {
	switch phase {
	case StateJoined, StateInitialized:
		return o.a.Dest, o.b.Dest, true
	case StateHold, StateCreated:
		return o.a.Source, o.b.Source, true
	default:
		return protocol.Address{}, protocol.Address{}, false
	}
}

// IncreaseStateCounter records an acknowledgment for the given phase from
// the given party address. The state advances only once both expected
// parties acked; a duplicate ack from the same address never advances on
// its own, and an ack from an address that is not one of the two expected
// parties is ignored outright. Returns the (possibly unchanged) new state,
// or StateInvalid if phase does not match the order's current state.
func (o *Order) IncreaseStateCounter(phase State, from protocol.Address) State {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != phase {
		return StateInvalid
	}
	aAddr, bAddr, ok := o.expectedAckers(phase)
	if !ok {
		return StateInvalid
	}

	switch from {
	case aAddr:
		o.aAcked = true
	case bAddr:
		o.bAcked = true
	default:
		// Not a recorded party for this phase. The transport-layer sender
		// field is below signature verification, so it must never count
		// toward the two-party quorum.
		return o.state
	}

	if o.aAcked && o.bAcked {
		o.state = o.state.next()
		o.aAcked, o.bAcked = false, false
		o.updated = time.Now()
	}
	return o.state
}

// SetMPubKey records a party's one-time key, matched by its source address.
func (o *Order) SetMPubKey(source protocol.Address, pk []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch source {
	case o.a.Source:
		o.a.MPubKey = pk
	case o.b.Source:
		o.b.MPubKey = pk
	default:
		return false
	}
	return true
}

// SetDeposit records a party's deposit txid and lock script, matched by its
// source address.
func (o *Order) SetDeposit(source protocol.Address, txid string, lockScript []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch source {
	case o.a.Source:
		o.a.DepositTxID = txid
		o.a.LockScript = lockScript
	case o.b.Source:
		o.b.DepositTxID = txid
		o.b.LockScript = lockScript
	default:
		return false
	}
	return true
}

// MemberKey resolves addr to the session pubkey of the party that owns it,
// either side of either leg. The key is the one captured from the party's
// own Order or Accept packet; a packet claiming to come from addr must
// verify against it.
func (o *Order) MemberKey(addr protocol.Address) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch addr {
	case o.a.Source, o.a.Dest:
		return o.a.MPubKey, true
	case o.b.Source, o.b.Dest:
		return o.b.MPubKey, true
	}
	return nil, false
}
