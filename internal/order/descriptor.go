package order

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// DescrState is the client-side order state. It mirrors the hub State but
// adds phases only a trader observes: Pending (announced, unjoined),
// Accepting (accept sent, hold not yet received), Offline and Expired.
type DescrState int

const (
	DescrNew DescrState = iota
	DescrPending
	DescrAccepting
	DescrHold
	DescrInitialized
	DescrCreated
	DescrFinished
	DescrRollback
	DescrRollbackFailed
	DescrDropped
	DescrCancelled
	DescrExpired
	DescrOffline
	DescrInvalid
)

// String returns the state name shown in order listings.
func (s DescrState) String() string {
	switch s {
	case DescrNew:
		return "new"
	case DescrPending:
		return "open"
	case DescrAccepting:
		return "accepting"
	case DescrHold:
		return "hold"
	case DescrInitialized:
		return "initialized"
	case DescrCreated:
		return "created"
	case DescrFinished:
		return "finished"
	case DescrRollback:
		return "rolled back"
	case DescrRollbackFailed:
		return "rollback failed"
	case DescrDropped:
		return "dropped"
	case DescrCancelled:
		return "canceled"
	case DescrExpired:
		return "expired"
	case DescrOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// Terminal reports whether the descriptor reached a final state.
func (s DescrState) Terminal() bool {
	switch s {
	case DescrFinished, DescrRollback, DescrRollbackFailed, DescrDropped, DescrCancelled, DescrExpired:
		return true
	default:
		return false
	}
}

// Descriptor is one swap leg as seen by the local trader. Owned exclusively
// by the Registry; one descriptor per order id per node.
type Descriptor struct {
	sync.Mutex

	ID   chainhash.Hash
	Role wallet.Role

	// Hub coordinates.
	HubAddress protocol.Address
	// HubPubKey pins the hub session key after the first signed hub packet
	// for this order; later hub packets must verify against it.
	HubPubKey []byte

	// Local leg terms.
	FromAddr     string
	FromRaw      protocol.Address
	FromCurrency string
	FromAmount   uint64
	ToAddr       string
	ToRaw        protocol.Address
	ToCurrency   string
	ToAmount     uint64

	State  DescrState
	Reason protocol.CancelReason

	CreatedAt time.Time
	UpdatedAt time.Time

	// One-time keys. MKey co-signs the deposit script. XKey exists only on
	// the maker side; its hashed public key locks both deposits.
	MKey *wallet.KeyPair
	XKey *wallet.KeyPair
	// OPubKey is the counterparty's one-time M key.
	OPubKey []byte
	// SecretHash is hash160 of the maker X key (taker side learns it from
	// the hub relay).
	SecretHash []byte

	// Lock times, asymmetric by role.
	LockTime         uint32
	OpponentLockTime uint32

	// Local transactions.
	LockScript   []byte
	DepositTxID  string
	DepositRawTx []byte
	RefundTxID   string
	RefundRawTx  []byte
	PaymentTxID  string

	// Counterparty deposit being verified before our own leg proceeds.
	CounterpartyDepositTxID string
	CounterpartyLockScript  []byte

	// Utxos pledged to this order from the local wallet.
	Utxos []wallet.UtxoEntry

	// sentDeposit is set once the deposit broadcast succeeded; a Cancel
	// arriving after that point must roll back, not flip state.
	sentDeposit bool
	// redeemed is set once the counterparty deposit was spent by our
	// payment; cancels are ignored from then on.
	redeemed bool
}

// NewDescriptor creates a local descriptor in state New.
func NewDescriptor(id chainhash.Hash, role wallet.Role) *Descriptor {
	now := time.Now()
	return &Descriptor{
		ID:        id,
		Role:      role,
		State:     DescrNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch refreshes the update timestamp. Callers must hold the lock.
func (d *Descriptor) Touch() {
	d.UpdatedAt = time.Now()
}

// SetState transitions the descriptor and refreshes its timestamp.
// Callers must hold the lock.
func (d *Descriptor) SetState(s DescrState) {
	d.State = s
	d.UpdatedAt = time.Now()
}

// MarkDepositSent records that the deposit broadcast succeeded.
// Callers must hold the lock.
func (d *Descriptor) MarkDepositSent() {
	d.sentDeposit = true
}

// SentDeposit reports whether the local deposit was broadcast.
// Callers must hold the lock.
func (d *Descriptor) SentDeposit() bool { return d.sentDeposit }

// MarkRedeemed records that our payment spent the counterparty deposit.
// Callers must hold the lock.
func (d *Descriptor) MarkRedeemed() {
	d.redeemed = true
}

// Redeemed reports whether the counterparty deposit was already spent by us.
// Callers must hold the lock.
func (d *Descriptor) Redeemed() bool { return d.redeemed }
