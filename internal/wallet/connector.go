// Package wallet defines the per-currency connector contract the swap engine
// drives, plus the utxo and script primitives shared by hub and traders.
//
// A Connector knows how to talk to one blockchain: list unspent outputs,
// assemble the deposit/refund/payment legs of a swap and broadcast them.
// The engine only consumes the interface; CoreRPCConnector is the bundled
// implementation for Bitcoin-Core-family daemons.
package wallet

import (
	"errors"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
)

// Role identifies which side of a swap a party plays. The maker's refund
// lock time is strictly later than the taker's so the taker can always
// reclaim funds before the maker's refund window opens.
type Role byte

const (
	RoleMaker Role = 'A'
	RoleTaker Role = 'B'
)

// String returns "maker" or "taker".
func (r Role) String() string {
	switch r {
	case RoleMaker:
		return "maker"
	case RoleTaker:
		return "taker"
	default:
		return "unknown"
	}
}

// TxIn references an output being spent.
type TxIn struct {
	TxID   string
	Vout   uint32
	Amount uint64
}

// TxOut is a payment destination.
type TxOut struct {
	Address string
	Amount  uint64
}

// Connector errors. Session treats any connector failure as fatal to the
// order but never to the process.
var (
	ErrRPC          = errors.New("wallet rpc error")
	ErrNotConfirmed = errors.New("transaction not yet confirmed")
)

// Connector is the per-currency wallet contract.
//
// All methods may fail with a connector-specific RPC error wrapped around
// ErrRPC. CheckTransaction returning ErrNotConfirmed is transient: the
// caller parks the triggering packet and retries on the next tick.
type Connector interface {
	// Currency returns the currency code this connector serves.
	Currency() string

	// DustThreshold returns the smallest acceptable order amount.
	DustThreshold() uint64

	// GetUnspent lists the spendable outputs of the local wallet.
	GetUnspent() ([]UtxoEntry, error)

	// CheckUtxo validates that an output exists, is unspent and clears the
	// external coin-validity check.
	CheckUtxo(entry UtxoEntry) error

	// GetNewAddress returns a fresh wallet address.
	GetNewAddress() (string, error)

	// DecodeAddress converts a wallet address string to its 20-byte
	// hash form used on the wire.
	DecodeAddress(addr string) (protocol.Address, error)

	// ScriptAddress returns the pay-to-script-hash address for a swap
	// lock script on this chain.
	ScriptAddress(script []byte) (string, error)

	// CreateDepositTransaction builds and signs the deposit leg paying into
	// the swap lock script.
	CreateDepositTransaction(inputs []TxIn, outputs []TxOut) (txid string, rawTx []byte, err error)

	// CreateRefundTransaction builds and pre-signs the time-locked refund
	// spending the deposit back to its owner.
	CreateRefundTransaction(inputs []TxIn, outputs []TxOut,
		myPubkey, myPrivkey, lockScript []byte, lockTime uint32) (txid string, rawTx []byte, err error)

	// CreatePaymentTransaction builds and signs the payment spending the
	// counterparty deposit, revealing secret in the scriptSig.
	CreatePaymentTransaction(inputs []TxIn, outputs []TxOut,
		myPubkey, myPrivkey, secret, lockScript []byte) (txid string, rawTx []byte, err error)

	// SendRawTransaction broadcasts a raw transaction.
	SendRawTransaction(rawTx []byte) (txid string, err error)

	// CheckTransaction reports whether txid is confirmed on chain.
	CheckTransaction(txid string) (bool, error)

	// LockTime returns the refund lock time for a role, in the chain's
	// lock-time unit. LockTime(RoleMaker) must be strictly later than
	// LockTime(RoleTaker).
	LockTime(role Role) uint32

	// MinTxFee estimates the minimum fee for a transaction shape.
	MinTxFee(nInputs, nOutputs int) uint64
}

// UtxoSigner is an optional connector capability: producing the ownership
// signature carried with each pledged output. Hubs with a coin-validity
// hook can verify it before locking the output.
type UtxoSigner interface {
	SignUtxo(entry *UtxoEntry) error
}

// MarkerBroadcaster is an optional connector capability: publishing a small
// data-carrying transaction that timestamps the maker's hashed secret on
// chain. Connectors without it simply skip the anchor.
type MarkerBroadcaster interface {
	SendMarkerTransaction(data []byte) (txid string, err error)
}
