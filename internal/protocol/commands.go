// Package protocol implements the signed binary packet envelope exchanged
// between traders and the hub, plus the payload codec used by every command.
package protocol

import "fmt"

// ProtocolVersion is bumped on any wire-incompatible change.
const ProtocolVersion uint32 = 1

// Command identifies the packet type. The set is closed: Session matches
// exhaustively and answers unknown codes with a no-op.
type Command uint32

const (
	CmdInvalid Command = 0

	// Maker announces a new order to the hub (full terms + candidate utxos).
	CmdOrder Command = 3
	// Hub broadcast of an open order summary.
	CmdPendingOrder Command = 4
	// Taker accepts an open order.
	CmdAccept Command = 5

	// Hub asks both parties to hold the joined order.
	CmdHold Command = 6
	// Party acknowledges the hold.
	CmdHoldAck Command = 7

	// Hub sends swap terms (counterparty destination, amounts) to both parties.
	CmdInit Command = 8
	// Party acknowledges init and publishes its one-time M pubkey.
	CmdInitialized Command = 9

	// Hub asks the maker to create its deposit.
	CmdCreateA Command = 10
	// Maker reports its deposit txid, hashed secret and lock times.
	CmdCreatedA Command = 11
	// Hub relays the maker deposit to the taker.
	CmdCreateB Command = 12
	// Taker reports its deposit txid.
	CmdCreatedB Command = 13

	// Hub asks the maker to pay against the taker deposit.
	CmdConfirmA Command = 18
	// Maker reports payment sent and reveals the X key.
	CmdConfirmedA Command = 19
	// Hub relays the revealed X key to the taker.
	CmdConfirmB Command = 20
	// Taker reports its payment sent.
	CmdConfirmedB Command = 21

	CmdCancel   Command = 22
	CmdFinished Command = 24
	CmdReject   Command = 26

	CmdServicesPing Command = 50
)

// String returns the command mnemonic for logging.
func (c Command) String() string {
	switch c {
	case CmdInvalid:
		return "invalid"
	case CmdOrder:
		return "order"
	case CmdPendingOrder:
		return "pending_order"
	case CmdAccept:
		return "accept"
	case CmdHold:
		return "hold"
	case CmdHoldAck:
		return "hold_ack"
	case CmdInit:
		return "init"
	case CmdInitialized:
		return "initialized"
	case CmdCreateA:
		return "create_a"
	case CmdCreatedA:
		return "created_a"
	case CmdCreateB:
		return "create_b"
	case CmdCreatedB:
		return "created_b"
	case CmdConfirmA:
		return "confirm_a"
	case CmdConfirmedA:
		return "confirmed_a"
	case CmdConfirmB:
		return "confirm_b"
	case CmdConfirmedB:
		return "confirmed_b"
	case CmdCancel:
		return "cancel"
	case CmdFinished:
		return "finished"
	case CmdReject:
		return "reject"
	case CmdServicesPing:
		return "services_ping"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(c))
	}
}

// CancelReason explains a Cancel or Reject packet. Carried on the wire as u32.
type CancelReason uint32

const (
	ReasonUnknown        CancelReason = 0
	ReasonBadSettings    CancelReason = 1
	ReasonUserRequest    CancelReason = 2
	ReasonNoMoney        CancelReason = 3
	ReasonBadUtxo        CancelReason = 4
	ReasonDust           CancelReason = 5
	ReasonRpcError       CancelReason = 6
	ReasonNotSigned      CancelReason = 7
	ReasonNotAccepted    CancelReason = 8
	ReasonRollback       CancelReason = 9
	ReasonInvalidAddress CancelReason = 12
	ReasonBadADepositTx  CancelReason = 14
	ReasonBadBDepositTx  CancelReason = 15
	ReasonTimeout        CancelReason = 16
	ReasonBadLockTime    CancelReason = 17
)

// String returns a human readable reason used in order status reporting.
func (r CancelReason) String() string {
	switch r {
	case ReasonBadSettings:
		return "bad settings"
	case ReasonUserRequest:
		return "user request"
	case ReasonNoMoney:
		return "insufficient funds"
	case ReasonBadUtxo:
		return "bad or locked utxo"
	case ReasonDust:
		return "amount below dust threshold"
	case ReasonRpcError:
		return "wallet rpc error"
	case ReasonNotSigned:
		return "not signed"
	case ReasonNotAccepted:
		return "not accepted"
	case ReasonRollback:
		return "rolled back"
	case ReasonInvalidAddress:
		return "invalid address"
	case ReasonBadADepositTx:
		return "bad maker deposit"
	case ReasonBadBDepositTx:
		return "bad taker deposit"
	case ReasonTimeout:
		return "timeout"
	case ReasonBadLockTime:
		return "bad lock time"
	default:
		return "unknown"
	}
}
