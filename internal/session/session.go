// Package session implements the packet-driven swap protocol engine. One
// Session serves a node: it decodes signed packets, drives the hub-side
// order book when the hub role is enabled, and walks local descriptors
// through the trader-side handshake, building and broadcasting the
// deposit, refund and payment legs through per-currency wallet connectors.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/config"
	"github.com/crosshub-exchange/crosshub/internal/exchange"
	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
	"github.com/crosshub-exchange/crosshub/pkg/logging"
)

// Session errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadSignature   = errors.New("bad packet signature")
	ErrBadPayload     = errors.New("malformed payload")
	ErrNoConnector    = errors.New("no wallet connector")
	ErrHubDisabled    = errors.New("hub role disabled")
	ErrNoDescriptor   = errors.New("no local order")
	ErrInsufficient   = errors.New("insufficient funds")
)

// Services is the node-level plumbing a session calls back into. The
// registry implements it; the indirection keeps the protocol engine free
// of transport and storage concerns.
type Services interface {
	// Connector returns the wallet connector for a currency code.
	Connector(currency string) (wallet.Connector, bool)

	// Descriptor returns the local descriptor for an order id.
	Descriptor(id chainhash.Hash) (*order.Descriptor, bool)

	// TrackPendingOrder records a remote open order announced by a hub so
	// it shows up in local listings and can be accepted later.
	TrackPendingOrder(id chainhash.Hash,
		sourceCurrency string, sourceAmount uint64,
		destCurrency string, destAmount uint64,
		hubAddr protocol.Address, hubPubKey []byte)

	// ParkPacket shelves a packet whose precondition is not met yet (the
	// counterparty deposit has no confirmations); the registry re-feeds it
	// on the next maintenance tick.
	ParkPacket(id chainhash.Hash, pkt *protocol.Packet)

	// DropParkedPackets discards any shelved packets for an order.
	DropParkedPackets(id chainhash.Hash)

	// UnlockLocalUtxos releases the wallet outputs pledged to an order.
	UnlockLocalUtxos(id chainhash.Hash)

	// MoveToHistory retires a terminal descriptor from the active table.
	MoveToHistory(id chainhash.Hash)

	// OrderChanged notifies listeners (rpc event stream) of a state
	// change. May be called with the descriptor lock held; implementations
	// must hand off asynchronously and never take the lock themselves.
	OrderChanged(d *order.Descriptor)
}

// Sender delivers packets to peers.
type Sender interface {
	// SendTo delivers a packet to the node serving the given trader or hub
	// address.
	SendTo(addr protocol.Address, pkt *protocol.Packet) error

	// Broadcast floods a packet to all peers.
	Broadcast(pkt *protocol.Packet) error
}

// Session is the protocol engine. Safe for concurrent ProcessPacket calls:
// shared state lives behind the exchange's and descriptors' own locks.
type Session struct {
	svc  Services
	send Sender
	id   *config.Identity

	// exch is nil unless this node runs the hub role.
	exch *exchange.Exchange

	log *logging.Logger
}

// New creates a session. exch may be nil for trader-only nodes.
func New(svc Services, send Sender, id *config.Identity, exch *exchange.Exchange, log *logging.Logger) *Session {
	return &Session{
		svc:  svc,
		send: send,
		id:   id,
		exch: exch,
		log:  log.Component("session"),
	}
}

// HubEnabled reports whether this session serves the hub role.
func (s *Session) HubEnabled() bool { return s.exch != nil }

// ProcessPacket verifies and dispatches one packet. A returned error means
// the packet was rejected; the connection stays up regardless.
func (s *Session) ProcessPacket(pkt *protocol.Packet) error {
	if !pkt.Verify() {
		return fmt.Errorf("%w: %s", ErrBadSignature, pkt.Command)
	}

	switch pkt.Command {
	// Hub-side: the order book.
	case protocol.CmdOrder:
		return s.processOrder(pkt)
	case protocol.CmdAccept:
		return s.processAccept(pkt)
	case protocol.CmdHoldAck:
		return s.processHoldAck(pkt)
	case protocol.CmdInitialized:
		return s.processInitialized(pkt)
	case protocol.CmdCreatedA:
		return s.processCreatedA(pkt)
	case protocol.CmdCreatedB:
		return s.processCreatedB(pkt)
	case protocol.CmdConfirmedA:
		return s.processConfirmedA(pkt)
	case protocol.CmdConfirmedB:
		return s.processConfirmedB(pkt)

	// Trader-side: the local handshake.
	case protocol.CmdPendingOrder:
		return s.processPendingOrder(pkt)
	case protocol.CmdHold:
		return s.processHold(pkt)
	case protocol.CmdInit:
		return s.processInit(pkt)
	case protocol.CmdCreateA:
		return s.processCreateA(pkt)
	case protocol.CmdCreateB:
		return s.processCreateB(pkt)
	case protocol.CmdConfirmA:
		return s.processConfirmA(pkt)
	case protocol.CmdConfirmB:
		return s.processConfirmB(pkt)
	case protocol.CmdFinished:
		return s.processFinished(pkt)
	case protocol.CmdReject:
		return s.processReject(pkt)

	// Both sides.
	case protocol.CmdCancel:
		return s.processCancel(pkt)
	case protocol.CmdServicesPing:
		return s.processServicesPing(pkt)

	default:
		return fmt.Errorf("%w: %d", ErrUnknownCommand, uint32(pkt.Command))
	}
}

// unixTime converts a wire timestamp to time.Time.
func unixTime(sec uint64) time.Time {
	return time.Unix(int64(sec), 0)
}

// connector fetches the connector for a currency or fails.
func (s *Session) connector(currency string) (wallet.Connector, error) {
	conn, ok := s.svc.Connector(currency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, currency)
	}
	return conn, nil
}

// signHub signs a packet with the node identity key.
func (s *Session) signHub(pkt *protocol.Packet) error {
	return pkt.Sign(s.id.PubKey(), s.id.PrivKey())
}

// signLocal signs a packet with the descriptor's one-time session key.
// Callers must hold the descriptor lock.
func signLocal(d *order.Descriptor, pkt *protocol.Packet) error {
	pub := d.MKey.Pub()
	priv := d.MKey.PrivBytes()
	return pkt.Sign(pub, priv)
}

// verifyHub checks a hub packet against the descriptor's pinned hub key,
// pinning it on first contact. Callers must hold the descriptor lock.
func verifyHub(d *order.Descriptor, pkt *protocol.Packet) bool {
	if len(d.HubPubKey) == 0 {
		d.HubPubKey = append([]byte(nil), pkt.PubKey[:]...)
		return true
	}
	return pkt.VerifyFrom(d.HubPubKey)
}

// broadcastCancel floods a cancel notice for an order.
func (s *Session) broadcastCancel(id chainhash.Hash, reason protocol.CancelReason, sign func(*protocol.Packet) error) error {
	w := protocol.NewPayloadWriter()
	w.PutHash(id)
	w.PutUint32(uint32(reason))
	pkt := protocol.NewPacket(protocol.CmdCancel, w.Bytes())
	if err := sign(pkt); err != nil {
		return err
	}
	return s.send.Broadcast(pkt)
}

// BroadcastHubCancel floods a hub-signed cancel notice, used by the expiry
// sweep for orders dropped by TTL.
func (s *Session) BroadcastHubCancel(id chainhash.Hash, reason protocol.CancelReason) error {
	return s.broadcastCancel(id, reason, s.signHub)
}

// sendReject tells one trader its request was turned down.
func (s *Session) sendReject(to protocol.Address, id chainhash.Hash, reason protocol.CancelReason) {
	w := protocol.NewPayloadWriter()
	w.PutHash(id)
	w.PutUint32(uint32(reason))
	pkt := protocol.NewPacket(protocol.CmdReject, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		s.log.Error("sign reject", "orderid", id, "error", err)
		return
	}
	if err := s.send.SendTo(to, pkt); err != nil {
		s.log.Warn("send reject", "orderid", id, "error", err)
	}
}

// cancelHubOrder drops a hub-side order and tells everyone. Below Created
// this is a plain cancel; the traders decide for themselves whether their
// own legs need a rollback.
func (s *Session) cancelHubOrder(tr *order.Order, reason protocol.CancelReason) {
	id := tr.ID()
	if tr.State() == order.StateNew {
		s.exch.DeletePendingOrder(id)
	} else {
		tr.Cancel()
		s.exch.FinalizeOrder(id)
	}
	if err := s.broadcastCancel(id, reason, s.signHub); err != nil {
		s.log.Error("broadcast cancel", "orderid", id, "error", err)
	}
	s.log.Info("order canceled", "orderid", id, "reason", reason)
}

// processServicesPing handles the periodic hub service announcement. The
// payload is a NUL-separated currency list; traders use it to learn which
// pairs a hub serves.
func (s *Session) processServicesPing(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	count := r.Uint32()
	services := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		services = append(services, r.String())
	}
	if r.Err() != nil {
		return fmt.Errorf("%w: services ping", ErrBadPayload)
	}
	s.log.Debug("services ping", "count", len(services))
	return nil
}
