package session

import (
	"bytes"
	"fmt"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
	"github.com/crosshub-exchange/crosshub/pkg/helpers"
)

// processPendingOrder records an open order announced by a hub so it can
// be listed and accepted. Announcements of our own orders are ignored.
//
// Payload: id | sourceCurrency | sourceAmount | destCurrency | destAmount |
// hubAddr | created u64.
func (s *Session) processPendingOrder(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	id := r.Hash()
	sourceCurrency := r.Currency()
	sourceAmount := r.Uint64()
	destCurrency := r.Currency()
	destAmount := r.Uint64()
	hubAddr := r.Address()
	r.Uint64() // created
	if r.Err() != nil {
		return fmt.Errorf("%w: pending order", ErrBadPayload)
	}

	if d, ok := s.svc.Descriptor(id); ok {
		// Our own order coming back from the hub; pin the hub identity if
		// this is the first signed hub packet we see for it.
		d.Lock()
		if d.HubAddress.IsZero() {
			d.HubAddress = hubAddr
		}
		verifyHub(d, pkt)
		d.Unlock()
		return nil
	}

	s.svc.TrackPendingOrder(id, sourceCurrency, sourceAmount,
		destCurrency, destAmount, hubAddr, pkt.PubKey[:])
	return nil
}

// localOrder resolves a local descriptor and checks the packet against its
// pinned hub key. The descriptor is returned locked.
func (s *Session) localOrder(pkt *protocol.Packet, r *protocol.PayloadReader) (*order.Descriptor, error) {
	hubAddr := r.Address()
	id := r.Hash()
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPayload, pkt.Command)
	}

	d, ok := s.svc.Descriptor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDescriptor, id)
	}
	d.Lock()
	if d.HubAddress.IsZero() {
		d.HubAddress = hubAddr
	}
	if !verifyHub(d, pkt) {
		d.Unlock()
		return nil, fmt.Errorf("%w: %s for order %s not from pinned hub", ErrBadSignature, pkt.Command, id)
	}
	return d, nil
}

// replyHub sends a packet to the descriptor's hub, signed with the
// descriptor's session key. Callers must hold the descriptor lock.
func (s *Session) replyHub(d *order.Descriptor, cmd protocol.Command, payload []byte) error {
	pkt := protocol.NewPacket(cmd, payload)
	if err := signLocal(d, pkt); err != nil {
		return err
	}
	return s.send.SendTo(d.HubAddress, pkt)
}

// processHold freezes a local order and acknowledges with the receiving
// address.
//
// Payload: hubAddr | id. Reply: hubAddr | toRaw | id.
func (s *Session) processHold(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	d, err := s.localOrder(pkt, r)
	if err != nil {
		return err
	}
	defer d.Unlock()

	if d.State != order.DescrNew && d.State != order.DescrPending && d.State != order.DescrAccepting {
		return nil
	}
	d.SetState(order.DescrHold)

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutAddress(d.ToRaw)
	w.PutHash(d.ID)
	if err := s.replyHub(d, protocol.CmdHoldAck, w.Bytes()); err != nil {
		return err
	}
	s.svc.OrderChanged(d)
	return nil
}

// processInit validates the hub's echo of our leg and acknowledges with the
// one-time M key. The maker additionally draws the X key pair here and
// anchors its hash on chain.
//
// Payload: clientAddr | hubAddr | id | terms (our leg).
// Reply: hubAddr | fromRaw | id | M pubkey 33B.
func (s *Session) processInit(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // client echo
	d, err := s.localOrder(pkt, r)
	if err != nil {
		return err
	}
	defer d.Unlock()
	terms := readTerms(r)
	if r.Err() != nil {
		return fmt.Errorf("%w: init", ErrBadPayload)
	}

	if d.State != order.DescrHold {
		return nil
	}

	if terms.sourceAddr != d.FromRaw || terms.destAddr != d.ToRaw ||
		terms.sourceCurrency != d.FromCurrency || terms.sourceAmount != d.FromAmount ||
		terms.destCurrency != d.ToCurrency || terms.destAmount != d.ToAmount {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return fmt.Errorf("init terms for order %s disagree with local leg", d.ID)
	}

	if d.Role == wallet.RoleMaker {
		xKey, err := wallet.NewKeyPair()
		if err != nil {
			s.cancelLocal(d, protocol.ReasonUnknown)
			return err
		}
		d.XKey = xKey
		d.SecretHash = wallet.KeyID(xKey.Pub())
		s.anchorSecretHash(d)
	}

	d.SetState(order.DescrInitialized)

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutAddress(d.FromRaw)
	w.PutHash(d.ID)
	w.PutBytes(d.MKey.Pub())
	if err := s.replyHub(d, protocol.CmdInitialized, w.Bytes()); err != nil {
		return err
	}
	s.svc.OrderChanged(d)
	return nil
}

// anchorSecretHash publishes the hashed X key on the maker's paying chain
// when the connector supports marker transactions. Best effort: the hash
// also travels in the deposit report, the marker only timestamps it.
func (s *Session) anchorSecretHash(d *order.Descriptor) {
	conn, ok := s.svc.Connector(d.FromCurrency)
	if !ok {
		return
	}
	mb, ok := conn.(wallet.MarkerBroadcaster)
	if !ok {
		return
	}
	txid, err := mb.SendMarkerTransaction(d.SecretHash)
	if err != nil {
		s.log.Warn("secret hash marker failed", "orderid", d.ID, "error", err)
		return
	}
	s.log.Debug("secret hash anchored", "orderid", d.ID, "txid", txid)
}

// processCreateA builds and broadcasts the maker deposit.
//
// Payload: clientAddr | hubAddr | id | taker M pubkey 33B.
// Reply: hubAddr | toRaw | id | secret hash 20B | script len u32 |
// lock script | deposit txid.
func (s *Session) processCreateA(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // client echo
	d, err := s.localOrder(pkt, r)
	if err != nil {
		return err
	}
	defer d.Unlock()
	oPubKey := r.Bytes(protocol.PubkeySize)
	if r.Err() != nil {
		return fmt.Errorf("%w: create-a", ErrBadPayload)
	}

	if d.Role != wallet.RoleMaker || d.State != order.DescrInitialized {
		return nil
	}
	d.OPubKey = oPubKey

	connFrom, err := s.connector(d.FromCurrency)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return err
	}
	connTo, err := s.connector(d.ToCurrency)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return err
	}
	d.LockTime = connFrom.LockTime(wallet.RoleMaker)
	d.OpponentLockTime = connTo.LockTime(wallet.RoleTaker)

	if err := s.buildDeposit(d, connFrom); err != nil {
		s.log.Error("maker deposit failed", "orderid", d.ID, "error", err)
		s.cancelLocal(d, depositFailReason(err))
		return err
	}
	d.SetState(order.DescrCreated)

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutAddress(d.ToRaw)
	w.PutHash(d.ID)
	w.PutBytes(d.SecretHash)
	w.PutUint32(uint32(len(d.LockScript)))
	w.PutBytes(d.LockScript)
	w.PutString(d.DepositTxID)
	if err := s.replyHub(d, protocol.CmdCreatedA, w.Bytes()); err != nil {
		return err
	}
	s.svc.OrderChanged(d)
	return nil
}

// checkCounterScript makes sure a counterparty lock script commits to our
// one-time key and the shared secret hash before we pay into the swap.
func checkCounterScript(d *order.Descriptor, script []byte) error {
	if !bytes.Contains(script, wallet.KeyID(d.MKey.Pub())) {
		return fmt.Errorf("counterparty lock script omits our key for order %s", d.ID)
	}
	if !bytes.Contains(script, d.SecretHash) {
		return fmt.Errorf("counterparty lock script omits the secret hash for order %s", d.ID)
	}
	return nil
}

// processCreateB verifies the maker deposit, then builds and broadcasts the
// taker deposit. An unconfirmed maker deposit parks the packet for retry.
//
// Payload: clientAddr | hubAddr | id | maker M pubkey 33B | secret hash 20B |
// script len u32 | maker lock script | maker deposit txid.
// Reply: hubAddr | toRaw | id | script len u32 | lock script | deposit txid.
func (s *Session) processCreateB(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // client echo
	d, err := s.localOrder(pkt, r)
	if err != nil {
		return err
	}
	defer d.Unlock()
	oPubKey := r.Bytes(protocol.PubkeySize)
	secretHash := r.Bytes(protocol.AddressSize)
	counterScript := r.Bytes(int(r.Uint32()))
	counterTxID := r.String()
	if r.Err() != nil {
		return fmt.Errorf("%w: create-b", ErrBadPayload)
	}

	if d.Role != wallet.RoleTaker || d.State != order.DescrInitialized {
		return nil
	}

	connTo, err := s.connector(d.ToCurrency)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return err
	}
	confirmed, err := connTo.CheckTransaction(counterTxID)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonRpcError)
		return err
	}
	if !confirmed {
		s.svc.ParkPacket(d.ID, pkt)
		return nil
	}

	d.OPubKey = oPubKey
	d.SecretHash = secretHash
	d.CounterpartyDepositTxID = counterTxID
	d.CounterpartyLockScript = counterScript
	if err := checkCounterScript(d, counterScript); err != nil {
		s.cancelLocal(d, protocol.ReasonBadADepositTx)
		return err
	}

	connFrom, err := s.connector(d.FromCurrency)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return err
	}
	d.LockTime = connFrom.LockTime(wallet.RoleTaker)
	d.OpponentLockTime = connTo.LockTime(wallet.RoleMaker)

	if err := s.buildDeposit(d, connFrom); err != nil {
		s.log.Error("taker deposit failed", "orderid", d.ID, "error", err)
		s.cancelLocal(d, depositFailReason(err))
		return err
	}
	d.SetState(order.DescrCreated)

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutAddress(d.ToRaw)
	w.PutHash(d.ID)
	w.PutUint32(uint32(len(d.LockScript)))
	w.PutBytes(d.LockScript)
	w.PutString(d.DepositTxID)
	if err := s.replyHub(d, protocol.CmdCreatedB, w.Bytes()); err != nil {
		return err
	}
	s.svc.OrderChanged(d)
	return nil
}

// processConfirmA spends the taker deposit with the maker payment,
// revealing the X key. An unconfirmed taker deposit parks the packet.
//
// Payload: clientAddr | hubAddr | id | script len u32 | taker lock script |
// taker deposit txid.
// Reply: hubAddr | fromRaw | id | X pubkey 33B.
func (s *Session) processConfirmA(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // client echo
	d, err := s.localOrder(pkt, r)
	if err != nil {
		return err
	}
	defer d.Unlock()
	counterScript := r.Bytes(int(r.Uint32()))
	counterTxID := r.String()
	if r.Err() != nil {
		return fmt.Errorf("%w: confirm-a", ErrBadPayload)
	}

	if d.Role != wallet.RoleMaker || d.State != order.DescrCreated || d.Redeemed() {
		return nil
	}

	connTo, err := s.connector(d.ToCurrency)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return err
	}
	confirmed, err := connTo.CheckTransaction(counterTxID)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonRpcError)
		return err
	}
	if !confirmed {
		s.svc.ParkPacket(d.ID, pkt)
		return nil
	}

	d.CounterpartyDepositTxID = counterTxID
	d.CounterpartyLockScript = counterScript
	if err := checkCounterScript(d, counterScript); err != nil {
		s.cancelLocal(d, protocol.ReasonBadBDepositTx)
		return err
	}

	if err := s.spendCounterDeposit(d, connTo, d.XKey.Pub()); err != nil {
		s.log.Error("maker payment failed", "orderid", d.ID, "error", err)
		s.cancelLocal(d, protocol.ReasonRpcError)
		return err
	}

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutAddress(d.FromRaw)
	w.PutHash(d.ID)
	w.PutBytes(d.XKey.Pub())
	if err := s.replyHub(d, protocol.CmdConfirmedA, w.Bytes()); err != nil {
		return err
	}
	s.svc.OrderChanged(d)
	return nil
}

// processConfirmB spends the maker deposit with the taker payment using the
// revealed X key.
//
// Payload: clientAddr | hubAddr | id | X pubkey 33B.
// Reply: hubAddr | fromRaw | id.
func (s *Session) processConfirmB(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // client echo
	d, err := s.localOrder(pkt, r)
	if err != nil {
		return err
	}
	defer d.Unlock()
	xPubKey := r.Bytes(protocol.PubkeySize)
	if r.Err() != nil {
		return fmt.Errorf("%w: confirm-b", ErrBadPayload)
	}

	if d.Role != wallet.RoleTaker || d.State != order.DescrCreated || d.Redeemed() {
		return nil
	}

	// The revealed key must hash to the value both deposits were locked to.
	if !helpers.ConstantTimeCompare(wallet.KeyID(xPubKey), d.SecretHash) {
		s.cancelLocal(d, protocol.ReasonBadADepositTx)
		return fmt.Errorf("revealed key does not match the secret hash for order %s", d.ID)
	}

	connTo, err := s.connector(d.ToCurrency)
	if err != nil {
		s.cancelLocal(d, protocol.ReasonBadSettings)
		return err
	}
	if err := s.spendCounterDeposit(d, connTo, xPubKey); err != nil {
		s.log.Error("taker payment failed", "orderid", d.ID, "error", err)
		s.cancelLocal(d, protocol.ReasonRpcError)
		return err
	}

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutAddress(d.FromRaw)
	w.PutHash(d.ID)
	if err := s.replyHub(d, protocol.CmdConfirmedB, w.Bytes()); err != nil {
		return err
	}
	s.svc.OrderChanged(d)
	return nil
}

// processFinished retires a completed local order.
//
// Payload: id.
func (s *Session) processFinished(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	id := r.Hash()
	if r.Err() != nil {
		return fmt.Errorf("%w: finished", ErrBadPayload)
	}

	d, ok := s.svc.Descriptor(id)
	if !ok {
		return nil
	}
	d.Lock()
	defer d.Unlock()
	if !verifyHub(d, pkt) || d.State.Terminal() {
		return nil
	}
	d.SetState(order.DescrFinished)
	s.retireLocal(d)
	s.log.Info("swap finished", "orderid", id)
	return nil
}

// processReject marks a turned-down announce or accept.
//
// Payload: id | reason u32.
func (s *Session) processReject(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	id := r.Hash()
	reason := protocol.CancelReason(r.Uint32())
	if r.Err() != nil {
		return fmt.Errorf("%w: reject", ErrBadPayload)
	}

	d, ok := s.svc.Descriptor(id)
	if !ok {
		return nil
	}
	d.Lock()
	defer d.Unlock()
	if d.State.Terminal() {
		return nil
	}
	d.Reason = reason
	if reason == protocol.ReasonTimeout {
		d.SetState(order.DescrExpired)
	} else {
		d.SetState(order.DescrCancelled)
	}
	s.retireLocal(d)
	s.log.Warn("order rejected", "orderid", id, "reason", reason)
	return nil
}

// processCancel handles a cancel notice on whichever side we hold state.
// The hub verifies the signer is a party to the order before dropping it;
// a trader verifies the notice comes from the pinned hub or the
// counterparty key, then either cancels or rolls back its own leg.
//
// Payload: id | reason u32.
func (s *Session) processCancel(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	id := r.Hash()
	reason := protocol.CancelReason(r.Uint32())
	if r.Err() != nil {
		return fmt.Errorf("%w: cancel", ErrBadPayload)
	}

	if s.exch != nil {
		if tr, ok := s.exch.Order(id); ok && !tr.State().Terminal() {
			a, b := tr.A(), tr.B()
			if pkt.VerifyFrom(a.MPubKey) || pkt.VerifyFrom(b.MPubKey) {
				s.cancelHubOrder(tr, reason)
			} else {
				s.log.Warn("cancel from non-party ignored", "orderid", id)
			}
		} else if tr, ok := s.exch.PendingOrder(id); ok {
			if pkt.VerifyFrom(tr.A().MPubKey) {
				s.cancelHubOrder(tr, reason)
			}
		}
	}

	d, ok := s.svc.Descriptor(id)
	if !ok {
		return nil
	}
	d.Lock()
	defer d.Unlock()
	if d.State.Terminal() {
		return nil
	}
	fromHub := len(d.HubPubKey) > 0 && pkt.VerifyFrom(d.HubPubKey)
	fromPeer := len(d.OPubKey) > 0 && pkt.VerifyFrom(d.OPubKey)
	fromSelf := pkt.VerifyFrom(d.MKey.Pub())
	if !fromHub && !fromPeer && !fromSelf {
		return fmt.Errorf("cancel for order %s from unknown signer", id)
	}

	d.Reason = reason
	s.applyCancel(d)
	return nil
}

// applyCancel moves a local leg to its cancelled or rolled-back state.
// Callers must hold the descriptor lock. Below Created the leg simply
// closes; once our deposit is on chain the pre-signed refund is the only
// way out, and once we redeemed the counterparty deposit a cancel is moot.
func (s *Session) applyCancel(d *order.Descriptor) {
	switch {
	case d.Redeemed():
		// Our payment is already on chain; the swap succeeded for us.
		return
	case d.SentDeposit():
		s.rollback(d)
		if d.State == order.DescrRollbackFailed {
			// Keep the leg active so the maintenance tick can retry the
			// refund once the lock window opens.
			s.svc.OrderChanged(d)
			return
		}
	default:
		d.SetState(order.DescrCancelled)
	}
	s.retireLocal(d)
}

// rollback rebroadcasts the pre-signed refund for a deposited leg.
// Callers must hold the descriptor lock.
func (s *Session) rollback(d *order.Descriptor) {
	conn, err := s.connector(d.FromCurrency)
	if err != nil {
		d.SetState(order.DescrRollbackFailed)
		return
	}
	txid, err := conn.SendRawTransaction(d.RefundRawTx)
	if err != nil {
		// Likely inside the refund lock window still; operator follow-up
		// required if it never clears.
		s.log.Error("refund broadcast failed", "orderid", d.ID, "error", err)
		d.SetState(order.DescrRollbackFailed)
		return
	}
	d.RefundTxID = txid
	d.SetState(order.DescrRollback)
	s.log.Info("deposit refunded", "orderid", d.ID, "txid", txid)
}

// cancelLocal cancels our own leg and tells the network. Callers must hold
// the descriptor lock.
func (s *Session) cancelLocal(d *order.Descriptor, reason protocol.CancelReason) {
	d.Reason = reason
	if err := s.broadcastCancel(d.ID, reason, func(p *protocol.Packet) error {
		return signLocal(d, p)
	}); err != nil {
		s.log.Error("broadcast cancel", "orderid", d.ID, "error", err)
	}
	s.applyCancel(d)
}

// retireLocal releases everything held for a terminal descriptor.
func (s *Session) retireLocal(d *order.Descriptor) {
	s.svc.UnlockLocalUtxos(d.ID)
	s.svc.DropParkedPackets(d.ID)
	s.svc.MoveToHistory(d.ID)
	s.svc.OrderChanged(d)
}
