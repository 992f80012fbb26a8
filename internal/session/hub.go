package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/exchange"
	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// orderTerms is the common leg layout carried by Order and Accept packets:
// source address, source currency/amount, dest address, dest currency/amount.
type orderTerms struct {
	sourceAddr     protocol.Address
	sourceCurrency string
	sourceAmount   uint64
	destAddr       protocol.Address
	destCurrency   string
	destAmount     uint64
}

func readTerms(r *protocol.PayloadReader) orderTerms {
	var t orderTerms
	t.sourceAddr = r.Address()
	t.sourceCurrency = r.Currency()
	t.sourceAmount = r.Uint64()
	t.destAddr = r.Address()
	t.destCurrency = r.Currency()
	t.destAmount = r.Uint64()
	return t
}

func writeTerms(w *protocol.PayloadWriter, t orderTerms) {
	w.PutAddress(t.sourceAddr)
	w.PutCurrency(t.sourceCurrency)
	w.PutUint64(t.sourceAmount)
	w.PutAddress(t.destAddr)
	w.PutCurrency(t.destCurrency)
	w.PutUint64(t.destAmount)
}

// rejectReason maps a matcher error to the reason code sent back.
func rejectReason(err error) protocol.CancelReason {
	switch {
	case errors.Is(err, exchange.ErrDust):
		return protocol.ReasonDust
	case errors.Is(err, exchange.ErrBadUtxo), errors.Is(err, exchange.ErrUtxoLocked):
		return protocol.ReasonBadUtxo
	case errors.Is(err, exchange.ErrNoWallet):
		return protocol.ReasonBadSettings
	case errors.Is(err, exchange.ErrExpired):
		return protocol.ReasonTimeout
	default:
		return protocol.ReasonNotAccepted
	}
}

// processOrder handles a maker announcement: validate terms, lock the
// pledged utxos and broadcast the open order. Re-announcements of a live
// order refresh its TTL and repeat the broadcast, rate limited.
//
// Payload: id | terms | created u64 | utxos. The packet key is the maker's
// one-time session key.
func (s *Session) processOrder(pkt *protocol.Packet) error {
	if s.exch == nil {
		return ErrHubDisabled
	}

	r := protocol.NewPayloadReader(pkt.Payload)
	id := r.Hash()
	terms := readTerms(r)
	created := r.Uint64()
	utxos := wallet.ReadUtxos(r)
	if r.Err() != nil {
		return fmt.Errorf("%w: order", ErrBadPayload)
	}
	if len(utxos) == 0 {
		s.sendReject(terms.sourceAddr, id, protocol.ReasonBadUtxo)
		return fmt.Errorf("%w: order without utxos", ErrBadPayload)
	}

	mPubKey := append([]byte(nil), pkt.PubKey[:]...)
	createdNow, err := s.exch.CreateOrder(id,
		terms.sourceAddr, terms.sourceCurrency, terms.sourceAmount,
		terms.destAddr, terms.destCurrency, terms.destAmount,
		unixTime(created), mPubKey, utxos)
	if errors.Is(err, exchange.ErrThrottled) {
		// Maker re-announced too fast; drop silently.
		return nil
	}
	if err != nil {
		s.sendReject(terms.sourceAddr, id, rejectReason(err))
		return err
	}
	if createdNow {
		s.log.Info("order accepted", "orderid", id,
			"pair", terms.sourceCurrency+"/"+terms.destCurrency)
	}

	tr, ok := s.exch.PendingOrder(id)
	if !ok {
		// Joined between insert and lookup; the hold path owns it now.
		return nil
	}
	return s.broadcastPendingOrder(tr)
}

// broadcastPendingOrder floods the open-order summary.
// Payload: id | sourceCurrency | sourceAmount | destCurrency | destAmount |
// hubAddr | created u64.
func (s *Session) broadcastPendingOrder(tr *order.Order) error {
	w := protocol.NewPayloadWriter()
	w.PutHash(tr.ID())
	w.PutCurrency(tr.SourceCurrency())
	w.PutUint64(tr.SourceAmount())
	w.PutCurrency(tr.DestCurrency())
	w.PutUint64(tr.DestAmount())
	w.PutAddress(s.id.Address)
	w.PutUint64(uint64(tr.Created().Unix()))

	pkt := protocol.NewPacket(protocol.CmdPendingOrder, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.Broadcast(pkt)
}

// processAccept handles a taker join. The taker's terms must be the exact
// inverse of the open order; on success both parties receive Hold.
//
// Payload: hubAddr | id | terms | utxos. The packet key is the taker's
// one-time session key.
func (s *Session) processAccept(pkt *protocol.Packet) error {
	if s.exch == nil {
		return ErrHubDisabled
	}

	r := protocol.NewPayloadReader(pkt.Payload)
	hubAddr := r.Address()
	id := r.Hash()
	terms := readTerms(r)
	utxos := wallet.ReadUtxos(r)
	if r.Err() != nil {
		return fmt.Errorf("%w: accept", ErrBadPayload)
	}
	if hubAddr != s.id.Address {
		// Addressed to another hub; not ours to match.
		return nil
	}
	if len(utxos) == 0 {
		s.sendReject(terms.sourceAddr, id, protocol.ReasonBadUtxo)
		return fmt.Errorf("%w: accept without utxos", ErrBadPayload)
	}

	mPubKey := append([]byte(nil), pkt.PubKey[:]...)
	tr, err := s.exch.AcceptOrder(id,
		terms.sourceAddr, terms.sourceCurrency, terms.sourceAmount,
		terms.destAddr, terms.destCurrency, terms.destAmount,
		mPubKey, utxos)
	if err != nil {
		s.sendReject(terms.sourceAddr, id, rejectReason(err))
		return err
	}

	// Both legs are committed; ask both parties to hold.
	if err := s.sendHold(tr, tr.A().Source); err != nil {
		return err
	}
	return s.sendHold(tr, tr.B().Source)
}

// sendHold asks one party to freeze the joined order.
// Payload: hubAddr | id.
func (s *Session) sendHold(tr *order.Order, to protocol.Address) error {
	w := protocol.NewPayloadWriter()
	w.PutAddress(s.id.Address)
	w.PutHash(tr.ID())

	pkt := protocol.NewPacket(protocol.CmdHold, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.SendTo(to, pkt)
}

// hubOrder resolves an active hub order and binds the packet to the party
// claimed by from: the address must belong to one of the two members and
// the signature must verify against that member's recorded session key.
// Unsigned impostors are dropped without touching the order; a genuine
// party signing for an address outside the join cancels it, since that
// party is broken or hostile either way.
func (s *Session) hubOrder(pkt *protocol.Packet, id chainhash.Hash, from protocol.Address) (*order.Order, error) {
	if s.exch == nil {
		return nil, ErrHubDisabled
	}
	tr, ok := s.exch.Order(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrNotFound, id)
	}
	key, ok := tr.MemberKey(from)
	if !ok {
		if pkt.VerifyFrom(tr.A().MPubKey) || pkt.VerifyFrom(tr.B().MPubKey) {
			s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		}
		return nil, fmt.Errorf("address %s is not a party to order %s", from, id)
	}
	if !pkt.VerifyFrom(key) {
		return nil, fmt.Errorf("packet for order %s not signed by the session key of %s", id, from)
	}
	return tr, nil
}

// processHoldAck advances Joined once both receiving-side acks are in, then
// sends Init to both parties.
//
// Payload: hubAddr | fromAddr (party dest) | id.
func (s *Session) processHoldAck(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // hub echo
	from := r.Address()
	id := r.Hash()
	if r.Err() != nil {
		return fmt.Errorf("%w: hold ack", ErrBadPayload)
	}

	tr, err := s.hubOrder(pkt, id, from)
	if err != nil {
		return err
	}
	if tr.IncreaseStateCounter(order.StateJoined, from) != order.StateHold {
		return nil
	}

	if err := s.sendInit(tr, tr.A()); err != nil {
		return err
	}
	return s.sendInit(tr, tr.B())
}

// sendInit sends a party its own leg back for confirmation.
// Payload: clientAddr | hubAddr | id | terms (the recipient's leg).
func (s *Session) sendInit(tr *order.Order, m order.Member) error {
	terms := orderTerms{
		sourceAddr:     m.Source,
		sourceCurrency: tr.SourceCurrency(),
		sourceAmount:   tr.SourceAmount(),
		destAddr:       m.Dest,
		destCurrency:   tr.DestCurrency(),
		destAmount:     tr.DestAmount(),
	}
	if m.Source == tr.B().Source {
		// The taker's leg runs opposite to the order's quoted pair.
		terms.sourceCurrency, terms.destCurrency = terms.destCurrency, terms.sourceCurrency
		terms.sourceAmount, terms.destAmount = terms.destAmount, terms.sourceAmount
	}

	w := protocol.NewPayloadWriter()
	w.PutAddress(m.Source)
	w.PutAddress(s.id.Address)
	w.PutHash(tr.ID())
	writeTerms(w, terms)

	pkt := protocol.NewPacket(protocol.CmdInit, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.SendTo(m.Source, pkt)
}

// processInitialized records a party's one-time M key and, once both
// paying-side acks are in, asks the maker to create its deposit.
//
// Payload: hubAddr | fromAddr (party source) | id | M pubkey 33B.
func (s *Session) processInitialized(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // hub echo
	from := r.Address()
	id := r.Hash()
	mPubKey := r.Bytes(protocol.PubkeySize)
	if r.Err() != nil {
		return fmt.Errorf("%w: initialized", ErrBadPayload)
	}

	tr, err := s.hubOrder(pkt, id, from)
	if err != nil {
		return err
	}
	if !bytes.Equal(mPubKey, pkt.PubKey[:]) {
		// The published key must be the one the packet is signed with;
		// anything else is an attempt to rebind the deposit script.
		s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		return fmt.Errorf("order %s: initialized key does not match the signer of %s", id, from)
	}
	if !tr.SetMPubKey(from, mPubKey) {
		s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		return fmt.Errorf("address %s cannot publish a key for order %s", from, id)
	}
	if tr.IncreaseStateCounter(order.StateHold, from) != order.StateInitialized {
		return nil
	}

	return s.sendCreateA(tr)
}

// sendCreateA asks the maker to build its deposit, handing over the
// taker's one-time key.
// Payload: clientAddr | hubAddr | id | taker M pubkey 33B.
func (s *Session) sendCreateA(tr *order.Order) error {
	a, b := tr.A(), tr.B()

	w := protocol.NewPayloadWriter()
	w.PutAddress(a.Source)
	w.PutAddress(s.id.Address)
	w.PutHash(tr.ID())
	w.PutBytes(b.MPubKey)

	pkt := protocol.NewPacket(protocol.CmdCreateA, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.SendTo(a.Source, pkt)
}

// processCreatedA records the maker deposit and relays it to the taker.
//
// Payload: hubAddr | fromAddr (maker dest) | id | secret hash 20B |
// script len u32 | lock script | deposit txid.
func (s *Session) processCreatedA(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // hub echo
	from := r.Address()
	id := r.Hash()
	secretHash := r.Bytes(protocol.AddressSize)
	script := r.Bytes(int(r.Uint32()))
	txid := r.String()
	if r.Err() != nil {
		return fmt.Errorf("%w: created-a", ErrBadPayload)
	}

	tr, err := s.hubOrder(pkt, id, from)
	if err != nil {
		return err
	}
	a := tr.A()
	if from != a.Dest {
		s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		return fmt.Errorf("created-a for order %s from non-maker address %s", id, from)
	}

	tr.SetSecretHash(secretHash)
	tr.SetDeposit(a.Source, txid, script)
	tr.IncreaseStateCounter(order.StateInitialized, from)

	return s.sendCreateB(tr)
}

// sendCreateB relays the maker deposit to the taker so it can verify the
// lock and build its own deposit.
// Payload: clientAddr | hubAddr | id | maker M pubkey 33B | secret hash 20B |
// script len u32 | maker lock script | maker deposit txid.
func (s *Session) sendCreateB(tr *order.Order) error {
	a, b := tr.A(), tr.B()

	w := protocol.NewPayloadWriter()
	w.PutAddress(b.Source)
	w.PutAddress(s.id.Address)
	w.PutHash(tr.ID())
	w.PutBytes(a.MPubKey)
	w.PutBytes(tr.SecretHash())
	w.PutUint32(uint32(len(a.LockScript)))
	w.PutBytes(a.LockScript)
	w.PutString(a.DepositTxID)

	pkt := protocol.NewPacket(protocol.CmdCreateB, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.SendTo(b.Source, pkt)
}

// processCreatedB records the taker deposit; once both deposit acks are in
// the order is Created and the maker may spend the taker deposit.
//
// Payload: hubAddr | fromAddr (taker dest) | id | script len u32 |
// lock script | deposit txid.
func (s *Session) processCreatedB(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // hub echo
	from := r.Address()
	id := r.Hash()
	script := r.Bytes(int(r.Uint32()))
	txid := r.String()
	if r.Err() != nil {
		return fmt.Errorf("%w: created-b", ErrBadPayload)
	}

	tr, err := s.hubOrder(pkt, id, from)
	if err != nil {
		return err
	}
	b := tr.B()
	if from != b.Dest {
		s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		return fmt.Errorf("created-b for order %s from non-taker address %s", id, from)
	}

	tr.SetDeposit(b.Source, txid, script)
	if tr.IncreaseStateCounter(order.StateInitialized, from) != order.StateCreated {
		return nil
	}

	return s.sendConfirmA(tr)
}

// sendConfirmA hands the taker deposit to the maker for spending.
// Payload: clientAddr | hubAddr | id | script len u32 | taker lock script |
// taker deposit txid.
func (s *Session) sendConfirmA(tr *order.Order) error {
	a, b := tr.A(), tr.B()

	w := protocol.NewPayloadWriter()
	w.PutAddress(a.Source)
	w.PutAddress(s.id.Address)
	w.PutHash(tr.ID())
	w.PutUint32(uint32(len(b.LockScript)))
	w.PutBytes(b.LockScript)
	w.PutString(b.DepositTxID)

	pkt := protocol.NewPacket(protocol.CmdConfirmA, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.SendTo(a.Source, pkt)
}

// processConfirmedA takes the revealed X key from the maker's payment and
// relays it to the taker.
//
// Payload: hubAddr | fromAddr (maker source) | id | X pubkey 33B.
func (s *Session) processConfirmedA(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // hub echo
	from := r.Address()
	id := r.Hash()
	xPubKey := r.Bytes(protocol.PubkeySize)
	if r.Err() != nil {
		return fmt.Errorf("%w: confirmed-a", ErrBadPayload)
	}

	tr, err := s.hubOrder(pkt, id, from)
	if err != nil {
		return err
	}
	if from != tr.A().Source {
		s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		return fmt.Errorf("confirmed-a for order %s from non-maker address %s", id, from)
	}

	tr.IncreaseStateCounter(order.StateCreated, from)
	return s.sendConfirmB(tr, xPubKey)
}

// sendConfirmB relays the revealed X key to the taker.
// Payload: clientAddr | hubAddr | id | X pubkey 33B.
func (s *Session) sendConfirmB(tr *order.Order, xPubKey []byte) error {
	b := tr.B()

	w := protocol.NewPayloadWriter()
	w.PutAddress(b.Source)
	w.PutAddress(s.id.Address)
	w.PutHash(tr.ID())
	w.PutBytes(xPubKey)

	pkt := protocol.NewPacket(protocol.CmdConfirmB, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.SendTo(b.Source, pkt)
}

// processConfirmedB closes the swap: once both payment acks are in the
// order is Finished, its locks are released and the result is broadcast.
//
// Payload: hubAddr | fromAddr (taker source) | id.
func (s *Session) processConfirmedB(pkt *protocol.Packet) error {
	r := protocol.NewPayloadReader(pkt.Payload)
	r.Address() // hub echo
	from := r.Address()
	id := r.Hash()
	if r.Err() != nil {
		return fmt.Errorf("%w: confirmed-b", ErrBadPayload)
	}

	tr, err := s.hubOrder(pkt, id, from)
	if err != nil {
		return err
	}
	if from != tr.B().Source {
		s.cancelHubOrder(tr, protocol.ReasonInvalidAddress)
		return fmt.Errorf("confirmed-b for order %s from non-taker address %s", id, from)
	}

	if tr.IncreaseStateCounter(order.StateCreated, from) != order.StateFinished {
		return nil
	}
	s.exch.FinalizeOrder(id)
	s.log.Info("order finished", "orderid", id)

	w := protocol.NewPayloadWriter()
	w.PutHash(id)
	pkt = protocol.NewPacket(protocol.CmdFinished, w.Bytes())
	if err := s.signHub(pkt); err != nil {
		return err
	}
	return s.send.Broadcast(pkt)
}
