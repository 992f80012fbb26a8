package session

import (
	"fmt"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// AnnounceOrder broadcasts a local maker order. Also used to refresh the
// TTL of a live announcement; hubs throttle repeats on their side.
//
// Payload: id | terms | created u64 | utxos.
func (s *Session) AnnounceOrder(d *order.Descriptor) error {
	d.Lock()
	defer d.Unlock()

	if d.Role != wallet.RoleMaker || d.State.Terminal() {
		return fmt.Errorf("order %s is not an open maker order", d.ID)
	}

	w := protocol.NewPayloadWriter()
	w.PutHash(d.ID)
	writeTerms(w, orderTerms{
		sourceAddr:     d.FromRaw,
		sourceCurrency: d.FromCurrency,
		sourceAmount:   d.FromAmount,
		destAddr:       d.ToRaw,
		destCurrency:   d.ToCurrency,
		destAmount:     d.ToAmount,
	})
	w.PutUint64(uint64(d.CreatedAt.Unix()))
	wallet.PutUtxos(w, d.Utxos)

	pkt := protocol.NewPacket(protocol.CmdOrder, w.Bytes())
	if err := signLocal(d, pkt); err != nil {
		return err
	}
	if err := s.send.Broadcast(pkt); err != nil {
		return err
	}
	d.Touch()
	s.log.Info("order announced", "orderid", d.ID,
		"pair", d.FromCurrency+"/"+d.ToCurrency)
	return nil
}

// SendAccept asks a hub to join us as taker on one of its open orders.
//
// Payload: hubAddr | id | terms (our leg) | utxos.
func (s *Session) SendAccept(d *order.Descriptor) error {
	d.Lock()
	defer d.Unlock()

	if d.Role != wallet.RoleTaker || d.HubAddress.IsZero() {
		return fmt.Errorf("order %s is not acceptable", d.ID)
	}

	w := protocol.NewPayloadWriter()
	w.PutAddress(d.HubAddress)
	w.PutHash(d.ID)
	writeTerms(w, orderTerms{
		sourceAddr:     d.FromRaw,
		sourceCurrency: d.FromCurrency,
		sourceAmount:   d.FromAmount,
		destAddr:       d.ToRaw,
		destCurrency:   d.ToCurrency,
		destAmount:     d.ToAmount,
	})
	wallet.PutUtxos(w, d.Utxos)

	pkt := protocol.NewPacket(protocol.CmdAccept, w.Bytes())
	if err := signLocal(d, pkt); err != nil {
		return err
	}
	if err := s.send.SendTo(d.HubAddress, pkt); err != nil {
		return err
	}
	d.SetState(order.DescrAccepting)
	s.svc.OrderChanged(d)
	s.log.Info("order accept sent", "orderid", d.ID)
	return nil
}

// RequestCancel cancels a local leg on the operator's behalf, telling the
// network and rolling back the deposit if one is on chain.
func (s *Session) RequestCancel(d *order.Descriptor, reason protocol.CancelReason) error {
	d.Lock()
	defer d.Unlock()

	if d.State.Terminal() {
		return fmt.Errorf("order %s is already closed", d.ID)
	}
	s.cancelLocal(d, reason)
	return nil
}

// RetryRollback reattempts the refund broadcast for a leg stuck in
// RollbackFailed, typically because the refund lock window had not opened
// on the first try.
func (s *Session) RetryRollback(d *order.Descriptor) error {
	d.Lock()
	defer d.Unlock()

	if d.State != order.DescrRollbackFailed {
		return fmt.Errorf("order %s has no failed rollback", d.ID)
	}
	s.rollback(d)
	if d.State != order.DescrRollback {
		return fmt.Errorf("refund for order %s still not accepted", d.ID)
	}
	s.retireLocal(d)
	return nil
}
