package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// depositFailReason maps a deposit build failure to the reason code put on
// the cancel notice.
func depositFailReason(err error) protocol.CancelReason {
	switch {
	case errors.Is(err, ErrInsufficient):
		return protocol.ReasonNoMoney
	case errors.Is(err, wallet.ErrRPC):
		return protocol.ReasonRpcError
	default:
		return protocol.ReasonNotSigned
	}
}

// selectUtxos picks funding outputs for amount plus fees, largest first.
// The deposit fee depends on the input count, so the target moves as
// inputs are added; fee2 pre-funds the counterparty's one-in-one-out spend
// of the deposit.
func selectUtxos(conn wallet.Connector, candidates []wallet.UtxoEntry, amount uint64) (used []wallet.UtxoEntry, total, fee1, fee2 uint64, err error) {
	sorted := append([]wallet.UtxoEntry(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	fee2 = conn.MinTxFee(1, 1)
	for _, entry := range sorted {
		used = append(used, entry)
		total += entry.Amount
		fee1 = conn.MinTxFee(len(used), 3)
		if total >= amount+fee1+fee2 {
			return used, total, fee1, fee2, nil
		}
	}
	return nil, 0, 0, 0, fmt.Errorf("%w: have %d, need %d plus fees", ErrInsufficient, total, amount)
}

// buildDeposit creates, pre-refunds and broadcasts the local deposit leg.
// On return the descriptor carries the lock script, the deposit and the
// signed refund that undoes it after the lock window. The refund is built
// before the deposit hits the wire: a deposit we cannot take back is never
// broadcast. Callers must hold the descriptor lock.
func (s *Session) buildDeposit(d *order.Descriptor, conn wallet.Connector) error {
	script, err := wallet.BuildDepositScript(d.MKey.Pub(), d.OPubKey, d.SecretHash, d.LockTime)
	if err != nil {
		return fmt.Errorf("lock script: %w", err)
	}
	scriptAddr, err := conn.ScriptAddress(script)
	if err != nil {
		return fmt.Errorf("script address: %w", err)
	}

	used, total, fee1, fee2, err := selectUtxos(conn, d.Utxos, d.FromAmount)
	if err != nil {
		return err
	}

	inputs := make([]wallet.TxIn, len(used))
	for i, entry := range used {
		inputs[i] = wallet.TxIn{TxID: entry.TxID.String(), Vout: entry.Vout, Amount: entry.Amount}
	}

	// Output 0 is the lock; it carries the swap amount plus the fee the
	// counterparty will pay spending it.
	outputs := []wallet.TxOut{{Address: scriptAddr, Amount: d.FromAmount + fee2}}
	if change := total - d.FromAmount - fee1 - fee2; change > conn.DustThreshold() {
		// Change returns to the largest funding address.
		outputs = append(outputs, wallet.TxOut{Address: used[0].Address, Amount: change})
	}

	depositTxID, depositRaw, err := conn.CreateDepositTransaction(inputs, outputs)
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	refundAddr, err := conn.GetNewAddress()
	if err != nil {
		return fmt.Errorf("refund address: %w", err)
	}
	refundTxID, refundRaw, err := conn.CreateRefundTransaction(
		[]wallet.TxIn{{TxID: depositTxID, Vout: 0, Amount: d.FromAmount + fee2}},
		[]wallet.TxOut{{Address: refundAddr, Amount: d.FromAmount}},
		d.MKey.Pub(), d.MKey.PrivBytes(), script, d.LockTime)
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}

	if _, err := conn.SendRawTransaction(depositRaw); err != nil {
		return fmt.Errorf("deposit broadcast: %w", err)
	}

	d.LockScript = script
	d.DepositTxID = depositTxID
	d.DepositRawTx = depositRaw
	d.RefundTxID = refundTxID
	d.RefundRawTx = refundRaw
	d.Utxos = used
	d.MarkDepositSent()

	s.log.Info("deposit sent", "orderid", d.ID, "currency", conn.Currency(),
		"txid", depositTxID, "inputs", len(used))
	return nil
}

// spendCounterDeposit builds and broadcasts the payment spending the
// counterparty deposit, presenting secret in the scriptSig. Callers must
// hold the descriptor lock.
func (s *Session) spendCounterDeposit(d *order.Descriptor, conn wallet.Connector, secret []byte) error {
	fee := conn.MinTxFee(1, 1)
	inputs := []wallet.TxIn{{TxID: d.CounterpartyDepositTxID, Vout: 0, Amount: d.ToAmount + fee}}
	outputs := []wallet.TxOut{{Address: d.ToAddr, Amount: d.ToAmount}}

	txid, raw, err := conn.CreatePaymentTransaction(inputs, outputs,
		d.MKey.Pub(), d.MKey.PrivBytes(), secret, d.CounterpartyLockScript)
	if err != nil {
		return fmt.Errorf("payment: %w", err)
	}
	if _, err := conn.SendRawTransaction(raw); err != nil {
		return fmt.Errorf("payment broadcast: %w", err)
	}

	d.PaymentTxID = txid
	d.MarkRedeemed()
	s.log.Info("payment sent", "orderid", d.ID, "currency", conn.Currency(), "txid", txid)
	return nil
}
