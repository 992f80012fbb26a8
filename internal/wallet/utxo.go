package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
)

// Outpoint is the lock-table key for an unspent output.
type Outpoint struct {
	TxID chainhash.Hash
	Vout uint32
}

// String renders the outpoint as txid:vout.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// UtxoEntry is one candidate unspent output pledged to an order.
type UtxoEntry struct {
	TxID       chainhash.Hash
	Vout       uint32
	Amount     uint64
	Address    string
	RawAddress protocol.Address
	// Signature proves the sender controls the output's address. Verified
	// by the hub before the utxo may be locked.
	Signature []byte
}

// Outpoint returns the lock-table key for this entry.
func (u UtxoEntry) Outpoint() Outpoint {
	return Outpoint{TxID: u.TxID, Vout: u.Vout}
}

// utxoWireSize is the fixed wire footprint of one utxo item:
// txid 32B, vout u32, raw address 20B, ownership signature 64B.
const utxoWireSize = protocol.HashSize + 4 + protocol.AddressSize + protocol.SignatureSize

// PutUtxos appends a count-prefixed utxo list to a payload.
func PutUtxos(w *protocol.PayloadWriter, items []UtxoEntry) {
	w.PutUint32(uint32(len(items)))
	for _, item := range items {
		w.PutHash(item.TxID)
		w.PutUint32(item.Vout)
		w.PutAddress(item.RawAddress)
		sig := make([]byte, protocol.SignatureSize)
		copy(sig, item.Signature)
		w.PutBytes(sig)
	}
}

// ReadUtxos decodes a count-prefixed utxo list from a payload.
func ReadUtxos(r *protocol.PayloadReader) []UtxoEntry {
	count := r.Uint32()
	if r.Err() != nil {
		return nil
	}
	// Guard against a hostile count before allocating.
	if int(count)*utxoWireSize > r.Remaining() {
		return nil
	}
	items := make([]UtxoEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := UtxoEntry{
			TxID: r.Hash(),
			Vout: r.Uint32(),
		}
		entry.RawAddress = r.Address()
		entry.Signature = r.Bytes(protocol.SignatureSize)
		if r.Err() != nil {
			return nil
		}
		items = append(items, entry)
	}
	return items
}
