package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// BuildDepositScript creates the swap lock script for a deposit.
//
// Script structure:
//
//	OP_IF
//	    <lockTime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <hash160(myPubkey)> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ELSE
//	    OP_DUP OP_HASH160 <secretHash> OP_EQUALVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <hash160(otherPubkey)> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ENDIF
//
// Refund path (OP_IF): depositor reclaims alone after lockTime.
// Payment path (OP_ELSE): counterparty spends by revealing the X public key
// hashing to secretHash plus its own signature.
func BuildDepositScript(myPubkey, otherPubkey, secretHash []byte, lockTime uint32) ([]byte, error) {
	if len(myPubkey) != 33 {
		return nil, fmt.Errorf("my pubkey must be 33 bytes (compressed), got %d", len(myPubkey))
	}
	if len(otherPubkey) != 33 {
		return nil, fmt.Errorf("counterparty pubkey must be 33 bytes (compressed), got %d", len(otherPubkey))
	}
	if len(secretHash) != 20 {
		return nil, fmt.Errorf("secret hash must be 20 bytes, got %d", len(secretHash))
	}
	if lockTime == 0 {
		return nil, fmt.Errorf("lock time must be greater than 0")
	}

	builder := txscript.NewScriptBuilder()

	// Refund branch
	builder.AddOp(txscript.OP_IF)
	builder.AddInt64(int64(lockTime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(myPubkey))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	// Payment branch (secret reveal)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcutil.Hash160(otherPubkey))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// DepositScriptAddress derives the P2SH address paying into a lock script.
func DepositScriptAddress(script []byte, params *chaincfg.Params) (string, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	addr, err := btcutil.NewAddressScriptHash(script, params)
	if err != nil {
		return "", fmt.Errorf("failed to derive script address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
