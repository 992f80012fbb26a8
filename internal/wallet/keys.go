package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyPair is a one-time secp256k1 key pair. Each swap leg uses a fresh M
// pair to co-sign the deposit script; the maker additionally draws an X
// pair whose hashed public key locks both deposits.
type KeyPair struct {
	Priv *secp256k1.PrivateKey
}

// NewKeyPair draws a fresh key pair.
func NewKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Priv: priv}, nil
}

// Pub returns the 33-byte compressed public key.
func (k *KeyPair) Pub() []byte {
	return k.Priv.PubKey().SerializeCompressed()
}

// PrivBytes returns the 32-byte private scalar.
func (k *KeyPair) PrivBytes() []byte {
	return k.Priv.Serialize()
}

// KeyID returns the 20-byte hash160 of a public key. Deposit scripts commit
// to key ids, not raw keys.
func KeyID(pubkey []byte) []byte {
	return btcutil.Hash160(pubkey)
}
