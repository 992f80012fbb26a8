package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
)

// Identity is the node's packet-signing key pair and derived address.
type Identity struct {
	Priv    *secp256k1.PrivateKey
	Address protocol.Address
}

// PubKey returns the 33-byte compressed public key.
func (id *Identity) PubKey() []byte {
	return id.Priv.PubKey().SerializeCompressed()
}

// PrivKey returns the 32-byte private key.
func (id *Identity) PrivKey() []byte {
	return id.Priv.Serialize()
}

// mnemonicFile is where a generated mnemonic is persisted under the data dir.
const mnemonicFile = "identity.mnemonic"

// LoadIdentity derives the node identity from the configured mnemonic,
// generating and persisting a fresh one on first start.
func LoadIdentity(cfg *Config) (*Identity, error) {
	mnemonic := strings.TrimSpace(cfg.Node.Mnemonic)
	dataDir := ExpandPath(cfg.Node.DataDir)
	path := filepath.Join(dataDir, mnemonicFile)

	if mnemonic == "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			mnemonic = strings.TrimSpace(string(data))
		case os.IsNotExist(err):
			entropy, err := bip39.NewEntropy(256)
			if err != nil {
				return nil, fmt.Errorf("failed to generate identity entropy: %w", err)
			}
			mnemonic, err = bip39.NewMnemonic(entropy)
			if err != nil {
				return nil, fmt.Errorf("failed to generate identity mnemonic: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
				return nil, fmt.Errorf("failed to persist identity mnemonic: %w", err)
			}
		default:
			return nil, fmt.Errorf("failed to read identity mnemonic: %w", err)
		}
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid identity mnemonic")
	}

	return identityFromMnemonic(mnemonic)
}

// identityFromMnemonic derives the signing key from the BIP39 seed.
func identityFromMnemonic(mnemonic string) (*Identity, error) {
	seed := bip39.NewSeed(mnemonic, "")

	// The first 32 seed bytes form the private scalar. Reduce modulo the
	// curve order via PrivKeyFromBytes.
	priv := secp256k1.PrivKeyFromBytes(seed[:32])
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("degenerate identity key")
	}

	pub := priv.PubKey().SerializeCompressed()
	return &Identity{
		Priv:    priv,
		Address: protocol.AddressFromBytes(btcutil.Hash160(pub)),
	}, nil
}
