package wallet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func testKeys(t *testing.T) (mine, other *KeyPair) {
	t.Helper()
	var err error
	if mine, err = NewKeyPair(); err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	if other, err = NewKeyPair(); err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	return mine, other
}

func TestBuildDepositScript(t *testing.T) {
	mine, other := testKeys(t)
	x, _ := NewKeyPair()
	secretHash := KeyID(x.Pub())

	script, err := BuildDepositScript(mine.Pub(), other.Pub(), secretHash, 800_000)
	if err != nil {
		t.Fatalf("BuildDepositScript failed: %v", err)
	}

	// Both key ids and the secret hash are committed in the script.
	for name, want := range map[string][]byte{
		"my key id":    KeyID(mine.Pub()),
		"other key id": KeyID(other.Pub()),
		"secret hash":  secretHash,
	} {
		if !bytes.Contains(script, want) {
			t.Errorf("script does not commit to %s", name)
		}
	}

	// The raw keys never appear; only their hashes do.
	if bytes.Contains(script, mine.Pub()) || bytes.Contains(script, other.Pub()) {
		t.Error("script leaks a raw public key")
	}

	asm, err := txscript.DisasmString(script)
	if err != nil {
		t.Fatalf("script does not disassemble: %v", err)
	}
	for _, op := range []string{"OP_IF", "OP_CHECKLOCKTIMEVERIFY", "OP_ELSE", "OP_ENDIF"} {
		if !strings.Contains(asm, op) {
			t.Errorf("script missing %s: %s", op, asm)
		}
	}
}

func TestBuildDepositScriptValidation(t *testing.T) {
	mine, other := testKeys(t)
	secretHash := make([]byte, 20)

	cases := []struct {
		name       string
		my, their  []byte
		secretHash []byte
		lockTime   uint32
	}{
		{"short my pubkey", mine.Pub()[:32], other.Pub(), secretHash, 100},
		{"short other pubkey", mine.Pub(), other.Pub()[:10], secretHash, 100},
		{"bad secret hash", mine.Pub(), other.Pub(), secretHash[:19], 100},
		{"zero lock time", mine.Pub(), other.Pub(), secretHash, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildDepositScript(tc.my, tc.their, tc.secretHash, tc.lockTime); err == nil {
				t.Error("invalid input accepted")
			}
		})
	}
}

func TestDepositScriptAddress(t *testing.T) {
	mine, other := testKeys(t)
	script, err := BuildDepositScript(mine.Pub(), other.Pub(), make([]byte, 20), 100)
	if err != nil {
		t.Fatalf("BuildDepositScript failed: %v", err)
	}

	mainnet, err := DepositScriptAddress(script, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DepositScriptAddress failed: %v", err)
	}
	if !strings.HasPrefix(mainnet, "3") {
		t.Errorf("mainnet p2sh address = %q, want 3-prefix", mainnet)
	}

	testnet, err := DepositScriptAddress(script, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("DepositScriptAddress failed: %v", err)
	}
	if mainnet == testnet {
		t.Error("address ignores chain params")
	}
}

func TestKeyID(t *testing.T) {
	k, _ := NewKeyPair()
	id := KeyID(k.Pub())
	if len(id) != 20 {
		t.Fatalf("key id length = %d, want 20", len(id))
	}
	if !bytes.Equal(id, KeyID(k.Pub())) {
		t.Error("key id not deterministic")
	}
}
