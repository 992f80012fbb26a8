package protocol

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestPayloadCurrencyPadding(t *testing.T) {
	w := NewPayloadWriter()
	w.PutCurrency("BTC")
	w.PutCurrency("MAXLEN")

	if w.Len() != 2*CurrencySize {
		t.Fatalf("len = %d, want %d", w.Len(), 2*CurrencySize)
	}

	r := NewPayloadReader(w.Bytes())
	if got := r.Currency(); got != "BTC" {
		t.Errorf("currency = %q, want BTC", got)
	}
	if got := r.Currency(); got != "MAXLEN" {
		t.Errorf("currency = %q, want MAXLEN", got)
	}
	if r.Err() != nil {
		t.Errorf("unexpected reader error: %v", r.Err())
	}
}

func TestPayloadStringNulTerminated(t *testing.T) {
	w := NewPayloadWriter()
	w.PutString("deadbeef0011")
	w.PutUint32(7)

	r := NewPayloadReader(w.Bytes())
	if got := r.String(); got != "deadbeef0011" {
		t.Errorf("string = %q", got)
	}
	if got := r.Uint32(); got != 7 {
		t.Errorf("uint32 after string = %d, want 7", got)
	}
}

func TestPayloadReaderErrorLatches(t *testing.T) {
	w := NewPayloadWriter()
	w.PutUint32(42)
	r := NewPayloadReader(w.Bytes())

	if got := r.Uint32(); got != 42 {
		t.Fatalf("uint32 = %d, want 42", got)
	}
	// Past the end: every subsequent read fails and yields zero values.
	if got := r.Uint64(); got != 0 {
		t.Errorf("overread uint64 = %d, want 0", got)
	}
	if r.Err() == nil {
		t.Fatal("expected latched error after overread")
	}
	if h := r.Hash(); h != (chainhash.Hash{}) {
		t.Error("overread hash not zero")
	}
	if a := r.Address(); !a.IsZero() {
		t.Error("overread address not zero")
	}
}
