package helpers

import (
	"bytes"
	"testing"
)

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom failed: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("length = %d, want 32", len(a))
	}

	b, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two draws returned identical bytes")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"not equal", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different length", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"empty equal", []byte{}, []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConstantTimeCompare(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("ConstantTimeCompare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHexRoundTrip(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	s := BytesToHex(raw)
	if s != "deadbeef" {
		t.Errorf("BytesToHex = %q, want deadbeef", s)
	}

	got, err := HexToBytes(s)
	if err != nil {
		t.Fatalf("HexToBytes failed: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("round trip = %x, want %x", got, raw)
	}
}

func TestHexToBytesPrefix(t *testing.T) {
	got, err := HexToBytes("0xff01")
	if err != nil {
		t.Fatalf("HexToBytes failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0xff, 0x01}) {
		t.Errorf("got %x, want ff01", got)
	}

	if _, err := HexToBytes("zz"); err == nil {
		t.Error("invalid hex accepted")
	}
}
