package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PayloadWriter builds a command payload. All integers are little endian,
// addresses are 20 bytes, currency codes are 8-byte zero-padded strings and
// variable strings are NUL terminated.
type PayloadWriter struct {
	buf bytes.Buffer
}

// NewPayloadWriter returns an empty payload writer.
func NewPayloadWriter() *PayloadWriter {
	return &PayloadWriter{}
}

// Bytes returns the accumulated payload.
func (w *PayloadWriter) Bytes() []byte { return w.buf.Bytes() }

// Len returns the current payload length.
func (w *PayloadWriter) Len() int { return w.buf.Len() }

// PutUint16 appends a little-endian u16.
func (w *PayloadWriter) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// PutUint32 appends a little-endian u32.
func (w *PayloadWriter) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// PutUint64 appends a little-endian u64.
func (w *PayloadWriter) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// PutAddress appends a 20-byte address.
func (w *PayloadWriter) PutAddress(a Address) {
	w.buf.Write(a[:])
}

// PutHash appends a 32-byte hash.
func (w *PayloadWriter) PutHash(h chainhash.Hash) {
	w.buf.Write(h[:])
}

// PutCurrency appends an 8-byte zero-padded currency code. Longer codes
// are truncated.
func (w *PayloadWriter) PutCurrency(code string) {
	var b [CurrencySize]byte
	copy(b[:], code)
	w.buf.Write(b[:])
}

// PutBytes appends raw bytes with no length prefix.
func (w *PayloadWriter) PutBytes(b []byte) {
	w.buf.Write(b)
}

// PutString appends a NUL-terminated string.
func (w *PayloadWriter) PutString(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

// PayloadReader decodes a command payload. The first decode error latches;
// subsequent reads return zero values and Err() reports the failure, so
// handlers can decode a full payload and check once.
type PayloadReader struct {
	b   []byte
	off int
	err error
}

// NewPayloadReader wraps a payload buffer.
func NewPayloadReader(b []byte) *PayloadReader {
	return &PayloadReader{b: b}
}

// Err returns the first decode error, or nil.
func (r *PayloadReader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *PayloadReader) Remaining() int { return len(r.b) - r.off }

func (r *PayloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: payload truncated at offset %d, need %d bytes", ErrMalformed, r.off, n)
		return nil
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

// Uint16 reads a little-endian u16.
func (r *PayloadReader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Uint32 reads a little-endian u32.
func (r *PayloadReader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Uint64 reads a little-endian u64.
func (r *PayloadReader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Address reads a 20-byte address.
func (r *PayloadReader) Address() Address {
	var a Address
	b := r.take(AddressSize)
	if b != nil {
		copy(a[:], b)
	}
	return a
}

// Hash reads a 32-byte hash.
func (r *PayloadReader) Hash() chainhash.Hash {
	var h chainhash.Hash
	b := r.take(HashSize)
	if b != nil {
		copy(h[:], b)
	}
	return h
}

// Currency reads an 8-byte zero-padded currency code.
func (r *PayloadReader) Currency() string {
	b := r.take(CurrencySize)
	if b == nil {
		return ""
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

// Bytes reads exactly n raw bytes.
func (r *PayloadReader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a NUL-terminated string.
func (r *PayloadReader) String() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.b); i++ {
		if r.b[i] == 0 {
			s := string(r.b[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.err = fmt.Errorf("%w: unterminated string at offset %d", ErrMalformed, r.off)
	return ""
}
