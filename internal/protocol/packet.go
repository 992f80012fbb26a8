package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Wire field sizes.
const (
	AddressSize   = 20
	HashSize      = 32
	PubkeySize    = 33
	PrivkeySize   = 32
	SignatureSize = 64
	CurrencySize  = 8

	// HeaderSize: version, command, timestamp, payload size, pubkey, signature.
	HeaderSize = 4*4 + PubkeySize + SignatureSize
)

// Address is the 20-byte node/party address used to route packets.
type Address [20]byte

// AddressFromBytes copies b into an Address. Short input is zero padded.
func AddressFromBytes(b []byte) Address {
	var a Address
	copy(a[:], b)
	return a
}

// Bytes returns the address as a slice.
func (a Address) Bytes() []byte { return a[:] }

// String returns the address as hex for logging.
func (a Address) String() string { return fmt.Sprintf("%x", a[:]) }

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool { return a == Address{} }

// ErrMalformed is returned for packets that fail structural validation.
// Such packets are dropped before any handler sees them.
var ErrMalformed = errors.New("malformed packet")

// Packet is the signed envelope for every protocol message.
//
// Layout: version u32 | command u32 | timestamp u32 | payload size u32 |
// pubkey 33B | signature 64B | payload. All integers little endian.
// The signature covers the whole serialized packet with the signature
// field zeroed.
type Packet struct {
	Version   uint32
	Command   Command
	Timestamp uint32
	PubKey    [PubkeySize]byte
	Signature [SignatureSize]byte
	Payload   []byte
}

// NewPacket creates an unsigned packet for the given command and payload.
func NewPacket(cmd Command, payload []byte) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Command:   cmd,
		Timestamp: uint32(time.Now().Unix()),
		Payload:   payload,
	}
}

// Marshal serializes the packet into wire format.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:], p.Version)
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.Command))
	binary.LittleEndian.PutUint32(buf[8:], p.Timestamp)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(p.Payload)))
	copy(buf[16:], p.PubKey[:])
	copy(buf[16+PubkeySize:], p.Signature[:])
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Parse decodes a wire buffer into a Packet. Buffers shorter than the fixed
// header, or whose declared payload size disagrees with the actual length,
// fail with ErrMalformed.
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(b), HeaderSize)
	}

	p := &Packet{
		Version:   binary.LittleEndian.Uint32(b[0:]),
		Command:   Command(binary.LittleEndian.Uint32(b[4:])),
		Timestamp: binary.LittleEndian.Uint32(b[8:]),
	}
	size := binary.LittleEndian.Uint32(b[12:])
	copy(p.PubKey[:], b[16:])
	copy(p.Signature[:], b[16+PubkeySize:])

	if uint32(len(b)-HeaderSize) != size {
		return nil, fmt.Errorf("%w: declared payload %d bytes, have %d", ErrMalformed, size, len(b)-HeaderSize)
	}

	p.Payload = make([]byte, size)
	copy(p.Payload, b[HeaderSize:])
	return p, nil
}

// Hash returns the dedup hash of the full serialized packet.
func (p *Packet) Hash() chainhash.Hash {
	return chainhash.Hash(sha256.Sum256(p.Marshal()))
}

// digest computes the signing digest: SHA-256 over the serialized packet
// with the signature field zeroed.
func (p *Packet) digest() [32]byte {
	buf := p.Marshal()
	for i := 16 + PubkeySize; i < HeaderSize; i++ {
		buf[i] = 0
	}
	return sha256.Sum256(buf)
}

// Sign embeds pubkey, signs the packet digest with privkey and self-verifies.
// Bad key lengths leave the packet unsigned.
func (p *Packet) Sign(pubkey, privkey []byte) error {
	if len(pubkey) != PubkeySize || len(privkey) != PrivkeySize {
		return fmt.Errorf("incorrect key size: pubkey %d, privkey %d", len(pubkey), len(privkey))
	}

	copy(p.PubKey[:], pubkey)
	p.Signature = [SignatureSize]byte{}

	hash := p.digest()
	priv := secp256k1.PrivKeyFromBytes(privkey)

	// SignCompact prepends a recovery code; the wire carries plain r||s.
	sig := ecdsa.SignCompact(priv, hash[:], true)
	copy(p.Signature[:], sig[1:])

	if !p.Verify() {
		p.Signature = [SignatureSize]byte{}
		return errors.New("packet signature failed self verification")
	}
	return nil
}

// Verify recomputes the digest and checks the embedded signature against
// the embedded public key. A packet that fails here must be treated as
// unparseable, not merely untrusted.
func (p *Packet) Verify() bool {
	pub, err := secp256k1.ParsePubKey(p.PubKey[:])
	if err != nil {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(p.Signature[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(p.Signature[32:]); overflow {
		return false
	}

	hash := p.digest()
	return ecdsa.NewSignature(&r, &s).Verify(hash[:], pub)
}

// VerifyFrom verifies the signature and additionally requires the embedded
// public key to match expected. Used once a peer's identity key is known
// from an earlier step of the handshake.
func (p *Packet) VerifyFrom(expected []byte) bool {
	if len(expected) != PubkeySize {
		return false
	}
	for i := range expected {
		if p.PubKey[i] != expected[i] {
			return false
		}
	}
	return p.Verify()
}
