// Package identifier implements the 160-bit node/data identifiers used
// throughout the overlay (C1): fixed-size opaque names, their bytewise XOR
// distance, and the hex/base32 encodings used on the wire and in logs.
package identifier

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
)

// Size is the fixed length of an identifier in bytes (160 bits).
const Size = 20

// ID is a 160-bit opaque node or data name. The zero value is the all-zero
// identifier, which is also what FromBase32 returns for malformed input.
type ID [Size]byte

// base32Alphabet is the non-standard alphabet mandated by the wire format:
// lowercase letters then digits 2-7, no padding. 20 bytes is exactly 160
// bits, which is exactly 32 groups of 5 bits, so encoding never needs
// padding.
const base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

var base32Encoding = base32.NewEncoding(base32Alphabet).WithPadding(base32.NoPadding)

// NewRandom returns a cryptographically random identifier.
func NewRandom() ID {
	var id ID
	// crypto/rand.Read on a fixed-size slice only fails if the OS source is
	// broken beyond recovery; there is nothing a caller can do to recover
	// from that here, so we let the zero-identifier surface instead of
	// panicking or propagating an error nobody can act on.
	_, _ = rand.Read(id[:])
	return id
}

// FromBytes copies b into an ID. It returns false if b is not exactly Size
// bytes long; equality and XOR are defined only for 20-byte identifiers.
func FromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != Size {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Bytes returns a copy of the identifier's raw bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ToHex encodes the identifier as 40 lowercase hex characters.
func (id ID) ToHex() string {
	return hex.EncodeToString(id[:])
}

// FromHex decodes a 40-character hex string into an identifier. It returns
// the all-zero identifier and false on any decode error.
func FromHex(s string) (ID, bool) {
	var id ID
	if len(s) != Size*2 {
		return id, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// ToBase32 encodes the identifier using the overlay's custom alphabet,
// always exactly 32 characters.
func (id ID) ToBase32() string {
	return base32Encoding.EncodeToString(id[:])
}

// FromBase32 decodes s using the overlay's custom alphabet. Any string whose
// length is not 32, or that contains characters outside the alphabet,
// yields the all-zero identifier rather than an error -- per spec this
// codec never fails loudly, since it is used to parse identifiers out of
// free-form text (addresses, search queries).
func FromBase32(s string) ID {
	var id ID
	if len(s) != 32 {
		return id
	}
	b, err := base32Encoding.DecodeString(s)
	if err != nil || len(b) != Size {
		return ID{}
	}
	copy(id[:], b)
	return id
}

// String implements fmt.Stringer, returning the hex form.
func (id ID) String() string {
	return id.ToHex()
}
