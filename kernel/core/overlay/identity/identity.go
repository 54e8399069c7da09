// Package identity implements node identities (C2): P-256 EC keypairs,
// signing/verification, and the RIPEMD-160-of-DER-public-key identifier
// derivation used to name nodes in the DHT.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ripemd160"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

const (
	pemBlockPublic  = "PUBLIC KEY"
	pemBlockPrivate = "EC PRIVATE KEY"
)

// Identity holds an EC keypair over P-256. A remote peer's Identity holds
// only a public key; the local node's Identity holds both.
type Identity struct {
	public  *ecdsa.PublicKey
	private *ecdsa.PrivateKey // nil for peer-only identities
	id      identifier.ID
}

// Generate creates a fresh P-256 keypair for a local identity.
func Generate() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return newFromKeys(&priv.PublicKey, priv)
}

// FromPublicKeyDER builds a peer-only identity (no private key) from a DER
// (SubjectPublicKeyInfo) encoded EC public key.
func FromPublicKeyDER(der []byte) (*Identity, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an EC key")
	}
	return newFromKeys(ecPub, nil)
}

func newFromKeys(pub *ecdsa.PublicKey, priv *ecdsa.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	h := ripemd160.New()
	h.Write(der)
	sum := h.Sum(nil)
	id, ok := identifier.FromBytes(sum)
	if !ok {
		// ripemd160.Size is always 20; this cannot happen, but fail closed.
		return nil, fmt.Errorf("unexpected fingerprint length %d", len(sum))
	}
	return &Identity{public: pub, private: priv, id: id}, nil
}

// HasPrivateKey reports whether this identity can sign messages.
func (i *Identity) HasPrivateKey() bool {
	return i.private != nil
}

// ID returns the node identifier derived from the public key.
func (i *Identity) ID() identifier.ID {
	return i.id
}

// PublicKeyDER returns the DER (SubjectPublicKeyInfo) encoding of the
// public key, the same bytes the identifier is derived from.
func (i *Identity) PublicKeyDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(i.public)
}

// Sign signs msg's RIPEMD-160 digest with the identity's private key,
// returning an ASN.1 DER-encoded ECDSA signature. It fails if the identity
// has no private key.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	if i.private == nil {
		return nil, fmt.Errorf("sign: identity %s has no private key", i.id)
	}
	h := ripemd160.New()
	h.Write(msg)
	digest := h.Sum(nil)
	sig, err := ecdsa.SignASN1(rand.Reader, i.private, digest)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid ECDSA signature of msg's
// RIPEMD-160 digest under this identity's public key.
func (i *Identity) Verify(msg, sig []byte) bool {
	h := ripemd160.New()
	h.Write(msg)
	digest := h.Sum(nil)
	return ecdsa.VerifyASN1(i.public, digest, sig)
}

// Save writes the identity to path as PEM: the public key block followed by
// the private key block, if present.
func (i *Identity) Save(path string) error {
	pubDER, err := x509.MarshalPKIXPublicKey(i.public)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemBlockPublic, Bytes: pubDER})...)

	if i.private != nil {
		privDER, err := x509.MarshalECPrivateKey(i.private)
		if err != nil {
			return fmt.Errorf("save identity: %w", err)
		}
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemBlockPrivate, Bytes: privDER})...)
	}

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Load reads an identity previously written by Save. A missing private key
// block is not an error: the result is a peer-only identity.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	block, rest := pem.Decode(data)
	if block == nil || block.Type != pemBlockPublic {
		return nil, fmt.Errorf("load identity: missing public key block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("load identity: not an EC key")
	}

	var priv *ecdsa.PrivateKey
	if privBlock, _ := pem.Decode(rest); privBlock != nil && privBlock.Type == pemBlockPrivate {
		priv, err = x509.ParseECPrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
	}

	return newFromKeys(ecPub, priv)
}
