package channel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// identifierAndSeqLen is the byte length of a channel datagram's cookie
// and sequence number prefix (spec.md §4.8: "cookie[20] | seq[4] |
// ciphertext").
const identifierAndSeqLen = 20 + 4

const (
	sharedKeyLen = 16
	sharedIVLen  = 16
)

// sessionCurve is the ECDH curve used for per-session key agreement,
// matching the P-256 curve identity uses for signing.
func sessionCurve() ecdh.Curve { return ecdh.P256() }

// newSessionKey generates a fresh ephemeral ECDH keypair for one channel
// handshake.
func newSessionKey() (*ecdh.PrivateKey, error) {
	priv, err := sessionCurve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return priv, nil
}

// deriveSharedSecret runs ECDH between the local session key and the
// peer's session public key and splits SHA-256(secret) into the shared
// AES key and the shared IV seed, per spec.md §4.8.
func deriveSharedSecret(local *ecdh.PrivateKey, peer *ecdh.PublicKey) (key [sharedKeyLen]byte, iv [sharedIVLen]byte, err error) {
	secret, err := local.ECDH(peer)
	if err != nil {
		return key, iv, fmt.Errorf("ecdh: %w", err)
	}
	sum := sha256.Sum256(secret)
	copy(key[:], sum[:sharedKeyLen])
	copy(iv[:], sum[sharedKeyLen:sharedKeyLen+sharedIVLen])
	return key, iv, nil
}

// deriveIV computes the per-datagram IV: SHA-256(shared_iv || seq_le)
// truncated to the AES block size.
func deriveIV(sharedIV [sharedIVLen]byte, seq uint32) [aes.BlockSize]byte {
	var buf [sharedIVLen + 4]byte
	copy(buf[:sharedIVLen], sharedIV[:])
	binary.LittleEndian.PutUint32(buf[sharedIVLen:], seq)
	sum := sha256.Sum256(buf[:])
	var iv [aes.BlockSize]byte
	copy(iv[:], sum[:aes.BlockSize])
	return iv
}

// encryptPayload seals plaintext under key with the IV derived from
// sharedIV and seq, PKCS#7-padded as AES-128-CBC requires.
func encryptPayload(key [sharedKeyLen]byte, sharedIV [sharedIVLen]byte, seq uint32, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := deriveIV(sharedIV, seq)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out, nil
}

// decryptPayload reverses encryptPayload. It returns an error for any
// ciphertext that cannot be a valid padded block sequence; the manager
// drops such datagrams.
func decryptPayload(key [sharedKeyLen]byte, sharedIV [sharedIVLen]byte, seq uint32, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	iv := deriveIV(sharedIV, seq)
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded block")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-padLen], nil
}
