package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncryptDecryptRoundTrip covers testable property #8: for a range of
// sequence numbers, decrypt(seq, encrypt(seq, p)) == p, and using the
// wrong sequence number to decrypt fails or mismatches.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [sharedKeyLen]byte
	var iv [sharedIVLen]byte
	for i := range key {
		key[i] = byte(i * 7)
	}
	for i := range iv {
		iv[i] = byte(i * 11)
	}

	for seq := uint32(0); seq <= 1000; seq += 137 {
		plaintext := []byte("hello overlay channel payload")
		ciphertext, err := encryptPayload(key, iv, seq, plaintext)
		require.NoError(t, err)

		got, err := decryptPayload(key, iv, seq, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)

		mismatched, err := decryptPayload(key, iv, seq+1, ciphertext)
		if err == nil {
			assert.NotEqual(t, plaintext, mismatched)
		}
	}
}

func TestEncryptEmptyPlaintextRoundTrips(t *testing.T) {
	var key [sharedKeyLen]byte
	var iv [sharedIVLen]byte
	ciphertext, err := encryptPayload(key, iv, 0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext) // still one padded block

	got, err := decryptPayload(key, iv, 0, ciphertext)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecryptRejectsNonBlockAlignedCiphertext(t *testing.T) {
	var key [sharedKeyLen]byte
	var iv [sharedIVLen]byte
	_, err := decryptPayload(key, iv, 0, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDeriveSharedSecretAgreesBothDirections(t *testing.T) {
	a, err := newSessionKey()
	require.NoError(t, err)
	b, err := newSessionKey()
	require.NoError(t, err)

	keyA, ivA, err := deriveSharedSecret(a, b.PublicKey())
	require.NoError(t, err)
	keyB, ivB, err := deriveSharedSecret(b, a.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
	assert.Equal(t, ivA, ivB)
}
