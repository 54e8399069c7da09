package identity_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identity"
)

func TestGenerateHasPrivateKeyAndStableID(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	assert.True(t, id.HasPrivateKey())

	der, err := id.PublicKeyDER()
	require.NoError(t, err)

	peer, err := identity.FromPublicKeyDER(der)
	require.NoError(t, err)
	assert.False(t, peer.HasPrivateKey())
	assert.Equal(t, id.ID(), peer.ID())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	msg := []byte("hello overlay")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	assert.True(t, id.Verify(msg, sig))
	assert.False(t, id.Verify([]byte("tampered"), sig))
}

func TestSignWithoutPrivateKeyFails(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	der, err := id.PublicKeyDER()
	require.NoError(t, err)
	peer, err := identity.FromPublicKeyDER(der)
	require.NoError(t, err)

	_, err = peer.Sign([]byte("x"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.pem")
	require.NoError(t, id.Save(path))

	loaded, err := identity.Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.HasPrivateKey())
	assert.Equal(t, id.ID(), loaded.ID())

	msg := []byte("round trip")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	assert.True(t, id.Verify(msg, sig))
}

func TestLoadPeerOnlyIdentity(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	der, err := id.PublicKeyDER()
	require.NoError(t, err)
	peer, err := identity.FromPublicKeyDER(der)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "peer.pem")
	require.NoError(t, peer.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "PUBLIC KEY")
	assert.NotContains(t, string(data), "PRIVATE KEY")

	loaded, err := identity.Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.HasPrivateKey())
	assert.Equal(t, id.ID(), loaded.ID())
}
