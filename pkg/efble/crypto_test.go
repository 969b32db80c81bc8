package efble

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyTable() KeyTable {
	t := make(KeyTable, MinKeyTableSize)
	for i := range t {
		t[i] = byte(i*7 + 3)
	}
	return t
}

func TestECDHSharedSecretSymmetry(t *testing.T) {
	a, err := generateECDHKeyPair(nil)
	require.NoError(t, err)
	b, err := generateECDHKeyPair(nil)
	require.NoError(t, err)

	sa, err := a.SharedSecret(b.PublicBytes())
	require.NoError(t, err)
	sb, err := b.SharedSecret(a.PublicBytes())
	require.NoError(t, err)

	assert.Equal(t, sa, sb)
	assert.Len(t, sa, ecdhCoordSize)
}

func TestECDHRejectsOffCurvePoint(t *testing.T) {
	kp, err := generateECDHKeyPair(nil)
	require.NoError(t, err)

	peer := make([]byte, ecdhPublicSize)
	for i := range peer {
		peer[i] = 0x42
	}
	_, err = kp.SharedSecret(peer)
	assert.Error(t, err)
}

func TestECDHRejectsWrongKeyLength(t *testing.T) {
	kp, err := generateECDHKeyPair(nil)
	require.NoError(t, err)

	_, err = kp.SharedSecret(make([]byte, ecdhPublicSize-1))
	assert.Error(t, err)
}

func TestECDHPublicKeySizeByCurveID(t *testing.T) {
	assert.Equal(t, 52, ecdhPublicKeySize(1))
	assert.Equal(t, 56, ecdhPublicKeySize(2))
	assert.Equal(t, 64, ecdhPublicKeySize(3))
	assert.Equal(t, 64, ecdhPublicKeySize(4))
	assert.Equal(t, ecdhPublicSize, ecdhPublicKeySize(0))
	assert.Equal(t, ecdhPublicSize, ecdhPublicKeySize(0xFF))
}

func TestSessionKeyDerivationDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5C}, ecdhCoordSize)
	table := testKeyTable()
	seed := [2]byte{0x03, 0x02}
	srand := bytes.Repeat([]byte{0xA7}, 16)

	k1, err := newSessionKeysFromSecret(secret)
	require.NoError(t, err)
	require.NoError(t, k1.deriveSessionKey(table, seed, srand))

	k2, err := newSessionKeysFromSecret(secret)
	require.NoError(t, err)
	require.NoError(t, k2.deriveSessionKey(table, seed, srand))

	ct1, err := k1.EncryptSession([]byte("probe"))
	require.NoError(t, err)
	ct2, err := k2.EncryptSession([]byte("probe"))
	require.NoError(t, err)
	assert.Equal(t, ct1, ct2)
}

func TestSessionEncryptDecryptRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{0x11}, ecdhCoordSize)
	k, err := newSessionKeysFromSecret(secret)
	require.NoError(t, err)
	require.NoError(t, k.deriveSessionKey(testKeyTable(), [2]byte{0x01, 0x01}, make([]byte, 16)))

	for _, size := range []int{0, 1, 15, 16, 17, 100} {
		plain := bytes.Repeat([]byte{0x3C}, size)
		ct, err := k.EncryptSession(plain)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%16)

		got, err := k.DecryptSession(ct)
		require.NoError(t, err)
		assert.Equal(t, plain, got, "size %d", size)
	}
}

func TestDecryptWithWrongKeyNeverYieldsPlaintext(t *testing.T) {
	secret1 := bytes.Repeat([]byte{0x01}, ecdhCoordSize)
	secret2 := bytes.Repeat([]byte{0x02}, ecdhCoordSize)
	srand := bytes.Repeat([]byte{0x09}, 16)

	k1, err := newSessionKeysFromSecret(secret1)
	require.NoError(t, err)
	require.NoError(t, k1.deriveSessionKey(testKeyTable(), [2]byte{0x04, 0x05}, srand))
	k2, err := newSessionKeysFromSecret(secret2)
	require.NoError(t, err)
	require.NoError(t, k2.deriveSessionKey(testKeyTable(), [2]byte{0x06, 0x07}, srand))

	plain := []byte("authenticated telemetry payload")
	ct, err := k1.EncryptSession(plain)
	require.NoError(t, err)

	got, err := k2.DecryptSession(ct)
	if err == nil {
		assert.NotEqual(t, plain, got)
	} else {
		assert.ErrorIs(t, err, ErrAuthFailure)
	}
}

func TestDecryptRejectsBadCiphertextLength(t *testing.T) {
	k, err := newSessionKeysFromSecret(bytes.Repeat([]byte{0x01}, ecdhCoordSize))
	require.NoError(t, err)
	require.NoError(t, k.deriveSessionKey(testKeyTable(), [2]byte{0x01, 0x01}, make([]byte, 16)))

	_, err = k.DecryptSession([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrAuthFailure)
	_, err = k.DecryptSession(nil)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestSessionKeyRequiredBeforeUse(t *testing.T) {
	k, err := newSessionKeysFromSecret(bytes.Repeat([]byte{0x01}, ecdhCoordSize))
	require.NoError(t, err)

	_, err = k.EncryptSession([]byte("x"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = k.DecryptSession(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestDeriveSessionKeyTableTooSmall(t *testing.T) {
	k, err := newSessionKeysFromSecret(bytes.Repeat([]byte{0x01}, ecdhCoordSize))
	require.NoError(t, err)

	err = k.deriveSessionKey(make(KeyTable, 100), [2]byte{0x01, 0x01}, make([]byte, 16))
	assert.ErrorIs(t, err, ErrKeyTableTooSmall)
}

func TestDestroyInvalidatesKeys(t *testing.T) {
	k, err := newSessionKeysFromSecret(bytes.Repeat([]byte{0x01}, ecdhCoordSize))
	require.NoError(t, err)
	require.NoError(t, k.deriveSessionKey(testKeyTable(), [2]byte{0x01, 0x01}, make([]byte, 16)))

	k.Destroy()
	_, err = k.EncryptSession([]byte("x"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestPKCS7Padding(t *testing.T) {
	padded := pkcs7Pad([]byte{0x01, 0x02}, 16)
	assert.Len(t, padded, 16)
	assert.Equal(t, byte(14), padded[15])

	// A block-aligned input gains a full padding block.
	padded = pkcs7Pad(make([]byte, 16), 16)
	assert.Len(t, padded, 32)

	_, err := pkcs7Unpad(bytes.Repeat([]byte{0x00}, 16), 16)
	assert.Error(t, err)
	_, err = pkcs7Unpad([]byte{0x01, 0x02, 0x03}, 16)
	assert.Error(t, err)
}

func TestIdentityProof(t *testing.T) {
	proof := identityProof("user-1234", "HD31ZAB1PG7E0053")
	assert.Equal(t, []byte("FCF462AA2997668850407843CE7123D4"), proof)

	other := identityProof("user-5678", "HD31ZAB1PG7E0053")
	assert.NotEqual(t, proof, other)
}
