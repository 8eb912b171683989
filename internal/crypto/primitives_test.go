package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func b64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

func key32(t *testing.T, s string) [KeySize]byte {
	t.Helper()
	var out [KeySize]byte
	copy(out[:], b64(t, s))
	return out
}

func nonce12(t *testing.T, s string) [NonceSize]byte {
	t.Helper()
	var out [NonceSize]byte
	copy(out[:], b64(t, s))
	return out
}

// TestCrossPlatformSharedSecretAndSessionKey reproduces test vector 1:
// fixed Alice/Bob X25519 privates agree on a known shared secret and
// session key under HKDF-SHA256 with a zero salt.
func TestCrossPlatformSharedSecretAndSessionKey(t *testing.T) {
	alicePriv := key32(t, "dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo=")
	bobPriv := key32(t, "XasIfmJKikt54X+Lg4AO5m87sSkmGLb9HC+LJ/+I4Os=")

	alicePub, err := GenerateKeypairFromPrivate(alicePriv)
	require.NoError(t, err)
	bobPub, err := GenerateKeypairFromPrivate(bobPriv)
	require.NoError(t, err)

	shared, err := SharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	wantShared := key32(t, "Sl2dW6TOLeFyjjv0gDUPJeB+IclH0Z4zdvCbPB4WF0I=")
	require.Equal(t, wantShared, shared)

	sharedFromBob, err := SharedSecret(bobPriv, alicePub)
	require.NoError(t, err)
	require.Equal(t, shared, sharedFromBob)

	sessionKey, err := DeriveSessionKey(alicePriv, bobPub, nil, nil)
	require.NoError(t, err)
	wantSessionKey := key32(t, "O4JgYEVzaUyxG0tuQz5E1ptxX2qcdrjbrY43QLM+xQw=")
	require.Equal(t, wantSessionKey, sessionKey)

	sessionKeyFromBob, err := DeriveSessionKey(bobPriv, alicePub, nil, nil)
	require.NoError(t, err)
	require.Equal(t, sessionKey, sessionKeyFromBob)
}

// TestCrossPlatformEncryptVectorOne reproduces test vector 2.
func TestCrossPlatformEncryptVectorOne(t *testing.T) {
	sessionKey := key32(t, "O4JgYEVzaUyxG0tuQz5E1ptxX2qcdrjbrY43QLM+xQw=")
	nonce := nonce12(t, "AAAAAAAAAAAAAAAB")

	sealed, err := EncryptWithNonce([]byte("Hello from Elixir to Flutter!"), sessionKey[:], nonce)
	require.NoError(t, err)

	require.Equal(t, "FR87tXgCzdKEwRwego00v8WLjSpKQEpYhstK60k=", base64.StdEncoding.EncodeToString(sealed.Ciphertext))
	require.Equal(t, "dKLBE7tTUEB2tIOy3B9qHw==", base64.StdEncoding.EncodeToString(sealed.MAC[:]))

	plaintext, err := Decrypt(sealed.Ciphertext, sealed.Nonce, sealed.MAC, sessionKey[:])
	require.NoError(t, err)
	require.Equal(t, "Hello from Elixir to Flutter!", string(plaintext))
}

// TestCrossPlatformEncryptVectorTwo reproduces test vector 3.
func TestCrossPlatformEncryptVectorTwo(t *testing.T) {
	key := key32(t, "qw1cYyAG63Ob8gMI9lgxhE+ejdxGIrrGDYsFwnOiwFQ=")
	nonce := nonce12(t, "AAAAAAAAAAAAAAAB")

	sealed, err := EncryptWithNonce([]byte("Hello, World!"), key[:], nonce)
	require.NoError(t, err)

	require.Equal(t, "sx9ZlIqKK5vS9Afj+A==", base64.StdEncoding.EncodeToString(sealed.Ciphertext))
	require.Equal(t, "YfqcJ3IcQw0+Lrw9MnwjtA==", base64.StdEncoding.EncodeToString(sealed.MAC[:]))
}

func TestKeypairUniquenessAndSize(t *testing.T) {
	a, err := GenerateKeypair()
	require.NoError(t, err)
	b, err := GenerateKeypair()
	require.NoError(t, err)

	require.Len(t, a.Public, KeySize)
	require.Len(t, a.Private, KeySize)
	require.NotEqual(t, a.Private, b.Private)
	require.NotEqual(t, a.Public, a.Private)
}

func TestECDHAgreement(t *testing.T) {
	a, err := GenerateKeypair()
	require.NoError(t, err)
	b, err := GenerateKeypair()
	require.NoError(t, err)

	ka, err := DeriveSessionKey(a.Private, b.Public, nil, nil)
	require.NoError(t, err)
	kb, err := DeriveSessionKey(b.Private, a.Public, nil, nil)
	require.NoError(t, err)
	require.Equal(t, ka, kb)
	require.Len(t, ka, KeySize)
}

func TestAEADRoundTripAndTamperDetection(t *testing.T) {
	key := make([]byte, KeySize)
	copy(key, []byte("0123456789abcdef0123456789abcde"))
	plaintext := []byte("pairing payload")

	sealed, err := Encrypt(plaintext, key)
	require.NoError(t, err)

	out, err := Decrypt(sealed.Ciphertext, sealed.Nonce, sealed.MAC, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)

	tamperedCT := append([]byte(nil), sealed.Ciphertext...)
	tamperedCT[0] ^= 0x01
	_, err = Decrypt(tamperedCT, sealed.Nonce, sealed.MAC, key)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	tamperedMAC := sealed.MAC
	tamperedMAC[0] ^= 0x01
	_, err = Decrypt(sealed.Ciphertext, sealed.Nonce, tamperedMAC, key)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	tamperedNonce := sealed.Nonce
	tamperedNonce[0] ^= 0x01
	_, err = Decrypt(sealed.Ciphertext, tamperedNonce, sealed.MAC, key)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	wrongKey := make([]byte, KeySize)
	copy(wrongKey, []byte("fedcba9876543210fedcba987654321"))
	_, err = Decrypt(sealed.Ciphertext, sealed.Nonce, sealed.MAC, wrongKey)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNonceAndCiphertextUniqueness(t *testing.T) {
	key := make([]byte, KeySize)
	copy(key, []byte("0123456789abcdef0123456789abcde"))
	plaintext := []byte("same plaintext every time")

	first, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	second, err := Encrypt(plaintext, key)
	require.NoError(t, err)

	require.NotEqual(t, first.Nonce, second.Nonce)
	require.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestSealUnsealPrivateRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	appSecret := []byte("deployment-application-secret")

	sealed, err := SealPrivate(kp.Private, appSecret)
	require.NoError(t, err)

	recovered, err := UnsealPrivate(sealed, appSecret)
	require.NoError(t, err)
	require.Equal(t, kp.Private, recovered)

	_, err = UnsealPrivate(sealed, []byte("wrong-secret"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}
