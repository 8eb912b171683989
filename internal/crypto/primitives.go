// Package crypto implements the cryptographic primitives shared by pairing,
// reconnect, and at-rest sealing: X25519 key agreement, HKDF-SHA256 session
// key derivation, and ChaCha20-Poly1305 AEAD.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = 12
	MACSize   = 16

	defaultInfo = "mydia-session-key"
)

var newSHA256 = sha256.New

// ErrDecryptionFailed is the single generic error surfaced for every AEAD
// failure mode: tampered ciphertext, tampered MAC, tampered nonce, wrong key,
// or wrong field sizes. Callers MUST NOT distinguish these cases.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// KeyPair is an X25519 static or ephemeral keypair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeypair produces a fresh X25519 keypair using clamped random
// scalars, matching the curve25519 package's ScalarBaseMult contract.
func GenerateKeypair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// GenerateKeypairFromPrivate derives the public half of an already-clamped
// private scalar. Used to reconstruct a KeyPair from a fixed private key in
// cross-platform test vectors; production code should call GenerateKeypair.
func GenerateKeypairFromPrivate(priv [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], p)
	return pub, nil
}

func clamp(priv *[KeySize]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// DeriveSessionKey runs X25519 ECDH between priv and peerPub, then HKDF-SHA256
// over the raw shared secret. salt defaults to 32 zero bytes and info
// defaults to "mydia-session-key" when nil. Since the output is exactly one
// SHA-256 block, HKDF-Expand runs a single round with counter byte 0x01.
func DeriveSessionKey(priv, peerPub [KeySize]byte, salt, info []byte) ([KeySize]byte, error) {
	var out [KeySize]byte

	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, err
	}

	if salt == nil {
		salt = make([]byte, KeySize)
	}
	if info == nil {
		info = []byte(defaultInfo)
	}

	r := hkdf.New(newSHA256, shared, salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// SharedSecret returns the raw X25519 ECDH output without HKDF expansion.
// Exposed for the cross-platform test vectors, which assert on this
// intermediate value as well as the final session key.
func SharedSecret(priv, peerPub [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// Sealed holds an AEAD ciphertext split into its three wire fields. Ciphertext
// and MAC are returned separately (never concatenated) so field sizes are
// unambiguous on the wire.
type Sealed struct {
	Ciphertext []byte
	Nonce      [NonceSize]byte
	MAC        [MACSize]byte
}

// Encrypt seals plaintext under key with a random 12-byte nonce and empty
// associated data.
func Encrypt(plaintext, key []byte) (Sealed, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Sealed{}, err
	}
	return encryptWithNonce(plaintext, key, nonce)
}

// EncryptWithNonce is Encrypt with an explicit nonce. Production callers MUST
// use Encrypt; this exists for cross-platform test vector reproduction,
// where the nonce is a fixed input.
func EncryptWithNonce(plaintext, key []byte, nonce [NonceSize]byte) (Sealed, error) {
	return encryptWithNonce(plaintext, key, nonce)
}

func encryptWithNonce(plaintext, key []byte, nonce [NonceSize]byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, err
	}
	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	ctLen := len(sealed) - MACSize
	if ctLen < 0 {
		return Sealed{}, ErrDecryptionFailed
	}

	out := Sealed{Nonce: nonce}
	out.Ciphertext = append([]byte(nil), sealed[:ctLen]...)
	copy(out.MAC[:], sealed[ctLen:])
	return out, nil
}

// Decrypt verifies the MAC and recovers plaintext. Every failure mode
// (tampered ciphertext/MAC/nonce, wrong key, wrong sizes) surfaces as
// ErrDecryptionFailed.
func Decrypt(ciphertext []byte, nonce [NonceSize]byte, mac [MACSize]byte, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+MACSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac[:]...)

	plaintext, err := aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealPrivate encrypts a static private key at rest under the deployment's
// application secret, using the same AEAD construction as Encrypt.
func SealPrivate(priv [KeySize]byte, appSecret []byte) (Sealed, error) {
	key, err := expandAppSecret(appSecret)
	if err != nil {
		return Sealed{}, err
	}
	return Encrypt(priv[:], key[:])
}

// UnsealPrivate reverses SealPrivate.
func UnsealPrivate(s Sealed, appSecret []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	key, err := expandAppSecret(appSecret)
	if err != nil {
		return out, err
	}
	plaintext, err := Decrypt(s.Ciphertext, s.Nonce, s.MAC, key[:])
	if err != nil {
		return out, err
	}
	if len(plaintext) != KeySize {
		return out, ErrDecryptionFailed
	}
	copy(out[:], plaintext)
	return out, nil
}

// expandAppSecret stretches an arbitrary-length application secret to a
// 32-byte AEAD key via HKDF-SHA256, since operators may supply secrets of any
// length via Vault or environment variables.
func expandAppSecret(appSecret []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	r := hkdf.New(newSHA256, appSecret, make([]byte, KeySize), []byte("mydia-seal-key"))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
