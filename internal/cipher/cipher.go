// Package cipher derives per-conversation secrets from two users' key
// material and applies authenticated symmetric encryption to message bodies.
//
// The shared secret is order independent: both participants compute the same
// value without a key-exchange round trip, so either side can decrypt the
// conversation history regardless of who sent a given message.
package cipher

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the number of random bytes in a generated key.
const KeySize = 32

// hkdfInfo binds derived AEAD keys to message-body encryption.
const hkdfInfo = "securechat message key v1"

var (
	// ErrEmptyInput is returned when plaintext, ciphertext or secret is empty.
	ErrEmptyInput = errors.New("cipher: empty input")

	// ErrMissingKey is returned when a shared secret is requested for a
	// missing key.
	ErrMissingKey = errors.New("cipher: missing key material")

	// ErrDecrypt is returned when a ciphertext cannot be opened with the given
	// secret (wrong key or corrupted payload).
	ErrDecrypt = errors.New("cipher: decryption failed")
)

// KeyPair is a user's key material. In this symmetric design both fields hold
// the same random value; callers treat them as opaque secrets.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Complete reports whether both key fields are populated.
func (kp KeyPair) Complete() bool {
	return kp.PublicKey != "" && kp.PrivateKey != ""
}

// GenerateKeyPair returns a fresh key pair backed by KeySize random bytes.
func GenerateKeyPair() (KeyPair, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return KeyPair{}, fmt.Errorf("cipher: generate key: %w", err)
	}
	key := hex.EncodeToString(buf)
	return KeyPair{PublicKey: key, PrivateKey: key}, nil
}

// DeriveSharedSecret orders the two keys lexicographically, concatenates them
// and hashes the result with SHA-256. The result is hex encoded and identical
// for (a, b) and (b, a).
func DeriveSharedSecret(keyA, keyB string) (string, error) {
	if keyA == "" || keyB == "" {
		return "", ErrMissingKey
	}
	if keyB < keyA {
		keyA, keyB = keyB, keyA
	}
	sum := sha256.Sum256([]byte(keyA + keyB))
	return hex.EncodeToString(sum[:]), nil
}

// Encrypt seals plaintext with a key derived from secret and returns
// base64(nonce || sealed).
func Encrypt(plaintext, secret string) (string, error) {
	if plaintext == "" || secret == "" {
		return "", ErrEmptyInput
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong secret or a
// tampered payload yields ErrDecrypt.
func Decrypt(ciphertext, secret string) (string, error) {
	if ciphertext == "" || secret == "" {
		return "", ErrEmptyInput
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode payload: %v", ErrDecrypt, err)
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrDecrypt)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// newAEAD expands the shared secret into an XChaCha20-Poly1305 key.
func newAEAD(secret string) (gocipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: create aead: %w", err)
	}
	return aead, nil
}
