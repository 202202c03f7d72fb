// Package crypto seals message text end to end so the broker only relays ciphertext.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	NonceSize      = 24
)

// sealedPrefix marks text produced by SealText.
const sealedPrefix = "box:"

var (
	// ErrNotSealed is returned by OpenText for plain text.
	ErrNotSealed = errors.New("text is not sealed")
	// ErrOpen is returned when ciphertext cannot be authenticated.
	ErrOpen = errors.New("cannot open sealed text")
)

// KeyPair holds a Curve25519 key pair
type KeyPair struct {
	Public  *[PublicKeySize]byte
	Private *[PrivateKeySize]byte
}

// GenerateKeyPair creates a new X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: public, Private: private}, nil
}

// Seal encrypts plaintext for the recipient. The nonce is prepended.
func Seal(plaintext []byte, recipient *[PublicKeySize]byte, sender *[PrivateKeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], plaintext, &nonce, recipient, sender), nil
}

// Open decrypts ciphertext from the sender. The nonce is prepended.
func Open(ciphertext []byte, sender *[PublicKeySize]byte, recipient *[PrivateKeySize]byte) ([]byte, bool) {
	if len(ciphertext) < NonceSize+box.Overhead {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	return box.Open(nil, ciphertext[NonceSize:], &nonce, sender, recipient)
}

// SealText encrypts text for the recipient with a fresh ephemeral key and
// returns a printable string that fits in Message.Text:
//
//	box:<base64(ephemeral public key || nonce || ciphertext)>
func SealText(text string, recipient *[PublicKeySize]byte) (string, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	sealed, err := Seal([]byte(text), recipient, eph.Private)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, PublicKeySize+len(sealed))
	out = append(out, eph.Public[:]...)
	out = append(out, sealed...)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// OpenText reverses SealText using the recipient's private key.
func OpenText(text string, recipient *[PrivateKeySize]byte) (string, error) {
	if !IsSealed(text) {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if len(raw) < PublicKeySize {
		return "", ErrOpen
	}
	var eph [PublicKeySize]byte
	copy(eph[:], raw[:PublicKeySize])
	plain, ok := Open(raw[PublicKeySize:], &eph, recipient)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}

// IsSealed reports whether text was produced by SealText.
func IsSealed(text string) bool {
	return strings.HasPrefix(text, sealedPrefix)
}

// ParseKey decodes a 32-byte hex key as printed by the keygen command.
func ParseKey(s string) (*[PublicKeySize]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse key: %w", err)
	}
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("crypto: parse key: need %d bytes, got %d", PublicKeySize, len(b))
	}
	key := new([PublicKeySize]byte)
	copy(key[:], b)
	return key, nil
}
