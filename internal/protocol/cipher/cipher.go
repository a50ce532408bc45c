// Package cipher is the payload encryption contract consumed by the
// pipeline. Algorithms are opaque to the codec; keys belong to sessions.
package cipher

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NameNone      = "none"
	NameXChaCha20 = "xchacha20poly1305"
)

var (
	ErrInvalidKey        = errors.New("cipher: invalid key")
	ErrShortCiphertext   = errors.New("cipher: ciphertext too short")
	ErrUnsupportedCipher = errors.New("cipher: unsupported algorithm")
)

// Cipher encrypts and decrypts payload bytes with a session key.
type Cipher interface {
	Encrypt(plain, key []byte) ([]byte, error)
	Decrypt(sealed, key []byte) ([]byte, error)
	// Overhead is the number of bytes Encrypt adds to a payload.
	Overhead() int
}

// Noop passes payloads through unchanged.
type Noop struct{}

func (Noop) Encrypt(plain, _ []byte) ([]byte, error) { return plain, nil }

func (Noop) Decrypt(sealed, _ []byte) ([]byte, error) { return sealed, nil }

func (Noop) Overhead() int { return 0 }

// XChaCha seals payloads with XChaCha20-Poly1305. Output layout is
// [nonce:24][ciphertext+tag].
type XChaCha struct{}

func (XChaCha) Encrypt(plain, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plain, nil), nil
}

func (XChaCha) Decrypt(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrShortCiphertext
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

func (XChaCha) Overhead() int {
	return chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
}

// New resolves a cipher by configuration name.
func New(name string) (Cipher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameNone:
		return Noop{}, nil
	case NameXChaCha20:
		return XChaCha{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
	}
}

// ParseKey decodes a hex key and checks it fits the named cipher.
func ParseKey(name, hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if strings.EqualFold(strings.TrimSpace(name), NameXChaCha20) && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
