// Package keystore wraps AES-256-GCM encryption for data at rest. The master
// key lives in a 0600 file next to the CMDB database and is loaded once at
// startup; credential plaintext only ever exists in short-lived buffers that
// are zeroed after use.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// TagSize is the GCM authentication tag length in bytes.
const TagSize = 16

// ErrKeySize is returned when a key of the wrong length is supplied.
var ErrKeySize = errors.New("master key must be exactly 32 bytes")

// Keystore performs AEAD encryption under a single master key.
type Keystore struct {
	aead cipher.AEAD
}

// New creates a keystore from a raw 32-byte master key.
func New(key []byte) (*Keystore, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Keystore{aead: aead}, nil
}

// LoadOrCreate loads the master key from the given file, generating and
// persisting a fresh random key (mode 0600) when the file does not exist.
func LoadOrCreate(path string) (*Keystore, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s: %w", path, ErrKeySize)
		}
	case os.IsNotExist(err):
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return New(key)
}

// DeriveKey derives a 32-byte key from an operator-supplied passphrase.
// Used by key rotation, where the new key arrives as a string argument.
func DeriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Encrypt seals plaintext and returns the ciphertext, nonce and GCM tag as
// separate slices matching the credentials table layout.
func (k *Keystore) Encrypt(plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	return sealed[:split], nonce, sealed[split:], nil
}

// Decrypt opens a ciphertext previously produced by Encrypt. The caller owns
// the returned buffer and should zero it with Zero once done.
func (k *Keystore) Decrypt(ciphertext, nonce, tag []byte) ([]byte, error) {
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Zero overwrites a sensitive buffer.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
