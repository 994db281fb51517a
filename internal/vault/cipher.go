package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters: m=64MB, t=3, p=4
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4

	KeyLen  = 32 // AES-256
	saltLen = 32
	ivLen   = 16
	tagLen  = 16
)

var (
	// ErrKeyLength is returned for keys that are not exactly 256 bits.
	ErrKeyLength = errors.New("vault key must be 32 bytes")
	// ErrWrongKey is returned when the key does not open the install's check value.
	ErrWrongKey = errors.New("incorrect passphrase or corrupted vault")
)

const checkPlaintext = "safeops-vault-check"

// Cipher seals credential blobs with AES-256-GCM. The sealed form is
// self-describing: hex(iv):hex(tag):hex(ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 256-bit key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: gcm}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt. Malformed or tampered input
// yields ok=false; nothing about the input is reported back.
func (c *Cipher) Decrypt(sealed string) (plaintext []byte, ok bool) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		return nil, false
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivLen {
		return nil, false
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, false
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, false
	}

	out, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, false
	}
	if out == nil {
		out = []byte{}
	}
	return out, true
}

// ParseKey decodes a hex-encoded 256-bit key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decoding vault key: %w", err)
	}
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}
	return key, nil
}

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		argonTime,
		argonMemory,
		argonThreads,
		KeyLen,
	)
}

// LoadOrCreateSalt reads the install salt at path, creating it on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(salt) != saltLen {
			return nil, fmt.Errorf("corrupted salt file %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt file: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("writing salt file: %w", err)
	}
	return salt, nil
}

// VerifyOrSeal opens the check value at path with c, sealing a fresh one on
// first use. A key that cannot open an existing check value is the wrong key.
func VerifyOrSeal(c *Cipher, path string) error {
	data, err := os.ReadFile(path)
	if err == nil {
		pt, ok := c.Decrypt(strings.TrimSpace(string(data)))
		if !ok || string(pt) != checkPlaintext {
			return ErrWrongKey
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("reading vault check file: %w", err)
	}

	sealed, err := c.Encrypt([]byte(checkPlaintext))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(sealed), 0600); err != nil {
		return fmt.Errorf("writing vault check file: %w", err)
	}
	return nil
}
