// Package tokencodec encrypts refresh tokens for storage.
//
// The key is derived from a passphrase and salt with scrypt, the token is encrypted with
// AES-192 in CBC mode using a fresh random IV, and the result is encoded as hex(iv || ciphertext).
// Tokens are encrypted and not hashed because the plain token has to be recovered later.
package tokencodec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/scrypt"

	"github.com/nkiryanov/trainlog/internal/apperrors"
)

const (
	// scrypt parameters
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	// AES-192
	KeyLen = 24
)

// Derive encryption key from passphrase and salt
// It is slow on purpose: call it once and reuse the key
func DeriveKey(passphrase string, salt string) ([]byte, error) {
	if passphrase == "" || salt == "" {
		return nil, errors.New("passphrase and salt must not be empty")
	}

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("error while deriving key. Err: %w", err)
	}
	return key, nil
}

// Encrypt with the key derived from passphrase and salt
func Encrypt(plaintext string, passphrase string, salt string) (string, error) {
	c, err := New(passphrase, salt)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt value produced by Encrypt with the same passphrase and salt
func Decrypt(encoded string, passphrase string, salt string) (string, error) {
	c, err := New(passphrase, salt)
	if err != nil {
		return "", err
	}
	return c.Decrypt(encoded)
}

// Codec holds derived key, so encryption on the request path does not run scrypt
// Safe for concurrent use
type Codec struct {
	block cipher.Block
}

func New(passphrase string, salt string) (*Codec, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return NewWithKey(key)
}

func NewWithKey(key []byte) (*Codec, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes long, got %d", KeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error while creating cipher. Err: %w", err)
	}

	return &Codec{block: block}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("error while generating iv. Err: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return hex.EncodeToString(out), nil
}

func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: not a hex string", apperrors.ErrDecryption)
	}

	// iv and at least one block of ciphertext
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: invalid length %d", apperrors.ErrDecryption, len(raw))
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrDecryption, err)
	}

	// Padding alone lets about 1 in 256 wrong keys through; tokens are text, garbage bytes are not
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid utf-8", apperrors.ErrDecryption)
	}

	return string(plaintext), nil
}

// PKCS#7
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded data length")
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}

	return data[:len(data)-n], nil
}
