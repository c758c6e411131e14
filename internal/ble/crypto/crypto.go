// Package crypto provides the cryptographic primitives for the door
// controller BLE protocol: AES-128-CBC with PKCS7 padding for credential
// payloads, random IV generation, and XChaCha20-Poly1305 sealing for
// records kept at rest.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"
)

// KeySize is the AES-128 key length in bytes. The IV shares the block size.
const KeySize = 16

// IVLength is the number of characters in a generated IV.
const IVLength = aes.BlockSize

const ivAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	ErrInvalidKeyLength = errors.New("ble/crypto: key must be 16 bytes")
	ErrInvalidIVLength  = errors.New("ble/crypto: iv must be 16 bytes")
	ErrInvalidPlaintext = errors.New("ble/crypto: plaintext is not valid UTF-8")
	ErrDecrypt          = errors.New("ble/crypto: decrypt failed")
)

// Encrypt encrypts plaintext with AES-128-CBC and PKCS7 padding. Key and iv
// are used as the raw bytes of their UTF-8 text and must both be exactly
// 16 bytes. The result is the standard base64 encoding of the ciphertext;
// the IV is not prepended.
func Encrypt(plaintext, key, iv string) (string, error) {
	block, err := newCipher(key, iv)
	if err != nil {
		return "", err
	}
	if !utf8.ValidString(plaintext) {
		return "", ErrInvalidPlaintext
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte(iv)).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt for raw (already base64-decoded) ciphertext.
func Decrypt(ciphertext []byte, key, iv string) (string, error) {
	block, err := newCipher(key, iv)
	if err != nil {
		return "", err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, []byte(iv)).CryptBlocks(out, ciphertext)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecrypt)
	}
	return string(plain), nil
}

// DecryptBase64 decodes a base64 payload as produced by Encrypt and decrypts it.
func DecryptBase64(encoded, key, iv string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	return Decrypt(raw, key, iv)
}

// GenerateIV returns a random 16-character alphanumeric IV. Every character
// is drawn uniformly from crypto/rand.
func GenerateIV() (string, error) {
	max := big.NewInt(int64(len(ivAlphabet)))
	buf := make([]byte, IVLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("ble/crypto: random IV: %w", err)
		}
		buf[i] = ivAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func newCipher(key, iv string) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKeyLength, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidIVLength, len(iv))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	return block, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}
