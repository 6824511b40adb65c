// Package crypto seals channel credentials at rest and hashes tenant API keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks a credential blob produced by Seal.
const SealedPrefix = "enc:"

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrNotSealed         = errors.New("credential is not sealed")
)

// Encryptor is AES-256-GCM keyed by the SHA-256 of a passphrase.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: gcm}, nil
}

func deriveKey(key string) []byte {
	hash := sha256.Sum256([]byte(key))
	return hash[:]
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// Seal encrypts a credential and tags it with SealedPrefix. Blobs that are
// already sealed are returned unchanged.
func (e *Encryptor) Seal(credential string) (string, error) {
	if credential == "" || IsSealed(credential) {
		return credential, nil
	}
	ct, err := e.Encrypt(credential)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Open reverses Seal.
func (e *Encryptor) Open(blob string) (string, error) {
	ct, ok := strings.CutPrefix(blob, SealedPrefix)
	if !ok {
		return "", ErrNotSealed
	}
	return e.Decrypt(ct)
}

func IsSealed(blob string) bool {
	return strings.HasPrefix(blob, SealedPrefix)
}

// HashAPIKey is how tenant API keys are stored and looked up.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
