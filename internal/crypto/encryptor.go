// Package crypto provides the reversible AES-256-GCM primitive behind "ENC:"
// masked configuration values.
//
// Ciphertexts are base64(nonce || sealed) and are produced by the `mask`
// subcommand with the same key the replay run is started with.
//
// Example usage:
//
//	encryptor, err := crypto.NewConfigEncryptor(os.Getenv("UNMASK_ENCRYPTION_KEY"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	masked, _ := encryptor.Encrypt("p@ssw0rd")
//	plain, _ := encryptor.Decrypt(masked)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"api-replay/internal/common/errors"
)

// ConfigEncryptor handles encryption and decryption of masked configuration values
// using AES-256-GCM.
//
// The encryptor is safe for concurrent use by multiple goroutines.
type ConfigEncryptor struct {
	key []byte // 32-byte AES-256 encryption key
}

// NewConfigEncryptor creates a new ConfigEncryptor with the provided passphrase.
// The passphrase is stretched with PBKDF2 so any non-empty length works.
func NewConfigEncryptor(key string) (*ConfigEncryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	// Static salt: the same passphrase must always decrypt values masked earlier
	salt := []byte("api-replay-unmask")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &ConfigEncryptor{key: derivedKey}, nil
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext).
// Empty strings are returned as empty strings without encryption.
func (e *ConfigEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input, or a ciphertext
// produced under another key, returns an error.
func (e *ConfigEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}

func (e *ConfigEncryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}
	return gcm, nil
}
