package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// EncryptRootKey encrypts a root key hex string under a passphrase using
// AES-256-GCM with the nonce prepended, returned base64. Used when the
// operator opts to keep key material encrypted at rest in wallet-config.json.
func EncryptRootKey(rootKeyHex, passphrase string) (string, error) {
	if rootKeyHex == "" {
		return "", fmt.Errorf("cannot encrypt empty key material")
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}

	gcm, err := newGCM(passphrase)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(rootKeyHex), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptRootKey reverses EncryptRootKey.
func DecryptRootKey(encrypted, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted key: %w", err)
	}

	gcm, err := newGCM(passphrase)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("encrypted key too short")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt root key: %w", err)
	}
	return string(plain), nil
}

// newGCM derives an AES-256 key from the passphrase with SHA-256.
func newGCM(passphrase string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
