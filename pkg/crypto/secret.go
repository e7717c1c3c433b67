package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// secret.go - шифрование API-секретов бирж в файле конфигурации
//
// Зашифрованное значение хранится как "enc:<base64(nonce|ciphertext|tag)>",
// AES-256-GCM. Значения без префикса считаются открытым текстом.

// SecretPrefix - маркер зашифрованного значения
const SecretPrefix = "enc:"

// KeySize - длина ключа AES-256
const KeySize = 32

var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrKeyRequired        = errors.New("encrypted secret requires ENCRYPTION_KEY")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptSecret шифрует секрет и возвращает значение с префиксом enc:
func EncryptSecret(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SecretPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret возвращает открытый секрет.
// Значение без префикса возвращается как есть, ключ для него не нужен.
func OpenSecret(value string, key []byte) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrKeyRequired
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SecretPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted проверяет наличие префикса enc:
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}
