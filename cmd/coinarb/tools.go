package main

import (
	"fmt"
	"io"

	"coinarb/pkg/crypto"
)

// hashToken печатает bcrypt-хеш токена для API_TOKEN_HASH
func hashToken(w io.Writer, token string) error {
	hash, err := crypto.HashToken(token, crypto.DefaultCost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// encryptSecret печатает значение enc:... для credentials в TRADING_CONFIG
func encryptSecret(w io.Writer, secret, key string) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly %d bytes", crypto.KeySize)
	}
	sealed, err := crypto.EncryptSecret(secret, []byte(key))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, sealed)
	return err
}
