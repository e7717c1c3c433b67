package exchange

import (
	"context"
	"errors"
	"fmt"

	"coinarb/pkg/crypto"
)

// ErrNoCredentials - пул создаётся минимум с одним ключом
var ErrNoCredentials = errors.New("credential pool requires at least one credential")

// CredentialPool - ключи биржи по кругу
//
// Acquire блокирует, пока все ключи заняты. Ключ возвращается в конец
// очереди, поэтому следующий запрос получает другой ключ (round-robin).
// Один ключ одновременно используется только одним запросом, что
// сохраняет порядок nonce у бирж, требующих его монотонности.
type CredentialPool struct {
	ch   chan Credential
	size int
}

// NewCredentialPool создаёт пул
func NewCredentialPool(creds []Credential) (*CredentialPool, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	ch := make(chan Credential, len(creds))
	for _, c := range creds {
		ch <- c
	}
	return &CredentialPool{ch: ch, size: len(creds)}, nil
}

// Acquire берёт ключ или ждёт освобождения
func (p *CredentialPool) Acquire(ctx context.Context) (Credential, error) {
	select {
	case c := <-p.ch:
		return c, nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Release возвращает ключ в пул
func (p *CredentialPool) Release(c Credential) {
	p.ch <- c
}

// With выполняет fn с ключом и возвращает ключ на любом пути выхода
func (p *CredentialPool) With(ctx context.Context, fn func(Credential) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Size - число ключей
func (p *CredentialPool) Size() int {
	return p.size
}

// Available - число свободных ключей
func (p *CredentialPool) Available() int {
	return len(p.ch)
}

// OpenCredentials расшифровывает секреты вида "enc:..." ключом ENCRYPTION_KEY
func OpenCredentials(creds []Credential, key []byte) ([]Credential, error) {
	out := make([]Credential, 0, len(creds))
	for i, c := range creds {
		secret, err := crypto.OpenSecret(c.APISecret, key)
		if err != nil {
			return nil, fmt.Errorf("credential #%d (%s): %w", i, maskKey(c.APIKey), err)
		}
		out = append(out, Credential{APIKey: c.APIKey, APISecret: secret})
	}
	return out, nil
}

// maskKey оставляет первые 4 символа ключа для логов
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
