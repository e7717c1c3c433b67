package main

import (
	"bytes"
	"strings"
	"testing"

	"coinarb/pkg/crypto"
)

func TestHashToken(t *testing.T) {
	var out bytes.Buffer
	if err := hashToken(&out, "operator-token"); err != nil {
		t.Fatalf("hashToken failed: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := crypto.VerifyToken("operator-token", hash); err != nil {
		t.Errorf("printed hash does not verify: %v", err)
	}

	if err := hashToken(&out, ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestEncryptSecret(t *testing.T) {
	key := strings.Repeat("k", crypto.KeySize)

	var out bytes.Buffer
	if err := encryptSecret(&out, "api-secret", key); err != nil {
		t.Fatalf("encryptSecret failed: %v", err)
	}
	sealed := strings.TrimSpace(out.String())
	if !crypto.IsEncrypted(sealed) {
		t.Fatalf("expected enc: prefix, got %q", sealed)
	}
	plain, err := crypto.OpenSecret(sealed, []byte(key))
	if err != nil || plain != "api-secret" {
		t.Errorf("OpenSecret = %q, %v", plain, err)
	}

	if err := encryptSecret(&out, "api-secret", "short"); err == nil {
		t.Error("expected error for short key")
	}
}
