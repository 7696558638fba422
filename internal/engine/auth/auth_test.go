package auth_test

import (
	"errors"
	"testing"
	"time"

	"skywatch/internal/engine/auth"
)

func TestGeneratedCredentialShape(t *testing.T) {
	key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key length %d, want 16", len(key))
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if len(secret) != 64 {
		t.Fatalf("secret length %d, want 64", len(secret))
	}
	again, _ := auth.GenerateSecret()
	if secret == again {
		t.Fatalf("secrets should not repeat")
	}
	for _, c := range key + secret {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("non-hex character %q", c)
		}
	}
}

func TestVerifyHash(t *testing.T) {
	if !auth.VerifyHash("abc", "abc") {
		t.Fatalf("equal digests should verify")
	}
	if auth.VerifyHash("abc", "abd") {
		t.Fatalf("unequal digests should not verify")
	}
	if auth.VerifyHash("abc", "abcd") {
		t.Fatalf("digests of different length should not verify")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("signing-secret")
	issued := time.Now().UTC()

	token, err := auth.IssueToken(secret, 42, issued, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := auth.ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != 42 {
		t.Fatalf("subject %d, want 42", id)
	}

	if _, err := auth.ParseToken([]byte("other-secret"), token); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("wrong secret should fail as invalid, got %v", err)
	}
	if _, err := auth.ParseToken(secret, token+"x"); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("tampered token should fail as invalid, got %v", err)
	}
}

func TestExpiredTokenParse(t *testing.T) {
	secret := []byte("signing-secret")
	issued := time.Now().UTC().Add(-2 * time.Hour)
	exp := issued.Add(time.Hour)
	token, err := auth.IssueToken(secret, 7, issued, &exp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.ParseToken(secret, token); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}
