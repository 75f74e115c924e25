package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasherRoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(PasswordHasherConfig{Cost: bcrypt.MinCost})

	hash, err := hasher.Hash(context.Background(), "secret1")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if hash == "secret1" || !IsHashed(hash) {
		t.Fatalf("expected a bcrypt hash, got %q", hash)
	}

	ok, err := hasher.Verify(context.Background(), hash, "secret1")
	if err != nil || !ok {
		t.Fatalf("expected password to verify, ok=%v err=%v", ok, err)
	}

	ok, err = hasher.Verify(context.Background(), hash, "wrong")
	if err != nil {
		t.Fatalf("mismatch must not be an error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch for wrong password")
	}
}

func TestPasswordHasherSaltsEachHash(t *testing.T) {
	hasher := NewPasswordHasher(PasswordHasherConfig{Cost: bcrypt.MinCost})
	first, err := hasher.Hash(context.Background(), "same-password")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	second, err := hasher.Hash(context.Background(), "same-password")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct salts to produce distinct hashes")
	}
}

func TestPasswordHasherRejectsInvalidInput(t *testing.T) {
	hasher := NewPasswordHasher(PasswordHasherConfig{Cost: bcrypt.MinCost})

	if _, err := hasher.Hash(context.Background(), ""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected empty password error, got %v", err)
	}
	if _, err := hasher.Hash(context.Background(), strings.Repeat("a", MaxPasswordBytes+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected too long error, got %v", err)
	}
	if _, err := hasher.Verify(context.Background(), "", "secret"); !errors.Is(err, ErrEmptyHash) {
		t.Fatalf("expected empty hash error, got %v", err)
	}
	if _, err := hasher.Verify(context.Background(), "plaintext", "plaintext"); err == nil {
		t.Fatalf("expected malformed hash to surface an error")
	}
}

func TestPasswordHasherRespectsContextWhenSaturated(t *testing.T) {
	hasher := NewPasswordHasher(PasswordHasherConfig{Cost: bcrypt.MinCost, Concurrency: 1})
	if err := hasher.slots.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("failed to occupy slot: %v", err)
	}
	defer hasher.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := hasher.Hash(ctx, "secret1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while pool is saturated, got %v", err)
	}
}

func TestIsHashed(t *testing.T) {
	if IsHashed("") || IsHashed("hunter2") {
		t.Fatalf("plaintext must not be treated as hashed")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	if !IsHashed(string(hash)) {
		t.Fatalf("expected bcrypt hash to be detected")
	}
}
