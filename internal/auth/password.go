package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	defaultHashConcurrency = 4
	// MaxPasswordBytes is the longest input bcrypt accepts.
	MaxPasswordBytes = 72
)

var (
	ErrEmptyPassword   = errors.New("auth: password is empty")
	ErrEmptyHash       = errors.New("auth: password hash is empty")
	ErrPasswordTooLong = errors.New("auth: password exceeds 72 bytes")
)

// PasswordHasherConfig configures the bcrypt hasher.
type PasswordHasherConfig struct {
	Cost        int
	Concurrency int
}

// PasswordHasher hashes and verifies passwords with bcrypt. Hashing is CPU bound, so at most
// Concurrency hash computations run at once; other callers wait for a slot or their context.
type PasswordHasher struct {
	cost  int
	slots *semaphore.Weighted
}

// NewPasswordHasher constructs a hasher; zero values fall back to bcrypt.DefaultCost and four slots.
func NewPasswordHasher(cfg PasswordHasherConfig) *PasswordHasher {
	cost := cfg.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultHashConcurrency
	}
	return &PasswordHasher{
		cost:  cost,
		slots: semaphore.NewWeighted(int64(concurrency)),
	}
}

// Hash returns the salted bcrypt hash of password.
func (h *PasswordHasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.slots.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. A mismatch is not an error.
func (h *PasswordHasher) Verify(ctx context.Context, hash, password string) (bool, error) {
	if hash == "" {
		return false, ErrEmptyHash
	}
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.slots.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("auth: verify password: %w", err)
	}
}

// IsHashed reports whether value already looks like a bcrypt hash.
func IsHashed(value string) bool {
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}
