package accounts

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"go.uber.org/zap"
)

// RehashLegacyPasswords replaces stored credentials that are not bcrypt hashes with their hash.
// It returns how many accounts were updated.
func (s *Service) RehashLegacyPasswords(ctx context.Context) (int, error) {
	accounts, err := s.store.ListWithPassword(ctx)
	if err != nil {
		return 0, fmt.Errorf("accounts: list credentials: %w", err)
	}

	updated := 0
	for _, account := range accounts {
		if auth.IsHashed(account.PasswordCredential) {
			continue
		}
		hash, err := s.hasher.Hash(ctx, account.PasswordCredential)
		if err != nil {
			return updated, fmt.Errorf("accounts: rehash account %d: %w", account.ID, err)
		}
		if err := s.store.UpdatePassword(ctx, account.ID, hash); err != nil {
			return updated, fmt.Errorf("accounts: store rehashed credential for %d: %w", account.ID, err)
		}
		updated++
		s.logger.Info("legacy credential rehashed", zap.Uint("account_id", account.ID))
	}
	return updated, nil
}
