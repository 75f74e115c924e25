package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"go.uber.org/zap"
)

const (
	defaultMinPasswordLength = 6
	defaultResolveAttempts   = 3
)

var errResolveRetry = errors.New("accounts: concurrent write, retry resolution")

// PasswordHasher hashes and verifies local credentials.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, hash, password string) (bool, error)
}

// SessionIssuer signs and validates session tokens carrying an account id as subject.
type SessionIssuer interface {
	IssueSessionToken(subject string) (string, time.Time, error)
	ValidateToken(token string) (string, error)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Store             Store
	Hasher            PasswordHasher
	Sessions          SessionIssuer
	AdminEmails       []string
	MinPasswordLength int
	// ResolveAttempts bounds how often a federated resolution re-reads after losing a write race.
	ResolveAttempts int
	Logger          *zap.Logger
}

// Session is the outcome of a successful authentication.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   Summary
}

// Service resolves credentials and federated identities to accounts and issues sessions.
// Sessions cannot be revoked: a token stays valid until it expires, even after a role or
// password change.
type Service struct {
	store             Store
	hasher            PasswordHasher
	sessions          SessionIssuer
	adminEmails       map[string]struct{}
	minPasswordLength int
	resolveAttempts   int
	logger            *zap.Logger
}

// NewService validates the configuration and constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store required", ErrConfig)
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("%w: password hasher required", ErrConfig)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("%w: session issuer required", ErrConfig)
	}

	minLength := cfg.MinPasswordLength
	if minLength <= 0 {
		minLength = defaultMinPasswordLength
	}
	attempts := cfg.ResolveAttempts
	if attempts <= 0 {
		attempts = defaultResolveAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		if normalized := NormalizeEmail(email); normalized != "" {
			admins[normalized] = struct{}{}
		}
	}

	return &Service{
		store:             cfg.Store,
		hasher:            cfg.Hasher,
		sessions:          cfg.Sessions,
		adminEmails:       admins,
		minPasswordLength: minLength,
		resolveAttempts:   attempts,
		logger:            logger,
	}, nil
}

// RegisterLocal creates a password account and signs it in.
func (s *Service) RegisterLocal(ctx context.Context, name, email, password string) (Session, error) {
	name = strings.TrimSpace(name)
	email = NormalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return Session{}, invalid("All fields are required")
	}
	if !validEmail(email) {
		return Session{}, invalid("Email address is not valid")
	}
	if utf8.RuneCountInString(password) < s.minPasswordLength {
		return Session{}, invalid(fmt.Sprintf("Password must be at least %d characters", s.minPasswordLength))
	}
	if len(password) > auth.MaxPasswordBytes {
		return Session{}, invalid(fmt.Sprintf("Password must be at most %d bytes", auth.MaxPasswordBytes))
	}

	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return Session{}, ErrDuplicateEmail
	} else if !errors.Is(err, ErrAccountNotFound) {
		return Session{}, fmt.Errorf("accounts: lookup email: %w", err)
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return Session{}, fmt.Errorf("accounts: hash password: %w", err)
	}

	account := Account{
		Name:               name,
		Email:              email,
		PasswordCredential: hash,
		Role:               s.roleFor(email),
	}
	if err := s.store.Insert(ctx, &account); err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return Session{}, ErrDuplicateEmail
		}
		return Session{}, fmt.Errorf("accounts: insert account: %w", err)
	}

	s.logger.Info("account registered",
		zap.Uint("account_id", account.ID),
		zap.String("role", string(account.Role)),
	)
	return s.newSession(account)
}

// LoginLocal verifies an email and password pair. Unknown emails and wrong passwords are
// indistinguishable; accounts that only sign in through Google get ErrFederatedOnly.
func (s *Service) LoginLocal(ctx context.Context, email, password string) (Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, invalid("Email and password are required")
	}

	account, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("accounts: lookup email: %w", err)
	}

	if !account.HasPassword() {
		if account.HasProvider() {
			return Session{}, ErrFederatedOnly
		}
		return Session{}, ErrInvalidCredentials
	}

	matched, err := s.hasher.Verify(ctx, account.PasswordCredential, password)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Session{}, ctxErr
		}
		s.logger.Warn("stored credential could not be verified",
			zap.Uint("account_id", account.ID),
			zap.Error(err),
		)
		return Session{}, ErrInvalidCredentials
	}
	if !matched {
		return Session{}, ErrInvalidCredentials
	}
	return s.newSession(account)
}

// ResolveFederated maps a provider profile to exactly one account: by provider id, then by
// email (linking a provider-less account), then by creating a new account. Losing a write race
// to a concurrent resolution re-runs the lookup instead of failing.
func (s *Service) ResolveFederated(ctx context.Context, profile auth.Profile) (Session, error) {
	providerID := strings.TrimSpace(profile.ProviderID)
	email := NormalizeEmail(profile.Email)
	if email == "" {
		return Session{}, fmt.Errorf("%w: profile has no email", ErrProvider)
	}
	if providerID == "" {
		return Session{}, fmt.Errorf("%w: profile has no subject", ErrProvider)
	}
	displayName := strings.TrimSpace(profile.DisplayName)

	for attempt := 1; attempt <= s.resolveAttempts; attempt++ {
		account, err := s.resolveOnce(ctx, providerID, email, displayName)
		if errors.Is(err, errResolveRetry) {
			s.logger.Debug("federated resolution lost a write race",
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return Session{}, err
		}
		return s.newSession(account)
	}
	return Session{}, fmt.Errorf("accounts: federated resolution did not settle after %d attempts", s.resolveAttempts)
}

func (s *Service) resolveOnce(ctx context.Context, providerID, email, displayName string) (Account, error) {
	account, err := s.store.FindByProviderID(ctx, providerID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("accounts: lookup provider id: %w", err)
	}

	account, err = s.store.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return s.linkExisting(ctx, account, providerID, displayName)
	case !errors.Is(err, ErrAccountNotFound):
		return Account{}, fmt.Errorf("accounts: lookup email: %w", err)
	}

	name := displayName
	if name == "" {
		name = email
	}
	account = Account{
		Name:       name,
		Email:      email,
		ProviderID: &providerID,
		Role:       s.roleFor(email),
	}
	if err := s.store.Insert(ctx, &account); err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return Account{}, errResolveRetry
		}
		return Account{}, fmt.Errorf("accounts: insert account: %w", err)
	}
	s.logger.Info("account created from federated login",
		zap.Uint("account_id", account.ID),
		zap.String("role", string(account.Role)),
	)
	return account, nil
}

func (s *Service) linkExisting(ctx context.Context, account Account, providerID, displayName string) (Account, error) {
	if account.HasProvider() {
		if *account.ProviderID == providerID {
			return account, nil
		}
		s.logger.Warn("federated login rejected: email linked to another provider identity",
			zap.Uint("account_id", account.ID),
		)
		return Account{}, ErrProviderConflict
	}

	linked, err := s.store.LinkProvider(ctx, account.ID, providerID, displayName)
	if err != nil {
		if errors.Is(err, ErrUniqueViolation) {
			return Account{}, errResolveRetry
		}
		return Account{}, fmt.Errorf("accounts: link provider: %w", err)
	}
	if !linked {
		return Account{}, errResolveRetry
	}

	account.ProviderID = &providerID
	if displayName != "" {
		account.Name = displayName
	}
	s.logger.Info("federated identity linked to existing account",
		zap.Uint("account_id", account.ID),
	)
	return account, nil
}

// IssueSession signs a session token for accountID.
func (s *Service) IssueSession(accountID uint) (string, time.Time, error) {
	if accountID == 0 {
		return "", time.Time{}, fmt.Errorf("%w: account id required", ErrValidation)
	}
	return s.sessions.IssueSessionToken(strconv.FormatUint(uint64(accountID), 10))
}

// VerifySession validates token and re-reads the account it names so the current role is returned.
func (s *Service) VerifySession(ctx context.Context, token string) (Summary, error) {
	subject, err := s.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Summary{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	accountID, err := strconv.ParseUint(subject, 10, 64)
	if err != nil || accountID == 0 {
		return Summary{}, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}

	account, err := s.store.FindByID(ctx, uint(accountID))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Summary{}, ErrAccountNotFound
		}
		return Summary{}, fmt.Errorf("accounts: lookup account: %w", err)
	}
	return account.Summary(), nil
}

func (s *Service) newSession(account Account) (Session, error) {
	token, expiresAt, err := s.IssueSession(account.ID)
	if err != nil {
		return Session{}, fmt.Errorf("accounts: issue session: %w", err)
	}
	return Session{Token: token, ExpiresAt: expiresAt, Account: account.Summary()}, nil
}

func (s *Service) roleFor(email string) Role {
	if _, ok := s.adminEmails[NormalizeEmail(email)]; ok {
		return RoleAdmin
	}
	return RoleUser
}

func validEmail(email string) bool {
	address, err := mail.ParseAddress(email)
	return err == nil && address.Address == email
}
