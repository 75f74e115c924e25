package accounts

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

func TestRegisterLocalCreatesAccountOnce(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()

	session, err := fixture.service.RegisterLocal(ctx, "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if session.Token == "" {
		t.Fatalf("expected a session token")
	}
	if session.Account.Role != RoleUser || session.Account.Name != "Ann" || session.Account.Email != "ann@x.com" {
		t.Fatalf("unexpected account summary %#v", session.Account)
	}

	stored := mustFindByEmail(t, fixture.store, "ann@x.com")
	if stored.PasswordCredential == "secret1" || !auth.IsHashed(stored.PasswordCredential) {
		t.Fatalf("expected password to be stored as a bcrypt hash")
	}

	_, err = fixture.service.RegisterLocal(ctx, "Ann Again", "ANN@x.com ", "secret2")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
	if count := countAccounts(t, fixture.db); count != 1 {
		t.Fatalf("expected exactly one account, found %d", count)
	}
}

func TestRegisterLocalValidatesInput(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	cases := []struct {
		name     string
		email    string
		password string
		message  string
	}{
		{name: "", email: "a@x.com", password: "secret1", message: "All fields are required"},
		{name: "Ann", email: " ", password: "secret1", message: "All fields are required"},
		{name: "Ann", email: "a@x.com", password: "", message: "All fields are required"},
		{name: "Ann", email: "not-an-email", password: "secret1", message: "Email address is not valid"},
		{name: "Ann", email: "a@x.com", password: "abc", message: "Password must be at least 6 characters"},
		{name: "Ann", email: "a@x.com", password: strings.Repeat("p", 73), message: "Password must be at most 72 bytes"},
		{name: "Ann", email: "a@x.com", password: "éééé", message: "Password must be at least 6 characters"},
		{name: "Ann", email: "a@x.com", password: strings.Repeat("é", 37), message: "Password must be at most 72 bytes"},
	}
	for _, testCase := range cases {
		_, err := fixture.service.RegisterLocal(context.Background(), testCase.name, testCase.email, testCase.password)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected validation error for %#v, got %v", testCase, err)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error to match ErrValidation")
		}
		if validationErr.Message != testCase.message {
			t.Fatalf("expected message %q, got %q", testCase.message, validationErr.Message)
		}
	}
	if count := countAccounts(t, fixture.db); count != 0 {
		t.Fatalf("expected no accounts, found %d", count)
	}
}

func TestRegisterLocalAssignsAdminFromAllowlist(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	session, err := fixture.service.RegisterLocal(context.Background(), "Boss", "boss@example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if session.Account.Role != RoleAdmin {
		t.Fatalf("expected admin role for allowlisted email, got %s", session.Account.Role)
	}
}

func TestLoginLocal(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	registered, err := fixture.service.RegisterLocal(ctx, "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	session, err := fixture.service.LoginLocal(ctx, "Ann@X.com", "secret1")
	if err != nil {
		t.Fatalf("expected login to succeed: %v", err)
	}
	if session.Account.ID != registered.Account.ID {
		t.Fatalf("expected login to resolve account %d, got %d", registered.Account.ID, session.Account.ID)
	}

	if _, err := fixture.service.LoginLocal(ctx, "ann@x.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for wrong password, got %v", err)
	}
	if _, err := fixture.service.LoginLocal(ctx, "nobody@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
	if _, err := fixture.service.LoginLocal(ctx, "", "secret1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing email, got %v", err)
	}
}

func TestLoginLocalRejectsFederatedOnlyAccounts(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	if _, err := fixture.service.ResolveFederated(ctx, auth.Profile{ProviderID: "g-9", Email: "fed@x.com", DisplayName: "Fed"}); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	if _, err := fixture.service.LoginLocal(ctx, "fed@x.com", "anything"); !errors.Is(err, ErrFederatedOnly) {
		t.Fatalf("expected federated-only error, got %v", err)
	}

	orphan := Account{Name: "Orphan", Email: "orphan@x.com", Role: RoleUser}
	if err := fixture.store.Insert(ctx, &orphan); err != nil {
		t.Fatalf("failed to insert orphan: %v", err)
	}
	if _, err := fixture.service.LoginLocal(ctx, "orphan@x.com", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for credential-less account, got %v", err)
	}
}

func TestLoginLocalRejectsLegacyPlaintextCredential(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	legacy := Account{Name: "Legacy", Email: "legacy@x.com", PasswordCredential: "secret1", Role: RoleUser}
	if err := fixture.store.Insert(ctx, &legacy); err != nil {
		t.Fatalf("failed to insert legacy account: %v", err)
	}

	if _, err := fixture.service.LoginLocal(ctx, "legacy@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected plaintext credential to be refused, got %v", err)
	}
}

func TestResolveFederatedIsIdempotent(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	profile := auth.Profile{ProviderID: "g-1", Email: "new@x.com", DisplayName: "New User"}

	first, err := fixture.service.ResolveFederated(context.Background(), profile)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	second, err := fixture.service.ResolveFederated(context.Background(), profile)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if first.Account.ID != second.Account.ID {
		t.Fatalf("expected the same account, got %d and %d", first.Account.ID, second.Account.ID)
	}
	if count := countAccounts(t, fixture.db); count != 1 {
		t.Fatalf("expected exactly one account, found %d", count)
	}

	stored := mustFindByEmail(t, fixture.store, "new@x.com")
	if stored.HasPassword() {
		t.Fatalf("federated accounts must not carry a credential")
	}
	if !stored.HasProvider() || *stored.ProviderID != "g-1" {
		t.Fatalf("expected provider id to be stored")
	}
}

func TestResolveFederatedLinksExistingPasswordAccount(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	registered, err := fixture.service.RegisterLocal(ctx, "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	linked, err := fixture.service.ResolveFederated(ctx, auth.Profile{ProviderID: "g-1", Email: "ann@x.com", DisplayName: "Ann G"})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if linked.Account.ID != registered.Account.ID {
		t.Fatalf("expected linking to reuse account %d, got %d", registered.Account.ID, linked.Account.ID)
	}
	if linked.Account.Name != "Ann G" {
		t.Fatalf("expected display name to be overwritten, got %q", linked.Account.Name)
	}

	stored := mustFindByEmail(t, fixture.store, "ann@x.com")
	if !stored.HasProvider() || *stored.ProviderID != "g-1" || stored.Name != "Ann G" {
		t.Fatalf("unexpected stored account %#v", stored)
	}

	byProvider, err := fixture.service.ResolveFederated(ctx, auth.Profile{ProviderID: "g-1", Email: "changed@x.com", DisplayName: "Other"})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if byProvider.Account.ID != registered.Account.ID {
		t.Fatalf("expected provider id to resolve the linked account")
	}
	if byProvider.Account.Name != "Ann G" {
		t.Fatalf("expected account found by provider id to stay unchanged, got %q", byProvider.Account.Name)
	}

	if _, err := fixture.service.LoginLocal(ctx, "ann@x.com", "secret1"); err != nil {
		t.Fatalf("expected password login to keep working after linking: %v", err)
	}
}

func TestResolveFederatedRejectsDifferentProviderForLinkedEmail(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	if _, err := fixture.service.ResolveFederated(ctx, auth.Profile{ProviderID: "g-1", Email: "ann@x.com", DisplayName: "Ann"}); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	_, err := fixture.service.ResolveFederated(ctx, auth.Profile{ProviderID: "g-2", Email: "ann@x.com", DisplayName: "Impostor"})
	if !errors.Is(err, ErrProviderConflict) {
		t.Fatalf("expected provider conflict, got %v", err)
	}
	stored := mustFindByEmail(t, fixture.store, "ann@x.com")
	if *stored.ProviderID != "g-1" || stored.Name != "Ann" {
		t.Fatalf("conflicting login must not modify the account: %#v", stored)
	}
}

func TestResolveFederatedRequiresEmailAndSubject(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	if _, err := fixture.service.ResolveFederated(context.Background(), auth.Profile{ProviderID: "g-1"}); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error for missing email, got %v", err)
	}
	if _, err := fixture.service.ResolveFederated(context.Background(), auth.Profile{Email: "a@x.com"}); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error for missing subject, got %v", err)
	}
}

func TestResolveFederatedAssignsAdminFromAllowlist(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	session, err := fixture.service.ResolveFederated(context.Background(), auth.Profile{ProviderID: "g-boss", Email: "BOSS@example.com"})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if session.Account.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %s", session.Account.Role)
	}
	if session.Account.Name != "boss@example.com" {
		t.Fatalf("expected email to stand in for a missing display name, got %q", session.Account.Name)
	}
}

func TestResolveFederatedConcurrentCallsCreateOneAccount(t *testing.T) {
	fixture := newServiceFixture(t, func(cfg *ServiceConfig) { cfg.ResolveAttempts = 10 })
	profile := auth.Profile{ProviderID: "g-race", Email: "race@x.com", DisplayName: "Racer"}

	const workers = 16
	ids := make([]uint, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for index := 0; index < workers; index++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			<-start
			session, err := fixture.service.ResolveFederated(context.Background(), profile)
			ids[slot] = session.Account.ID
			errs[slot] = err
		}(index)
	}
	close(start)
	wg.Wait()

	for index, err := range errs {
		if err != nil {
			t.Fatalf("worker %d failed: %v", index, err)
		}
		if ids[index] != ids[0] {
			t.Fatalf("workers resolved different accounts: %v", ids)
		}
	}
	if count := countAccounts(t, fixture.db); count != 1 {
		t.Fatalf("expected exactly one account, found %d", count)
	}
}

// racingStore lets a competing writer act between the service's lookups and its write.
type racingStore struct {
	Store
	beforeInsert func()
	beforeLink   func()
	inserts      int
}

func (s *racingStore) Insert(ctx context.Context, account *Account) error {
	s.inserts++
	if s.beforeInsert != nil {
		hook := s.beforeInsert
		s.beforeInsert = nil
		hook()
	}
	return s.Store.Insert(ctx, account)
}

func (s *racingStore) LinkProvider(ctx context.Context, id uint, providerID string, name string) (bool, error) {
	if s.beforeLink != nil {
		hook := s.beforeLink
		s.beforeLink = nil
		hook()
	}
	return s.Store.LinkProvider(ctx, id, providerID, name)
}

func TestResolveFederatedRereadsAfterLosingInsertRace(t *testing.T) {
	db := openTestDatabase(t)
	inner, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	var competitor Account
	store := &racingStore{Store: inner}
	store.beforeInsert = func() {
		competitor = Account{Name: "Winner", Email: "race@x.com", ProviderID: stringPointer("g-1"), Role: RoleUser}
		if err := inner.Insert(context.Background(), &competitor); err != nil {
			t.Fatalf("competing insert failed: %v", err)
		}
	}
	service, err := NewService(ServiceConfig{Store: store, Hasher: auth.NewPasswordHasher(auth.PasswordHasherConfig{}), Sessions: newTestIssuer(t, nil)})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	session, err := service.ResolveFederated(context.Background(), auth.Profile{ProviderID: "g-1", Email: "race@x.com", DisplayName: "Loser"})
	if err != nil {
		t.Fatalf("expected the unique violation to be absorbed, got %v", err)
	}
	if session.Account.ID != competitor.ID {
		t.Fatalf("expected the competing account %d, got %d", competitor.ID, session.Account.ID)
	}
	if store.inserts != 1 {
		t.Fatalf("expected a single insert attempt, got %d", store.inserts)
	}
	if count := countAccounts(t, db); count != 1 {
		t.Fatalf("expected exactly one account, found %d", count)
	}
}

func TestResolveFederatedRereadsAfterLosingLinkRace(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	registered, err := fixture.service.RegisterLocal(ctx, "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	store := &racingStore{Store: fixture.store}
	store.beforeLink = func() {
		linked, err := fixture.store.LinkProvider(ctx, registered.Account.ID, "g-1", "Ann First")
		if err != nil || !linked {
			t.Fatalf("competing link failed: linked=%v err=%v", linked, err)
		}
	}
	service, err := NewService(ServiceConfig{Store: store, Hasher: auth.NewPasswordHasher(auth.PasswordHasherConfig{}), Sessions: newTestIssuer(t, nil)})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	session, err := service.ResolveFederated(ctx, auth.Profile{ProviderID: "g-1", Email: "ann@x.com", DisplayName: "Ann Second"})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if session.Account.ID != registered.Account.ID || session.Account.Name != "Ann First" {
		t.Fatalf("expected the account linked by the winner, got %#v", session.Account)
	}
}

func TestRegisterLocalReportsDuplicateAfterLosingInsertRace(t *testing.T) {
	db := openTestDatabase(t)
	inner, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	store := &racingStore{Store: inner}
	store.beforeInsert = func() {
		competitor := Account{Name: "Winner", Email: "race@x.com", PasswordCredential: "hash", Role: RoleUser}
		if err := inner.Insert(context.Background(), &competitor); err != nil {
			t.Fatalf("competing insert failed: %v", err)
		}
	}
	service, err := NewService(ServiceConfig{Store: store, Hasher: auth.NewPasswordHasher(auth.PasswordHasherConfig{Cost: bcrypt.MinCost}), Sessions: newTestIssuer(t, nil)})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	_, err = service.RegisterLocal(context.Background(), "Loser", "RACE@x.com", "secret1")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected duplicate email from the insert violation, got %v", err)
	}
	if store.inserts != 1 {
		t.Fatalf("expected the lookup to miss and a single insert attempt, got %d", store.inserts)
	}
	if count := countAccounts(t, db); count != 1 {
		t.Fatalf("expected exactly one account, found %d", count)
	}
	if winner := mustFindByEmail(t, inner, "race@x.com"); winner.Name != "Winner" {
		t.Fatalf("expected the competing account to be kept, got %#v", winner)
	}
}

func TestVerifySessionRoundTrip(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	registered, err := fixture.service.RegisterLocal(ctx, "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	token, expiresAt, err := fixture.service.IssueSession(registered.Account.ID)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if time.Until(expiresAt) < 6*24*time.Hour {
		t.Fatalf("expected a seven day session, expires at %s", expiresAt)
	}

	summary, err := fixture.service.VerifySession(ctx, token)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if summary != registered.Account {
		t.Fatalf("expected %#v, got %#v", registered.Account, summary)
	}

	if err := fixture.db.Model(&Account{}).Where("id = ?", registered.Account.ID).Update("role", RoleAdmin).Error; err != nil {
		t.Fatalf("failed to promote account: %v", err)
	}
	summary, err = fixture.service.VerifySession(ctx, token)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if summary.Role != RoleAdmin {
		t.Fatalf("expected the current role to be read from the store, got %s", summary.Role)
	}

	tampered := token[:len(token)-2] + reverse(token[len(token)-2:])
	if tampered == token {
		tampered = token + "x"
	}
	if _, err := fixture.service.VerifySession(ctx, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for tampered signature, got %v", err)
	}
}

func TestVerifySessionReportsExpiry(t *testing.T) {
	issuedAt := time.Now().Add(-8 * 24 * time.Hour)
	fixture := newServiceFixture(t, func(cfg *ServiceConfig) {
		cfg.Sessions = newTestIssuer(t, func() time.Time { return issuedAt })
	})
	registered, err := fixture.service.RegisterLocal(context.Background(), "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	current := newTestIssuer(t, nil)
	verifier, err := NewService(ServiceConfig{Store: fixture.store, Hasher: auth.NewPasswordHasher(auth.PasswordHasherConfig{}), Sessions: current})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	if _, err := verifier.VerifySession(context.Background(), registered.Token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestVerifySessionReportsRemovedAccount(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	ctx := context.Background()
	registered, err := fixture.service.RegisterLocal(ctx, "Ann", "ann@x.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := fixture.db.Delete(&Account{}, registered.Account.ID).Error; err != nil {
		t.Fatalf("failed to delete account: %v", err)
	}

	if _, err := fixture.service.VerifySession(ctx, registered.Token); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}

	issuer := newTestIssuer(t, nil)
	foreign, _, err := issuer.IssueSessionToken("not-a-number")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := fixture.service.VerifySession(ctx, foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for malformed subject, got %v", err)
	}
	if _, err := fixture.service.VerifySession(ctx, strconv.Itoa(42)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for garbage input, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func reverse(value string) string {
	runes := []rune(value)
	for left, right := 0, len(runes)-1; left < right; left, right = left+1, right-1 {
		runes[left], runes[right] = runes[right], runes[left]
	}
	return string(runes)
}
