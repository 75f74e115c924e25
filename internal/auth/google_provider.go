package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

const defaultProviderTimeout = 5 * time.Second

var (
	// ErrProvider reports any failure of the upstream identity provider: cancelled consent,
	// network failures, timeouts and profiles without an email.
	ErrProvider = errors.New("auth: identity provider error")

	ErrInvalidProviderConfig = errors.New("auth: invalid google provider config")
)

// Profile is the federated identity asserted by an identity provider.
type Profile struct {
	ProviderID  string
	Email       string
	DisplayName string
}

// GoogleProviderConfig configures the Google authorization code flow.
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration
	// Endpoint and UserInfoEndpoint override Google's endpoints; tests point them at httptest servers.
	Endpoint         oauth2.Endpoint
	UserInfoEndpoint string
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// GoogleProvider exchanges authorization codes for Google profiles.
type GoogleProvider struct {
	oauthConfig      *oauth2.Config
	userInfoEndpoint string
	timeout          time.Duration
	httpClient       *http.Client
	logger           *zap.Logger
}

// NewGoogleProvider validates the configuration and constructs a GoogleProvider.
func NewGoogleProvider(cfg GoogleProviderConfig) (*GoogleProvider, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	redirectURL := strings.TrimSpace(cfg.RedirectURL)
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, fmt.Errorf("%w: client id, client secret and redirect url are required", ErrInvalidProviderConfig)
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GoogleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{oauth2api.UserinfoEmailScope, oauth2api.UserinfoProfileScope},
		},
		userInfoEndpoint: strings.TrimSpace(cfg.UserInfoEndpoint),
		timeout:          timeout,
		httpClient:       httpClient,
		logger:           logger,
	}, nil
}

// BeginAuthorization returns the consent URL for state, bound to verifier with an S256 PKCE challenge.
func (p *GoogleProvider) BeginAuthorization(state, verifier string) string {
	return p.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCode trades an authorization code for the user's profile. The whole exchange is
// bounded by the configured timeout; every failure wraps ErrProvider.
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code, verifier string) (Profile, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Profile{}, fmt.Errorf("%w: missing authorization code", ErrProvider)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		p.logger.Warn("google code exchange failed", zap.Error(err))
		return Profile{}, fmt.Errorf("%w: exchange code: %v", ErrProvider, err)
	}

	options := []option.ClientOption{option.WithHTTPClient(p.oauthConfig.Client(ctx, token))}
	if p.userInfoEndpoint != "" {
		options = append(options, option.WithEndpoint(p.userInfoEndpoint))
	}
	service, err := oauth2api.NewService(ctx, options...)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: userinfo client: %v", ErrProvider, err)
	}

	info, err := service.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		p.logger.Warn("google userinfo request failed", zap.Error(err))
		return Profile{}, fmt.Errorf("%w: userinfo: %v", ErrProvider, err)
	}
	if strings.TrimSpace(info.Id) == "" {
		return Profile{}, fmt.Errorf("%w: profile has no subject", ErrProvider)
	}
	if strings.TrimSpace(info.Email) == "" {
		return Profile{}, fmt.Errorf("%w: email scope was not granted", ErrProvider)
	}

	return Profile{
		ProviderID:  info.Id,
		Email:       info.Email,
		DisplayName: info.Name,
	}, nil
}

// NewPKCEVerifier returns a fresh PKCE code verifier.
func NewPKCEVerifier() string {
	return oauth2.GenerateVerifier()
}
