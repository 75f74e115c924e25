package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// OAuthStateCookieName carries the signed state and PKCE verifier between begin and callback.
	OAuthStateCookieName = "waroeng_oauth_state"
	oauthStateTTL        = 10 * time.Minute
	oauthStateAudience   = "waroeng-oauth-state"
)

var ErrInvalidOAuthState = errors.New("auth: invalid oauth state")

type oauthStateClaims struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	jwt.RegisteredClaims
}

// OAuthStateCodec signs the short-lived state cookie of the authorization code flow.
type OAuthStateCodec struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewOAuthStateCodec constructs a codec; the secret is required.
func NewOAuthStateCodec(signingSecret []byte, clock func() time.Time) (*OAuthStateCodec, error) {
	if len(signingSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	if clock == nil {
		clock = time.Now
	}
	return &OAuthStateCodec{signingSecret: append([]byte(nil), signingSecret...), clock: clock}, nil
}

// TTL reports how long an issued state stays valid.
func (c *OAuthStateCodec) TTL() time.Duration {
	return oauthStateTTL
}

// Issue returns a fresh state, its PKCE verifier and the signed cookie value carrying both.
func (c *OAuthStateCodec) Issue() (state string, verifier string, cookie string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("auth: generate state: %w", err)
	}
	state = base64.RawURLEncoding.EncodeToString(raw)
	verifier = NewPKCEVerifier()

	now := c.clock().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, oauthStateClaims{
		State:    state,
		Verifier: verifier,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  []string{oauthStateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(oauthStateTTL)),
		},
	})
	cookie, err = token.SignedString(c.signingSecret)
	if err != nil {
		return "", "", "", err
	}
	return state, verifier, cookie, nil
}

// Verify checks the cookie against the state returned by the provider and yields the PKCE verifier.
func (c *OAuthStateCodec) Verify(cookie, state string) (string, error) {
	if strings.TrimSpace(cookie) == "" || strings.TrimSpace(state) == "" {
		return "", ErrInvalidOAuthState
	}
	claims := &oauthStateClaims{}
	_, err := jwt.ParseWithClaims(
		cookie,
		claims,
		func(t *jwt.Token) (interface{}, error) { return c.signingSecret, nil },
		jwt.WithAudience(oauthStateAudience),
		jwt.WithTimeFunc(c.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOAuthState, err)
	}
	if subtle.ConstantTimeCompare([]byte(claims.State), []byte(state)) != 1 {
		return "", fmt.Errorf("%w: state mismatch", ErrInvalidOAuthState)
	}
	return claims.Verifier, nil
}
