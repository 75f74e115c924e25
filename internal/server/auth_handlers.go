package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/obs"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	oauthStateCookiePath = "/api/auth/google"

	messageRegistered       = "User registered successfully"
	messageLoggedIn         = "Login successful"
	messageDuplicateEmail   = "Email already registered"
	messageBadCredentials   = "Invalid credentials"
	messageFederatedOnly    = "Account exists via Google. Please sign in with Google."
	messageInvalidRequest   = "Invalid request body"
	messageGoogleDisabled   = "Google sign-in is not configured"
	messageGoogleInitFailed = "Error initiating Google login"
	messageInvalidGoogleID  = "Invalid Google token"
	messageGoogleCancelled  = "Google authentication cancelled"
	messageMissingCode      = "No authorization code received"
	messageInvalidState     = "Authentication session expired, please try again"
	messageProviderConflict = "This email is already linked to a different Google account"
	messageAuthFailed       = "Authentication failed"
)

type registerRequestPayload struct {
	Name     string `json:"name" form:"name"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type loginRequestPayload struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type googleTokenRequestPayload struct {
	IDToken string `json:"id_token" form:"id_token"`
}

type sessionResponsePayload struct {
	Message   string           `json:"message"`
	Token     string           `json:"token"`
	ExpiresAt int64            `json:"expires_at"`
	User      accounts.Summary `json:"user"`
}

func newSessionResponse(message string, session accounts.Session) sessionResponsePayload {
	return sessionResponsePayload{
		Message:   message,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.Unix(),
		User:      session.Account,
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBind(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidRequest})
		return
	}

	session, err := h.accounts.RegisterLocal(c.Request.Context(), request.Name, request.Email, request.Password)
	if err != nil {
		h.respondLocalAuthError(c, "register", err)
		return
	}
	h.metrics.ObserveAuth(obs.AuthMethodLocal, "registered")
	c.JSON(http.StatusCreated, newSessionResponse(messageRegistered, session))
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBind(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidRequest})
		return
	}

	session, err := h.accounts.LoginLocal(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondLocalAuthError(c, "login", err)
		return
	}
	h.metrics.ObserveAuth(obs.AuthMethodLocal, "success")
	c.JSON(http.StatusOK, newSessionResponse(messageLoggedIn, session))
}

// respondLocalAuthError maps account errors to 400 payloads; anything unexpected is a 500.
func (h *httpHandler) respondLocalAuthError(c *gin.Context, operation string, err error) {
	var validation *accounts.ValidationError
	switch {
	case errors.As(err, &validation):
		h.metrics.ObserveAuth(obs.AuthMethodLocal, "invalid_input")
		c.JSON(http.StatusBadRequest, gin.H{"message": validation.Message})
	case errors.Is(err, accounts.ErrDuplicateEmail):
		h.metrics.ObserveAuth(obs.AuthMethodLocal, "duplicate_email")
		c.JSON(http.StatusBadRequest, gin.H{"message": messageDuplicateEmail})
	case errors.Is(err, accounts.ErrInvalidCredentials):
		h.metrics.ObserveAuth(obs.AuthMethodLocal, "invalid_credentials")
		c.JSON(http.StatusBadRequest, gin.H{"message": messageBadCredentials})
	case errors.Is(err, accounts.ErrFederatedOnly):
		h.metrics.ObserveAuth(obs.AuthMethodLocal, "federated_only")
		c.JSON(http.StatusBadRequest, gin.H{"message": messageFederatedOnly})
	default:
		h.metrics.ObserveAuth(obs.AuthMethodLocal, "error")
		h.logger.Error("local authentication failed", zap.String("operation", operation), zap.Error(err))
		h.abortServerError(c, err)
	}
}

func (h *httpHandler) handleGoogleRedirect(c *gin.Context) {
	if h.googleProvider == nil || h.oauthState == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": messageGoogleDisabled})
		return
	}
	state, verifier, cookie, err := h.oauthState.Issue()
	if err != nil {
		h.logger.Error("failed to issue oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": messageGoogleInitFailed})
		return
	}
	h.setStateCookie(c, cookie, int(h.oauthState.TTL().Seconds()))
	c.Redirect(http.StatusFound, h.googleProvider.BeginAuthorization(state, verifier))
}

func (h *httpHandler) handleGoogleCallback(c *gin.Context) {
	if h.googleProvider == nil || h.oauthState == nil {
		h.redirectAuthError(c, messageGoogleDisabled)
		return
	}
	cookie, _ := c.Cookie(auth.OAuthStateCookieName)
	h.setStateCookie(c, "", -1)

	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("google authorization declined", zap.String("error", providerError))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "cancelled")
		h.redirectAuthError(c, messageGoogleCancelled)
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "missing_code")
		h.redirectAuthError(c, messageMissingCode)
		return
	}
	verifier, err := h.oauthState.Verify(cookie, c.Query("state"))
	if err != nil {
		h.logger.Warn("oauth state rejected", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "invalid_state")
		h.redirectAuthError(c, messageInvalidState)
		return
	}

	profile, err := h.googleProvider.ExchangeCode(c.Request.Context(), code, verifier)
	if err != nil {
		h.logger.Warn("google code exchange failed", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "provider_error")
		h.redirectAuthError(c, h.diagnosticMessage(messageAuthFailed, err))
		return
	}
	session, err := h.accounts.ResolveFederated(c.Request.Context(), profile)
	if err != nil {
		h.redirectAuthError(c, h.federatedFailureMessage(err))
		return
	}

	userJSON, err := json.Marshal(session.Account)
	if err != nil {
		h.logger.Error("failed to encode account summary", zap.Error(err))
		h.redirectAuthError(c, messageAuthFailed)
		return
	}
	h.metrics.ObserveAuth(obs.AuthMethodGoogle, "success")
	h.logger.Info("google login succeeded", zap.Uint("account_id", session.Account.ID), zap.String("role", string(session.Account.Role)))
	query := url.Values{}
	query.Set("token", session.Token)
	query.Set("user", string(userJSON))
	c.Redirect(http.StatusFound, h.frontendURL+"/auth/success?"+query.Encode())
}

func (h *httpHandler) handleGoogleToken(c *gin.Context) {
	if h.googleVerifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": messageGoogleDisabled})
		return
	}
	var request googleTokenRequestPayload
	if err := c.ShouldBind(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidRequest})
		return
	}

	claims, err := h.googleVerifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "invalid_id_token")
		c.JSON(http.StatusUnauthorized, gin.H{"message": messageInvalidGoogleID})
		return
	}

	session, err := h.accounts.ResolveFederated(c.Request.Context(), claims.Profile())
	if err != nil {
		message := h.federatedFailureMessage(err)
		status := http.StatusBadRequest
		if !errors.Is(err, accounts.ErrProviderConflict) && !errors.Is(err, accounts.ErrProvider) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"message": message})
		return
	}
	h.metrics.ObserveAuth(obs.AuthMethodGoogle, "success")
	c.JSON(http.StatusOK, newSessionResponse(messageLoggedIn, session))
}

func (h *httpHandler) handleMe(c *gin.Context) {
	account, ok := currentAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": messageNotAuthed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": account})
}

// federatedFailureMessage logs a resolution failure and returns the message shown to the user.
func (h *httpHandler) federatedFailureMessage(err error) string {
	switch {
	case errors.Is(err, accounts.ErrProviderConflict):
		h.logger.Warn("federated identity conflicts with linked account", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "provider_conflict")
		return messageProviderConflict
	case errors.Is(err, accounts.ErrProvider):
		h.logger.Warn("federated profile rejected", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "provider_error")
		return h.diagnosticMessage(messageAuthFailed, err)
	default:
		h.logger.Error("federated resolution failed", zap.Error(err))
		h.metrics.ObserveAuth(obs.AuthMethodGoogle, "error")
		return h.diagnosticMessage(messageAuthFailed, err)
	}
}

func (h *httpHandler) diagnosticMessage(message string, err error) string {
	if h.development && err != nil {
		return message + ": " + err.Error()
	}
	return message
}

func (h *httpHandler) redirectAuthError(c *gin.Context, message string) {
	query := url.Values{}
	query.Set("message", message)
	c.Redirect(http.StatusFound, h.frontendURL+"/auth/error?"+query.Encode())
}

func (h *httpHandler) setStateCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.OAuthStateCookieName, value, maxAge, oauthStateCookiePath, "", !h.development, true)
}
